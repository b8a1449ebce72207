package server

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
)

// MaxPacketSize bounds a single packet, matching the SSH transport's 35000
// byte ceiling. Larger frames mark a hostile or broken peer.
const MaxPacketSize = 35000

// packetBuffers pools read buffers so each session does not allocate a
// fresh maximum-size slice per packet.
var packetBuffers = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, MaxPacketSize)
		return &buf
	},
}

func getPacketBuffer() *[]byte {
	return packetBuffers.Get().(*[]byte)
}

func putPacketBuffer(buf *[]byte) {
	packetBuffers.Put(buf)
}

// packetConn frames packets over an already-secured byte stream with a
// four-byte big-endian length prefix. The surrounding transport (TLS here)
// supplies confidentiality and integrity.
type packetConn struct {
	conn net.Conn

	// writeMu serializes writes so concurrent senders cannot interleave
	// frames. Reads have a single owner (the session worker) and need no
	// lock.
	writeMu sync.Mutex
}

func newPacketConn(conn net.Conn) *packetConn {
	return &packetConn{conn: conn}
}

// ReadPacket reads one frame into buf and returns the payload slice. buf
// must be at least MaxPacketSize bytes.
func (p *packetConn) ReadPacket(buf []byte) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(p.conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxPacketSize {
		return nil, fmt.Errorf("server: invalid packet length %d", n)
	}
	payload := buf[:n]
	if _, err := io.ReadFull(p.conn, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WritePacket implements auth.PacketWriter. The length prefix and payload
// go out in a single write.
func (p *packetConn) WritePacket(payload []byte) error {
	if len(payload) > MaxPacketSize {
		return fmt.Errorf("server: packet length %d exceeds maximum", len(payload))
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := p.conn.Write(frame)
	return err
}
