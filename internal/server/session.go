package server

import (
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"sshwarden/internal/auth"
	"sshwarden/internal/preauth"
	"sshwarden/internal/verify"
	"sshwarden/internal/wire"
)

// Transport message numbers tolerated alongside userauth traffic.
const (
	msgDisconnect = 1
	msgIgnore     = 2
	msgDebug      = 4
)

// Session is one connection's worker-side state. All of its fields are
// owned by the single goroutine running run(); the slot pool is the only
// cross-session structure it touches.
type Session struct {
	id   string
	conn net.Conn
	pc   *packetConn
	srv  *Server
	slot *preauth.Slot

	watchdog *time.Timer
	disp     *auth.Dispatcher
	log      *logrus.Entry
}

func newSession(conn net.Conn, slot *preauth.Slot, srv *Server) *Session {
	id := uuid.New()
	s := &Session{
		id:   id.String(),
		conn: conn,
		pc:   newPacketConn(conn),
		srv:  srv,
		slot: slot,
	}
	s.log = srv.log.WithFields(logrus.Fields{
		"session": s.id,
		"remote":  conn.RemoteAddr().String(),
	})

	cfg := srv.cfg
	authCfg := auth.Config{
		Methods:           methodSet(cfg.Auth.Methods),
		MaxTries:          cfg.Auth.MaxTries,
		MinDelay:          cfg.Auth.MinDelay,
		VarDelay:          cfg.Auth.VarDelay,
		Banner:            cfg.Auth.Banner,
		MaxUsernameLength: cfg.Auth.MaxUsernameLength,
		AllowRootLogin:    cfg.Auth.AllowRootLogin,
		RestrictedGroup:   cfg.Auth.RestrictedGroup,
		SingleAccountMode: cfg.Auth.SingleAccountMode,
		ServerUID:         os.Getuid(),
	}

	verifiers := []auth.Verifier{
		verify.NewPublicKeyVerifier(cfg.AuthorizedKeysDir, id[:]),
	}
	if cfg.PAMService != "" {
		verifiers = append(verifiers, verify.NewPAMVerifier(cfg.PAMService))
	} else {
		verifiers = append(verifiers, verify.NewPasswordVerifier(srv.users))
	}

	s.disp = auth.NewDispatcher(authCfg, s.pc, srv.dir, verifiers, s, s.log)
	return s
}

// ReleaseSlot implements auth.Accounting.
func (s *Session) ReleaseSlot() error {
	return s.slot.Release()
}

// CancelWatchdog implements auth.Accounting.
func (s *Session) CancelWatchdog() {
	if s.watchdog != nil {
		s.watchdog.Stop()
	}
}

// close tears the connection down; safe to call from any goroutine and more
// than once.
func (s *Session) close() {
	s.conn.Close()
}

// run is the session worker. It reads packets, feeds userauth requests to
// the dispatcher, and honors the dispatcher's terminate signals. All held
// resources are released on every exit path.
func (s *Session) run() {
	defer s.conn.Close()
	defer func() {
		// The success path has already released the slot; teardown after
		// a fatal error or disconnect must not leak it either.
		if err := s.slot.Release(); err != nil && !errors.Is(err, preauth.ErrAlreadyReleased) {
			s.log.WithError(err).Error("failed to release pre-auth slot during teardown")
		}
	}()

	s.log.Info("connection opened")

	if grace := s.srv.cfg.PreAuth.Grace; grace > 0 {
		s.watchdog = time.AfterFunc(grace, func() {
			s.log.Warn("closing connection: authentication grace period expired")
			s.conn.Close()
		})
		defer s.watchdog.Stop()
	}

	buf := getPacketBuffer()
	defer putPacketBuffer(buf)

	for {
		payload, err := s.pc.ReadPacket(*buf)
		if err != nil {
			if err != io.EOF {
				s.log.WithError(err).Debug("read failed, closing connection")
			}
			return
		}

		switch payload[0] {
		case msgDisconnect:
			s.log.Info("peer disconnected")
			return
		case msgIgnore, msgDebug:
			continue
		case wire.MsgUserauthRequest:
			if err := s.disp.HandleRequest(payload); err != nil {
				s.logFatal(err)
				return
			}
		default:
			if s.disp.State().Authenticated() {
				// The connection service that follows authentication is
				// someone else's protocol layer; its traffic is drained
				// here.
				continue
			}
			s.log.WithField("msg_type", payload[0]).Warn("unexpected pre-auth message, closing connection")
			return
		}
	}
}

// logFatal records a terminate signal from the dispatcher with the right
// severity for its class.
func (s *Session) logFatal(err error) {
	var limit *auth.LimitExceededError
	var res *auth.ResourceError
	switch {
	case auth.IsProtocolViolation(err):
		s.log.WithError(err).Warn("terminating connection: protocol violation")
	case errors.As(err, &limit):
		s.log.WithError(err).Warn("terminating connection: failure limit reached")
	case errors.As(err, &res):
		s.log.WithError(err).Error("terminating connection: resource failure")
	default:
		s.log.WithError(err).Error("terminating connection")
	}
}
