// Package preauth bounds the resources unauthenticated peers may hold: a
// fixed pool of connection slots acquired at accept time and released when a
// session authenticates or disconnects.
package preauth

import (
	"errors"
	"sync"

	"sshwarden/internal/metrics"
)

// ErrAlreadyReleased is returned when a slot is released twice through the
// error-returning path.
var ErrAlreadyReleased = errors.New("preauth: slot already released")

// Pool is the only state shared between sessions; all mutation happens
// under its mutex.
type Pool struct {
	mu    sync.Mutex
	limit int
	used  int
}

// NewPool returns a pool admitting at most limit concurrent
// pre-authentication connections. A non-positive limit disables the cap.
func NewPool(limit int) *Pool {
	return &Pool{limit: limit}
}

// Acquire claims a slot for a new connection. It reports false when the
// pool is exhausted, in which case the caller must refuse the connection.
func (p *Pool) Acquire() (*Slot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.limit > 0 && p.used >= p.limit {
		return nil, false
	}
	p.used++
	metrics.PreauthConnections.Set(float64(p.used))
	return &Slot{pool: p}, true
}

// InUse returns the number of currently occupied slots.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

func (p *Pool) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.used--
	metrics.PreauthConnections.Set(float64(p.used))
}

// Slot is one occupied pre-auth slot. Release is idempotent so the success
// path and the connection-teardown path may both call it without
// double-freeing capacity.
type Slot struct {
	pool *Pool
	once sync.Once
}

// Release returns the slot to the pool. The first call releases; later
// calls report ErrAlreadyReleased and change nothing.
func (s *Slot) Release() error {
	var first bool
	s.once.Do(func() {
		s.pool.release()
		first = true
	})
	if !first {
		return ErrAlreadyReleased
	}
	return nil
}
