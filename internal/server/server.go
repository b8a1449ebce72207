// Package server owns connection lifecycles: it accepts TLS connections,
// holds them in the pre-auth slot pool, and drives each one's
// authentication state machine on a dedicated goroutine.
//
// TLS stands in for the key-exchange and packet-encryption layer that is
// outside this subsystem; everything above the framing — the userauth
// exchange itself — is the real protocol surface.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"sshwarden/internal/account"
	"sshwarden/internal/auth"
	"sshwarden/internal/config"
	"sshwarden/internal/preauth"
	"sshwarden/internal/usermgmt"
	"sshwarden/pkg/certgen"
)

// Server accepts connections and tracks live sessions.
type Server struct {
	cfg   config.Config
	log   *logrus.Logger
	pool  *preauth.Pool
	users *usermgmt.Store
	dir   account.Directory

	ctx    context.Context
	cancel context.CancelFunc
	conns  sync.Map // map[*Session]struct{}
	wg     sync.WaitGroup
}

// New constructs a server from the loaded configuration.
func New(cfg config.Config, log *logrus.Logger) (*Server, error) {
	users, err := usermgmt.Open(cfg.UserDB)
	if err != nil {
		return nil, fmt.Errorf("server: opening user store: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		log:    log,
		pool:   preauth.NewPool(cfg.PreAuth.MaxConnections),
		users:  users,
		dir:    account.NewSystemDirectory(),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// ListenAndServe generates TLS material if needed, then accepts connections
// until Shutdown is called.
func (s *Server) ListenAndServe() error {
	if err := certgen.EnsureKeyPair(s.cfg.CertFile, s.cfg.KeyFile); err != nil {
		return fmt.Errorf("server: generating TLS material: %w", err)
	}
	cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("server: loading TLS material: %w", err)
	}

	tcpLn, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("server: listening on %s: %w", s.cfg.Listen, err)
	}
	ln := tls.NewListener(tcpLn, &tls.Config{Certificates: []tls.Certificate{cert}})
	defer ln.Close()

	s.log.WithField("addr", s.cfg.Listen).Info("listening")
	for {
		select {
		case <-s.ctx.Done():
			return nil
		default:
		}
		if inner, ok := tcpLn.(*net.TCPListener); ok {
			inner.SetDeadline(time.Now().Add(2 * time.Second))
		}
		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if s.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		s.admit(conn)
	}
}

// admit claims a pre-auth slot for the connection or refuses it outright
// when the pool is exhausted.
func (s *Server) admit(conn net.Conn) {
	slot, ok := s.pool.Acquire()
	if !ok {
		s.log.WithField("remote", conn.RemoteAddr().String()).
			Warn("refusing connection: too many unauthenticated peers")
		conn.Close()
		return
	}

	sess := newSession(conn, slot, s)
	s.conns.Store(sess, struct{}{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.conns.Delete(sess)
		sess.run()
	}()
}

// Shutdown stops accepting, closes live sessions and waits for their
// workers to finish.
func (s *Server) Shutdown() {
	s.cancel()
	s.conns.Range(func(key, _ any) bool {
		if sess, ok := key.(*Session); ok {
			sess.close()
		}
		return true
	})
	s.wg.Wait()
}

// Run starts the server and blocks until SIGINT/SIGTERM, then shuts down
// gracefully.
func Run(cfg config.Config, log *logrus.Logger) error {
	s, err := New(cfg, log)
	if err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	errc := make(chan error, 1)
	go func() { errc <- s.ListenAndServe() }()

	select {
	case <-sig:
		log.Info("shutting down")
		s.Shutdown()
		return nil
	case err := <-errc:
		s.Shutdown()
		return err
	}
}

// methodSet translates the configured method names into the session's
// enabled set.
func methodSet(names []string) auth.MethodSet {
	var set auth.MethodSet
	for _, name := range names {
		if m, ok := auth.ParseMethod(name); ok {
			set |= auth.MethodSet(m)
		}
	}
	return set
}
