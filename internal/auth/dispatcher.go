package auth

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"sshwarden/internal/account"
	"sshwarden/internal/metrics"
	"sshwarden/internal/wire"
)

// PacketWriter queues an already-marshalled payload for transmission to the
// peer. The transport layer owns framing and encryption.
type PacketWriter interface {
	WritePacket(payload []byte) error
}

// Verifier checks one method's credentials for a resolved account. It owns
// the method-specific wire fields in the request payload and all
// cryptographic logic.
type Verifier interface {
	Method() Method
	// Verify returns whether the credential is acceptable. An error means
	// the check could not run; the dispatcher treats it as a failed
	// attempt and never reveals the cause to the peer.
	Verify(rec *account.Record, req *wire.UserauthRequest) (bool, error)
}

// Accounting is the connection-accounting collaborator notified when a
// session leaves the pre-authentication phase.
type Accounting interface {
	// ReleaseSlot removes the connection from the pre-auth slot pool.
	ReleaseSlot() error
	// CancelWatchdog stops the pre-auth duration watchdog.
	CancelWatchdog()
}

// Config is the policy snapshot a session is created with. It is read-only
// for the life of the session.
type Config struct {
	Methods           MethodSet
	MaxTries          int
	MinDelay          time.Duration
	VarDelay          time.Duration
	Banner            string
	MaxUsernameLength int
	AllowRootLogin    bool
	RestrictedGroup   string
	SingleAccountMode bool
	// ServerUID is the identity the daemon runs as, used by
	// single-account-mode admission.
	ServerUID int
}

// Dispatcher is the per-connection state machine driving authentication. It
// must only be used from the connection's own worker.
type Dispatcher struct {
	cfg       Config
	state     *State
	conn      PacketWriter
	dir       account.Directory
	verifiers map[Method]Verifier
	acct      Accounting
	log       *logrus.Entry

	// Injection points for tests; production uses the defaults set by
	// NewDispatcher.
	now      func() time.Time
	sleep    func(time.Duration)
	randRead func([]byte) (int, error)
}

// NewDispatcher wires a dispatcher for one connection. The verifier list
// determines which enabled methods can actually run; an enabled method
// without a verifier behaves like a disabled one.
func NewDispatcher(cfg Config, conn PacketWriter, dir account.Directory, verifiers []Verifier, acct Accounting, log *logrus.Entry) *Dispatcher {
	vm := make(map[Method]Verifier, len(verifiers))
	for _, v := range verifiers {
		vm[v.Method()] = v
	}
	return &Dispatcher{
		cfg:       cfg,
		state:     NewState(cfg.Methods),
		conn:      conn,
		dir:       dir,
		verifiers: vm,
		acct:      acct,
		log:       log,
		now:       time.Now,
		sleep:     time.Sleep,
		randRead:  rand.Read,
	}
}

// State exposes the session's authentication state to its owner.
func (d *Dispatcher) State() *State {
	return d.state
}

// HandleRequest processes one USERAUTH_REQUEST packet. A nil return means
// the session continues (whether the attempt failed or succeeded); a non-nil
// return is a terminate signal the connection owner must honor, after which
// no further packets may be processed.
func (d *Dispatcher) HandleRequest(packet []byte) error {
	// Once admitted, replayed or stray userauth requests produce no output
	// and no state change.
	if d.state.authenticated {
		return nil
	}

	if d.cfg.Banner != "" && !d.state.bannerSent {
		if err := d.conn.WritePacket(wire.MarshalBanner(d.cfg.Banner)); err != nil {
			return fmt.Errorf("auth: sending banner: %w", err)
		}
		d.state.bannerSent = true
	}

	req, err := wire.ParseRequest(packet)
	if err != nil {
		metrics.ProtocolViolations.Inc()
		return &ProtocolViolationError{Reason: err.Error()}
	}
	if !wire.ValidUsername(req.User) {
		metrics.ProtocolViolations.Inc()
		return &ProtocolViolationError{Reason: "undecodable username in userauth request"}
	}

	// Exact match on both length and content. A mismatch marks a
	// non-conforming peer and is fatal with no failure packet.
	if req.Service != wire.ServiceConnection {
		metrics.ProtocolViolations.Inc()
		d.log.WithField("service", req.Service).Warn("unknown service in auth")
		return &ProtocolViolationError{Reason: "unknown service in auth request"}
	}

	ok, reason, err := d.checkUsername(req.User)
	if err != nil {
		return err
	}
	if !ok {
		// Unknown and policy-rejected users take the same path as a wrong
		// credential so the peer cannot probe for valid accounts.
		return d.failure(false, true, reason)
	}

	// The client may probe with "none" to learn which methods may
	// continue; that is answered but never counted against the limit.
	if req.Method == wire.MethodNameNone {
		return d.failure(false, false, "")
	}

	method, known := ParseMethod(req.Method)
	if !known || !d.cfg.Methods.Has(method) {
		return d.failure(false, true, metrics.ReasonMethodDisabled)
	}
	verifier, haveVerifier := d.verifiers[method]
	if !haveVerifier {
		return d.failure(false, true, metrics.ReasonMethodDisabled)
	}

	verified, err := verifier.Verify(d.state.account, req)
	if err != nil {
		d.log.WithFields(logrus.Fields{
			"user":   d.state.username,
			"method": req.Method,
		}).WithError(err).Warn("credential verifier failed")
		verified = false
	}
	if !verified {
		return d.failure(false, true, metrics.ReasonBadCredential)
	}
	return d.success(req.Method)
}
