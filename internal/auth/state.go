package auth

import (
	"time"

	"sshwarden/internal/account"
	"sshwarden/internal/wire"
)

// Method is a single authentication mechanism a client may offer.
type Method uint8

const (
	MethodPublicKey Method = 1 << iota
	MethodPassword
)

// String returns the wire name of the method.
func (m Method) String() string {
	switch m {
	case MethodPublicKey:
		return wire.MethodNamePublicKey
	case MethodPassword:
		return wire.MethodNamePassword
	}
	return "unknown"
}

// ParseMethod maps a wire method name to its Method value.
func ParseMethod(name string) (Method, bool) {
	switch name {
	case wire.MethodNamePublicKey:
		return MethodPublicKey, true
	case wire.MethodNamePassword:
		return MethodPassword, true
	}
	return 0, false
}

// MethodSet is the set of methods enabled for a session. It is computed once
// at session start and never mutated afterwards.
type MethodSet uint8

// NewMethodSet builds a set from individual methods.
func NewMethodSet(methods ...Method) MethodSet {
	var s MethodSet
	for _, m := range methods {
		s |= MethodSet(m)
	}
	return s
}

// Has reports whether m is enabled.
func (s MethodSet) Has(m Method) bool {
	return s&MethodSet(m) != 0
}

// Empty reports whether no method is enabled.
func (s MethodSet) Empty() bool {
	return s == 0
}

// Names returns the enabled method names in the order they are advertised
// in failure messages: publickey before password. The order is part of the
// observable protocol surface, so it is fixed here rather than derived from
// map iteration.
func (s MethodSet) Names() []string {
	names := make([]string, 0, 2)
	if s.Has(MethodPublicKey) {
		names = append(names, wire.MethodNamePublicKey)
	}
	if s.Has(MethodPassword) {
		names = append(names, wire.MethodNamePassword)
	}
	return names
}

// State is the per-connection authentication state. It is created when the
// connection reaches the post-key-exchange phase and only ever mutated by
// the dispatcher that owns it.
type State struct {
	enabled MethodSet

	authenticated bool
	failCount     int

	username    string
	usernameSet bool

	// Cached admission verdict for username. Once a rejection is cached
	// the username can never succeed within this session, and the policy
	// log lines are not repeated on retries.
	verdictCached bool
	checkFailed   bool

	account *account.Record

	start      time.Time
	bannerSent bool

	allowPrivPort bool
}

// NewState returns the initial state for a fresh connection.
func NewState(enabled MethodSet) *State {
	return &State{
		enabled: enabled,
		start:   time.Now(),
	}
}

// Authenticated reports whether the session has been admitted.
func (s *State) Authenticated() bool {
	return s.authenticated
}

// FailCount returns the number of counted failures so far.
func (s *State) FailCount() int {
	return s.failCount
}

// Username returns the bound username and whether one has been bound.
func (s *State) Username() (string, bool) {
	return s.username, s.usernameSet
}

// Account returns the resolved account record, or nil when the bound
// username does not exist locally or no username has been bound yet.
func (s *State) Account() *account.Record {
	return s.account
}

// AllowsPrivilegedPorts reports whether the admitted account may bind
// low-numbered ports.
func (s *State) AllowsPrivilegedPorts() bool {
	return s.allowPrivPort
}
