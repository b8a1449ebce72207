package auth

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"sshwarden/internal/account"
	"sshwarden/internal/wire"
)

type fakeConn struct {
	packets [][]byte
}

func (c *fakeConn) WritePacket(payload []byte) error {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	c.packets = append(c.packets, buf)
	return nil
}

type fakeDirectory struct {
	records    map[string]*account.Record
	groups     map[string][]string
	groupsErr  error
	shells     []string
	lookups    int
	groupCalls int
}

func (d *fakeDirectory) Lookup(username string) (*account.Record, error) {
	d.lookups++
	if rec, ok := d.records[username]; ok {
		return rec, nil
	}
	return nil, account.ErrUnknownAccount
}

func (d *fakeDirectory) Groups(rec *account.Record) ([]string, error) {
	d.groupCalls++
	if d.groupsErr != nil {
		return nil, d.groupsErr
	}
	return d.groups[rec.Name], nil
}

func (d *fakeDirectory) ValidShells() []string {
	if d.shells == nil {
		return []string{"/bin/sh", "/bin/bash"}
	}
	return d.shells
}

type fakeVerifier struct {
	method Method
	result bool
	err    error
	calls  int
}

func (v *fakeVerifier) Method() Method { return v.method }

func (v *fakeVerifier) Verify(rec *account.Record, req *wire.UserauthRequest) (bool, error) {
	v.calls++
	return v.result, v.err
}

type fakeAccounting struct {
	releases   int
	cancels    int
	releaseErr error
}

func (a *fakeAccounting) ReleaseSlot() error {
	a.releases++
	return a.releaseErr
}

func (a *fakeAccounting) CancelWatchdog() {
	a.cancels++
}

type testEnv struct {
	d      *Dispatcher
	conn   *fakeConn
	dir    *fakeDirectory
	acct   *fakeAccounting
	sleeps []time.Duration
	now    time.Time
}

func testConfig() Config {
	return Config{
		Methods:           NewMethodSet(MethodPublicKey, MethodPassword),
		MaxTries:          10,
		MinDelay:          250 * time.Millisecond,
		VarDelay:          100 * time.Millisecond,
		MaxUsernameLength: 100,
		AllowRootLogin:    false,
		ServerUID:         1000,
	}
}

func newTestEnv(t *testing.T, cfg Config, dir *fakeDirectory, verifiers ...Verifier) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	env := &testEnv{
		conn: &fakeConn{},
		dir:  dir,
		acct: &fakeAccounting{},
		now:  time.Now(),
	}
	env.d = NewDispatcher(cfg, env.conn, dir, verifiers, env.acct, logrus.NewEntry(logger))
	env.d.state.start = env.now
	env.d.now = func() time.Time { return env.now }
	env.d.sleep = func(dur time.Duration) { env.sleeps = append(env.sleeps, dur) }
	env.d.randRead = func(b []byte) (int, error) {
		clear(b)
		return len(b), nil
	}
	return env
}

func aliceDir() *fakeDirectory {
	return &fakeDirectory{
		records: map[string]*account.Record{
			"alice": {Name: "alice", UID: 1000, GID: 1000, Shell: "/bin/bash", HomeDir: "/home/alice"},
		},
	}
}

func passwordRequest(user, password string) []byte {
	payload := ssh.Marshal(struct {
		ChangeRequest bool
		Password      string
	}{false, password})
	return ssh.Marshal(&wire.UserauthRequest{
		User:    user,
		Service: wire.ServiceConnection,
		Method:  wire.MethodNamePassword,
		Payload: payload,
	})
}

func request(user, service, method string) []byte {
	return ssh.Marshal(&wire.UserauthRequest{User: user, Service: service, Method: method})
}

func TestSuccessThenReplayProducesNoOutput(t *testing.T) {
	env := newTestEnv(t, testConfig(), aliceDir(),
		&fakeVerifier{method: MethodPassword, result: true})

	packet := passwordRequest("alice", "correct horse")
	require.NoError(t, env.d.HandleRequest(packet))
	require.Len(t, env.conn.packets, 1)
	assert.Equal(t, wire.MarshalSuccess(), env.conn.packets[0])
	assert.True(t, env.d.state.Authenticated())
	assert.Equal(t, 1, env.acct.releases)
	assert.Equal(t, 1, env.acct.cancels)

	// Replaying the exact bytes of the admitting request is a no-op: no
	// wire output, no state change.
	failCount := env.d.state.FailCount()
	require.NoError(t, env.d.HandleRequest(packet))
	require.NoError(t, env.d.HandleRequest(passwordRequest("alice", "anything")))
	assert.Len(t, env.conn.packets, 1)
	assert.Equal(t, failCount, env.d.state.FailCount())
	assert.Equal(t, 1, env.acct.releases)
}

func TestFailureCountingAndLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTries = 3
	env := newTestEnv(t, cfg, aliceDir(),
		&fakeVerifier{method: MethodPassword, result: false})

	// The first two failures keep the session alive.
	for i := 1; i <= 2; i++ {
		require.NoError(t, env.d.HandleRequest(passwordRequest("alice", "wrong")))
		assert.Equal(t, i, env.d.state.FailCount())
	}

	// The third failure closes the connection, with the resolved account
	// name in the terminate signal.
	err := env.d.HandleRequest(passwordRequest("alice", "wrong"))
	var limit *LimitExceededError
	require.ErrorAs(t, err, &limit)
	assert.Equal(t, "alice", limit.User)
	assert.Equal(t, 3, limit.Tries)

	// Every attempt was answered with a failure message before the limit
	// cut the connection.
	assert.Len(t, env.conn.packets, 3)
}

func TestLimitForUnknownUserLogsInvalidMarker(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTries = 1
	env := newTestEnv(t, cfg, &fakeDirectory{})

	err := env.d.HandleRequest(passwordRequest("ghost", "pw"))
	var limit *LimitExceededError
	require.ErrorAs(t, err, &limit)
	assert.Equal(t, "is invalid", limit.User)
}

func TestFailureDelayFloor(t *testing.T) {
	cfg := testConfig()

	// Fast path: almost no time elapsed since session start, so the full
	// randomized floor applies (jitter is zero with the stubbed CSPRNG).
	env := newTestEnv(t, cfg, aliceDir(),
		&fakeVerifier{method: MethodPassword, result: false})
	env.now = env.d.state.start.Add(100 * time.Millisecond)
	require.NoError(t, env.d.HandleRequest(passwordRequest("alice", "wrong")))
	require.Len(t, env.sleeps, 1)
	assert.Equal(t, 150*time.Millisecond, env.sleeps[0])

	// Slow path: verification took longer than the floor; the jitter is
	// still paid so the delay can never be skipped entirely.
	env = newTestEnv(t, cfg, aliceDir(),
		&fakeVerifier{method: MethodPassword, result: false})
	env.d.randRead = func(b []byte) (int, error) {
		b[0] = 7 // 7ns of jitter
		for i := 1; i < len(b); i++ {
			b[i] = 0
		}
		return len(b), nil
	}
	env.now = env.d.state.start.Add(500 * time.Millisecond)
	require.NoError(t, env.d.HandleRequest(passwordRequest("alice", "wrong")))
	require.Len(t, env.sleeps, 1)
	assert.Equal(t, cfg.MinDelay+7*time.Nanosecond, env.sleeps[0])

	// Clock moved backwards: still a full positive delay.
	env = newTestEnv(t, cfg, aliceDir(),
		&fakeVerifier{method: MethodPassword, result: false})
	env.now = env.d.state.start.Add(-3 * time.Second)
	require.NoError(t, env.d.HandleRequest(passwordRequest("alice", "wrong")))
	require.Len(t, env.sleeps, 1)
	assert.Equal(t, cfg.MinDelay, env.sleeps[0])
}

func TestUnknownUserIndistinguishableFromWrongPassword(t *testing.T) {
	cfg := testConfig()

	unknown := newTestEnv(t, cfg, &fakeDirectory{})
	unknown.now = unknown.d.state.start.Add(10 * time.Millisecond)
	require.NoError(t, unknown.d.HandleRequest(passwordRequest("ghost", "pw")))

	wrong := newTestEnv(t, cfg, aliceDir(),
		&fakeVerifier{method: MethodPassword, result: false})
	wrong.now = wrong.d.state.start.Add(10 * time.Millisecond)
	require.NoError(t, wrong.d.HandleRequest(passwordRequest("alice", "pw")))

	// Same wire bytes, same delay: no user-enumeration oracle.
	assert.Equal(t, unknown.conn.packets, wrong.conn.packets)
	assert.Equal(t, unknown.sleeps, wrong.sleeps)
	assert.Equal(t, 1, unknown.d.state.FailCount())
	assert.Equal(t, 1, wrong.d.state.FailCount())
}

func TestUsernameChangeIsFatal(t *testing.T) {
	env := newTestEnv(t, testConfig(), aliceDir(),
		&fakeVerifier{method: MethodPassword, result: false})

	require.NoError(t, env.d.HandleRequest(passwordRequest("alice", "wrong")))
	sent := len(env.conn.packets)

	err := env.d.HandleRequest(passwordRequest("bob", "pw"))
	require.Error(t, err)
	assert.True(t, IsProtocolViolation(err))
	// No failure message accompanies a protocol violation, and the
	// attempt is not counted.
	assert.Len(t, env.conn.packets, sent)
	assert.Equal(t, 1, env.d.state.FailCount())
}

func TestServiceNameMismatchIsFatal(t *testing.T) {
	env := newTestEnv(t, testConfig(), aliceDir())

	err := env.d.HandleRequest(request("alice", "not-ssh-connection", "password"))
	require.Error(t, err)
	assert.True(t, IsProtocolViolation(err))
	assert.Empty(t, env.conn.packets)
	assert.Zero(t, env.d.state.FailCount())
}

func TestMalformedRequestIsFatal(t *testing.T) {
	env := newTestEnv(t, testConfig(), aliceDir())

	err := env.d.HandleRequest([]byte{wire.MsgUserauthRequest, 0xff})
	require.Error(t, err)
	assert.True(t, IsProtocolViolation(err))
	assert.Empty(t, env.conn.packets)
}

func TestUsernameWithEmbeddedNULIsFatal(t *testing.T) {
	env := newTestEnv(t, testConfig(), aliceDir())

	err := env.d.HandleRequest(request("ali\x00ce", wire.ServiceConnection, "password"))
	require.Error(t, err)
	assert.True(t, IsProtocolViolation(err))
	assert.Empty(t, env.conn.packets)
}

func TestDisabledMethodBehavesLikeWrongCredential(t *testing.T) {
	cfg := testConfig()
	cfg.Methods = NewMethodSet(MethodPassword)

	verifier := &fakeVerifier{method: MethodPassword, result: false}
	disabled := newTestEnv(t, cfg, aliceDir(), verifier)
	require.NoError(t, disabled.d.HandleRequest(request("alice", wire.ServiceConnection, "publickey")))

	wrong := newTestEnv(t, cfg, aliceDir(), &fakeVerifier{method: MethodPassword, result: false})
	require.NoError(t, wrong.d.HandleRequest(passwordRequest("alice", "wrong")))

	assert.Equal(t, wrong.conn.packets, disabled.conn.packets)
	assert.Equal(t, 1, disabled.d.state.FailCount())
	assert.Zero(t, verifier.calls)

	// The failure lists only the enabled method.
	var failure wire.UserauthFailure
	require.NoError(t, ssh.Unmarshal(disabled.conn.packets[0], &failure))
	assert.Equal(t, []string{"password"}, failure.Methods)
	assert.False(t, failure.PartialSuccess)
}

func TestNoneMethodAnsweredButNotCounted(t *testing.T) {
	env := newTestEnv(t, testConfig(), aliceDir())

	require.NoError(t, env.d.HandleRequest(request("alice", wire.ServiceConnection, "none")))
	require.Len(t, env.conn.packets, 1)
	assert.Zero(t, env.d.state.FailCount())
	assert.Empty(t, env.sleeps)

	var failure wire.UserauthFailure
	require.NoError(t, ssh.Unmarshal(env.conn.packets[0], &failure))
	assert.Equal(t, []string{"publickey", "password"}, failure.Methods)
}

func TestRootLoginDisabledBeatsCorrectCredential(t *testing.T) {
	dir := &fakeDirectory{
		records: map[string]*account.Record{
			"root": {Name: "root", UID: 0, GID: 0, Shell: "/bin/bash"},
		},
	}
	verifier := &fakeVerifier{method: MethodPassword, result: true}
	env := newTestEnv(t, testConfig(), dir, verifier)

	require.NoError(t, env.d.HandleRequest(passwordRequest("root", "correct")))
	assert.Equal(t, 1, env.d.state.FailCount())
	assert.False(t, env.d.state.Authenticated())
	// Policy runs before credential verification ever does.
	assert.Zero(t, verifier.calls)
}

func TestRejectedVerdictIsCachedForTheSession(t *testing.T) {
	dir := &fakeDirectory{
		records: map[string]*account.Record{
			"carol": {Name: "carol", UID: 1001, GID: 1001, Shell: "/bin/bash"},
		},
		groups: map[string][]string{"carol": {"users"}},
	}
	cfg := testConfig()
	cfg.RestrictedGroup = "wheel"
	verifier := &fakeVerifier{method: MethodPassword, result: true}
	env := newTestEnv(t, cfg, dir, verifier)

	require.NoError(t, env.d.HandleRequest(passwordRequest("carol", "correct")))
	require.NoError(t, env.d.HandleRequest(passwordRequest("carol", "correct")))
	require.NoError(t, env.d.HandleRequest(passwordRequest("carol", "correct")))

	// A policy-rejected username can never succeed within the session,
	// and the policy is evaluated (and logged) only once.
	assert.Equal(t, 3, env.d.state.FailCount())
	assert.False(t, env.d.state.Authenticated())
	assert.Zero(t, verifier.calls)
	assert.Equal(t, 1, env.dir.groupCalls)
	assert.Equal(t, 1, env.dir.lookups)
}

func TestGroupRestriction(t *testing.T) {
	dir := &fakeDirectory{
		records: map[string]*account.Record{
			"dave": {Name: "dave", UID: 1002, GID: 1002, Shell: "/bin/bash"},
		},
		groups: map[string][]string{"dave": {"users", "wheel"}},
	}
	cfg := testConfig()
	cfg.RestrictedGroup = "wheel"
	env := newTestEnv(t, cfg, dir, &fakeVerifier{method: MethodPassword, result: true})

	require.NoError(t, env.d.HandleRequest(passwordRequest("dave", "correct")))
	assert.True(t, env.d.state.Authenticated())
}

func TestGroupLookupFailureIsFatal(t *testing.T) {
	dir := aliceDir()
	dir.groupsErr = assert.AnError
	cfg := testConfig()
	cfg.RestrictedGroup = "wheel"
	env := newTestEnv(t, cfg, dir, &fakeVerifier{method: MethodPassword, result: true})

	err := env.d.HandleRequest(passwordRequest("alice", "correct"))
	var res *ResourceError
	require.ErrorAs(t, err, &res)
	assert.False(t, env.d.state.Authenticated())
}

func TestSingleAccountMode(t *testing.T) {
	dir := &fakeDirectory{
		records: map[string]*account.Record{
			"self":  {Name: "self", UID: 1000, GID: 1000, Shell: "/bin/bash"},
			"other": {Name: "other", UID: 1001, GID: 1001, Shell: "/bin/bash"},
		},
	}
	cfg := testConfig()
	cfg.SingleAccountMode = true

	env := newTestEnv(t, cfg, dir, &fakeVerifier{method: MethodPassword, result: true})
	require.NoError(t, env.d.HandleRequest(passwordRequest("other", "correct")))
	assert.False(t, env.d.state.Authenticated())
	assert.Equal(t, 1, env.d.state.FailCount())

	env = newTestEnv(t, cfg, dir, &fakeVerifier{method: MethodPassword, result: true})
	require.NoError(t, env.d.HandleRequest(passwordRequest("self", "correct")))
	assert.True(t, env.d.state.Authenticated())
}

func TestShellPolicy(t *testing.T) {
	dir := &fakeDirectory{
		records: map[string]*account.Record{
			"eve":   {Name: "eve", UID: 1003, GID: 1003, Shell: "/sbin/nologin"},
			"frank": {Name: "frank", UID: 1004, GID: 1004, Shell: ""},
		},
		shells: []string{"/bin/sh", "/bin/bash"},
	}
	cfg := testConfig()

	env := newTestEnv(t, cfg, dir, &fakeVerifier{method: MethodPassword, result: true})
	require.NoError(t, env.d.HandleRequest(passwordRequest("eve", "correct")))
	assert.False(t, env.d.state.Authenticated())

	// An empty shell field falls back to the default interactive shell,
	// which is on the allowlist.
	env = newTestEnv(t, cfg, dir, &fakeVerifier{method: MethodPassword, result: true})
	require.NoError(t, env.d.HandleRequest(passwordRequest("frank", "correct")))
	assert.True(t, env.d.state.Authenticated())
}

func TestOverlongUsernameIsCountedFailure(t *testing.T) {
	cfg := testConfig()
	cfg.MaxUsernameLength = 8
	env := newTestEnv(t, cfg, aliceDir())

	require.NoError(t, env.d.HandleRequest(passwordRequest("averylongusername", "pw")))
	assert.Equal(t, 1, env.d.state.FailCount())
	assert.Len(t, env.conn.packets, 1)
}

func TestBannerSentOnceBeforeFirstRequest(t *testing.T) {
	cfg := testConfig()
	cfg.Banner = "authorized use only\n"
	env := newTestEnv(t, cfg, aliceDir(),
		&fakeVerifier{method: MethodPassword, result: false})

	require.NoError(t, env.d.HandleRequest(passwordRequest("alice", "wrong")))
	require.NoError(t, env.d.HandleRequest(passwordRequest("alice", "wrong")))

	// banner + failure + failure; the banner never repeats.
	require.Len(t, env.conn.packets, 3)
	var banner wire.UserauthBanner
	require.NoError(t, ssh.Unmarshal(env.conn.packets[0], &banner))
	assert.Equal(t, cfg.Banner, banner.Message)
	assert.Equal(t, "en", banner.Language)
	assert.Equal(t, byte(wire.MsgUserauthFailure), env.conn.packets[1][0])
	assert.Equal(t, byte(wire.MsgUserauthFailure), env.conn.packets[2][0])
}

func TestRootSuccessGrantsPrivilegedPorts(t *testing.T) {
	dir := &fakeDirectory{
		records: map[string]*account.Record{
			"root": {Name: "root", UID: 0, GID: 0, Shell: "/bin/bash"},
		},
	}
	cfg := testConfig()
	cfg.AllowRootLogin = true
	env := newTestEnv(t, cfg, dir, &fakeVerifier{method: MethodPassword, result: true})

	require.NoError(t, env.d.HandleRequest(passwordRequest("root", "correct")))
	assert.True(t, env.d.state.Authenticated())
	assert.True(t, env.d.state.AllowsPrivilegedPorts())
}

func TestVerifierErrorIsCountedFailure(t *testing.T) {
	env := newTestEnv(t, testConfig(), aliceDir(),
		&fakeVerifier{method: MethodPassword, err: assert.AnError})

	require.NoError(t, env.d.HandleRequest(passwordRequest("alice", "pw")))
	assert.False(t, env.d.state.Authenticated())
	assert.Equal(t, 1, env.d.state.FailCount())
}

func TestSlotReleaseFailureDoesNotBlockAdmission(t *testing.T) {
	env := newTestEnv(t, testConfig(), aliceDir(),
		&fakeVerifier{method: MethodPassword, result: true})
	env.acct.releaseErr = assert.AnError

	require.NoError(t, env.d.HandleRequest(passwordRequest("alice", "correct")))
	assert.True(t, env.d.state.Authenticated())
	assert.Equal(t, 1, env.acct.cancels)
}
