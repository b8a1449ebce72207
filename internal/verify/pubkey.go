package verify

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"

	"sshwarden/internal/account"
	"sshwarden/internal/auth"
	"sshwarden/internal/wire"
)

// PublicKeyVerifier checks "publickey" requests against the account's
// authorized keys and verifies the request signature over the session
// identifier.
type PublicKeyVerifier struct {
	// keysDir, when non-empty, holds one authorized_keys file per account
	// named after the account. Otherwise the account's
	// ~/.ssh/authorized_keys is used.
	keysDir   string
	sessionID []byte
}

// NewPublicKeyVerifier returns a verifier bound to one session's
// identifier. keysDir may be empty to fall back to per-home key files.
func NewPublicKeyVerifier(keysDir string, sessionID []byte) *PublicKeyVerifier {
	return &PublicKeyVerifier{keysDir: keysDir, sessionID: sessionID}
}

// Method implements auth.Verifier.
func (v *PublicKeyVerifier) Method() auth.Method {
	return auth.MethodPublicKey
}

// publickeyFields is the method-specific tail of a "publickey" request.
// When HasSig is false the client is only probing whether the key would be
// acceptable and has signed nothing.
type publickeyFields struct {
	HasSig bool
	Algo   string
	Blob   []byte
	Rest   []byte `ssh:"rest"`
}

// signedRequest reproduces the byte sequence the client signs: the session
// identifier followed by the userauth request up to and including the key
// blob, with the has-signature flag forced true.
type signedRequest struct {
	SessionID []byte
	Type      byte
	User      string
	Service   string
	Method    string
	HasSig    bool
	Algo      string
	Blob      []byte
}

// Verify implements auth.Verifier.
func (v *PublicKeyVerifier) Verify(rec *account.Record, req *wire.UserauthRequest) (bool, error) {
	var fields publickeyFields
	if err := ssh.Unmarshal(req.Payload, &fields); err != nil {
		return false, fmt.Errorf("verify: malformed publickey fields: %w", err)
	}

	key, err := ssh.ParsePublicKey(fields.Blob)
	if err != nil {
		return false, fmt.Errorf("verify: unparseable public key: %w", err)
	}
	authorized, err := v.isAuthorized(rec, key)
	if err != nil {
		return false, err
	}
	if !authorized {
		return false, nil
	}

	// Key-acceptability probes carry no signature and cannot admit the
	// session.
	if !fields.HasSig {
		return false, nil
	}

	var sigField struct {
		Sig []byte
	}
	if err := ssh.Unmarshal(fields.Rest, &sigField); err != nil {
		return false, fmt.Errorf("verify: malformed signature field: %w", err)
	}
	var sig ssh.Signature
	if err := ssh.Unmarshal(sigField.Sig, &sig); err != nil {
		return false, fmt.Errorf("verify: malformed signature blob: %w", err)
	}

	data := ssh.Marshal(&signedRequest{
		SessionID: v.sessionID,
		Type:      wire.MsgUserauthRequest,
		User:      req.User,
		Service:   req.Service,
		Method:    req.Method,
		HasSig:    true,
		Algo:      fields.Algo,
		Blob:      fields.Blob,
	})
	if err := key.Verify(data, &sig); err != nil {
		return false, nil
	}
	return true, nil
}

// isAuthorized reports whether key appears in the account's authorized keys
// file. A missing file simply means no keys are authorized.
func (v *PublicKeyVerifier) isAuthorized(rec *account.Record, key ssh.PublicKey) (bool, error) {
	path := filepath.Join(rec.HomeDir, ".ssh", "authorized_keys")
	if v.keysDir != "" {
		path = filepath.Join(v.keysDir, rec.Name)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("verify: reading authorized keys for %q: %w", rec.Name, err)
	}

	want := key.Marshal()
	for len(data) > 0 {
		candidate, _, _, rest, err := ssh.ParseAuthorizedKey(data)
		if err != nil {
			// Skip unparseable lines rather than locking the user out
			// over one stray entry.
			if idx := bytes.IndexByte(data, '\n'); idx >= 0 {
				data = data[idx+1:]
				continue
			}
			break
		}
		if bytes.Equal(candidate.Marshal(), want) {
			return true, nil
		}
		data = rest
	}
	return false, nil
}
