package verify

import (
	"fmt"

	pam "github.com/msteinert/pam/v2"

	"sshwarden/internal/account"
	"sshwarden/internal/auth"
	"sshwarden/internal/wire"
)

// PAMVerifier checks "password" requests through a PAM conversation instead
// of the local user store, deferring to whatever stack the named PAM
// service configures.
type PAMVerifier struct {
	service string
}

// NewPAMVerifier returns a verifier for the given PAM service name
// (typically "sshd").
func NewPAMVerifier(service string) *PAMVerifier {
	return &PAMVerifier{service: service}
}

// Method implements auth.Verifier.
func (v *PAMVerifier) Method() auth.Method {
	return auth.MethodPassword
}

// Verify implements auth.Verifier. The conversation callback answers every
// echo-off prompt with the client-supplied password and discards
// informational messages.
func (v *PAMVerifier) Verify(rec *account.Record, req *wire.UserauthRequest) (bool, error) {
	password, err := parsePassword(req)
	if err != nil {
		return false, err
	}

	t, err := pam.StartFunc(v.service, rec.Name, func(s pam.Style, msg string) (string, error) {
		switch s {
		case pam.PromptEchoOff:
			return password, nil
		case pam.PromptEchoOn, pam.TextInfo, pam.ErrorMsg:
			return "", nil
		}
		return "", fmt.Errorf("verify: unsupported PAM conversation style %v", s)
	})
	if err != nil {
		return false, fmt.Errorf("verify: starting PAM transaction: %w", err)
	}
	defer t.End()

	if err := t.Authenticate(0); err != nil {
		// A rejected credential is a verdict, not a verifier failure.
		return false, nil
	}
	if err := t.AcctMgmt(0); err != nil {
		return false, nil
	}
	return true, nil
}
