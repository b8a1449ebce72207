// Package verify implements the credential verifiers the authentication
// core delegates to, one per enabled method. Each verifier owns the
// method-specific fields that follow the common userauth header and returns
// a plain verdict; policy and failure handling stay in the auth package.
package verify

import (
	"fmt"

	"golang.org/x/crypto/ssh"

	"sshwarden/internal/wire"
)

// passwordFields is the method-specific tail of a "password" request. The
// leading boolean distinguishes a plain authentication from a password
// change request, which this server does not support.
type passwordFields struct {
	ChangeRequest bool
	Password      string
}

// parsePassword decodes the password fields from a userauth request payload.
func parsePassword(req *wire.UserauthRequest) (string, error) {
	var fields passwordFields
	if err := ssh.Unmarshal(req.Payload, &fields); err != nil {
		return "", fmt.Errorf("verify: malformed password fields: %w", err)
	}
	if fields.ChangeRequest {
		return "", fmt.Errorf("verify: password change requests are not supported")
	}
	return fields.Password, nil
}
