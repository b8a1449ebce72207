package verify

import (
	"sshwarden/internal/account"
	"sshwarden/internal/auth"
	"sshwarden/internal/usermgmt"
	"sshwarden/internal/wire"
)

// PasswordVerifier checks "password" requests against the local user store.
type PasswordVerifier struct {
	store *usermgmt.Store
}

// NewPasswordVerifier returns a verifier backed by store.
func NewPasswordVerifier(store *usermgmt.Store) *PasswordVerifier {
	return &PasswordVerifier{store: store}
}

// Method implements auth.Verifier.
func (v *PasswordVerifier) Method() auth.Method {
	return auth.MethodPassword
}

// Verify implements auth.Verifier. The bcrypt comparison runs inside the
// store; the caller's failure path absorbs its cost behind the delay floor.
func (v *PasswordVerifier) Verify(rec *account.Record, req *wire.UserauthRequest) (bool, error) {
	password, err := parsePassword(req)
	if err != nil {
		return false, err
	}
	return v.store.Authenticate(rec.Name, password), nil
}
