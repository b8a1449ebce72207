// Package usermgmt maintains the daemon's own credential store: a JSON file
// of accounts with bcrypt password hashes, used by the password verifier
// and administered through the CLI.
package usermgmt

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// minPasswordLength is the floor enforced on administrative password
// changes. It guards against operator typos, not brute force; that is the
// auth core's job.
const minPasswordLength = 8

// User is one stored account.
type User struct {
	Username     string     `json:"username"`
	PasswordHash string     `json:"password_hash"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
	Enabled      bool       `json:"enabled"`
}

// Store manages the credential file with thread-safe operations. Mutations
// are persisted with a write-then-rename so a crash never leaves a
// half-written file behind.
type Store struct {
	mu    sync.RWMutex
	users map[string]*User
	path  string
}

// Open loads the credential store at path, creating an empty one if the
// file does not exist yet.
func Open(path string) (*Store, error) {
	s := &Store{
		users: make(map[string]*User),
		path:  path,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Add creates a new account with the given password.
func (s *Store) Add(username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if username == "" {
		return fmt.Errorf("usermgmt: username must not be empty")
	}
	if _, exists := s.users[username]; exists {
		return fmt.Errorf("usermgmt: user %q already exists", username)
	}
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}

	s.users[username] = &User{
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    time.Now(),
		Enabled:      true,
	}
	if err := s.save(); err != nil {
		delete(s.users, username)
		return err
	}
	return nil
}

// Remove deletes an account.
func (s *Store) Remove(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, exists := s.users[username]
	if !exists {
		return fmt.Errorf("usermgmt: user %q does not exist", username)
	}
	delete(s.users, username)
	if err := s.save(); err != nil {
		s.users[username] = u
		return err
	}
	return nil
}

// SetPassword replaces an account's password.
func (s *Store) SetPassword(username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, exists := s.users[username]
	if !exists {
		return fmt.Errorf("usermgmt: user %q does not exist", username)
	}
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	return s.save()
}

// SetEnabled enables or disables an account. Disabled accounts fail
// authentication exactly like a wrong password.
func (s *Store) SetEnabled(username string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, exists := s.users[username]
	if !exists {
		return fmt.Errorf("usermgmt: user %q does not exist", username)
	}
	u.Enabled = enabled
	return s.save()
}

// Authenticate verifies a username/password pair and records the login
// time on success.
func (s *Store) Authenticate(username, password string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, exists := s.users[username]
	if !exists || !u.Enabled {
		return false
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return false
	}

	now := time.Now()
	u.LastLogin = &now
	// A failed persist of the login timestamp must not fail the login.
	_ = s.save()
	return true
}

// List returns all usernames in sorted order.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.users))
	for name := range s.users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns a copy of an account with the password hash withheld.
func (s *Store) Get(username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, exists := s.users[username]
	if !exists {
		return nil, fmt.Errorf("usermgmt: user %q does not exist", username)
	}
	return &User{
		Username:  u.Username,
		CreatedAt: u.CreatedAt,
		LastLogin: u.LastLogin,
		Enabled:   u.Enabled,
	}, nil
}

func hashPassword(password string) (string, error) {
	if len(password) < minPasswordLength {
		return "", fmt.Errorf("usermgmt: password must be at least %d characters", minPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("usermgmt: hashing password: %w", err)
	}
	return string(hash), nil
}

func (s *Store) save() error {
	data, err := json.MarshalIndent(s.users, "", "  ")
	if err != nil {
		return fmt.Errorf("usermgmt: encoding store: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("usermgmt: writing store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("usermgmt: replacing store: %w", err)
	}
	return nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("usermgmt: reading store: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &s.users); err != nil {
		return fmt.Errorf("usermgmt: decoding store: %w", err)
	}
	return nil
}
