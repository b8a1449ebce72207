// Package account resolves claimed usernames against the local identity
// database and exposes the platform facts admission policy needs: numeric
// ids, group membership and the login-shell allowlist.
package account

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
)

// DefaultShell is assumed for accounts whose passwd entry leaves the shell
// field empty, matching login(1) behaviour.
const DefaultShell = "/bin/sh"

// ErrUnknownAccount is returned by Directory.Lookup when the username does
// not resolve to a local account.
var ErrUnknownAccount = errors.New("account: unknown user")

// Record is an immutable snapshot of a resolved local account.
type Record struct {
	Name        string
	UID         int
	GID         int
	Shell       string
	DisplayName string
	HomeDir     string
}

// Directory is the local identity database consumed by the authentication
// core. Implementations must not perform network I/O on the lookup path.
type Directory interface {
	// Lookup resolves a username to an account record, or ErrUnknownAccount.
	Lookup(username string) (*Record, error)
	// Groups returns the names of all groups the account belongs to,
	// primary and supplementary. A retrieval failure is a hard error.
	Groups(rec *Record) ([]string, error)
	// ValidShells returns the platform allowlist of login shells.
	ValidShells() []string
}

// SystemDirectory implements Directory against the host's user database via
// os/user, with the login shell read from the passwd file (os/user does not
// surface it) and the shell allowlist from /etc/shells.
type SystemDirectory struct {
	passwdPath string
	shellsPath string
}

// NewSystemDirectory returns a Directory backed by the standard system
// files.
func NewSystemDirectory() *SystemDirectory {
	return &SystemDirectory{
		passwdPath: "/etc/passwd",
		shellsPath: "/etc/shells",
	}
}

// Lookup resolves username through the platform user database.
func (d *SystemDirectory) Lookup(username string) (*Record, error) {
	u, err := user.Lookup(username)
	if err != nil {
		var unknown user.UnknownUserError
		if errors.As(err, &unknown) {
			return nil, ErrUnknownAccount
		}
		return nil, fmt.Errorf("account: lookup %q: %w", username, err)
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, fmt.Errorf("account: non-numeric uid %q for %q", u.Uid, username)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, fmt.Errorf("account: non-numeric gid %q for %q", u.Gid, username)
	}

	return &Record{
		Name:        u.Username,
		UID:         uid,
		GID:         gid,
		Shell:       d.loginShell(u.Username),
		DisplayName: u.Name,
		HomeDir:     u.HomeDir,
	}, nil
}

// Groups enumerates primary and supplementary group names for the account.
func (d *SystemDirectory) Groups(rec *Record) ([]string, error) {
	u, err := user.Lookup(rec.Name)
	if err != nil {
		return nil, fmt.Errorf("account: group lookup for %q: %w", rec.Name, err)
	}
	ids, err := u.GroupIds()
	if err != nil {
		return nil, fmt.Errorf("account: group membership for %q: %w", rec.Name, err)
	}
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		g, err := user.LookupGroupId(id)
		if err != nil {
			// A dangling gid in the membership list is not fatal; policy
			// matches on names, and a nameless group cannot match.
			continue
		}
		names = append(names, g.Name)
	}
	return names, nil
}

// ValidShells returns the contents of /etc/shells. When the file is absent
// the historical getusershell(3) default list applies.
func (d *SystemDirectory) ValidShells() []string {
	f, err := os.Open(d.shellsPath)
	if err != nil {
		return []string{"/bin/sh", "/bin/csh"}
	}
	defer f.Close()
	return parseShells(f)
}

// loginShell scans the passwd file for the account's shell field. An empty
// or missing entry yields the empty string; the caller substitutes
// DefaultShell.
func (d *SystemDirectory) loginShell(username string) string {
	f, err := os.Open(d.passwdPath)
	if err != nil {
		return ""
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 7 || fields[0] != username {
			continue
		}
		return strings.TrimSpace(fields[6])
	}
	return ""
}

func parseShells(f *os.File) []string {
	var shells []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		shells = append(shells, line)
	}
	return shells
}
