package auth

import (
	"errors"
	"slices"

	"sshwarden/internal/account"
	"sshwarden/internal/metrics"
)

// checkUsername binds the claimed username to the session and evaluates
// admission policy. It returns whether the account is admissible, the
// metrics reason class when it is not, and a fatal error for protocol
// violations or identity-database failures.
//
// The verdict is cached on the session: a rejected username stays rejected
// for the life of the connection regardless of the credentials offered, and
// the policy log lines fire only on the first evaluation. Credential
// verification itself still runs on every attempt for admissible accounts.
func (d *Dispatcher) checkUsername(username string) (bool, string, error) {
	if d.cfg.MaxUsernameLength > 0 && len(username) > d.cfg.MaxUsernameLength {
		d.log.WithField("userlen", len(username)).Info("login attempt with over-long username rejected")
		return false, metrics.ReasonUsernameTooLong, nil
	}

	if d.state.usernameSet {
		// A conforming client never switches identities mid-session;
		// retrying as someone else is not part of the failure-retry
		// contract.
		if username != d.state.username {
			metrics.ProtocolViolations.Inc()
			d.log.WithFields(map[string]interface{}{
				"user":     d.state.username,
				"new_user": username,
			}).Warn("client attempted to change username mid-session")
			return false, "", &ProtocolViolationError{Reason: "username changed during authentication"}
		}
	} else {
		d.state.username = username
		d.state.usernameSet = true

		rec, err := d.dir.Lookup(username)
		switch {
		case err == nil:
			d.state.account = rec
		case errors.Is(err, account.ErrUnknownAccount):
			// Absence is remembered too; the nil account drives the
			// policy rejection below.
		default:
			return false, "", &ResourceError{Op: "account lookup", Err: err}
		}
	}

	if d.state.verdictCached {
		return !d.state.checkFailed, metrics.ReasonPolicy, nil
	}

	ok, reason, err := d.evaluatePolicy()
	if err != nil {
		return false, "", err
	}
	d.state.verdictCached = true
	d.state.checkFailed = !ok
	return ok, reason, nil
}

// evaluatePolicy runs the ordered admission checks for the bound account,
// short-circuiting on the first failure. Each rejection reason is logged
// exactly once per session and never echoed to the peer.
func (d *Dispatcher) evaluatePolicy() (bool, string, error) {
	log := d.log.WithField("user", d.state.username)
	rec := d.state.account

	if rec == nil {
		log.Info("login attempt for nonexistent user")
		return false, metrics.ReasonUnknownUser, nil
	}
	if d.cfg.SingleAccountMode && rec.UID != d.cfg.ServerUID {
		log.WithField("uid", rec.UID).Info("login attempt refused: server runs in single-account mode")
		return false, metrics.ReasonPolicy, nil
	}
	if !d.cfg.AllowRootLogin && rec.UID == 0 {
		log.Info("root login rejected by policy")
		return false, metrics.ReasonPolicy, nil
	}
	if d.cfg.RestrictedGroup != "" {
		groups, err := d.dir.Groups(rec)
		if err != nil {
			return false, "", &ResourceError{Op: "group membership lookup", Err: err}
		}
		if !slices.Contains(groups, d.cfg.RestrictedGroup) {
			log.WithField("group", d.cfg.RestrictedGroup).Info("user is not in the restricted group")
			return false, metrics.ReasonPolicy, nil
		}
	}

	shell := rec.Shell
	if shell == "" {
		shell = account.DefaultShell
	}
	if !slices.Contains(d.dir.ValidShells(), shell) {
		log.WithField("shell", shell).Info("user has an invalid shell")
		return false, metrics.ReasonPolicy, nil
	}

	return true, "", nil
}
