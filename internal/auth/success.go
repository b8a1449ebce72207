package auth

import (
	"fmt"

	"sshwarden/internal/metrics"
	"sshwarden/internal/wire"
)

// success finalizes the session after a verifier accepted the credentials.
func (d *Dispatcher) success(method string) error {
	if err := d.conn.WritePacket(wire.MarshalSuccess()); err != nil {
		return fmt.Errorf("auth: sending success response: %w", err)
	}

	// Set only after the success message is queued: transports with
	// delayed compression still treat the session as pre-auth while the
	// message itself is framed.
	d.state.authenticated = true

	if d.state.account != nil && d.state.account.UID == 0 {
		d.state.allowPrivPort = true
	}

	// A slot that cannot be released stays occupied until the process
	// exits and silently shrinks the pre-auth pool, so the failure is
	// surfaced loudly even though the session itself proceeds.
	if err := d.acct.ReleaseSlot(); err != nil {
		d.log.WithError(err).Error("failed to release pre-auth slot, connection capacity may leak")
	}
	d.acct.CancelWatchdog()

	metrics.AuthSuccesses.Inc()
	d.log.WithFields(map[string]interface{}{
		"user":   d.state.username,
		"method": method,
	}).Info("authentication succeeded")
	return nil
}
