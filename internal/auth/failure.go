package auth

import (
	"encoding/binary"
	"fmt"
	"time"

	"sshwarden/internal/metrics"
	"sshwarden/internal/wire"
)

// failure answers a userauth request that did not admit the session. The
// failure message always lists the full enabled-method set; counted failures
// additionally pay the randomized latency floor and move the session toward
// its failure budget.
func (d *Dispatcher) failure(partial, counted bool, reason string) error {
	msg := wire.MarshalFailure(d.state.enabled.Names(), partial)
	if err := d.conn.WritePacket(msg); err != nil {
		return fmt.Errorf("auth: sending failure response: %w", err)
	}

	if counted {
		d.delay()
		d.state.failCount++
		if reason != "" {
			metrics.AuthFailures.WithLabelValues(reason).Inc()
		}
	}

	if d.state.failCount >= d.cfg.MaxTries {
		user := "is invalid"
		if d.state.account != nil {
			user = d.state.account.Name
		}
		metrics.AuthFailures.WithLabelValues(metrics.ReasonLimitExceeded).Inc()
		d.log.WithFields(map[string]interface{}{
			"user":  user,
			"tries": d.state.failCount,
		}).Warn("max auth tries reached, closing connection")
		return &LimitExceededError{User: user, Tries: d.state.failCount}
	}
	return nil
}

// delay normalizes the latency of a counted failure. The response is held
// back until at least MinDelay has passed since session start, plus jitter
// drawn from the CSPRNG, so neither the cost of credential verification nor
// the reason for the failure is observable in response timing, and repeated
// failures cannot run at line rate.
func (d *Dispatcher) delay() {
	elapsed := d.now().Sub(d.state.start)
	jitter := d.cfg.MinDelay + d.randomJitter(d.cfg.VarDelay)

	if elapsed >= 0 && elapsed < d.cfg.MinDelay {
		// Compensate for time already spent on this attempt.
		d.sleep(jitter - elapsed)
	} else {
		// The floor has already passed, or the clock moved backwards;
		// never sleep a negative duration.
		d.sleep(jitter)
	}
}

// randomJitter draws a uniform duration in [0, span) from the injected
// randomness source. A randomness failure must not skip the delay, so it
// degrades to the full span rather than to zero.
func (d *Dispatcher) randomJitter(span time.Duration) time.Duration {
	if span <= 0 {
		return 0
	}
	var buf [8]byte
	if _, err := d.randRead(buf[:]); err != nil {
		d.log.WithError(err).Error("randomness source failed, using maximum failure delay")
		return span
	}
	return time.Duration(binary.LittleEndian.Uint64(buf[:]) % uint64(span))
}
