package auth

import (
	"errors"
	"fmt"
)

// ProtocolViolationError is fatal: the peer sent traffic that no conforming
// client produces (malformed fields, wrong service name, a mid-session
// username change). The connection owner must close the connection without
// sending a failure message.
type ProtocolViolationError struct {
	Reason string
}

func (e *ProtocolViolationError) Error() string {
	return "protocol violation: " + e.Reason
}

// LimitExceededError is fatal: the session reached its failure budget. The
// failure message for the final attempt has already been sent; nothing more
// goes on the wire.
type LimitExceededError struct {
	User  string
	Tries int
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("max auth tries (%d) reached for user '%s'", e.Tries, e.User)
}

// ResourceError is fatal and operational rather than protocol-driven, e.g. a
// group-membership lookup that cannot complete. It wraps the underlying
// cause.
type ResourceError struct {
	Op  string
	Err error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("auth resource failure during %s: %v", e.Op, e.Err)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err requires the connection to be torn down. Every
// error surfaced by Dispatcher.HandleRequest is fatal; recoverable
// authentication failures are handled internally and return nil.
func IsFatal(err error) bool {
	return err != nil
}

// IsProtocolViolation reports whether err is a protocol violation.
func IsProtocolViolation(err error) bool {
	var pv *ProtocolViolationError
	return errors.As(err, &pv)
}
