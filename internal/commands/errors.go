package commands

import (
	"errors"
	"fmt"
)

var (
	// ErrPendingExists rejects a command while another one awaits confirmation.
	ErrPendingExists = errors.New("a command is already pending confirmation")
	// ErrPumpLockedOut rejects pump=true while the float sensor reports LOW.
	ErrPumpLockedOut = errors.New("pump locked out due to low float sensor")
	// ErrDeviceOffline rejects commands for offline devices when RequireOnline is set.
	ErrDeviceOffline = errors.New("device is offline")
	// ErrPublishFailed reports that the command row exists but never reached the broker.
	ErrPublishFailed = errors.New("failed to publish command")
)

// CommandError is a rejected or failed command. It unwraps to one of the sentinel errors.
type CommandError struct {
	Err       error
	Cause     error
	RequestID string
}

func (e *CommandError) Error() string {
	msg := e.Err.Error()
	if e.RequestID != "" {
		msg = fmt.Sprintf("%s (request %s)", msg, e.RequestID)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// RequestIDOf returns the request id carried by err, if any.
func RequestIDOf(err error) string {
	var cerr *CommandError
	if errors.As(err, &cerr) {
		return cerr.RequestID
	}
	return ""
}

// ValidationError names the offending field of a desired state or report.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
