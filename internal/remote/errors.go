package remote

import (
	"errors"
	"fmt"
)

// TransientError wraps failures worth retrying with backoff: no
// connectivity, remote timeouts, dropped connections.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient remote error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transientf creates a TransientError from a format string.
func Transientf(format string, args ...any) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

// RejectionError is a server-side validation failure. Retrying the same
// payload cannot succeed, so the record goes straight to failed.
type RejectionError struct {
	Code   string
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("remote rejection [%s]: %s", e.Code, e.Reason)
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsRejection reports whether err is a terminal server-side rejection.
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}
