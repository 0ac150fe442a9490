package corpus

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// ErrNotFound is returned when a record does not exist in the store or
// the registry answered 404 for it.
var ErrNotFound = errors.New("record not found")

// ErrNoPrimaryFile marks a record whose primary-file relation cannot be
// resolved to a download URL.
var ErrNoPrimaryFile = errors.New("no resolvable primary file")

// StatusError carries a non-2xx HTTP response status.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL)
}

// ValidationError rejects malformed input before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConversionError marks a permanent failure of the external format
// converter.
type ConversionError struct {
	Input string
	Err   error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert %s: %v", e.Input, e.Err)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a network-class failure worth
// retrying: timeouts, connection resets/refusals, rate limits and server
// errors. Client errors and context cancellation are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Code == 429 || status.Code >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	return false
}
