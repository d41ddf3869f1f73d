package broker

import (
	"errors"
	"fmt"
)

// Sentinel errors in the adapter error taxonomy. Adapters wrap these so
// callers can classify with errors.Is.
var (
	// ErrRateLimited marks an HTTP 429; the REST queue requeues the request
	// at the head and backs off.
	ErrRateLimited = errors.New("rate limited")

	// ErrAuth marks a 401/403 or signature failure. Fatal for the adapter;
	// no retry without human action.
	ErrAuth = errors.New("authentication failed")

	// ErrOrderRejected marks a venue order rejection (invalid size,
	// insufficient funds). Bubbled up; never retried; state not mutated.
	ErrOrderRejected = errors.New("order rejected")

	// ErrNotConnected is returned by operations requiring a live session.
	ErrNotConnected = errors.New("adapter not connected")

	// ErrTransient marks a recoverable network failure (5xx, timeout).
	ErrTransient = errors.New("transient network error")
)

// NotSupportedError is returned for operations a venue cannot provide.
type NotSupportedError struct {
	Broker string
	Op     string
	Reason string
}

func (e *NotSupportedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s not supported: %s", e.Broker, e.Op, e.Reason)
	}
	return fmt.Sprintf("%s: %s not supported", e.Broker, e.Op)
}

// NotSupported builds a NotSupportedError.
func NotSupported(brokerName, op string) error {
	return &NotSupportedError{Broker: brokerName, Op: op}
}

// NotSupportedBecause builds a NotSupportedError with a reason.
func NotSupportedBecause(brokerName, op, reason string) error {
	return &NotSupportedError{Broker: brokerName, Op: op, Reason: reason}
}

// IsNotSupported reports whether err is a NotSupportedError.
func IsNotSupported(err error) bool {
	var nse *NotSupportedError
	return errors.As(err, &nse)
}

// ClassifyHTTPStatus wraps the matching sentinel for a REST status code.
func ClassifyHTTPStatus(status int, body string) error {
	switch {
	case status == 429:
		return fmt.Errorf("%w: %s", ErrRateLimited, body)
	case status == 401 || status == 403:
		return fmt.Errorf("%w: status %d", ErrAuth, status)
	case status >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrTransient, status, body)
	case status >= 400:
		return fmt.Errorf("venue error %d: %s", status, body)
	default:
		return nil
	}
}
