package connectivity

import (
	"errors"
	"fmt"
)

// ErrUnavailable is matched by every error meaning the remote service
// could not be used right now: open circuit, 5xx, 429.
var ErrUnavailable = errors.New("connectivity: service unavailable")

// ErrCircuitOpen is returned when the breaker for a service is open,
// rejecting the call without reaching the network.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("connectivity: circuit open: %s", e.Service)
}

func (e *ErrCircuitOpen) Is(target error) bool { return target == ErrUnavailable }

// StatusError is a non-2xx answer.
type StatusError struct {
	Service string
	Code    int
	Body    string // first bytes, for logs
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("connectivity: %s answered %d: %s", e.Service, e.Code, e.Body)
}

// Is matches ErrUnavailable for 429 and 5xx.
func (e *StatusError) Is(target error) bool {
	return target == ErrUnavailable && (e.Code == 429 || e.Code >= 500)
}

// permanent marks an error no retry can fix.
type permanent struct{ err error }

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// retryable reports whether another attempt may succeed.
func retryable(err error) bool {
	var oe *ErrCircuitOpen
	var pe *permanent
	if errors.As(err, &oe) || errors.As(err, &pe) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == 429 || se.Code >= 500
	}
	// Transport errors (reset, timeout) are worth a retry.
	return true
}
