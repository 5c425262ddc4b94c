package linkedin

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthNotReady: the session is not connected. Match with errors.Is and
	// read the status from *NotReadyError.
	ErrAuthNotReady = errors.New("linkedin: session not ready")

	// ErrAuthBusy: another driver operation is in flight.
	ErrAuthBusy = errors.New("linkedin: session busy")

	// ErrVerificationRequired: login is waiting for an emailed code.
	ErrVerificationRequired = errors.New("linkedin: verification code required")

	// ErrAutomationFailure wraps every driver error.
	ErrAutomationFailure = errors.New("linkedin: automation failure")

	// ErrInvalidRequest: bad input (short cookie, empty query...).
	ErrInvalidRequest = errors.New("linkedin: invalid request")

	// ErrWrongState: the operation does not apply to the current status.
	ErrWrongState = errors.New("linkedin: operation not valid in current state")

	// ErrChallenge is returned by drivers when the network shows a security
	// checkpoint or bounces the session to the login page.
	ErrChallenge = errors.New("linkedin: security challenge")
)

// NotReadyError carries the status that prevented a search.
type NotReadyError struct {
	Status Status
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("linkedin: session not ready (status=%s)", e.Status)
}

// Is matches ErrAuthNotReady, and ErrVerificationRequired while a code is
// pending.
func (e *NotReadyError) Is(target error) bool {
	if target == ErrAuthNotReady {
		return true
	}
	return target == ErrVerificationRequired && e.Status == StatusNeedsVerificationCode
}

// AutomationError is a failed driver call.
type AutomationError struct {
	Op  string
	Err error
}

func (e *AutomationError) Error() string {
	return fmt.Sprintf("linkedin: %s: %v", e.Op, e.Err)
}

func (e *AutomationError) Unwrap() error { return e.Err }

func (e *AutomationError) Is(target error) bool { return target == ErrAutomationFailure }
