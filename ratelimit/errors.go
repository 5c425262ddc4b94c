package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// ErrRateLimitExceeded is matched by every *ExceededError.
var ErrRateLimitExceeded = errors.New("ratelimit: budget exceeded")

// ExceededError reports why a service is currently refused.
type ExceededError struct {
	Service       string
	Reason        string
	CooldownUntil time.Time
	Status        ServiceStatus
}

func (e *ExceededError) Error() string {
	if !e.CooldownUntil.IsZero() {
		return fmt.Sprintf("ratelimit: %s refused (%s) until %s", e.Service, e.Reason, e.CooldownUntil.Format(time.RFC3339))
	}
	return fmt.Sprintf("ratelimit: %s refused (%s)", e.Service, e.Reason)
}

func (e *ExceededError) Is(target error) bool { return target == ErrRateLimitExceeded }
