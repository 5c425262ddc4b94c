package connectivity

import (
	"context"
	"log/slog"
	"time"
)

// RetryPolicy is exponential backoff: Backoff, 2×Backoff, 4×Backoff...
type RetryPolicy struct {
	MaxRetries int           // 0: a single attempt
	Backoff    time.Duration // Default: 500ms.
}

// retry calls fn until it succeeds, fails with a non-retryable error, or
// the policy or ctx runs out. The last error is returned.
func retry(ctx context.Context, p RetryPolicy, logger *slog.Logger, fn func() error) error {
	if p.Backoff <= 0 {
		p.Backoff = 500 * time.Millisecond
	}
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !retryable(err) || ctx.Err() != nil || attempt >= p.MaxRetries {
			if pe, ok := err.(*permanent); ok {
				return pe.err
			}
			return err
		}
		wait := p.Backoff << attempt
		logger.WarnContext(ctx, "retrying call",
			"attempt", attempt+1, "max_retries", p.MaxRetries,
			"backoff_ms", wait.Milliseconds(), "error", err)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}
