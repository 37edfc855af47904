package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// RetryConfig holds tuning knobs for [Retry].
type RetryConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// Attempts is the total number of tries, including the first. Default: 3.
	Attempts int

	// BaseDelay is the delay before the first retry. Each subsequent retry
	// doubles it, capped at MaxDelay. Default: 200ms.
	BaseDelay time.Duration

	// MaxDelay caps the per-retry delay. Default: 2s.
	MaxDelay time.Duration
}

// permanentError marks an error that should not be retried.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so that [Retry] stops immediately instead of retrying.
// Use it for errors where repeating the call cannot help (bad credentials,
// malformed requests).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry runs fn up to cfg.Attempts times with jittered exponential backoff
// between tries. It stops early when fn succeeds, when fn returns an error
// wrapped with [Permanent], or when ctx is cancelled. Each backoff delay is
// drawn uniformly from [delay/2, delay] to avoid synchronised retry storms.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}

	var lastErr error
	delay := cfg.BaseDelay

	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		if attempt == cfg.Attempts {
			break
		}

		jittered := delay/2 + rand.N(delay/2+1)
		slog.Debug("retrying after transient error",
			"name", cfg.Name,
			"attempt", attempt,
			"delay", jittered,
			"error", err)

		select {
		case <-time.After(jittered):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay = min(delay*2, cfg.MaxDelay)
	}

	return fmt.Errorf("resilience: %s failed after %d attempts: %w", cfg.Name, cfg.Attempts, lastErr)
}
