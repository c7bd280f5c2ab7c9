// Package backoff computes retry delays for the status publisher.
package backoff

import (
	"context"
	"math"
	"time"
)

// Config for exponential backoff. Zero values use the publisher's
// defaults.
type Config struct {
	Initial time.Duration // default 100ms
	Max     time.Duration // default 5s
}

// Exponential returns the delay before retry attempt (1-based):
// Initial, doubled per attempt, capped at Max. Attempts below 1 get
// Initial.
func Exponential(attempt int, cfg Config) time.Duration {
	initial := cfg.Initial
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	limit := cfg.Max
	if limit <= 0 {
		limit = 5 * time.Second
	}

	if attempt < 1 {
		return initial
	}
	delay := float64(initial) * math.Pow(2, float64(attempt-1))
	if delay > float64(limit) {
		delay = float64(limit)
	}
	return time.Duration(delay)
}

// Sleep blocks for attempt's delay or until ctx is done, whichever
// comes first.
func Sleep(ctx context.Context, attempt int, cfg Config) error {
	timer := time.NewTimer(Exponential(attempt, cfg))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
