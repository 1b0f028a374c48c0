package util

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Common timeout durations
const (
	DefaultRingTimeout      = 30 * time.Second
	DefaultNegotiateTimeout = 20 * time.Second
	DefaultRetention        = 10 * time.Second
)

// NewID returns a fresh record ID.
func NewID() string {
	return uuid.NewString()
}

// Backoff retries a function with exponential backoff. The first retry waits
// Base, then doubles up to Max. Used for best-effort store writes that must
// not block call teardown.
type Backoff struct {
	Base     time.Duration
	Max      time.Duration
	Attempts int
	Clock    clock.Clock
}

// DefaultBackoff is tuned for transient store-write failures.
func DefaultBackoff(clk clock.Clock) Backoff {
	if clk == nil {
		clk = clock.New()
	}
	return Backoff{Base: 250 * time.Millisecond, Max: 5 * time.Second, Attempts: 6, Clock: clk}
}

// Retry runs fn until it succeeds, the attempts are exhausted, or ctx is
// cancelled. Returns the last error.
func (b Backoff) Retry(ctx context.Context, fn func() error) error {
	clk := b.Clock
	if clk == nil {
		clk = clock.New()
	}
	wait := b.Base
	var err error
	for i := 0; i < b.Attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == b.Attempts-1 {
			break
		}
		t := clk.Timer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		wait *= 2
		if wait > b.Max {
			wait = b.Max
		}
	}
	return err
}
