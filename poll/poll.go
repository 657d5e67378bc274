// Package poll waits for slow server-side state transitions by repeatedly
// refreshing a resource until it reaches a terminal state or an attempt
// budget runs out.
package poll

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultInterval is the delay between refreshes when the server supplies
// no Retry-After hint.
const DefaultInterval = 10 * time.Second

// DefaultMaxAttempts bounds how many refreshes Until performs before
// giving up with a *TimeoutError.
const DefaultMaxAttempts = 30

// A TimeoutError is returned when a resource fails to reach a terminal
// state within the configured attempt budget. It wraps the context error
// when the deadline fired first.
type TimeoutError struct {
	// What was being waited on, for log and error messages.
	Resource string
	// How many refreshes were performed before giving up.
	Attempts int
	// The context error, when the wait ended because the context did.
	Err error
}

func (e *TimeoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gave up waiting for %s after %d attempts: %s",
			e.Resource, e.Attempts, e.Err)
	}
	return fmt.Sprintf("gave up waiting for %s after %d attempts",
		e.Resource, e.Attempts)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// Config controls a single Until wait.
type Config struct {
	// Resource names what is being waited on.
	Resource string
	// Interval between refreshes. Zero means DefaultInterval. A positive
	// Retry-After hint from the fetch overrides it for that one sleep.
	Interval time.Duration
	// MaxAttempts bounds the number of refreshes. Zero means
	// DefaultMaxAttempts.
	MaxAttempts int
}

// Until refreshes a resource with fetch until done reports it terminal.
// fetch returns the refreshed value along with an optional server-supplied
// delay hint for the next refresh (zero when the server gave none). A
// fetch error ends the wait immediately. When the attempt budget or the
// context runs out before done is satisfied, Until returns the last
// fetched value along with a *TimeoutError.
func Until[T any](ctx context.Context, conf Config, fetch func(context.Context) (T, time.Duration, error), done func(T) bool) (T, error) {
	interval := conf.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	maxAttempts := conf.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	var last T
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		val, hint, err := fetch(ctx)
		if err != nil {
			return last, err
		}
		last = val
		if done(val) {
			return val, nil
		}

		delay := interval
		if hint > 0 {
			delay = hint
		}
		log.Debug().Str("resource", conf.Resource).Int("attempt", attempt).
			Dur("delay", delay).Msg("waiting for state change")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return last, &TimeoutError{
				Resource: conf.Resource,
				Attempts: attempt,
				Err:      ctx.Err(),
			}
		case <-timer.C:
		}
	}

	return last, &TimeoutError{
		Resource: conf.Resource,
		Attempts: maxAttempts,
	}
}
