// Package retry implements the exponential-backoff retry controller the
// lifecycle orchestrator wraps around each stream attempt and each
// lifecycle send.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ChuLiYu/bes-transport/internal/besenv"
)

// Policy configures backoff and the attempt ceiling.
type Policy struct {
	// MaxAttempts is the total number of attempts allowed, including the
	// first: an initial attempt plus MaxAttempts-1 retries.
	MaxAttempts int
}

// DefaultPolicy is one initial attempt plus five retries.
var DefaultPolicy = Policy{MaxAttempts: 6}

// Delay returns the backoff before the given attempt number (1-indexed):
// zero before the first attempt, 1000ms·1.6^n before attempt n≥2.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	ms := 1000 * math.Pow(1.6, float64(attempt))
	return time.Duration(ms) * time.Millisecond
}

// Classifier reports whether an error returned from the wrapped operation
// should be retried.
type Classifier func(err error) (retryable bool)

// Controller runs an operation with exponential backoff between attempts,
// up to Policy.MaxAttempts, and exposes ResetProgress so a caller that
// observes forward progress (e.g. an ACK advancing pending-ack) can reset
// the attempt counter instead of letting it climb toward the ceiling on a
// stream that is actually healthy.
type Controller struct {
	policy  Policy
	sleeper besenv.Sleeper

	mu      sync.Mutex
	attempt int
	lastErr error
}

// New returns a Controller using policy and sleeper. sleeper is injected so
// tests can avoid real wall-clock waits.
func New(policy Policy, sleeper besenv.Sleeper) *Controller {
	return &Controller{policy: policy, sleeper: sleeper}
}

// ResetProgress zeroes the attempt counter, as if no attempt had yet
// failed. Call this when the caller observes the stream making progress.
func (c *Controller) ResetProgress() {
	c.mu.Lock()
	c.attempt = 0
	c.mu.Unlock()
}

// Attempt reports the most recently started attempt number, for logging.
func (c *Controller) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// LastRetryError reports the most recent retryable error that caused a
// backoff-and-retry, or nil if no attempt has failed retryably yet. A
// guardian that times out waiting for this controller's operation to finish
// can use this to enrich its timeout message.
func (c *Controller) LastRetryError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// ErrExhausted wraps the final error once MaxAttempts has been reached.
type ErrExhausted struct {
	Attempts int
	Cause    error
}

func (e *ErrExhausted) Error() string {
	return fmt.Sprintf("retry: exhausted %d attempts: %v", e.Attempts, e.Cause)
}

func (e *ErrExhausted) Unwrap() error { return e.Cause }

// Do runs fn, retrying on retryable errors per classify until fn succeeds,
// classify reports a permanent error, MaxAttempts is reached, or ctx is
// cancelled. fn receives the 1-indexed attempt number it is being run as.
func (c *Controller) Do(ctx context.Context, classify Classifier, fn func(attempt int) error) error {
	for {
		c.mu.Lock()
		c.attempt++
		attempt := c.attempt
		c.mu.Unlock()

		if attempt > 1 {
			c.sleeper.Sleep(c.policy.Delay(attempt), ctx.Done())
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		err := fn(attempt)
		if err == nil {
			c.ResetProgress()
			return nil
		}

		if !classify(err) {
			return err
		}

		// A context cancellation is the caller's own doing (a guardian
		// timing out, or an interruption), not a transport condition worth
		// surfacing as "the last reason this was retried" — recording it
		// here would clobber a genuine transient error with the
		// cancellation that happened to interrupt the attempt after it.
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			c.mu.Lock()
			c.lastErr = err
			c.mu.Unlock()
		}

		// Read the counter again rather than the local attempt: fn may have
		// called ResetProgress, and an attempt that made progress must not
		// count toward the ceiling.
		c.mu.Lock()
		exhausted := c.attempt >= c.policy.MaxAttempts
		c.mu.Unlock()
		if exhausted {
			return &ErrExhausted{Attempts: attempt, Cause: err}
		}
	}
}
