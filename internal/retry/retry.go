// Package retry runs an operation under a bounded retry budget. Every
// decision the loop makes (attempt number, delay before the next attempt,
// terminal outcome) is an explicit value returned to the caller.
package retry

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultMaxRetries is the number of retries after the first attempt.
	DefaultMaxRetries = 3
	// DefaultInitialInterval is the delay before the first retry, before jitter.
	DefaultInitialInterval = 500 * time.Millisecond
	// DefaultMaxInterval caps a single delay.
	DefaultMaxInterval = 30 * time.Second
	// DefaultMultiplier grows the delay between retries.
	DefaultMultiplier = 2.0
	// DefaultJitter is the randomization factor applied to each delay.
	DefaultJitter = 0.5
)

// Retryable is implemented by errors that know whether they are transient.
type Retryable interface {
	Retryable() bool
}

// RetryAfterer is implemented by errors carrying a server-provided minimum
// wait (for example an HTTP Retry-After header).
type RetryAfterer interface {
	RetryAfter() time.Duration
}

// Policy configures the retry loop. The zero value uses the defaults.
type Policy struct {
	// MaxRetries is the retry budget. 0 means a single attempt.
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Jitter is the randomization factor in [0, 1).
	Jitter float64
	// Sleep waits between attempts. Tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
	// Classify decides whether err is worth retrying. Defaults to IsTransient.
	Classify func(err error) bool
}

// Outcome is the terminal state of a Run.
type Outcome string

const (
	// Succeeded means an attempt returned nil.
	Succeeded Outcome = "succeeded"
	// Exhausted means every attempt in the budget failed transiently.
	Exhausted Outcome = "exhausted"
	// Permanent means an attempt failed with a non-retryable error.
	Permanent Outcome = "permanent"
	// Cancelled means the caller's context ended between attempts.
	Cancelled Outcome = "cancelled"
)

// Result describes how a Run ended.
type Result struct {
	Outcome Outcome
	// Attempts is the number of times the operation was invoked.
	Attempts int
	// Delays holds the wait before each retry, in order.
	Delays []time.Duration
	// Err is the last error seen, nil on success.
	Err error
}

// State is the retry state machine for one operation. Use Policy.Start, then
// call Next after each attempt until it reports done.
type State struct {
	policy   Policy
	bo       *backoff.ExponentialBackOff
	attempts int
	delays   []time.Duration
}

// Start returns a fresh State for p.
func (p Policy) Start() *State {
	p = p.withDefaults()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	bo.MaxInterval = p.MaxInterval
	bo.Multiplier = p.Multiplier
	bo.RandomizationFactor = p.Jitter
	// The budget is counted in attempts, not wall time.
	bo.MaxElapsedTime = 0
	bo.Reset()
	return &State{policy: p, bo: bo}
}

// Next records the result of an attempt and returns the delay to wait before
// the next one. done is true when no further attempt should be made.
func (s *State) Next(err error) (delay time.Duration, outcome Outcome, done bool) {
	s.attempts++
	switch {
	case err == nil:
		return 0, Succeeded, true
	case !s.policy.Classify(err):
		return 0, Permanent, true
	case s.attempts > s.policy.MaxRetries:
		return 0, Exhausted, true
	}

	delay = s.bo.NextBackOff()
	var ra RetryAfterer
	if errors.As(err, &ra) && ra.RetryAfter() > delay {
		delay = min(ra.RetryAfter(), s.policy.MaxInterval)
	}
	s.delays = append(s.delays, delay)
	return delay, "", false
}

// Attempts returns the number of attempts recorded so far.
func (s *State) Attempts() int { return s.attempts }

// Run invokes fn until it succeeds, fails permanently, exhausts the budget or
// ctx ends. The returned Result is never nil.
func (p Policy) Run(ctx context.Context, fn func(ctx context.Context) error) Result {
	s := p.Start()
	for {
		err := fn(ctx)
		delay, outcome, done := s.Next(err)
		if done {
			return s.result(outcome, err)
		}
		if ctx.Err() != nil {
			return s.result(Cancelled, err)
		}
		if serr := s.policy.Sleep(ctx, delay); serr != nil {
			return s.result(Cancelled, err)
		}
	}
}

func (s *State) result(o Outcome, err error) Result {
	return Result{Outcome: o, Attempts: s.attempts, Delays: s.delays, Err: err}
}

func (p Policy) withDefaults() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultInitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultMaxInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = DefaultJitter
	}
	if p.Sleep == nil {
		p.Sleep = sleep
	}
	if p.Classify == nil {
		p.Classify = IsTransient
	}
	return p
}

// IsTransient reports whether err looks like a temporary failure: an error
// that says so via Retryable, a per-attempt deadline, or a network timeout.
// Caller cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
