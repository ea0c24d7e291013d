// Package breaker implements a closed/open/half-open circuit breaker guarding a group of calls.
package breaker

import (
	"sync"
	"time"

	"github.com/coachpo/tradefeed/errs"
)

// State enumerates breaker positions.
type State int

const (
	// Closed permits every call.
	Closed State = iota
	// Open rejects calls until the cooldown elapses.
	Open
	// HalfOpen permits one probe after the cooldown.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const (
	defaultThreshold = 5
	defaultCooldown  = 5 * time.Minute
)

// Config tunes the breaker.
type Config struct {
	Threshold int
	Cooldown  time.Duration
	Now       func() time.Time
	// OnTransition is invoked outside the lock whenever the state changes.
	OnTransition func(from, to State)
}

// Stats is a point-in-time view of the breaker.
type Stats struct {
	State               State
	ConsecutiveFailures int
	ReopenAt            time.Time
}

// IsOpen reports whether calls are currently rejected.
func (s Stats) IsOpen() bool { return s.State == Open }

// Breaker guards calls against a failing dependency. Safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	notify    func(from, to State)

	state    State
	failures int
	reopenAt time.Time
}

// New constructs a closed breaker.
func New(cfg Config) *Breaker {
	b := &Breaker{
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		now:       cfg.Now,
		notify:    cfg.OnTransition,
		state:     Closed,
	}
	if b.threshold <= 0 {
		b.threshold = defaultThreshold
	}
	if b.cooldown <= 0 {
		b.cooldown = defaultCooldown
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// Allow reports whether a call may proceed. While open and before reopenAt it returns
// false together with reopenAt; once the cooldown elapsed the breaker moves to half-open.
func (b *Breaker) Allow() (bool, time.Time) {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case Open:
		if b.now().Before(b.reopenAt) {
			reopen := b.reopenAt
			b.mu.Unlock()
			return false, reopen
		}
		b.state = HalfOpen
	}
	to := b.state
	b.mu.Unlock()
	b.transition(from, to)
	return true, time.Time{}
}

// Success closes the breaker and clears the failure count.
func (b *Breaker) Success() {
	b.mu.Lock()
	from := b.state
	b.state = Closed
	b.failures = 0
	b.reopenAt = time.Time{}
	b.mu.Unlock()
	b.transition(from, Closed)
}

// Failure records one failed call group and returns the resulting state.
// A failure while half-open reopens immediately and restarts the cooldown.
func (b *Breaker) Failure() State {
	b.mu.Lock()
	from := b.state
	b.failures++
	if b.state == HalfOpen || b.failures >= b.threshold {
		b.state = Open
		b.reopenAt = b.now().Add(b.cooldown)
	}
	to := b.state
	b.mu.Unlock()
	b.transition(from, to)
	return to
}

// Stats returns the current breaker state.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{State: b.state, ConsecutiveFailures: b.failures, ReopenAt: b.reopenAt}
}

// Rejected builds the fast-fail error returned while the breaker is open.
func Rejected(op string, reopenAt time.Time) error {
	return errs.New(op, errs.CodeUnavailable,
		errs.WithMessage("circuit breaker open"),
		errs.WithField("reopen_at", reopenAt.UTC().Format(time.RFC3339)),
	)
}

func (b *Breaker) transition(from, to State) {
	if from == to || b.notify == nil {
		return
	}
	b.notify(from, to)
}
