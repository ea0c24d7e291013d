// Package reconnect provides the exponential reconnect delay policy with a hard attempt ceiling.
package reconnect

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultBase        = time.Second
	defaultMax         = 60 * time.Second
	defaultMaxAttempts = 10
)

// Config tunes a Policy. MaxAttempts of zero applies the default ceiling;
// a negative value disables the ceiling.
type Config struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.Base <= 0 {
		c.Base = defaultBase
	}
	if c.Max <= 0 {
		c.Max = defaultMax
	}
	if c.Max < c.Base {
		c.Max = c.Base
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	return c
}

// Policy yields base, 2*base, 4*base, ... capped at Max, and reports exhaustion once
// MaxAttempts consecutive failures were recorded. Safe for concurrent use.
type Policy struct {
	mu       sync.Mutex
	cfg      Config
	bo       *backoff.ExponentialBackOff
	attempts int
}

// New builds a policy from cfg.
func New(cfg Config) *Policy {
	cfg = cfg.withDefaults()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.Base
	bo.MaxInterval = cfg.Max
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()
	return &Policy{cfg: cfg, bo: bo}
}

// Next records a failed attempt and returns the delay before the next one.
// ok is false when the attempt ceiling has been reached and retrying must stop.
func (p *Policy) Next() (delay time.Duration, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfg.MaxAttempts > 0 && p.attempts >= p.cfg.MaxAttempts {
		return 0, false
	}
	p.attempts++
	delay = p.bo.NextBackOff()
	if delay == backoff.Stop || delay <= 0 {
		delay = p.cfg.Max
	}
	return delay, true
}

// Reset clears the attempt counter after a successful connection.
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts = 0
	p.bo.Reset()
}

// Attempts returns the number of consecutive failed attempts recorded.
func (p *Policy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// Config returns the effective configuration.
func (p *Policy) Config() Config {
	return p.cfg
}
