// Package acquirer pulls market snapshots from the configured sources in penalty order,
// guarded by a circuit breaker.
package acquirer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/coachpo/tradefeed/errs"
	"github.com/coachpo/tradefeed/internal/domain/recorder"
	"github.com/coachpo/tradefeed/internal/domain/schema"
	"github.com/coachpo/tradefeed/internal/infra/breaker"
	"github.com/coachpo/tradefeed/internal/infra/cache"
	"github.com/coachpo/tradefeed/internal/infra/reconnect"
	"github.com/coachpo/tradefeed/internal/infra/sources"
	"github.com/coachpo/tradefeed/internal/observability"
)

const (
	defaultInterval            = 60 * time.Second
	defaultBreakerOpenInterval = 5 * time.Minute
	defaultRequestTimeout      = 10 * time.Second
	maxResponseBytes           = 4 << 20
	snapshotSource             = "acquirer"
)

// Config tunes the acquisition cycle.
type Config struct {
	Interval time.Duration
	// BreakerOpenInterval caps the wait before the next cycle while the breaker is open.
	BreakerOpenInterval time.Duration
	RequestTimeout      time.Duration
	// RateLimitBackoff drives the cycle delay after cycles that only saw rate limiting.
	// Zero values default to Base = Interval, Max = 10*Interval, no ceiling.
	RateLimitBackoff reconnect.Config
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.BreakerOpenInterval <= 0 {
		c.BreakerOpenInterval = defaultBreakerOpenInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.RateLimitBackoff.Base <= 0 {
		c.RateLimitBackoff.Base = c.Interval
	}
	if c.RateLimitBackoff.Max <= 0 {
		c.RateLimitBackoff.Max = 10 * c.Interval
	}
	if c.RateLimitBackoff.MaxAttempts == 0 {
		c.RateLimitBackoff.MaxAttempts = -1
	}
	return c
}

// Cache is the last-known-good store the acquirer writes to.
type Cache interface {
	Set(key string, value any) cache.Entry
	Get(key string) (cache.Entry, bool)
}

// Publisher delivers snapshot events downstream.
type Publisher interface {
	Publish(ctx context.Context, evt schema.Event) error
}

// Acquirer runs snapshot cycles. Cycles are serialised; concurrent FetchSnapshot calls wait.
type Acquirer struct {
	cfg       Config
	registry  *sources.Registry
	breaker   *breaker.Breaker
	cache     Cache
	bus       Publisher
	recorder  recorder.Recorder
	http      *http.Client
	now       func() time.Time
	logger    observability.Logger
	metrics   *metrics
	rateLimit *reconnect.Policy
	limiter   *rate.Limiter

	cycleMu sync.Mutex
}

// Option customises the acquirer.
type Option func(*Acquirer)

// WithHTTPClient overrides the HTTP client. Per-request timeouts still apply.
func WithHTTPClient(client *http.Client) Option {
	return func(a *Acquirer) {
		if client != nil {
			a.http = client
		}
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(a *Acquirer) {
		if now != nil {
			a.now = now
		}
	}
}

// WithRecorder wires the api-monitoring sink.
func WithRecorder(rec recorder.Recorder) Option {
	return func(a *Acquirer) {
		if rec != nil {
			a.recorder = rec
		}
	}
}

// WithRateLimiter throttles source requests through limiter. Requests over the limit wait.
func WithRateLimiter(limiter *rate.Limiter) Option {
	return func(a *Acquirer) {
		a.limiter = limiter
	}
}

// New builds an acquirer over registry guarded by br.
func New(registry *sources.Registry, br *breaker.Breaker, store Cache, bus Publisher, cfg Config, opts ...Option) *Acquirer {
	cfg = cfg.withDefaults()
	a := &Acquirer{
		cfg:       cfg,
		registry:  registry,
		breaker:   br,
		cache:     store,
		bus:       bus,
		recorder:  recorder.Nop{},
		http:      &http.Client{},
		now:       time.Now,
		logger:    observability.Component("acquirer"),
		rateLimit: reconnect.New(cfg.RateLimitBackoff),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	a.metrics = newMetrics(br)
	return a
}

// FetchSnapshot runs one acquisition cycle. It returns the first valid snapshot, or an
// error when the breaker is open (no network calls made) or every source failed. The
// error code is rate_limited when every failure was a rate-limit rejection.
func (a *Acquirer) FetchSnapshot(ctx context.Context) (*schema.NormalizedSnapshot, error) {
	const op = "acquirer/fetch_snapshot"
	a.cycleMu.Lock()
	defer a.cycleMu.Unlock()

	if ok, reopenAt := a.breaker.Allow(); !ok {
		a.logger.Debug("breaker open, skipping cycle", observability.F("reopen_at", reopenAt))
		return nil, breaker.Rejected(op, reopenAt)
	}

	var failures []error
	rateLimitedOnly := true
	for _, src := range a.registry.Ordered() {
		if err := ctx.Err(); err != nil {
			return nil, errs.Transport(op, err)
		}
		start := a.now()
		snap, err := a.attempt(ctx, src)
		latency := a.now().Sub(start)
		if err != nil && ctx.Err() != nil {
			// cancelled by the caller, not the source's fault
			return nil, errs.Transport(op, ctx.Err())
		}
		a.record(ctx, src.Name, latency, err)

		if err != nil {
			a.registry.RecordFailure(src.Name)
			failures = append(failures, err)
			if !errs.IsRateLimited(err) {
				rateLimitedOnly = false
			}
			a.logger.Warn("source attempt failed",
				observability.F("source", src.Name),
				observability.F("code", string(errs.CodeOf(err))),
				observability.F("latency_ms", latency.Milliseconds()),
				observability.Err(err))
			continue
		}

		a.registry.RecordSuccess(src.Name)
		a.breaker.Success()
		a.cache.Set(cache.SnapshotKey, snap)
		if a.bus != nil {
			evt := schema.NewEvent(schema.EventTypeSnapshot, snapshotSource, "", snap.CapturedAt, snap)
			if err := a.bus.Publish(ctx, evt); err != nil {
				a.logger.Warn("snapshot publish failed", observability.Err(err))
			}
		}
		a.logger.Info("snapshot acquired",
			observability.F("source", src.Name),
			observability.F("quality", string(snap.Quality)),
			observability.F("latency_ms", latency.Milliseconds()))
		return &snap, nil
	}

	cause := errors.Join(failures...)
	if rateLimitedOnly && len(failures) > 0 {
		a.logger.Warn("every source rate limited; breaker not charged", observability.F("sources", len(failures)))
		return nil, errs.New(op, errs.CodeRateLimited,
			errs.WithMessage("all sources rate limited"), errs.WithCause(cause))
	}
	state := a.breaker.Failure()
	stats := a.breaker.Stats()
	a.logger.Error("all sources failed",
		observability.F("sources", len(failures)),
		observability.F("breaker", state.String()),
		observability.F("consecutive_failures", stats.ConsecutiveFailures))
	return nil, errs.New(op, errs.CodeUnavailable,
		errs.WithMessage(fmt.Sprintf("all %d sources failed", len(failures))), errs.WithCause(cause))
}

func (a *Acquirer) attempt(ctx context.Context, src sources.State) (schema.NormalizedSnapshot, error) {
	op := "acquirer/source/" + src.Name
	adapter, ok := a.registry.Adapter(src.Name)
	if !ok {
		return schema.NormalizedSnapshot{}, errs.New(op, errs.CodeInvalid, errs.WithMessage("no adapter bound"))
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()
	req, err := src.NewRequest(reqCtx)
	if err != nil {
		return schema.NormalizedSnapshot{}, err
	}
	if a.limiter != nil {
		if err := a.limiter.Wait(reqCtx); err != nil {
			return schema.NormalizedSnapshot{}, errs.Transport(op, err)
		}
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return schema.NormalizedSnapshot{}, errs.Transport(op, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return schema.NormalizedSnapshot{}, errs.Transport(op, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		code := errs.CodeForStatus(resp.StatusCode)
		return schema.NormalizedSnapshot{}, errs.New(op, code, errs.WithHTTP(resp.StatusCode))
	}

	snap, ok := adapter(body)
	if !ok {
		return schema.NormalizedSnapshot{}, errs.New(op, errs.CodeParse, errs.WithMessage("unrecognised response shape"))
	}
	snap.SourceName = src.Name
	snap.CapturedAt = a.now().UTC()
	if dropped := snap.Sanitize(); len(dropped) > 0 {
		a.logger.Warn("out of range readings dropped",
			observability.F("source", src.Name),
			observability.F("readings", dropped))
	}
	snap.Grade()
	if err := snap.Validate(); err != nil {
		return schema.NormalizedSnapshot{}, err
	}
	return snap, nil
}

func (a *Acquirer) record(ctx context.Context, source string, latency time.Duration, err error) {
	attempt := recorder.APIAttempt{
		Source:      source,
		Success:     err == nil,
		Latency:     latency,
		AttemptedAt: a.now().UTC(),
	}
	if err != nil {
		attempt.Error = err.Error()
	}
	a.metrics.recordAttempt(ctx, source, latency, err)
	if rerr := a.recorder.RecordAPIAttempt(ctx, attempt); rerr != nil {
		a.logger.Warn("api attempt not recorded", observability.Err(rerr))
	}
}

// Run executes cycles until ctx ends. The next cycle is due after Interval; while the
// breaker is open it is due at reopenAt, capped by BreakerOpenInterval; after a cycle that
// only saw rate limiting the rate-limit backoff decides.
func (a *Acquirer) Run(ctx context.Context) error {
	a.logger.Info("snapshot cycle started",
		observability.F("sources", a.registry.Len()),
		observability.F("interval", a.cfg.Interval.String()))
	for {
		_, err := a.FetchSnapshot(ctx)
		if ctx.Err() != nil {
			return nil
		}
		delay := a.nextDelay(err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (a *Acquirer) nextDelay(err error) time.Duration {
	if stats := a.breaker.Stats(); stats.IsOpen() {
		d := stats.ReopenAt.Sub(a.now())
		if d > a.cfg.BreakerOpenInterval {
			d = a.cfg.BreakerOpenInterval
		}
		if d < 0 {
			d = 0
		}
		return d
	}
	if errs.IsRateLimited(err) {
		d, ok := a.rateLimit.Next()
		if !ok {
			d = a.rateLimit.Config().Max
		}
		return d
	}
	a.rateLimit.Reset()
	return a.cfg.Interval
}

// Cached returns the last valid snapshot and its age. ok is false until the first
// successful cycle.
func (a *Acquirer) Cached() (schema.NormalizedSnapshot, time.Duration, bool) {
	entry, ok := a.cache.Get(cache.SnapshotKey)
	if !ok {
		return schema.NormalizedSnapshot{}, 0, false
	}
	snap, ok := entry.Value.(schema.NormalizedSnapshot)
	if !ok {
		return schema.NormalizedSnapshot{}, 0, false
	}
	return snap, entry.Age(a.now()), true
}
