package cache

import (
	"context"
	"time"

	"github.com/coachpo/tradefeed/internal/domain/schema"
	"github.com/coachpo/tradefeed/internal/observability"
)

const (
	defaultHeartbeatInterval = 10 * time.Second
	defaultStaleAfter        = 30 * time.Second
)

// Publisher delivers events downstream.
type Publisher interface {
	Publish(ctx context.Context, evt schema.Event) error
}

// HeartbeatConfig tunes the staleness monitor.
type HeartbeatConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	// Connected reports whether the stream manager believes it is connected.
	// Staleness is only reported while it returns true.
	Connected func() bool
	Now       func() time.Time
}

// Heartbeat watches the newest cache write and publishes an advisory ws:stale event when
// the gap exceeds StaleAfter. It never forces a reconnect.
type Heartbeat struct {
	store     *Store
	publisher Publisher
	cfg       HeartbeatConfig
	logger    observability.Logger
	started   time.Time
	reported  time.Time
}

// NewHeartbeat binds a heartbeat to the store.
func NewHeartbeat(store *Store, publisher Publisher, cfg HeartbeatConfig) *Heartbeat {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultHeartbeatInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Connected == nil {
		cfg.Connected = func() bool { return true }
	}
	return &Heartbeat{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		logger:    observability.Component("cache.heartbeat"),
	}
}

// Run checks on every interval until ctx is cancelled.
func (h *Heartbeat) Run(ctx context.Context) {
	h.started = h.cfg.Now()
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}

// Check evaluates staleness once and reports whether a stale event was published.
// A stale episode is reported once; a newer write re-arms it.
func (h *Heartbeat) Check(ctx context.Context) bool {
	if !h.cfg.Connected() {
		return false
	}
	now := h.cfg.Now()
	last := h.store.Latest()
	baseline := last
	if baseline.IsZero() {
		baseline = h.started
		if baseline.IsZero() {
			h.started = now
			return false
		}
	}
	gap := now.Sub(baseline)
	if gap <= h.cfg.StaleAfter {
		return false
	}
	if !h.reported.IsZero() && !h.reported.Before(baseline) {
		return false
	}
	h.reported = baseline

	h.logger.Warn("feed data stale",
		observability.F("last_write", last),
		observability.F("gap", gap.String()),
	)
	if h.publisher == nil {
		return true
	}
	evt := schema.NewEvent(schema.EventTypeStale, "cache", "", now, schema.ConnectionStatus{
		Stream:   "all",
		LastSeen: last,
		Gap:      gap.String(),
		Reason:   "no cache writes within stale threshold",
	})
	if err := h.publisher.Publish(ctx, evt); err != nil {
		h.logger.Error("publish stale event failed", observability.Err(err))
	}
	return true
}
