// Package recorder defines the fire-and-forget persistence contract consumed by the feed.
package recorder

import (
	"context"
	"time"

	"github.com/coachpo/tradefeed/internal/domain/schema"
)

// APIAttempt captures one pull-source fetch for api monitoring.
type APIAttempt struct {
	Source      string        `json:"source"`
	Success     bool          `json:"success"`
	Latency     time.Duration `json:"latency"`
	Error       string        `json:"error,omitempty"`
	AttemptedAt time.Time     `json:"attemptedAt"`
}

// LatencyMillis returns the latency rounded to whole milliseconds.
func (a APIAttempt) LatencyMillis() int64 {
	return a.Latency.Milliseconds()
}

// Recorder persists snapshots, api attempts, orders and executions.
type Recorder interface {
	SaveSnapshot(ctx context.Context, snap schema.NormalizedSnapshot) error
	RecordAPIAttempt(ctx context.Context, attempt APIAttempt) error
	SaveOrder(ctx context.Context, order schema.OrderUpdate) error
	SaveExecution(ctx context.Context, exec schema.Execution) error
}

// Nop discards every record.
type Nop struct{}

func (Nop) SaveSnapshot(context.Context, schema.NormalizedSnapshot) error { return nil }
func (Nop) RecordAPIAttempt(context.Context, APIAttempt) error            { return nil }
func (Nop) SaveOrder(context.Context, schema.OrderUpdate) error           { return nil }
func (Nop) SaveExecution(context.Context, schema.Execution) error         { return nil }

var _ Recorder = Nop{}
