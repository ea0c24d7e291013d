// Package eventbus defines the in-process publish/subscribe channel for feed events.
package eventbus

import (
	"context"

	"github.com/coachpo/tradefeed/internal/domain/schema"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Handler consumes one event. Returned errors and panics are contained to the subscriber.
type Handler func(ctx context.Context, evt schema.Event) error

// Bus delivers feed events to registered subscribers.
type Bus interface {
	Publish(ctx context.Context, evt schema.Event) error
	// Subscribe registers handler for the given event types, or every type when none are given.
	Subscribe(name string, handler Handler, types ...schema.EventType) (SubscriptionID, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	// BufferSize bounds each subscriber's routine queue; the oldest event is dropped when full.
	BufferSize int
	// PriorityBufferSize bounds each subscriber's margin-call queue; publishers wait rather than drop.
	PriorityBufferSize int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.PriorityBufferSize <= 0 {
		c.PriorityBufferSize = 16
	}
	return c
}
