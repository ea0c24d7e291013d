package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradefeed/errs"
	"github.com/coachpo/tradefeed/internal/domain/schema"
)

type collector struct {
	mu     sync.Mutex
	events []schema.Event
}

func (c *collector) handle(_ context.Context, evt schema.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *collector) snapshot() []schema.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]schema.Event, len(c.events))
	copy(out, c.events)
	return out
}

func priceEvent(symbol string) schema.Event {
	return schema.NewEvent(schema.EventTypePrice, "binance", symbol, time.Time{}, nil)
}

func TestMemoryBusPublishNoSubscribers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()
	require.NoError(t, bus.Publish(context.Background(), priceEvent("BTCUSDT")))
}

func TestMemoryBusPublishEmptyType(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()
	err := bus.Publish(context.Background(), schema.Event{})
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
}

func TestMemoryBusFiltersByType(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	prices := &collector{}
	all := &collector{}
	_, err := bus.Subscribe("prices", prices.handle, schema.EventTypePrice)
	require.NoError(t, err)
	_, err = bus.Subscribe("all", all.handle)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, priceEvent("BTCUSDT")))
	require.NoError(t, bus.Publish(ctx, schema.NewEvent(schema.EventTypeBalance, "binance", "USDT", time.Time{}, nil)))
	bus.Close()

	require.Len(t, prices.snapshot(), 1)
	require.Len(t, all.snapshot(), 2)
}

func TestMemoryBusPreservesOrderPerSymbol(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 1000})
	c := &collector{}
	_, err := bus.Subscribe("ordered", c.handle, schema.EventTypePrice)
	require.NoError(t, err)

	var published []string
	for i := 0; i < 200; i++ {
		evt := priceEvent("BTCUSDT")
		published = append(published, evt.ID)
		require.NoError(t, bus.Publish(context.Background(), evt))
	}
	bus.Close()

	got := c.snapshot()
	require.Len(t, got, len(published))
	for i := range got {
		require.Equal(t, published[i], got[i].ID)
	}
}

func TestMemoryBusSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 2})
	release := make(chan struct{})
	_, err := bus.Subscribe("slow", func(context.Context, schema.Event) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	fast := &collector{}
	_, err = bus.Subscribe("fast", fast.handle)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			_ = bus.Publish(context.Background(), priceEvent("BTCUSDT"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
	require.Eventually(t, func() bool { return len(fast.snapshot()) > 0 }, time.Second, 5*time.Millisecond)
	require.Positive(t, bus.Dropped())

	close(release)
	bus.Close()
}

func TestMemoryBusIsolatesHandlerFailures(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	_, err := bus.Subscribe("panics", func(context.Context, schema.Event) error {
		panic("boom")
	})
	require.NoError(t, err)
	_, err = bus.Subscribe("errors", func(context.Context, schema.Event) error {
		return errors.New("nope")
	})
	require.NoError(t, err)
	healthy := &collector{}
	_, err = bus.Subscribe("healthy", healthy.handle)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), priceEvent("ETHUSDT")))
	require.NoError(t, bus.Publish(context.Background(), priceEvent("ETHUSDT")))
	bus.Close()

	require.Len(t, healthy.snapshot(), 2)
	require.EqualValues(t, 4, bus.HandlerErrors())
}

func TestMemoryBusDeliversMarginCallsFirst(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 64})
	gate := make(chan struct{})
	first := true
	c := &collector{}
	_, err := bus.Subscribe("risk", func(ctx context.Context, evt schema.Event) error {
		if first {
			first = false
			<-gate
		}
		return c.handle(ctx, evt)
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, priceEvent("BLOCKER")))
	// let the worker pick up the blocker before queueing the rest
	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(ctx, priceEvent("BTCUSDT")))
	}
	require.NoError(t, bus.Publish(ctx, schema.NewEvent(schema.EventTypeMarginCall, "binance", "", time.Time{}, schema.MarginCall{})))
	close(gate)
	bus.Close()

	got := c.snapshot()
	require.Len(t, got, 7)
	require.Equal(t, "BLOCKER", got[0].Symbol)
	require.Equal(t, schema.EventTypeMarginCall, got[1].Type)
}

func TestMemoryBusNeverDropsTerminalStreamEvents(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 4})
	release := make(chan struct{})
	c := &collector{}
	_, err := bus.Subscribe("blocked", func(ctx context.Context, evt schema.Event) error {
		<-release
		return c.handle(ctx, evt)
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, priceEvent("BTCUSDT")))
	require.NoError(t, bus.Publish(ctx, schema.NewEvent(schema.EventTypeMaxReconnect, "binance", "", time.Time{}, nil)))
	require.NoError(t, bus.Publish(ctx, schema.NewEvent(schema.EventTypeAuthFailed, "binance", "", time.Time{}, nil)))
	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(ctx, priceEvent("BTCUSDT")))
	}
	close(release)
	bus.Close()

	counts := map[schema.EventType]int{}
	for _, evt := range c.snapshot() {
		counts[evt.Type]++
	}
	require.Equal(t, 1, counts[schema.EventTypeMaxReconnect])
	require.Equal(t, 1, counts[schema.EventTypeAuthFailed])
	require.Positive(t, bus.Dropped())
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()
	c := &collector{}
	id, err := bus.Subscribe("temp", c.handle)
	require.NoError(t, err)
	bus.Unsubscribe(id)
	bus.Unsubscribe("missing")

	require.NoError(t, bus.Publish(context.Background(), priceEvent("BTCUSDT")))
	time.Sleep(10 * time.Millisecond)
	require.Empty(t, c.snapshot())
}

func TestMemoryBusRejectsAfterClose(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	bus.Close()
	bus.Close()

	require.Equal(t, errs.CodeUnavailable, errs.CodeOf(bus.Publish(context.Background(), priceEvent("BTCUSDT"))))
	_, err := bus.Subscribe("late", func(context.Context, schema.Event) error { return nil })
	require.Error(t, err)
}

func TestMemoryConfigNormalize(t *testing.T) {
	cfg := MemoryConfig{}.normalize()
	require.Equal(t, 256, cfg.BufferSize)
	require.Equal(t, 16, cfg.PriorityBufferSize)
}
