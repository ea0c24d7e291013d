package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradefeed/internal/domain/schema"
)

type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stubClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingMirror struct {
	entries []Entry
}

func (r *recordingMirror) Mirror(e Entry) { r.entries = append(r.entries, e) }

type recordingPublisher struct {
	mu     sync.Mutex
	events []schema.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt schema.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func TestStoreOverwritesAndNeverForgets(t *testing.T) {
	clock := &stubClock{now: time.Unix(1_700_000_000, 0)}
	mirror := &recordingMirror{}
	store := New(WithClock(clock.Now), WithMirror(mirror))

	_, ok := store.Get(BalanceKey("usdt"))
	require.False(t, ok)

	store.Set(BalanceKey("usdt"), 10)
	clock.Advance(time.Minute)
	store.Set(BalanceKey("USDT"), 20)

	entry, ok := store.Get("balance:USDT")
	require.True(t, ok)
	require.Equal(t, 20, entry.Value)
	require.Equal(t, clock.Now(), entry.WrittenAt)
	require.Equal(t, 1, store.Len())
	require.Len(t, mirror.entries, 2)

	clock.Advance(time.Hour)
	entry, ok = store.Get("balance:USDT")
	require.True(t, ok)
	require.Equal(t, time.Hour, entry.Age(clock.Now()))
}

func TestStoreLatestAndKeys(t *testing.T) {
	clock := &stubClock{now: time.Unix(1_700_000_000, 0)}
	store := New(WithClock(clock.Now))
	require.True(t, store.Latest().IsZero())

	store.Set(PriceKey("ethusdt"), 1)
	clock.Advance(time.Second)
	store.Set(PriceKey("btcusdt"), 2)

	require.Equal(t, clock.Now(), store.Latest())
	require.Equal(t, []string{"price:BTCUSDT", "price:ETHUSDT"}, store.Keys())
	require.Equal(t, "order:42", OrderKey(42))
	require.Equal(t, "position:BTCUSDT", PositionKey("btcusdt"))
}

func TestHeartbeatReportsStaleOncePerEpisode(t *testing.T) {
	clock := &stubClock{now: time.Unix(1_700_000_000, 0)}
	store := New(WithClock(clock.Now))
	pub := &recordingPublisher{}
	hb := NewHeartbeat(store, pub, HeartbeatConfig{StaleAfter: 30 * time.Second, Now: clock.Now})
	ctx := context.Background()

	store.Set(PriceKey("BTCUSDT"), 1)
	clock.Advance(20 * time.Second)
	require.False(t, hb.Check(ctx))

	clock.Advance(15 * time.Second)
	require.True(t, hb.Check(ctx))
	clock.Advance(10 * time.Second)
	require.False(t, hb.Check(ctx), "same episode reported once")

	store.Set(PriceKey("BTCUSDT"), 2)
	require.False(t, hb.Check(ctx))
	clock.Advance(31 * time.Second)
	require.True(t, hb.Check(ctx))

	require.Len(t, pub.events, 2)
	require.Equal(t, schema.EventTypeStale, pub.events[0].Type)
	status, ok := pub.events[0].Payload.(schema.ConnectionStatus)
	require.True(t, ok)
	require.Equal(t, "35s", status.Gap)

	// cache keeps serving while stale
	_, ok = store.Get(PriceKey("BTCUSDT"))
	require.True(t, ok)
}

func TestHeartbeatSilentWhileDisconnected(t *testing.T) {
	clock := &stubClock{now: time.Unix(1_700_000_000, 0)}
	store := New(WithClock(clock.Now))
	pub := &recordingPublisher{}
	hb := NewHeartbeat(store, pub, HeartbeatConfig{
		StaleAfter: time.Second,
		Now:        clock.Now,
		Connected:  func() bool { return false },
	})

	store.Set("k", 1)
	clock.Advance(time.Minute)
	require.False(t, hb.Check(context.Background()))
	require.Empty(t, pub.events)
}

func TestHeartbeatUsesStartWhenCacheEmpty(t *testing.T) {
	clock := &stubClock{now: time.Unix(1_700_000_000, 0)}
	pub := &recordingPublisher{}
	hb := NewHeartbeat(New(WithClock(clock.Now)), pub, HeartbeatConfig{StaleAfter: time.Second, Now: clock.Now})

	require.False(t, hb.Check(context.Background()))
	clock.Advance(2 * time.Second)
	require.True(t, hb.Check(context.Background()))
}

func TestHeartbeatRunStopsOnCancel(t *testing.T) {
	hb := NewHeartbeat(New(), nil, HeartbeatConfig{Interval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hb.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("heartbeat did not stop")
	}
}
