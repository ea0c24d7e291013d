package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradefeed/errs"
)

type stubClock struct {
	now time.Time
}

func (c *stubClock) Now() time.Time { return c.now }

func (c *stubClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestBreakerOpensAtThreshold(t *testing.T) {
	clock := &stubClock{now: time.Unix(1_700_000_000, 0)}
	b := New(Config{Threshold: 3, Cooldown: time.Minute, Now: clock.Now})

	for i := 0; i < 2; i++ {
		require.Equal(t, Closed, b.Failure())
	}
	require.Equal(t, Open, b.Failure())

	stats := b.Stats()
	require.True(t, stats.IsOpen())
	require.Equal(t, 3, stats.ConsecutiveFailures)
	require.Equal(t, clock.now.Add(time.Minute), stats.ReopenAt)

	ok, reopen := b.Allow()
	require.False(t, ok)
	require.Equal(t, stats.ReopenAt, reopen)
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	clock := &stubClock{now: time.Unix(1_700_000_000, 0)}
	var transitions []string
	b := New(Config{
		Threshold: 1,
		Cooldown:  time.Minute,
		Now:       clock.Now,
		OnTransition: func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	require.Equal(t, Open, b.Failure())
	clock.Advance(59 * time.Second)
	ok, _ := b.Allow()
	require.False(t, ok)

	clock.Advance(time.Second)
	ok, _ = b.Allow()
	require.True(t, ok)
	require.Equal(t, HalfOpen, b.Stats().State)

	// probe failure restarts the cooldown from now
	require.Equal(t, Open, b.Failure())
	require.Equal(t, clock.now.Add(time.Minute), b.Stats().ReopenAt)

	clock.Advance(time.Minute)
	ok, _ = b.Allow()
	require.True(t, ok)
	b.Success()

	stats := b.Stats()
	require.Equal(t, Closed, stats.State)
	require.Zero(t, stats.ConsecutiveFailures)
	require.Equal(t, []string{
		"closed->open",
		"open->half_open",
		"half_open->open",
		"open->half_open",
		"half_open->closed",
	}, transitions)
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	b := New(Config{Threshold: 2})
	b.Failure()
	b.Success()
	require.Equal(t, Closed, b.Failure())
}

func TestBreakerDefaults(t *testing.T) {
	b := New(Config{})
	require.Equal(t, defaultThreshold, b.threshold)
	require.Equal(t, defaultCooldown, b.cooldown)
}

func TestRejectedIsUnavailable(t *testing.T) {
	err := Rejected("acquirer/fetch", time.Unix(0, 0))
	require.Equal(t, errs.CodeUnavailable, errs.CodeOf(err))
	require.Contains(t, err.Error(), "circuit breaker open")
}
