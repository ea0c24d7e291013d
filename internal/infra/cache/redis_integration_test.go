//go:build integration

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestRedisMirrorRoundTrip(t *testing.T) {
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client, err := DialRedis(ctx, RedisConfig{Addr: endpoint})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	mirror := NewRedisMirror(client, RedisConfig{KeyPrefix: "test:"})
	t.Cleanup(mirror.Close)

	store := New(WithMirror(mirror))
	store.Set(BalanceKey("USDT"), map[string]string{"walletBalance": "1000.25"})

	require.Eventually(t, func() bool {
		entry, ok, err := mirror.Read(ctx, "balance:USDT")
		return err == nil && ok && string(entry.Value) == `{"walletBalance":"1000.25"}`
	}, 5*time.Second, 50*time.Millisecond)

	_, ok, err := mirror.Read(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}
