//go:build integration

package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coachpo/tradefeed/internal/domain/recorder"
	"github.com/coachpo/tradefeed/internal/domain/schema"
	"github.com/coachpo/tradefeed/internal/infra/persistence/migrations"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "tradefeed"},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor:   wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgresql://postgres:secret@%s:%s/tradefeed?sslmode=disable", host, port.Port())

	require.NoError(t, migrations.ApplyEmbedded(ctx, dsn, nil))

	pool, err := NewPool(ctx, PoolConfig{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestRecorderRoundTrip(t *testing.T) {
	pool := startPostgres(t)
	store := New(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	price, sentiment := 65000.5, 71.0
	require.NoError(t, store.SaveSnapshot(ctx, schema.NormalizedSnapshot{
		BTCPrice:       &price,
		SentimentIndex: &sentiment,
		SentimentLabel: "Greed",
		SourceName:     "coingecko",
		Quality:        schema.QualityHigh,
		CapturedAt:     now,
	}))
	var (
		gotSource string
		gotPrice  float64
		gotLabel  *string
	)
	require.NoError(t, pool.QueryRow(ctx, `SELECT source_name, btc_price, sentiment_label FROM market_snapshots`).Scan(&gotSource, &gotPrice, &gotLabel))
	require.Equal(t, "coingecko", gotSource)
	require.Equal(t, price, gotPrice)
	require.NotNil(t, gotLabel)
	require.Equal(t, "Greed", *gotLabel)

	require.NoError(t, store.RecordAPIAttempt(ctx, recorder.APIAttempt{
		Source:      "alternative",
		Success:     false,
		Latency:     1500 * time.Millisecond,
		Error:       "upstream 503",
		AttemptedAt: now,
	}))
	var latency int64
	require.NoError(t, pool.QueryRow(ctx, `SELECT latency_ms FROM api_monitoring WHERE source_name = 'alternative'`).Scan(&latency))
	require.EqualValues(t, 1500, latency)
}

func TestSaveOrderKeepsNewestState(t *testing.T) {
	pool := startPostgres(t)
	store := New(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	order := schema.OrderUpdate{
		Symbol:        "btcusdt",
		OrderID:       42,
		ClientOrderID: "cli-1",
		Side:          "buy",
		Type:          "limit",
		Status:        schema.OrderStatusPartiallyFilled,
		ExecutedQty:   decimal.RequireFromString("0.5"),
		AvgPrice:      decimal.RequireFromString("64000.1"),
		Timestamp:     now,
	}
	require.NoError(t, store.SaveOrder(ctx, order))

	filled := order
	filled.Status = schema.OrderStatusFilled
	filled.ExecutedQty = decimal.RequireFromString("1")
	filled.Timestamp = now.Add(time.Second)
	require.NoError(t, store.SaveOrder(ctx, filled))

	// a late replay of the partial fill must not win
	require.NoError(t, store.SaveOrder(ctx, order))

	var (
		status   string
		executed decimal.Decimal
		symbol   string
	)
	require.NoError(t, pool.QueryRow(ctx, `SELECT status, executed_qty::text, symbol FROM orders WHERE order_id = 42`).Scan(&status, &executed, &symbol))
	require.Equal(t, "FILLED", status)
	require.True(t, executed.Equal(decimal.NewFromInt(1)))
	require.Equal(t, "BTCUSDT", symbol)
}

func TestSaveExecutionIgnoresReplays(t *testing.T) {
	pool := startPostgres(t)
	store := New(pool)
	ctx := context.Background()

	fill := schema.Execution{
		Symbol:          "BTCUSDT",
		OrderID:         42,
		TradeID:         7,
		Side:            "BUY",
		Quantity:        decimal.RequireFromString("0.25"),
		Price:           decimal.RequireFromString("64000"),
		Commission:      decimal.RequireFromString("0.01"),
		CommissionAsset: "USDT",
		Timestamp:       time.Now().UTC(),
	}
	require.NoError(t, store.SaveExecution(ctx, fill))
	require.NoError(t, store.SaveExecution(ctx, fill))

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM executions`).Scan(&count))
	require.Equal(t, 1, count)
}
