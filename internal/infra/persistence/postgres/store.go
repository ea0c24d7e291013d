package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradefeed/internal/domain/recorder"
	"github.com/coachpo/tradefeed/internal/domain/schema"
	"github.com/coachpo/tradefeed/internal/infra/persistence"
)

// PoolConfig sizes the pgx pool.
type PoolConfig struct {
	DSN               string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// NewPool opens and pings a pgx pool.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(strings.TrimSpace(cfg.DSN))
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckPeriod > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

const (
	snapshotInsertSQL = `
INSERT INTO market_snapshots (
    source_name,
    quality,
    btc_price,
    btc_change_24h,
    sentiment_index,
    sentiment_label,
    volume_24h,
    market_cap,
    btc_dominance,
    captured_at
)
VALUES (
    @source_name,
    @quality,
    @btc_price,
    @btc_change_24h,
    @sentiment_index,
    @sentiment_label,
    @volume_24h,
    @market_cap,
    @btc_dominance,
    @captured_at
);
`

	apiAttemptInsertSQL = `
INSERT INTO api_monitoring (source_name, success, latency_ms, error, attempted_at)
VALUES (@source_name, @success, @latency_ms, @error, @attempted_at);
`

	orderUpsertSQL = `
INSERT INTO orders (
    order_id,
    symbol,
    client_order_id,
    side,
    order_type,
    status,
    executed_qty,
    avg_price,
    updated_at
)
VALUES (
    @order_id,
    @symbol,
    @client_order_id,
    @side,
    @order_type,
    @status,
    @executed_qty,
    @avg_price,
    @updated_at
)
ON CONFLICT (order_id) DO UPDATE SET
    client_order_id = COALESCE(EXCLUDED.client_order_id, orders.client_order_id),
    side = CASE WHEN EXCLUDED.side = '' THEN orders.side ELSE EXCLUDED.side END,
    order_type = CASE WHEN EXCLUDED.order_type = '' THEN orders.order_type ELSE EXCLUDED.order_type END,
    status = EXCLUDED.status,
    executed_qty = EXCLUDED.executed_qty,
    avg_price = EXCLUDED.avg_price,
    updated_at = EXCLUDED.updated_at
WHERE orders.updated_at <= EXCLUDED.updated_at;
`

	executionInsertSQL = `
INSERT INTO executions (
    symbol,
    trade_id,
    order_id,
    side,
    quantity,
    price,
    commission,
    commission_asset,
    realized_pnl,
    executed_at
)
VALUES (
    @symbol,
    @trade_id,
    @order_id,
    @side,
    @quantity,
    @price,
    @commission,
    @commission_asset,
    @realized_pnl,
    @executed_at
)
ON CONFLICT (symbol, trade_id) DO NOTHING;
`
)

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Store persists snapshots, api attempts, orders and executions to PostgreSQL.
type Store struct {
	*persistence.Store
	exec execer
}

// New constructs a PostgreSQL recorder.
func New(pool *pgxpool.Pool) *Store {
	s := &Store{Store: persistence.NewStore(pool)}
	if pool != nil {
		s.exec = pool
	}
	return s
}

var _ recorder.Recorder = (*Store)(nil)

func (s *Store) ensureExec() (execer, error) {
	if s == nil || s.exec == nil {
		return nil, fmt.Errorf("postgres recorder: nil pool")
	}
	return s.exec, nil
}

// SaveSnapshot inserts one market snapshot.
func (s *Store) SaveSnapshot(ctx context.Context, snap schema.NormalizedSnapshot) error {
	exec, err := s.ensureExec()
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"source_name":     snap.SourceName,
		"quality":         string(snap.Quality),
		"btc_price":       nullableFloat(snap.BTCPrice),
		"btc_change_24h":  nullableFloat(snap.BTCChange24h),
		"sentiment_index": nullableFloat(snap.SentimentIndex),
		"sentiment_label": nullableText(snap.SentimentLabel),
		"volume_24h":      nullableFloat(snap.Volume24h),
		"market_cap":      nullableFloat(snap.MarketCap),
		"btc_dominance":   nullableFloat(snap.BTCDominance),
		"captured_at":     snap.CapturedAt.UTC(),
	}
	if _, err := exec.Exec(ctx, snapshotInsertSQL, args); err != nil {
		return fmt.Errorf("postgres recorder: insert snapshot: %w", err)
	}
	return nil
}

// RecordAPIAttempt inserts one api monitoring row.
func (s *Store) RecordAPIAttempt(ctx context.Context, attempt recorder.APIAttempt) error {
	exec, err := s.ensureExec()
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"source_name":  attempt.Source,
		"success":      attempt.Success,
		"latency_ms":   attempt.LatencyMillis(),
		"error":        nullableText(attempt.Error),
		"attempted_at": attempt.AttemptedAt.UTC(),
	}
	if _, err := exec.Exec(ctx, apiAttemptInsertSQL, args); err != nil {
		return fmt.Errorf("postgres recorder: insert api attempt: %w", err)
	}
	return nil
}

// SaveOrder upserts the latest known state of an order. Older updates never overwrite newer ones.
func (s *Store) SaveOrder(ctx context.Context, order schema.OrderUpdate) error {
	exec, err := s.ensureExec()
	if err != nil {
		return err
	}
	executed, err := numericFromDecimal(order.ExecutedQty)
	if err != nil {
		return fmt.Errorf("postgres recorder: executed qty: %w", err)
	}
	avg, err := numericFromDecimal(order.AvgPrice)
	if err != nil {
		return fmt.Errorf("postgres recorder: avg price: %w", err)
	}
	args := pgx.NamedArgs{
		"order_id":        order.OrderID,
		"symbol":          strings.ToUpper(order.Symbol),
		"client_order_id": nullableText(order.ClientOrderID),
		"side":            strings.ToUpper(order.Side),
		"order_type":      strings.ToUpper(order.Type),
		"status":          string(order.Status),
		"executed_qty":    executed,
		"avg_price":       avg,
		"updated_at":      order.Timestamp.UTC(),
	}
	if _, err := exec.Exec(ctx, orderUpsertSQL, args); err != nil {
		return fmt.Errorf("postgres recorder: upsert order: %w", err)
	}
	return nil
}

// SaveExecution inserts a fill; replays of the same trade are ignored.
func (s *Store) SaveExecution(ctx context.Context, execution schema.Execution) error {
	exec, err := s.ensureExec()
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"symbol":           strings.ToUpper(execution.Symbol),
		"trade_id":         execution.TradeID,
		"order_id":         execution.OrderID,
		"side":             strings.ToUpper(execution.Side),
		"commission_asset": nullableText(execution.CommissionAsset),
		"executed_at":      execution.Timestamp.UTC(),
	}
	amounts := []struct {
		name  string
		value decimal.Decimal
	}{
		{"quantity", execution.Quantity},
		{"price", execution.Price},
		{"commission", execution.Commission},
		{"realized_pnl", execution.RealizedPnL},
	}
	for _, amount := range amounts {
		n, err := numericFromDecimal(amount.value)
		if err != nil {
			return fmt.Errorf("postgres recorder: %s: %w", amount.name, err)
		}
		args[amount.name] = n
	}
	if _, err := exec.Exec(ctx, executionInsertSQL, args); err != nil {
		return fmt.Errorf("postgres recorder: insert execution: %w", err)
	}
	return nil
}
