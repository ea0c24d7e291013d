package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradefeed/internal/infra/telemetry"
)

type poolGauge struct {
	name        string
	description string
	read        func(*pgxpool.Stat) int64
}

var poolGauges = []poolGauge{
	{"tradefeed_db_pool_connections_total", "Total connections (idle + acquired + constructing)", func(s *pgxpool.Stat) int64 { return int64(s.TotalConns()) }},
	{"tradefeed_db_pool_connections_idle", "Idle connections ready for checkout", func(s *pgxpool.Stat) int64 { return int64(s.IdleConns()) }},
	{"tradefeed_db_pool_connections_acquired", "Connections currently acquired by recorder writes", func(s *pgxpool.Stat) int64 { return int64(s.AcquiredConns()) }},
	{"tradefeed_db_pool_connections_constructing", "Connections currently being constructed", func(s *pgxpool.Stat) int64 { return int64(s.ConstructingConns()) }},
}

// ObservePoolMetrics registers observable instruments reporting the pool's connection counts
// and how often recorder writes had to wait for a connection.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) error {
	if pool == nil {
		return nil
	}
	name := strings.TrimSpace(poolName)
	if name == "" {
		name = "primary"
	}
	attrs := metric.WithAttributes([]attribute.KeyValue{
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrPoolName.String(name),
	}...)

	meter := otel.Meter("postgres.pool")
	observables := make([]metric.Observable, 0, len(poolGauges)+1)
	gauges := make([]metric.Int64ObservableGauge, 0, len(poolGauges))
	for _, g := range poolGauges {
		gauge, err := meter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.description),
			metric.WithUnit("{connection}"))
		if err != nil {
			return fmt.Errorf("register %s: %w", g.name, err)
		}
		gauges = append(gauges, gauge)
		observables = append(observables, gauge)
	}
	emptyAcquires, err := meter.Int64ObservableCounter("tradefeed_db_pool_empty_acquires_total",
		metric.WithDescription("Acquires that waited because the pool had no idle connection"),
		metric.WithUnit("{acquire}"))
	if err != nil {
		return fmt.Errorf("register empty acquire counter: %w", err)
	}
	observables = append(observables, emptyAcquires)

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stat := pool.Stat()
		for i, g := range poolGauges {
			o.ObserveInt64(gauges[i], g.read(stat), attrs)
		}
		o.ObserveInt64(emptyAcquires, stat.EmptyAcquireCount(), attrs)
		return nil
	}, observables...)
	if err != nil {
		return fmt.Errorf("register pool callback: %w", err)
	}
	return nil
}
