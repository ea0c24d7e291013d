// Command feed runs the market snapshot acquirer, the Binance sockets and the persistence bridge.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/coachpo/tradefeed/internal/app/acquirer"
	"github.com/coachpo/tradefeed/internal/app/feed"
	"github.com/coachpo/tradefeed/internal/domain/recorder"
	"github.com/coachpo/tradefeed/internal/infra/adapters/binance"
	"github.com/coachpo/tradefeed/internal/infra/breaker"
	"github.com/coachpo/tradefeed/internal/infra/bus/eventbus"
	"github.com/coachpo/tradefeed/internal/infra/cache"
	"github.com/coachpo/tradefeed/internal/infra/config"
	"github.com/coachpo/tradefeed/internal/infra/persistence/migrations"
	"github.com/coachpo/tradefeed/internal/infra/persistence/postgres"
	"github.com/coachpo/tradefeed/internal/infra/reconnect"
	httpserver "github.com/coachpo/tradefeed/internal/infra/server/http"
	"github.com/coachpo/tradefeed/internal/infra/sources"
	"github.com/coachpo/tradefeed/internal/infra/telemetry"
	"github.com/coachpo/tradefeed/internal/observability"
)

const (
	defaultConfigPath        = "config/app.yaml"
	feedLoggerPrefix         = "feed "
	poolName                 = "recorder"
	startTimeout             = 30 * time.Second
	shutdownTimeout          = 30 * time.Second
	controlShutdownTimeout   = 5 * time.Second
	controlReadHeaderTimeout = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	migrationTimeout         = 60 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newFeedLogger()

	appCfg, err := config.Load(ctx, resolveConfigPath(cfgPath))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, symbols=%v, sources=%d",
		appCfg.Environment, appCfg.Binance.Symbols, len(appCfg.Sources))

	observability.SetLogger(observability.NewLogrusLogger(observability.LogrusConfig{
		Level:      appCfg.Logging.Level,
		File:       appCfg.Logging.File,
		MaxSizeMB:  appCfg.Logging.MaxSizeMB,
		MaxBackups: appCfg.Logging.MaxBackups,
		MaxAgeDays: appCfg.Logging.MaxAgeDays,
	}))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	var closers []feed.Closer

	rec, recClosers, err := initRecorder(ctx, logger, appCfg.Database)
	if err != nil {
		logger.Fatalf("initialise persistence: %v", err)
	}
	closers = append(closers, recClosers...)

	store, storeClosers, err := initCache(ctx, logger, appCfg.Redis)
	if err != nil {
		logger.Fatalf("initialise cache: %v", err)
	}
	closers = append(closers, storeClosers...)

	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{
		BufferSize:         appCfg.Eventbus.BufferSize,
		PriorityBufferSize: appCfg.Eventbus.PriorityBufferSize,
	})

	limiter := rate.NewLimiter(rate.Limit(appCfg.RateLimit.RequestsPerSecond), appCfg.RateLimit.Burst)
	snapshotAcquirer, br, err := buildAcquirer(appCfg, store, bus, rec, limiter)
	if err != nil {
		logger.Fatalf("initialise acquirer: %v", err)
	}

	binanceCfg := binanceConfig(appCfg)
	rest := binance.NewRESTClient(binanceCfg, binance.WithRateLimiter(limiter))
	var keys *binance.ListenKeyManager
	if appCfg.Binance.UserData {
		keys = binance.NewListenKeyManager(rest, binanceCfg.ListenKeyRefresh)
	}
	streams := binance.NewStreamManager(binance.StreamConfig{
		Config: binanceCfg,
		UserReconnect: reconnect.Config{
			Base:        appCfg.Binance.UserStream.Base,
			Max:         appCfg.Binance.UserStream.Max,
			MaxAttempts: appCfg.Binance.UserStream.MaxAttempts,
		},
	}, store, bus, keys)

	svc, err := feed.New(feed.Deps{
		Acquirer: snapshotAcquirer,
		Streams:  streams,
		Exchange: rest,
		Bus:      bus,
		Cache:    store,
		Recorder: rec,
		Closers:  closers,
	}, feed.Config{
		Symbols:  appCfg.Binance.Symbols,
		UserData: appCfg.Binance.UserData,
		Heartbeat: cache.HeartbeatConfig{
			Interval:   appCfg.Heartbeat.Interval,
			StaleAfter: appCfg.Heartbeat.StaleAfter,
		},
	})
	if err != nil {
		logger.Fatalf("initialise feed: %v", err)
	}

	startCtx, startCancel := context.WithTimeout(ctx, startTimeout)
	err = svc.Start(startCtx)
	startCancel()
	if err != nil {
		logger.Fatalf("start feed: %v", err)
	}

	var lifecycle conc.WaitGroup
	var apiServer *http.Server
	if appCfg.APIServer.Addr != "" {
		apiServer = buildAPIServer(appCfg, svc, snapshotAcquirer, streams, br, store)
		startAPIServer(&lifecycle, logger, apiServer)
		logger.Printf("control API listening on %s", apiServer.Addr)
	}

	logger.Print("feed started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	if apiServer != nil {
		controlCtx, controlCancel := context.WithTimeout(shutdownCtx, controlShutdownTimeout)
		if err := apiServer.Shutdown(controlCtx); err != nil {
			logger.Printf("shutdown: control server: %v", err)
		}
		controlCancel()
		lifecycle.Wait()
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown: feed: %v", err)
	}

	telemetryCtx, telemetryCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	if err := telemetryProvider.Shutdown(telemetryCtx); err != nil {
		logger.Printf("shutdown: telemetry: %v", err)
	}
	telemetryCancel()

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newFeedLogger() *log.Logger {
	return log.New(os.Stdout, feedLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.Enabled = telemetryCfg.Enabled || cfg.EnableMetrics
	telemetry.SetEnvironment(string(env))

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// initRecorder returns a no-op recorder when the database is disabled. The async wrapper is
// flushed by the feed itself; the pool is closed afterwards through the returned closer.
func initRecorder(ctx context.Context, logger *log.Logger, cfg config.DatabaseConfig) (recorder.Recorder, []feed.Closer, error) {
	if !cfg.Enabled {
		logger.Print("database disabled; persistence is a no-op")
		return recorder.Nop{}, nil, nil
	}
	if cfg.RunMigrations {
		migrateCtx, cancel := context.WithTimeout(ctx, migrationTimeout)
		err := migrations.ApplyEmbedded(migrateCtx, cfg.DSN, logger)
		cancel()
		if err != nil {
			return nil, nil, err
		}
	}
	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:               cfg.DSN,
		MaxConns:          cfg.MaxConns,
		MinConns:          cfg.MinConns,
		MaxConnLifetime:   cfg.MaxConnLifetime,
		MaxConnIdleTime:   cfg.MaxConnIdleTime,
		HealthCheckPeriod: cfg.HealthCheckPeriod,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := postgres.ObservePoolMetrics(pool, poolName); err != nil {
		logger.Printf("database pool metrics disabled: %v", err)
	}
	store := postgres.New(pool)
	logger.Printf("database connected: max_conns=%d", cfg.MaxConns)

	async := recorder.NewAsync(store, recorder.WithQueueSize(cfg.RecorderQueue))
	return async, []feed.Closer{func(context.Context) error {
		store.Close()
		return nil
	}}, nil
}

func initCache(ctx context.Context, logger *log.Logger, cfg config.RedisConfig) (*cache.Store, []feed.Closer, error) {
	if !cfg.Enabled {
		return cache.New(), nil, nil
	}
	redisCfg := cache.RedisConfig{
		Addr:      cfg.Addr,
		Password:  cfg.Password,
		DB:        cfg.DB,
		KeyPrefix: cfg.KeyPrefix,
		TTL:       cfg.TTL,
	}
	client, err := cache.DialRedis(ctx, redisCfg)
	if err != nil {
		return nil, nil, err
	}
	mirror := cache.NewRedisMirror(client, redisCfg)
	logger.Printf("cache mirror connected: addr=%s", cfg.Addr)
	return cache.New(cache.WithMirror(mirror)), []feed.Closer{closeRedis(mirror, client)}, nil
}

func closeRedis(mirror *cache.RedisMirror, client *redis.Client) feed.Closer {
	return func(context.Context) error {
		mirror.Close()
		return client.Close()
	}
}

func buildAcquirer(appCfg config.AppConfig, store *cache.Store, bus eventbus.Bus, rec recorder.Recorder, limiter *rate.Limiter) (*acquirer.Acquirer, *breaker.Breaker, error) {
	registry, err := sources.NewRegistry(appCfg.Sources)
	if err != nil {
		return nil, nil, fmt.Errorf("build source registry: %w", err)
	}
	br := breaker.New(breaker.Config{
		Threshold: appCfg.Breaker.Threshold,
		Cooldown:  appCfg.Breaker.Cooldown,
		OnTransition: func(from, to breaker.State) {
			observability.Component("breaker").Warn("snapshot breaker transition",
				observability.F("from", from.String()), observability.F("to", to.String()))
		},
	})
	acq := acquirer.New(registry, br, store, bus, acquirer.Config{
		Interval:            appCfg.Acquirer.Interval,
		BreakerOpenInterval: appCfg.Acquirer.BreakerOpenInterval,
		RequestTimeout:      appCfg.Acquirer.RequestTimeout,
	}, acquirer.WithRecorder(rec), acquirer.WithRateLimiter(limiter))
	return acq, br, nil
}

func buildAPIServer(appCfg config.AppConfig, svc *feed.Service, acq *acquirer.Acquirer, streams *binance.StreamManager, br *breaker.Breaker, store *cache.Store) *http.Server {
	handler := httpserver.NewHandler(httpserver.Deps{
		Environment: string(appCfg.Environment),
		Orders:      svc,
		Snapshots:   acq,
		Streams:     streams,
		Breaker:     br,
		Cache:       store,
	})
	return &http.Server{
		Addr:              appCfg.APIServer.Addr,
		Handler:           handler,
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("control server: %v", err)
		}
	})
}

func binanceConfig(appCfg config.AppConfig) binance.Config {
	b := appCfg.Binance
	return binance.Config{
		APIBaseURL:       b.RESTBaseURL,
		WebsocketBaseURL: b.WSBaseURL,
		APIKey:           b.APIKey,
		APISecret:        b.APISecret,
		HTTPTimeout:      b.HTTPTimeout,
		RecvWindow:       b.RecvWindow,
		ListenKeyRefresh: b.ListenKeyRefresh,
		ResubscribeDelay: b.TickerResubscribeDelay,
		PingInterval:     b.PingInterval,
		RequestsPerSec:   appCfg.RateLimit.RequestsPerSecond,
		Burst:            appCfg.RateLimit.Burst,
	}
}
