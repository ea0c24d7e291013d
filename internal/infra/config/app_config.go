// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/tradefeed/internal/infra/sources"
)

// BinanceConfig configures the futures REST client and sockets.
type BinanceConfig struct {
	RESTBaseURL            string          `yaml:"restBaseUrl"`
	WSBaseURL              string          `yaml:"wsBaseUrl"`
	APIKey                 string          `yaml:"apiKey"`
	APISecret              string          `yaml:"apiSecret"`
	Symbols                []string        `yaml:"symbols"`
	UserData               bool            `yaml:"userData"`
	HTTPTimeout            time.Duration   `yaml:"httpTimeout"`
	RecvWindow             time.Duration   `yaml:"recvWindow"`
	ListenKeyRefresh       time.Duration   `yaml:"listenKeyRefresh"`
	TickerResubscribeDelay time.Duration   `yaml:"tickerResubscribeDelay"`
	PingInterval           time.Duration   `yaml:"pingInterval"`
	UserStream             ReconnectConfig `yaml:"userStream"`
}

// ReconnectConfig describes an exponential backoff with an attempt ceiling.
type ReconnectConfig struct {
	Base        time.Duration `yaml:"base"`
	Max         time.Duration `yaml:"max"`
	MaxAttempts int           `yaml:"maxAttempts"`
}

// AcquirerConfig tunes the snapshot cycle.
type AcquirerConfig struct {
	Interval            time.Duration `yaml:"interval"`
	BreakerOpenInterval time.Duration `yaml:"breakerOpenInterval"`
	RequestTimeout      time.Duration `yaml:"requestTimeout"`
}

// BreakerConfig tunes the snapshot circuit breaker.
type BreakerConfig struct {
	Threshold int           `yaml:"threshold"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

// RateLimitConfig throttles outgoing REST calls.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
}

// HeartbeatConfig tunes the staleness monitor.
type HeartbeatConfig struct {
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"staleAfter"`
}

// EventbusConfig sets in-memory event bus sizing characteristics.
type EventbusConfig struct {
	BufferSize         int `yaml:"bufferSize"`
	PriorityBufferSize int `yaml:"priorityBufferSize"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	Enabled           bool          `yaml:"enabled"`
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
	// RecorderQueue bounds the async write queue in front of the database.
	RecorderQueue int `yaml:"recorderQueue"`
}

// RedisConfig enables the cache mirror.
type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"keyPrefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// APIServerConfig configures the JSON control API. An empty Addr disables it.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// AppConfig is the unified feed configuration sourced from YAML.
type AppConfig struct {
	Environment Environment          `yaml:"environment"`
	Binance     BinanceConfig        `yaml:"binance"`
	Sources     []sources.Descriptor `yaml:"sources"`
	Acquirer    AcquirerConfig       `yaml:"acquirer"`
	Breaker     BreakerConfig        `yaml:"breaker"`
	RateLimit   RateLimitConfig      `yaml:"rateLimit"`
	Heartbeat   HeartbeatConfig      `yaml:"heartbeat"`
	Eventbus    EventbusConfig       `yaml:"eventbus"`
	Database    DatabaseConfig       `yaml:"database"`
	Redis       RedisConfig          `yaml:"redis"`
	APIServer   APIServerConfig      `yaml:"apiServer"`
	Telemetry   TelemetryConfig      `yaml:"telemetry"`
	Logging     LoggingConfig        `yaml:"logging"`
}

func defaultSources() []sources.Descriptor {
	return []sources.Descriptor{
		{
			Name:     "coingecko",
			Endpoint: "https://api.coingecko.com/api/v3/simple/price",
			Query: map[string]string{
				"ids":                 "bitcoin",
				"vs_currencies":       "usd",
				"include_24hr_change": "true",
				"include_24hr_vol":    "true",
				"include_market_cap":  "true",
			},
			Priority: 1,
		},
		{
			Name:     "alternative",
			Endpoint: "https://api.alternative.me/fng/",
			Query:    map[string]string{"limit": "1"},
			Priority: 2,
		},
		{
			Name:     "binance",
			Endpoint: "https://fapi.binance.com/fapi/v1/ticker/24hr",
			Query:    map[string]string{"symbol": "BTCUSDT"},
			Priority: 3,
		},
	}
}

// Load reads .env (if present), then reads, defaults and validates an AppConfig from the
// YAML file at configPath.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	if err := loadDotEnv(configPath); err != nil {
		return AppConfig{}, err
	}

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// Default returns a validated configuration built purely from defaults and environment.
func Default() (AppConfig, error) {
	var cfg AppConfig
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	return cfg, cfg.Validate()
}

// loadDotEnv loads .env from the working directory and next to the config file.
// Existing environment variables win; missing files are ignored.
func loadDotEnv(configPath string) error {
	candidates := []string{".env"}
	if dir := filepath.Dir(strings.TrimSpace(configPath)); dir != "." && dir != "" {
		candidates = append(candidates, filepath.Join(dir, ".env"))
	}
	for _, path := range candidates {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

func (c *AppConfig) applyDefaults() {
	if strings.TrimSpace(string(c.Environment)) == "" {
		c.Environment = EnvDev
	}

	b := &c.Binance
	if b.RESTBaseURL == "" {
		b.RESTBaseURL = "https://fapi.binance.com"
	}
	if b.WSBaseURL == "" {
		b.WSBaseURL = "wss://fstream.binance.com/ws"
	}
	if len(b.Symbols) == 0 {
		b.Symbols = []string{"BTCUSDT"}
	}
	if b.HTTPTimeout <= 0 {
		b.HTTPTimeout = 10 * time.Second
	}
	if b.RecvWindow <= 0 {
		b.RecvWindow = 5 * time.Second
	}
	if b.ListenKeyRefresh <= 0 {
		b.ListenKeyRefresh = 30 * time.Minute
	}
	if b.TickerResubscribeDelay <= 0 {
		b.TickerResubscribeDelay = 5 * time.Second
	}
	if b.PingInterval <= 0 {
		b.PingInterval = 30 * time.Second
	}
	if b.UserStream.Base <= 0 {
		b.UserStream.Base = time.Second
	}
	if b.UserStream.Max <= 0 {
		b.UserStream.Max = 60 * time.Second
	}
	if b.UserStream.MaxAttempts == 0 {
		b.UserStream.MaxAttempts = 10
	}

	if len(c.Sources) == 0 {
		c.Sources = defaultSources()
	}
	if c.Acquirer.Interval <= 0 {
		c.Acquirer.Interval = 60 * time.Second
	}
	if c.Acquirer.BreakerOpenInterval <= 0 {
		c.Acquirer.BreakerOpenInterval = 5 * time.Minute
	}
	if c.Acquirer.RequestTimeout <= 0 {
		c.Acquirer.RequestTimeout = 10 * time.Second
	}
	if c.Breaker.Threshold <= 0 {
		c.Breaker.Threshold = 5
	}
	if c.Breaker.Cooldown <= 0 {
		c.Breaker.Cooldown = 5 * time.Minute
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 5
	}
	if c.Heartbeat.Interval <= 0 {
		c.Heartbeat.Interval = 10 * time.Second
	}
	if c.Heartbeat.StaleAfter <= 0 {
		c.Heartbeat.StaleAfter = 30 * time.Second
	}
	if c.Eventbus.BufferSize <= 0 {
		c.Eventbus.BufferSize = 1024
	}
	if c.Eventbus.PriorityBufferSize <= 0 {
		c.Eventbus.PriorityBufferSize = 64
	}

	c.Database.applyDefaults()

	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "tradefeed:"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "tradefeed"
	}
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/tradefeed"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 8
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
	if c.RecorderQueue <= 0 {
		c.RecorderQueue = 1024
	}
}

// applyEnv fills secrets the YAML left empty.
func (c *AppConfig) applyEnv() {
	if strings.TrimSpace(c.Binance.APIKey) == "" {
		c.Binance.APIKey = os.Getenv(EnvBinanceAPIKey)
	}
	if strings.TrimSpace(c.Binance.APISecret) == "" {
		c.Binance.APISecret = os.Getenv(EnvBinanceAPISecret)
	}
	if dsn := strings.TrimSpace(os.Getenv(EnvDatabaseDSN)); dsn != "" {
		c.Database.DSN = dsn
	}
	if c.Redis.Password == "" {
		c.Redis.Password = os.Getenv(EnvRedisPassword)
	}
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.Binance.RESTBaseURL = strings.TrimRight(strings.TrimSpace(c.Binance.RESTBaseURL), "/")
	c.Binance.WSBaseURL = strings.TrimRight(strings.TrimSpace(c.Binance.WSBaseURL), "/")
	c.Binance.APIKey = strings.TrimSpace(c.Binance.APIKey)
	c.Binance.APISecret = strings.TrimSpace(c.Binance.APISecret)
	c.Binance.Symbols = normalizeSymbols(c.Binance.Symbols)
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))

	seen := make(map[string]struct{}, len(c.Sources))
	for i := range c.Sources {
		src := &c.Sources[i]
		src.Name = strings.TrimSpace(src.Name)
		src.Endpoint = strings.TrimSpace(src.Endpoint)
		key := strings.ToLower(src.Name)
		if _, ok := seen[key]; ok {
			return fmt.Errorf("duplicate source name %q", src.Name)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if c.Binance.RESTBaseURL == "" || c.Binance.WSBaseURL == "" {
		return fmt.Errorf("binance restBaseUrl and wsBaseUrl required")
	}
	if c.Binance.UserData && (c.Binance.APIKey == "" || c.Binance.APISecret == "") {
		return fmt.Errorf("binance userData requires apiKey and apiSecret (or %s / %s)", EnvBinanceAPIKey, EnvBinanceAPISecret)
	}
	if c.Binance.ListenKeyRefresh >= 60*time.Minute {
		return fmt.Errorf("binance listenKeyRefresh must be below the 60m listen key lifetime")
	}
	if c.Binance.UserStream.Max < c.Binance.UserStream.Base {
		return fmt.Errorf("binance userStream max must be >= base")
	}

	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source required")
	}
	for _, src := range c.Sources {
		if err := src.Validate(); err != nil {
			return fmt.Errorf("sources: %w", err)
		}
	}

	if c.Acquirer.RequestTimeout > c.Acquirer.Interval {
		return fmt.Errorf("acquirer requestTimeout must not exceed interval")
	}
	if c.RateLimit.Burst < 1 {
		return fmt.Errorf("rateLimit burst must be >0")
	}
	if c.Heartbeat.StaleAfter < c.Heartbeat.Interval {
		return fmt.Errorf("heartbeat staleAfter must be >= interval")
	}

	if c.Database.Enabled {
		if err := c.Database.validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if c.Redis.Enabled && strings.TrimSpace(c.Redis.Addr) == "" {
		return fmt.Errorf("redis addr required when enabled")
	}
	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	return nil
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.MaxConnLifetime <= 0 {
		return fmt.Errorf("maxConnLifetime must be >0")
	}
	if c.MaxConnIdleTime <= 0 {
		return fmt.Errorf("maxConnIdleTime must be >0")
	}
	if c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("healthCheckPeriod must be >0")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
