package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "open app config")
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv(EnvBinanceAPIKey, "")
	t.Setenv(EnvBinanceAPISecret, "")
	t.Setenv(EnvDatabaseDSN, "")
	cfg, err := Load(context.Background(), writeConfig(t, "environment: DEV\n"))
	require.NoError(t, err)

	require.Equal(t, EnvDev, cfg.Environment)
	require.Equal(t, []string{"BTCUSDT"}, cfg.Binance.Symbols)
	require.Equal(t, 60*time.Second, cfg.Acquirer.Interval)
	require.Equal(t, 5*time.Minute, cfg.Acquirer.BreakerOpenInterval)
	require.Equal(t, 10*time.Second, cfg.Acquirer.RequestTimeout)
	require.Equal(t, 5, cfg.Breaker.Threshold)
	require.Equal(t, 5*time.Minute, cfg.Breaker.Cooldown)
	require.Equal(t, 5*time.Second, cfg.Binance.TickerResubscribeDelay)
	require.Equal(t, ReconnectConfig{Base: time.Second, Max: time.Minute, MaxAttempts: 10}, cfg.Binance.UserStream)
	require.Equal(t, 30*time.Minute, cfg.Binance.ListenKeyRefresh)
	require.Equal(t, 10*time.Second, cfg.Heartbeat.Interval)
	require.Equal(t, 30*time.Second, cfg.Heartbeat.StaleAfter)
	require.Equal(t, 10.0, cfg.RateLimit.RequestsPerSecond)
	require.Equal(t, 5, cfg.RateLimit.Burst)
	require.Len(t, cfg.Sources, 3)
	require.False(t, cfg.Database.Enabled)
	require.Equal(t, "tradefeed", cfg.Telemetry.ServiceName)
}

func TestLoadFromYAML(t *testing.T) {
	t.Setenv(EnvBinanceAPIKey, "env-key")
	t.Setenv(EnvBinanceAPISecret, "env-secret")
	t.Setenv(EnvDatabaseDSN, "")
	path := writeConfig(t, `
environment: prod
binance:
  restBaseUrl: https://testnet.binancefuture.com/
  wsBaseUrl: wss://stream.binancefuture.com/ws
  symbols: [btcusdt, " ethusdt", BTCUSDT]
  userData: true
  listenKeyRefresh: 20m
  userStream:
    base: 2s
    max: 30s
    maxAttempts: 4
sources:
  - name: cmc
    endpoint: https://pro-api.coinmarketcap.com/v1/cryptocurrency/quotes/latest
    adapter: coinmarketcap
    priority: 1
    headers:
      X-CMC_PRO_API_KEY: abc
acquirer:
  interval: 2m
breaker:
  threshold: 3
  cooldown: 90s
database:
  enabled: true
  dsn: postgresql://feed@db:5432/feed
redis:
  enabled: true
  addr: redis:6379
apiServer:
  addr: " :8880 "
`)
	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)

	require.Equal(t, EnvProd, cfg.Environment)
	require.Equal(t, "https://testnet.binancefuture.com", cfg.Binance.RESTBaseURL)
	require.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Binance.Symbols)
	require.Equal(t, "env-key", cfg.Binance.APIKey)
	require.Equal(t, "env-secret", cfg.Binance.APISecret)
	require.Equal(t, 20*time.Minute, cfg.Binance.ListenKeyRefresh)
	require.Equal(t, ReconnectConfig{Base: 2 * time.Second, Max: 30 * time.Second, MaxAttempts: 4}, cfg.Binance.UserStream)
	require.Len(t, cfg.Sources, 1)
	require.Equal(t, "coinmarketcap", cfg.Sources[0].AdapterName())
	require.Equal(t, "abc", cfg.Sources[0].Headers["X-CMC_PRO_API_KEY"])
	require.Equal(t, 2*time.Minute, cfg.Acquirer.Interval)
	require.Equal(t, 3, cfg.Breaker.Threshold)
	require.Equal(t, 90*time.Second, cfg.Breaker.Cooldown)
	require.Equal(t, "postgresql://feed@db:5432/feed", cfg.Database.DSN)
	require.Equal(t, int32(8), cfg.Database.MaxConns)
	require.True(t, cfg.Redis.Enabled)
	require.Equal(t, ":8880", cfg.APIServer.Addr)
}

func TestLoadReadsDotEnvBesideConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("BINANCE_API_KEY=dot-key\nBINANCE_API_SECRET=dot-secret\n"), 0o600))
	path := filepath.Join(dir, "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte("binance:\n  userData: true\n"), 0o600))

	// godotenv never overrides variables that are already set, so start from unset ones
	t.Setenv(EnvBinanceAPIKey, "")
	t.Setenv(EnvBinanceAPISecret, "")
	require.NoError(t, os.Unsetenv(EnvBinanceAPIKey))
	require.NoError(t, os.Unsetenv(EnvBinanceAPISecret))

	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, "dot-key", cfg.Binance.APIKey)
	require.Equal(t, "dot-secret", cfg.Binance.APISecret)
}

func TestValidateRejects(t *testing.T) {
	t.Setenv(EnvBinanceAPIKey, "")
	t.Setenv(EnvBinanceAPISecret, "")
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{name: "environment", yaml: "environment: qa\n", want: "environment must be one of"},
		{name: "user data without credentials", yaml: "binance:\n  userData: true\n", want: "userData requires apiKey"},
		{name: "listen key refresh", yaml: "binance:\n  listenKeyRefresh: 90m\n", want: "listenKeyRefresh"},
		{name: "duplicate source", yaml: "sources:\n  - {name: coingecko, endpoint: 'https://a.example'}\n  - {name: CoinGecko, endpoint: 'https://b.example'}\n", want: "duplicate source name"},
		{name: "relative endpoint", yaml: "sources:\n  - {name: coingecko, endpoint: /simple/price}\n", want: "absolute url"},
		{name: "timeout above interval", yaml: "acquirer:\n  interval: 5s\n  requestTimeout: 10s\n", want: "requestTimeout"},
		{name: "stale below interval", yaml: "heartbeat:\n  interval: 1m\n  staleAfter: 10s\n", want: "staleAfter"},
		{name: "database bounds", yaml: "database:\n  enabled: true\n  maxConns: 2\n  minConns: 4\n", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(context.Background(), writeConfig(t, tt.yaml))
			if tt.want == "" {
				// minConns above maxConns is clamped rather than rejected
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestDefault(t *testing.T) {
	t.Setenv(EnvBinanceAPIKey, "")
	t.Setenv(EnvBinanceAPISecret, "")
	cfg, err := Default()
	require.NoError(t, err)
	require.Equal(t, EnvDev, cfg.Environment)
	require.NotEmpty(t, cfg.Sources)
}
