// Package binance implements the Binance USDⓈ-M futures REST client, listen-key lifecycle
// and websocket stream management for the feed.
package binance

import (
	"strings"
	"time"
)

type metadata struct {
	apiBaseURL       string
	websocketBaseURL string
	identifier       string
	tickerPricePath  string
	ticker24hPath    string
	listenKeyPath    string
	orderPath        string
}

var binanceMetadata = metadata{
	apiBaseURL:       "https://fapi.binance.com",
	websocketBaseURL: "wss://fstream.binance.com/ws",
	identifier:       "binance",
	tickerPricePath:  "/fapi/v1/ticker/price",
	ticker24hPath:    "/fapi/v1/ticker/24hr",
	listenKeyPath:    "/fapi/v1/listenKey",
	orderPath:        "/fapi/v1/order",
}

const (
	defaultHTTPTimeout      = 10 * time.Second
	defaultRecvWindow       = 5 * time.Second
	defaultListenKeyRefresh = 30 * time.Minute
	defaultResubscribeDelay = 5 * time.Second
	defaultPingInterval     = 30 * time.Second
	defaultRequestsPerSec   = 10
	defaultBurst            = 5
	defaultDeleteTimeout    = 5 * time.Second
	binanceReadLimit        = 1 << 20
	// listenKeyTTL is the venue-side validity of a listen key without keepalive.
	listenKeyTTL = 60 * time.Minute
)

// Config captures user-overridable Binance settings.
type Config struct {
	Name             string
	APIBaseURL       string
	WebsocketBaseURL string
	APIKey           string
	APISecret        string
	HTTPTimeout      time.Duration
	RecvWindow       time.Duration
	ListenKeyRefresh time.Duration
	ResubscribeDelay time.Duration
	PingInterval     time.Duration
	RequestsPerSec   float64
	Burst            int
}

// Options configure the Binance adapter.
type Options struct {
	Config Config

	metadata metadata
}

func withDefaults(in Options) Options {
	in.metadata = binanceMetadata
	if base := strings.TrimSpace(in.Config.APIBaseURL); base != "" {
		in.metadata.apiBaseURL = base
	}
	if base := strings.TrimSpace(in.Config.WebsocketBaseURL); base != "" {
		in.metadata.websocketBaseURL = base
	}
	if strings.TrimSpace(in.Config.Name) == "" {
		in.Config.Name = in.metadata.identifier
	}
	if in.Config.HTTPTimeout <= 0 {
		in.Config.HTTPTimeout = defaultHTTPTimeout
	}
	if in.Config.RecvWindow <= 0 {
		in.Config.RecvWindow = defaultRecvWindow
	}
	if in.Config.ListenKeyRefresh <= 0 || in.Config.ListenKeyRefresh >= listenKeyTTL {
		in.Config.ListenKeyRefresh = defaultListenKeyRefresh
	}
	if in.Config.ResubscribeDelay <= 0 {
		in.Config.ResubscribeDelay = defaultResubscribeDelay
	}
	if in.Config.PingInterval <= 0 {
		in.Config.PingInterval = defaultPingInterval
	}
	if in.Config.RequestsPerSec <= 0 {
		in.Config.RequestsPerSec = defaultRequestsPerSec
	}
	if in.Config.Burst <= 0 {
		in.Config.Burst = defaultBurst
	}
	return in
}

func (o Options) restEndpoint(path string) string {
	base := strings.TrimSuffix(strings.TrimSpace(o.metadata.apiBaseURL), "/")
	if base == "" {
		return ""
	}
	if strings.TrimSpace(path) == "" {
		return base
	}
	if strings.HasPrefix(path, "/") {
		return base + path
	}
	return base + "/" + path
}

func (o Options) tickerPriceEndpoint() string { return o.restEndpoint(o.metadata.tickerPricePath) }

func (o Options) ticker24hEndpoint() string { return o.restEndpoint(o.metadata.ticker24hPath) }

func (o Options) listenKeyEndpoint() string { return o.restEndpoint(o.metadata.listenKeyPath) }

func (o Options) orderEndpoint() string { return o.restEndpoint(o.metadata.orderPath) }

func (o Options) tickerStreamURL(symbol string) string {
	return strings.TrimSuffix(o.metadata.websocketBaseURL, "/") + "/" + strings.ToLower(strings.TrimSpace(symbol)) + "@ticker"
}

func (o Options) userStreamURL(listenKey string) string {
	return strings.TrimSuffix(o.metadata.websocketBaseURL, "/") + "/" + strings.TrimSpace(listenKey)
}

func (o Options) hasCredentials() bool {
	return strings.TrimSpace(o.Config.APIKey) != "" && strings.TrimSpace(o.Config.APISecret) != ""
}
