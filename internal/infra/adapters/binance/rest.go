package binance

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/coachpo/tradefeed/errs"
	"github.com/coachpo/tradefeed/internal/domain/schema"
)

// Binance error codes that map onto the shared taxonomy rather than HTTP status.
const (
	codeInvalidListenKey = -1125
	codeTooManyRequests  = -1003
	codeInvalidAPIKey    = -2014
	codeRejectedMBXKey   = -2015
	codeInvalidSignature = -1022
)

// RESTClient issues rate-limited requests against the Binance futures REST API.
// A single client is shared by every caller so the local limiter sees all traffic.
type RESTClient struct {
	opts    Options
	http    *http.Client
	limiter *rate.Limiter
	now     func() time.Time
	metrics *restMetrics
}

// RESTOption customises the client.
type RESTOption func(*RESTClient)

// WithHTTPClient overrides the transport.
func WithHTTPClient(client *http.Client) RESTOption {
	return func(c *RESTClient) {
		if client != nil {
			c.http = client
		}
	}
}

// WithRESTClock overrides the clock used for signed timestamps.
func WithRESTClock(now func() time.Time) RESTOption {
	return func(c *RESTClient) {
		if now != nil {
			c.now = now
		}
	}
}

// WithRateLimiter shares limiter with other REST callers instead of building one from cfg.
func WithRateLimiter(limiter *rate.Limiter) RESTOption {
	return func(c *RESTClient) {
		if limiter != nil {
			c.limiter = limiter
		}
	}
}

// NewRESTClient builds a REST client from cfg.
func NewRESTClient(cfg Config, opts ...RESTOption) *RESTClient {
	o := withDefaults(Options{Config: cfg})
	c := &RESTClient{
		opts:    o,
		http:    &http.Client{Timeout: o.Config.HTTPTimeout},
		limiter: rate.NewLimiter(rate.Limit(o.Config.RequestsPerSec), o.Config.Burst),
		now:     time.Now,
		metrics: newRESTMetrics(o.Config.Name),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// TickerPrice fetches the last price for symbol. Only LastPrice and Timestamp are populated.
func (c *RESTClient) TickerPrice(ctx context.Context, symbol string) (schema.PriceTick, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(strings.TrimSpace(symbol)))
	body, err := c.do(ctx, "binance/ticker_price", http.MethodGet, c.opts.tickerPriceEndpoint(), params, false)
	if err != nil {
		return schema.PriceTick{}, err
	}
	var resp struct {
		Symbol string           `json:"symbol"`
		Price  string           `json:"price"`
		Time   binanceTimestamp `json:"time"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return schema.PriceTick{}, errs.New("binance/ticker_price", errs.CodeParse, errs.WithCause(err))
	}
	price, ok := parseDecimal(resp.Price)
	if !ok {
		return schema.PriceTick{}, errs.New("binance/ticker_price", errs.CodeParse,
			errs.WithMessage("missing price"), errs.WithRawMessage(string(body)))
	}
	return schema.PriceTick{
		Symbol:    strings.ToUpper(resp.Symbol),
		LastPrice: price,
		Timestamp: resp.Time.Time(c.now),
	}, nil
}

// Ticker24h fetches the rolling 24h statistics for symbol as a price tick.
func (c *RESTClient) Ticker24h(ctx context.Context, symbol string) (schema.PriceTick, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(strings.TrimSpace(symbol)))
	body, err := c.do(ctx, "binance/ticker_24h", http.MethodGet, c.opts.ticker24hEndpoint(), params, false)
	if err != nil {
		return schema.PriceTick{}, err
	}
	var resp struct {
		Symbol             string           `json:"symbol"`
		LastPrice          string           `json:"lastPrice"`
		BidPrice           string           `json:"bidPrice"`
		AskPrice           string           `json:"askPrice"`
		Volume             string           `json:"volume"`
		PriceChangePercent string           `json:"priceChangePercent"`
		HighPrice          string           `json:"highPrice"`
		LowPrice           string           `json:"lowPrice"`
		CloseTime          binanceTimestamp `json:"closeTime"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return schema.PriceTick{}, errs.New("binance/ticker_24h", errs.CodeParse, errs.WithCause(err))
	}
	last, ok := parseDecimal(resp.LastPrice)
	if !ok {
		return schema.PriceTick{}, errs.New("binance/ticker_24h", errs.CodeParse,
			errs.WithMessage("missing lastPrice"), errs.WithRawMessage(string(body)))
	}
	tick := schema.PriceTick{
		Symbol:    resp.Symbol,
		LastPrice: last,
		Timestamp: resp.CloseTime.Time(c.now),
	}
	tick.BidPrice, _ = parseDecimal(resp.BidPrice)
	tick.AskPrice, _ = parseDecimal(resp.AskPrice)
	tick.Volume24h, _ = parseDecimal(resp.Volume)
	tick.Change24h, _ = parseDecimal(resp.PriceChangePercent)
	tick.High24h, _ = parseDecimal(resp.HighPrice)
	tick.Low24h, _ = parseDecimal(resp.LowPrice)
	return tick, nil
}

type orderResponse struct {
	Symbol        string           `json:"symbol"`
	OrderID       int64            `json:"orderId"`
	ClientOrderID string           `json:"clientOrderId"`
	Status        string           `json:"status"`
	ExecutedQty   string           `json:"executedQty"`
	AvgPrice      string           `json:"avgPrice"`
	UpdateTime    binanceTimestamp `json:"updateTime"`
}

// SubmitOrder places a signed order and returns the exchange acknowledgement.
func (c *RESTClient) SubmitOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderAck, error) {
	const op = "binance/submit_order"
	if err := req.Validate(); err != nil {
		return schema.OrderAck{}, err
	}
	if !c.opts.hasCredentials() {
		return schema.OrderAck{}, errs.New(op, errs.CodeAuth,
			errs.WithMessage("api credentials required"),
			errs.WithRemediation("set BINANCE_API_KEY and BINANCE_API_SECRET"))
	}

	params := url.Values{}
	params.Set("symbol", strings.ToUpper(strings.TrimSpace(req.Symbol)))
	params.Set("side", strings.ToUpper(req.Side))
	params.Set("type", strings.ToUpper(req.Type))
	params.Set("quantity", req.Quantity.String())
	if req.Price != nil {
		params.Set("price", req.Price.String())
		tif := strings.ToUpper(strings.TrimSpace(req.TimeInForce))
		if tif == "" {
			tif = "GTC"
		}
		params.Set("timeInForce", tif)
	}
	if id := strings.TrimSpace(req.ClientOrderID); id != "" {
		params.Set("newClientOrderId", id)
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	params.Set("newOrderRespType", "RESULT")

	body, err := c.do(ctx, op, http.MethodPost, c.opts.orderEndpoint(), params, true)
	if err != nil {
		return schema.OrderAck{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return schema.OrderAck{}, errs.New(op, errs.CodeParse, errs.WithCause(err))
	}
	ack := schema.OrderAck{
		Symbol:        resp.Symbol,
		OrderID:       resp.OrderID,
		ClientOrderID: resp.ClientOrderID,
		Status:        schema.OrderStatus(resp.Status),
		UpdatedAt:     resp.UpdateTime.Time(c.now),
	}
	ack.ExecutedQty, _ = parseDecimal(resp.ExecutedQty)
	ack.AvgPrice, _ = parseDecimal(resp.AvgPrice)
	return ack, nil
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// CreateListenKey issues a new user-data listen key.
func (c *RESTClient) CreateListenKey(ctx context.Context) (string, error) {
	const op = "binance/listen_key_create"
	if strings.TrimSpace(c.opts.Config.APIKey) == "" {
		return "", errs.New(op, errs.CodeAuth, errs.WithMessage("api key required"))
	}
	body, err := c.do(ctx, op, http.MethodPost, c.opts.listenKeyEndpoint(), nil, false)
	if err != nil {
		return "", err
	}
	var resp listenKeyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", errs.New(op, errs.CodeParse, errs.WithCause(err))
	}
	if strings.TrimSpace(resp.ListenKey) == "" {
		return "", errs.New(op, errs.CodeParse, errs.WithMessage("empty listen key"))
	}
	return resp.ListenKey, nil
}

// KeepAliveListenKey extends the validity of key.
func (c *RESTClient) KeepAliveListenKey(ctx context.Context, key string) error {
	params := url.Values{}
	params.Set("listenKey", key)
	_, err := c.do(ctx, "binance/listen_key_keepalive", http.MethodPut, c.opts.listenKeyEndpoint(), params, false)
	return err
}

// DeleteListenKey invalidates key.
func (c *RESTClient) DeleteListenKey(ctx context.Context, key string) error {
	params := url.Values{}
	params.Set("listenKey", key)
	_, err := c.do(ctx, "binance/listen_key_delete", http.MethodDelete, c.opts.listenKeyEndpoint(), params, false)
	return err
}

func (c *RESTClient) do(ctx context.Context, op, method, endpoint string, params url.Values, signed bool) ([]byte, error) {
	if endpoint == "" {
		return nil, errs.New(op, errs.CodeInvalid, errs.WithMessage("endpoint not configured"))
	}
	waitStart := time.Now()
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errs.Transport(op, err)
	}
	c.metrics.recordThrottle(ctx, time.Since(waitStart))

	if params == nil {
		params = url.Values{}
	}
	encoded := params.Encode()
	if signed {
		params.Set("recvWindow", strconv.FormatInt(c.opts.Config.RecvWindow.Milliseconds(), 10))
		params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
		encoded = params.Encode()
		// the signature must trail the payload it signs
		encoded += "&signature=" + signPayload(encoded, c.opts.Config.APISecret)
	}

	var reqBody io.Reader
	target := endpoint
	if method == http.MethodPost && signed {
		reqBody = bytes.NewBufferString(encoded)
	} else if encoded != "" {
		target = endpoint + "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, errs.New(op, errs.CodeInvalid, errs.WithCause(err))
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if key := strings.TrimSpace(c.opts.Config.APIKey); key != "" {
		req.Header.Set("X-MBX-APIKEY", key)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		err = errs.Transport(op, err)
		c.metrics.recordRequest(ctx, op, time.Since(start), err)
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		err = errs.Transport(op, err)
		c.metrics.recordRequest(ctx, op, time.Since(start), err)
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		err = parseAPIError(op, resp.StatusCode, body)
		c.metrics.recordRequest(ctx, op, time.Since(start), err)
		return nil, err
	}
	c.metrics.recordRequest(ctx, op, time.Since(start), nil)
	return body, nil
}

type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// parseAPIError maps a Binance error response onto the shared taxonomy. Venue codes
// take precedence over the HTTP status where they are more specific.
func parseAPIError(op string, status int, body []byte) error {
	opts := []errs.Option{errs.WithHTTP(status)}
	code := errs.CodeForStatus(status)
	if code == "" {
		code = errs.CodeExchange
	}

	var apiErr binanceError
	if err := json.Unmarshal(body, &apiErr); err == nil && (apiErr.Code != 0 || apiErr.Msg != "") {
		opts = append(opts, errs.WithRawCode(strconv.Itoa(apiErr.Code)), errs.WithRawMessage(apiErr.Msg))
		switch apiErr.Code {
		case codeInvalidListenKey:
			code = errs.CodeNotFound
		case codeTooManyRequests:
			code = errs.CodeRateLimited
		case codeInvalidAPIKey, codeRejectedMBXKey, codeInvalidSignature:
			code = errs.CodeAuth
		}
		opts = append(opts, errs.WithMessage(fmt.Sprintf("binance error %d", apiErr.Code)))
	} else if trimmed := strings.TrimSpace(string(body)); trimmed != "" {
		opts = append(opts, errs.WithRawMessage(trimmed))
	}
	if code == errs.CodeAuth {
		opts = append(opts, errs.WithRemediation("verify api key permissions and ip whitelist"))
	}
	return errs.New(op, code, opts...)
}

func signPayload(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func parseDecimal(value string) (decimal.Decimal, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Zero, false
	}
	dec, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, false
	}
	return dec, true
}

type binanceTimestamp int64

func (ts *binanceTimestamp) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*ts = 0
		return nil
	}
	if trimmed[0] == '"' && trimmed[len(trimmed)-1] == '"' {
		trimmed = bytes.TrimSpace(trimmed[1 : len(trimmed)-1])
		if len(trimmed) == 0 {
			*ts = 0
			return nil
		}
	}
	if parsed, err := strconv.ParseInt(string(trimmed), 10, 64); err == nil {
		*ts = binanceTimestamp(parsed)
		return nil
	}
	if parsed, err := strconv.ParseFloat(string(trimmed), 64); err == nil {
		*ts = binanceTimestamp(int64(parsed))
		return nil
	}
	return fmt.Errorf("binance: invalid timestamp %q", string(data))
}

// Time converts the millisecond timestamp, falling back to now when absent.
func (ts binanceTimestamp) Time(now func() time.Time) time.Time {
	if ts <= 0 {
		if now == nil {
			return time.Now().UTC()
		}
		return now().UTC()
	}
	return time.UnixMilli(int64(ts)).UTC()
}
