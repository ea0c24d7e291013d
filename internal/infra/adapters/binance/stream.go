package binance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/tradefeed/errs"
	"github.com/coachpo/tradefeed/internal/domain/schema"
	"github.com/coachpo/tradefeed/internal/infra/cache"
	"github.com/coachpo/tradefeed/internal/infra/reconnect"
	"github.com/coachpo/tradefeed/internal/observability"
)

const (
	userStreamName = "user"
	pingTimeout    = 5 * time.Second
	tickerSuffix   = "@ticker"
	reasonRotated  = "listen_key_rotated"
	reasonExpired  = "listen_key_expired"
	reasonShutdown = "shutdown"
	sourceUserData = "binance.user"
	sourceTicker   = "binance.ticker"
)

var (
	errRotated          = errors.New("listen key rotated")
	errListenKeyExpired = errors.New("listen key expired")
)

// Publisher delivers events downstream.
type Publisher interface {
	Publish(ctx context.Context, evt schema.Event) error
}

// CacheWriter stores the latest value per key.
type CacheWriter interface {
	Set(key string, value any) cache.Entry
}

// SubscriptionStatus is the lifecycle state of one socket.
type SubscriptionStatus string

const (
	StatusConnecting SubscriptionStatus = "connecting"
	StatusOpen       SubscriptionStatus = "open"
	StatusClosed     SubscriptionStatus = "closed"
)

// Subscription describes one managed socket. ID changes on every connection attempt.
type Subscription struct {
	ID          string
	Stream      string
	Symbol      string
	Status      SubscriptionStatus
	Attempts    int
	OpenedAt    time.Time
	LastMessage time.Time
}

// StreamConfig configures the stream manager.
type StreamConfig struct {
	Config        Config
	UserReconnect reconnect.Config
	Now           func() time.Time
}

// StreamManager owns the per-symbol ticker sockets and the single user-data socket.
// Ticker sockets resubscribe after a fixed delay forever; the user-data socket follows the
// exponential reconnect policy and gives up at its ceiling.
type StreamManager struct {
	opts      Options
	policyCfg reconnect.Config
	cache     CacheWriter
	bus       Publisher
	keys      *ListenKeyManager
	now       func() time.Time
	logger    observability.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	workers conc.WaitGroup
	closing atomic.Bool

	mu     sync.Mutex
	subs   map[string]*Subscription
	rotate chan struct{}

	tickerMetrics *streamMetrics
	userMetrics   *streamMetrics
}

// NewStreamManager wires the manager to its cache, bus and listen-key lifecycle. keys may
// be nil when no user-data stream is wanted.
func NewStreamManager(cfg StreamConfig, store CacheWriter, bus Publisher, keys *ListenKeyManager) *StreamManager {
	opts := withDefaults(Options{Config: cfg.Config})
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &StreamManager{
		opts:          opts,
		policyCfg:     cfg.UserReconnect,
		cache:         store,
		bus:           bus,
		keys:          keys,
		now:           now,
		logger:        observability.Component("binance.stream"),
		ctx:           ctx,
		cancel:        cancel,
		subs:          make(map[string]*Subscription),
		rotate:        make(chan struct{}, 1),
		tickerMetrics: newStreamMetrics(opts.Config.Name, "ticker"),
		userMetrics:   newStreamMetrics(opts.Config.Name, userStreamName),
	}
	if keys != nil {
		keys.OnRotate(func(ListenKey) { m.forceUserReconnect() })
		keys.OnError(m.handleListenKeyError)
	}
	return m
}

// Subscribe opens the ticker stream for symbol. Subscribing twice is a no-op.
func (m *StreamManager) Subscribe(symbol string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return errs.New("binance/subscribe", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	stream := strings.ToLower(symbol) + tickerSuffix

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing.Load() {
		return errs.New("binance/subscribe", errs.CodeUnavailable, errs.WithMessage("stream manager closing"))
	}
	if _, ok := m.subs[stream]; ok {
		return nil
	}
	m.subs[stream] = &Subscription{Stream: stream, Symbol: symbol, Status: StatusConnecting}
	m.workers.Go(func() { m.runTicker(symbol, stream) })
	return nil
}

// SubscribeUserData opens the account stream. Subscribing twice is a no-op.
func (m *StreamManager) SubscribeUserData() error {
	if m.keys == nil {
		return errs.New("binance/subscribe_user", errs.CodeInvalid, errs.WithMessage("listen key manager not configured"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing.Load() {
		return errs.New("binance/subscribe_user", errs.CodeUnavailable, errs.WithMessage("stream manager closing"))
	}
	if _, ok := m.subs[userStreamName]; ok {
		return nil
	}
	m.subs[userStreamName] = &Subscription{Stream: userStreamName, Status: StatusConnecting}
	m.workers.Go(m.runUser)
	return nil
}

// Subscriptions returns a sorted copy of every managed socket.
func (m *StreamManager) Subscriptions() []Subscription {
	m.mu.Lock()
	out := make([]Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, *s)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Stream < out[j].Stream })
	return out
}

// Connected reports whether any socket is currently open.
func (m *StreamManager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.Status == StatusOpen {
			return true
		}
	}
	return false
}

// Close rejects new subscriptions, closes every socket and deletes the listen key.
// The key deletion runs even when ctx expires before the sockets drain.
func (m *StreamManager) Close(ctx context.Context) error {
	m.mu.Lock()
	if !m.closing.CompareAndSwap(false, true) {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.workers.Wait()
		close(done)
	}()
	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = errs.New("binance/stream_close", errs.CodeUnavailable,
			errs.WithMessage("sockets did not close before deadline"), errs.WithCause(ctx.Err()))
	}

	if m.keys != nil {
		delCtx, cancel := context.WithTimeout(context.Background(), defaultDeleteTimeout)
		if err := m.keys.Delete(delCtx); err != nil {
			m.logger.Warn("listen key delete on shutdown failed", observability.Err(err))
		}
		cancel()
	}
	return waitErr
}

func (m *StreamManager) forceUserReconnect() {
	select {
	case m.rotate <- struct{}{}:
	default:
	}
}

func (m *StreamManager) handleListenKeyError(err error) {
	if errs.IsAuth(err) {
		m.publishStatus(schema.EventTypeAuthFailed, userStreamName, schema.ConnectionStatus{
			Stream: userStreamName,
			Reason: "listen key refresh rejected",
		})
	}
}

func (m *StreamManager) runTicker(symbol, stream string) {
	attempts := 0
	for m.ctx.Err() == nil {
		attempts++
		m.setConnecting(stream, attempts)
		opened := false
		err := m.session(m.ctx, m.opts.tickerStreamURL(symbol), m.tickerMetrics, m.handleTicker,
			func() {
				opened = true
				attempts = 0
				m.setOpen(stream)
				m.publishStatus(schema.EventTypeConnected, stream, schema.ConnectionStatus{Stream: stream})
			}, nil)
		m.setClosed(stream)
		if m.ctx.Err() != nil {
			if opened {
				m.publishStatus(schema.EventTypeDisconnected, stream, schema.ConnectionStatus{Stream: stream, Reason: reasonShutdown})
			}
			return
		}
		reason := classifyStreamError(err)
		if opened {
			m.publishStatus(schema.EventTypeDisconnected, stream, schema.ConnectionStatus{Stream: stream, Reason: reason})
		}
		m.logger.Warn("ticker stream closed, resubscribing",
			observability.F("stream", stream),
			observability.F("reason", reason),
			observability.F("delay", m.opts.Config.ResubscribeDelay.String()),
			observability.Err(err))
		if !m.sleep(m.opts.Config.ResubscribeDelay) {
			return
		}
	}
}

func (m *StreamManager) runUser() {
	policy := reconnect.New(m.policyCfg)
	for m.ctx.Err() == nil {
		// a rotation signalled between sessions is already reflected in Current
		select {
		case <-m.rotate:
		default:
		}
		key, ok := m.keys.Current()
		if !ok {
			created, err := m.keys.Create(m.ctx)
			if err != nil {
				if m.ctx.Err() != nil {
					return
				}
				if errs.IsAuth(err) {
					m.failAuth(err)
					return
				}
				m.logger.Warn("listen key create failed", observability.Err(err))
				if !m.backoff(policy, err) {
					return
				}
				continue
			}
			key = created
		}

		m.setConnecting(userStreamName, policy.Attempts()+1)
		opened := false
		err := m.session(m.ctx, m.opts.userStreamURL(key.Value), m.userMetrics, m.handleUser,
			func() {
				opened = true
				policy.Reset()
				m.setOpen(userStreamName)
				m.publishStatus(schema.EventTypeConnected, userStreamName, schema.ConnectionStatus{Stream: userStreamName})
			}, m.rotate)
		m.setClosed(userStreamName)

		if m.ctx.Err() != nil {
			if opened {
				m.publishStatus(schema.EventTypeDisconnected, userStreamName,
					schema.ConnectionStatus{Stream: userStreamName, Reason: reasonShutdown})
			}
			return
		}

		switch {
		case errors.Is(err, errRotated):
			m.publishStatus(schema.EventTypeDisconnected, userStreamName,
				schema.ConnectionStatus{Stream: userStreamName, Reason: reasonRotated})
			continue
		case errors.Is(err, errListenKeyExpired):
			m.publishStatus(schema.EventTypeDisconnected, userStreamName,
				schema.ConnectionStatus{Stream: userStreamName, Reason: reasonExpired})
			if _, cerr := m.keys.Create(m.ctx); cerr != nil {
				if errs.IsAuth(cerr) {
					m.failAuth(cerr)
					return
				}
				if !m.backoff(policy, cerr) {
					return
				}
			}
			continue
		}

		reason := classifyStreamError(err)
		if opened {
			m.publishStatus(schema.EventTypeDisconnected, userStreamName,
				schema.ConnectionStatus{Stream: userStreamName, Reason: reason})
		}
		if !m.backoff(policy, err) {
			return
		}
	}
}

// backoff waits for the next policy delay. It returns false when the ceiling is reached
// or the manager is closing.
func (m *StreamManager) backoff(policy *reconnect.Policy, cause error) bool {
	delay, ok := policy.Next()
	if !ok {
		m.userMetrics.recordReconnect(m.ctx, "exhausted")
		m.logger.Error("user stream reconnect ceiling reached",
			observability.F("attempts", policy.Attempts()), observability.Err(cause))
		m.publishStatus(schema.EventTypeMaxReconnect, userStreamName, schema.ConnectionStatus{
			Stream:   userStreamName,
			Attempts: policy.Attempts(),
			Reason:   classifyStreamError(cause),
		})
		return false
	}
	m.userMetrics.recordReconnect(m.ctx, "scheduled")
	m.logger.Warn("user stream reconnect scheduled",
		observability.F("attempt", policy.Attempts()),
		observability.F("delay", delay.String()),
		observability.Err(cause))
	return m.sleep(delay)
}

func (m *StreamManager) failAuth(err error) {
	m.logger.Error("user stream authentication rejected", observability.Err(err))
	m.publishStatus(schema.EventTypeAuthFailed, userStreamName, schema.ConnectionStatus{
		Stream: userStreamName,
		Reason: string(errs.CodeAuth),
	})
}

func (m *StreamManager) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-m.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// session dials url and runs read and ping loops until either fails, ctx ends or
// interrupt fires. opened is invoked once the socket is established.
func (m *StreamManager) session(ctx context.Context, url string, metrics *streamMetrics,
	handler func(context.Context, []byte) error, opened func(), interrupt <-chan struct{}) error {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		metrics.recordReconnect(ctx, "error")
		return fmt.Errorf("dial: %w", err)
	}
	metrics.recordReconnect(ctx, "success")
	metrics.adjustConnections(ctx, 1)
	defer metrics.adjustConnections(ctx, -1)
	conn.SetReadLimit(binanceReadLimit)
	opened()

	connCtx, connCancel := context.WithCancel(ctx)
	errCh := make(chan error, 3)
	var wg conc.WaitGroup
	wg.Go(func() { errCh <- m.readLoop(connCtx, conn, metrics, handler) })
	wg.Go(func() { errCh <- m.pingLoop(connCtx, conn, metrics) })
	if interrupt != nil {
		wg.Go(func() {
			select {
			case <-interrupt:
				errCh <- errRotated
			case <-connCtx.Done():
				errCh <- context.Canceled
			}
		})
	}

	first := <-errCh
	connCancel()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	wg.Wait()
	return first
}

func (m *StreamManager) pingLoop(ctx context.Context, conn *websocket.Conn, metrics *streamMetrics) error {
	ticker := time.NewTicker(m.opts.Config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			start := time.Now()
			err := conn.Ping(pingCtx)
			cancel()
			result := "success"
			if err != nil {
				result = "error"
			}
			metrics.recordPing(ctx, time.Since(start), result)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return context.Canceled
				}
				if status := websocket.CloseStatus(err); status != -1 {
					return fmt.Errorf("ping: remote closed with status %d", status)
				}
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (m *StreamManager) readLoop(ctx context.Context, conn *websocket.Conn, metrics *streamMetrics,
	handler func(context.Context, []byte) error) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return context.Canceled
			}
			if status := websocket.CloseStatus(err); status != -1 {
				return fmt.Errorf("read: remote closed with status %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		if err := handler(ctx, data); err != nil {
			if errors.Is(err, errListenKeyExpired) {
				return err
			}
			m.logger.Warn("stream message dropped", observability.Err(err))
		}
	}
}

func (m *StreamManager) handleTicker(ctx context.Context, data []byte) error {
	tick, err := parseTicker(data, m.now)
	if err != nil {
		return err
	}
	stream := strings.ToLower(tick.Symbol) + tickerSuffix
	m.touch(stream)
	m.tickerMetrics.recordMessage(ctx, "24hrTicker", len(data))
	m.cache.Set(cache.PriceKey(tick.Symbol), tick)
	m.publish(ctx, schema.NewEvent(schema.EventTypePrice, sourceTicker, tick.Symbol, tick.Timestamp, tick))
	return nil
}

func (m *StreamManager) handleUser(ctx context.Context, data []byte) error {
	update, err := parseUserData(data, m.now)
	if err != nil {
		return err
	}
	m.touch(userStreamName)
	m.userMetrics.recordMessage(ctx, update.Kind, len(data))
	if update.ListenKeyExpired {
		return errListenKeyExpired
	}
	for _, b := range update.Balances {
		m.cache.Set(cache.BalanceKey(b.Asset), b)
		m.publish(ctx, schema.NewEvent(schema.EventTypeBalance, sourceUserData, b.Asset, b.Timestamp, b))
	}
	for _, p := range update.Positions {
		m.cache.Set(cache.PositionKey(p.Symbol), p)
		m.publish(ctx, schema.NewEvent(schema.EventTypePosition, sourceUserData, p.Symbol, p.Timestamp, p))
	}
	if o := update.Order; o != nil {
		m.cache.Set(cache.OrderKey(o.OrderID), *o)
		m.publish(ctx, schema.NewEvent(schema.EventTypeOrder, sourceUserData, o.Symbol, o.Timestamp, *o))
	}
	if e := update.Execution; e != nil {
		m.publish(ctx, schema.NewEvent(schema.EventTypeExecution, sourceUserData, e.Symbol, e.Timestamp, *e))
	}
	if mc := update.MarginCall; mc != nil {
		m.cache.Set(cache.MarginCallKey, *mc)
		m.logger.Warn("margin call received", observability.F("positions", len(mc.Positions)))
		m.publish(ctx, schema.NewEvent(schema.EventTypeMarginCall, sourceUserData, "", mc.Timestamp, *mc))
	}
	return nil
}

func (m *StreamManager) publish(ctx context.Context, evt schema.Event) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, evt); err != nil && ctx.Err() == nil {
		m.logger.Warn("event publish failed",
			observability.F("type", string(evt.Type)), observability.Err(err))
	}
}

func (m *StreamManager) publishStatus(typ schema.EventType, stream string, status schema.ConnectionStatus) {
	if m.bus == nil {
		return
	}
	// lifecycle events outlive the manager context so shutdown notices still go out
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	source := sourceTicker
	if stream == userStreamName {
		source = sourceUserData
	}
	if err := m.bus.Publish(ctx, schema.NewEvent(typ, source, "", m.now(), status)); err != nil {
		if typ.Priority() {
			m.logger.Error("terminal stream event not delivered", observability.F("type", string(typ)), observability.Err(err))
			return
		}
		m.logger.Debug("status publish failed", observability.F("type", string(typ)), observability.Err(err))
	}
}

func (m *StreamManager) setConnecting(stream string, attempts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.subs[stream]; ok {
		s.ID = uuid.NewString()
		s.Status = StatusConnecting
		s.Attempts = attempts
	}
}

func (m *StreamManager) setOpen(stream string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.subs[stream]; ok {
		s.Status = StatusOpen
		s.OpenedAt = m.now()
	}
}

func (m *StreamManager) setClosed(stream string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.subs[stream]; ok {
		s.Status = StatusClosed
	}
}

func (m *StreamManager) touch(stream string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.subs[stream]; ok {
		s.LastMessage = m.now()
	}
}
