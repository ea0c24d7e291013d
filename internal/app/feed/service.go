// Package feed supervises the snapshot acquirer, the Binance sockets, the cache heartbeat
// and the persistence bridge as one process lifecycle.
package feed

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/tradefeed/errs"
	"github.com/coachpo/tradefeed/internal/domain/recorder"
	"github.com/coachpo/tradefeed/internal/domain/schema"
	"github.com/coachpo/tradefeed/internal/infra/bus/eventbus"
	"github.com/coachpo/tradefeed/internal/infra/cache"
	"github.com/coachpo/tradefeed/internal/observability"
)

const (
	defaultSeedTimeout = 10 * time.Second
	orderSource        = "binance.rest"
	recorderSubscriber = "recorder"
)

// SnapshotRunner runs acquisition cycles until its context ends.
type SnapshotRunner interface {
	Run(ctx context.Context) error
}

// Streams manages the push sockets.
type Streams interface {
	Subscribe(symbol string) error
	SubscribeUserData() error
	Connected() bool
	Close(ctx context.Context) error
}

// Exchange is the REST surface the service uses.
type Exchange interface {
	Ticker24h(ctx context.Context, symbol string) (schema.PriceTick, error)
	TickerPrice(ctx context.Context, symbol string) (schema.PriceTick, error)
	SubmitOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderAck, error)
}

// Flusher drains buffered work on shutdown.
type Flusher interface {
	Close(ctx context.Context) error
}

// Closer releases a resource on shutdown, after the bus and recorder are drained.
type Closer func(ctx context.Context) error

// Deps are the collaborators the service supervises. Acquirer, Exchange and Recorder are optional.
type Deps struct {
	Acquirer SnapshotRunner
	Streams  Streams
	Exchange Exchange
	Bus      eventbus.Bus
	Cache    *cache.Store
	Recorder recorder.Recorder
	Closers  []Closer
}

// Config selects what the service subscribes to.
type Config struct {
	Symbols     []string
	UserData    bool
	Heartbeat   cache.HeartbeatConfig
	SeedTimeout time.Duration
}

// Service owns the feed lifecycle.
type Service struct {
	deps   Deps
	cfg    Config
	logger observability.Logger

	mu        sync.Mutex
	started   bool
	closing   bool
	cancel    context.CancelFunc
	loops     conc.WaitGroup
	heartbeat *cache.Heartbeat
}

// New validates deps and builds a stopped service.
func New(deps Deps, cfg Config) (*Service, error) {
	const op = "feed/new"
	if deps.Streams == nil || deps.Bus == nil || deps.Cache == nil {
		return nil, errs.New(op, errs.CodeInvalid, errs.WithMessage("streams, bus and cache are required"))
	}
	if cfg.SeedTimeout <= 0 {
		cfg.SeedTimeout = defaultSeedTimeout
	}
	symbols := make([]string, 0, len(cfg.Symbols))
	seen := make(map[string]struct{}, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		symbols = append(symbols, s)
	}
	cfg.Symbols = symbols
	if cfg.Heartbeat.Connected == nil {
		cfg.Heartbeat.Connected = deps.Streams.Connected
	}
	return &Service{
		deps:      deps,
		cfg:       cfg,
		logger:    observability.Component("feed"),
		heartbeat: cache.NewHeartbeat(deps.Cache, deps.Bus, cfg.Heartbeat),
	}, nil
}

// Start wires the persistence bridge, seeds prices over REST, opens the sockets and
// starts the acquirer and heartbeat loops. It returns once everything is running.
func (s *Service) Start(ctx context.Context) error {
	const op = "feed/start"
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return errs.New(op, errs.CodeUnavailable, errs.WithMessage("service shutting down"))
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if s.deps.Recorder != nil {
		_, err := s.deps.Bus.Subscribe(recorderSubscriber, s.persist,
			schema.EventTypeSnapshot, schema.EventTypeOrder, schema.EventTypeExecution)
		if err != nil {
			return errs.New(op, errs.CodeUnavailable, errs.WithMessage("subscribe recorder"), errs.WithCause(err))
		}
	}

	s.seed(ctx)

	for _, symbol := range s.cfg.Symbols {
		if err := s.deps.Streams.Subscribe(symbol); err != nil {
			return err
		}
	}
	if s.cfg.UserData {
		if err := s.deps.Streams.SubscribeUserData(); err != nil {
			return err
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	if s.deps.Acquirer != nil {
		s.loops.Go(func() {
			if err := s.deps.Acquirer.Run(loopCtx); err != nil {
				s.logger.Error("acquirer stopped", observability.Err(err))
			}
		})
	}
	s.loops.Go(func() { s.heartbeat.Run(loopCtx) })

	s.logger.Info("feed started",
		observability.F("symbols", len(s.cfg.Symbols)),
		observability.F("user_data", s.cfg.UserData),
		observability.F("acquirer", s.deps.Acquirer != nil))
	return nil
}

// seed fills the cache with a REST ticker for every symbol so readers have a value
// before the first socket frame. Failures are logged; the socket fills the gap later.
func (s *Service) seed(ctx context.Context) {
	if s.deps.Exchange == nil || len(s.cfg.Symbols) == 0 {
		return
	}
	var wg conc.WaitGroup
	for _, symbol := range s.cfg.Symbols {
		wg.Go(func() {
			seedCtx, cancel := context.WithTimeout(ctx, s.cfg.SeedTimeout)
			defer cancel()
			tick, err := s.deps.Exchange.Ticker24h(seedCtx, symbol)
			if err != nil {
				// fall back to the last price alone
				var priceErr error
				tick, priceErr = s.deps.Exchange.TickerPrice(seedCtx, symbol)
				if priceErr != nil {
					s.logger.Warn("ticker seed failed", observability.F("symbol", symbol),
						observability.Err(err), observability.F("price_error", priceErr.Error()))
					return
				}
			}
			s.deps.Cache.Set(cache.PriceKey(tick.Symbol), tick)
			if err := s.deps.Bus.Publish(seedCtx, schema.NewEvent(schema.EventTypePrice, orderSource, tick.Symbol, tick.Timestamp, tick)); err != nil {
				s.logger.Debug("seed publish failed", observability.Err(err))
			}
		})
	}
	wg.Wait()
}

// SubmitOrder places an order over REST and publishes the acknowledgement as an order event.
func (s *Service) SubmitOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderAck, error) {
	const op = "feed/submit_order"
	if s.isClosing() {
		return schema.OrderAck{}, errs.New(op, errs.CodeUnavailable, errs.WithMessage("service shutting down"))
	}
	if s.deps.Exchange == nil {
		return schema.OrderAck{}, errs.New(op, errs.CodeUnavailable, errs.WithMessage("no order transport configured"))
	}
	ack, err := s.deps.Exchange.SubmitOrder(ctx, req)
	if err != nil {
		s.logger.Warn("order rejected",
			observability.F("symbol", req.Symbol),
			observability.F("client_order_id", req.ClientOrderID),
			observability.Err(err))
		return schema.OrderAck{}, err
	}
	update := ack.AsUpdate(strings.ToUpper(req.Side), strings.ToUpper(req.Type))
	s.deps.Cache.Set(cache.OrderKey(ack.OrderID), update)
	if err := s.deps.Bus.Publish(ctx, schema.NewEvent(schema.EventTypeOrder, orderSource, ack.Symbol, ack.UpdatedAt, update)); err != nil {
		s.logger.Warn("order event publish failed", observability.Err(err))
	}
	s.logger.Info("order accepted",
		observability.F("symbol", ack.Symbol),
		observability.F("order_id", ack.OrderID),
		observability.F("status", string(ack.Status)))
	return ack, nil
}

// persist forwards bus events to the recorder.
func (s *Service) persist(ctx context.Context, evt schema.Event) error {
	switch payload := evt.Payload.(type) {
	case schema.NormalizedSnapshot:
		return s.deps.Recorder.SaveSnapshot(ctx, payload)
	case schema.OrderUpdate:
		return s.deps.Recorder.SaveOrder(ctx, payload)
	case schema.Execution:
		return s.deps.Recorder.SaveExecution(ctx, payload)
	default:
		return nil
	}
}

// Shutdown stops everything in order: reject new work, stop timers, close sockets and
// release the listen key, drain the bus and recorder, then run the closers. It returns
// the joined errors of every step.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	cancel := s.cancel
	s.mu.Unlock()

	var failures []error
	if cancel != nil {
		cancel()
	}
	if err := waitContext(ctx, s.loops.Wait); err != nil {
		failures = append(failures, errs.New("feed/shutdown", errs.CodeUnavailable,
			errs.WithMessage("timers did not stop"), errs.WithCause(err)))
	}

	if err := s.deps.Streams.Close(ctx); err != nil {
		failures = append(failures, err)
	}

	// closing the bus drains queued events into the recorder before it is flushed
	s.deps.Bus.Close()
	if f, ok := s.deps.Recorder.(Flusher); ok {
		if err := f.Close(ctx); err != nil {
			failures = append(failures, err)
		}
	}
	for _, closeFn := range s.deps.Closers {
		if closeFn == nil {
			continue
		}
		if err := closeFn(ctx); err != nil {
			failures = append(failures, err)
		}
	}

	if err := observability.AggregateErrors("feed shutdown", failures, observability.F("component", "feed")); err != nil {
		return err
	}
	s.logger.Info("feed stopped")
	return nil
}

func (s *Service) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func waitContext(ctx context.Context, wait func()) error {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
