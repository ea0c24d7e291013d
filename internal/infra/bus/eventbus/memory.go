package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradefeed/errs"
	"github.com/coachpo/tradefeed/internal/domain/schema"
	"github.com/coachpo/tradefeed/internal/infra/telemetry"
	"github.com/coachpo/tradefeed/internal/observability"
)

// MemoryBus is an in-memory bus. Publish enqueues to every matching subscriber in
// registration order and returns; each subscriber drains its own queues on a dedicated
// worker, so a slow or failing handler never delays the others. Margin calls travel on a
// separate queue that workers always drain first.
type MemoryBus struct {
	cfg    MemoryConfig
	ctx    context.Context
	cancel context.CancelFunc
	logger observability.Logger

	mu          sync.RWMutex
	subscribers []*subscriber
	nextID      uint64
	closeOnce   sync.Once
	workers     conc.WaitGroup

	dropped       atomic.Int64
	handlerErrors atomic.Int64

	eventsPublishedCounter metric.Int64Counter
	subscriberGauge        metric.Int64UpDownCounter
	droppedCounter         metric.Int64Counter
	handlerErrorCounter    metric.Int64Counter
	publishDuration        metric.Float64Histogram
}

type subscriber struct {
	id       SubscriptionID
	name     string
	types    map[schema.EventType]struct{}
	handler  Handler
	normal   chan schema.Event
	priority chan schema.Event
	ctx      context.Context
	cancel   context.CancelFunc
	// sendMu serialises drop-oldest so concurrent publishers keep per-publisher order.
	sendMu sync.Mutex
}

func (s *subscriber) wants(typ schema.EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[typ]
	return ok
}

// NewMemoryBus constructs a memory-backed bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := &MemoryBus{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		logger: observability.Component("eventbus"),
	}

	meter := otel.Meter("eventbus")
	bus.eventsPublishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	bus.droppedCounter, _ = meter.Int64Counter("eventbus.delivery.dropped",
		metric.WithDescription("Events dropped due to subscriber backpressure"),
		metric.WithUnit("{event}"))
	bus.handlerErrorCounter, _ = meter.Int64Counter("eventbus.handler.errors",
		metric.WithDescription("Subscriber handler errors and panics"),
		metric.WithUnit("{error}"))
	bus.publishDuration, _ = meter.Float64Histogram("eventbus.publish.duration",
		metric.WithDescription("Latency of eventbus publish operations"),
		metric.WithUnit("ms"))
	return bus
}

// Publish fans the event out to all matching subscribers.
func (b *MemoryBus) Publish(ctx context.Context, evt schema.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if evt.Type == "" {
		return errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if b.ctx.Err() != nil {
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	start := time.Now()

	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.wants(evt.Type) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	var firstErr error
	for _, sub := range targets {
		if err := b.enqueue(ctx, sub, evt); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	attrs := metric.WithAttributes(telemetry.EventAttributes(telemetry.Environment(), string(evt.Type), evt.Source, evt.Symbol)...)
	if b.eventsPublishedCounter != nil {
		b.eventsPublishedCounter.Add(ctx, 1, attrs)
	}
	if b.publishDuration != nil {
		b.publishDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
	}
	return firstErr
}

func (b *MemoryBus) enqueue(ctx context.Context, sub *subscriber, evt schema.Event) error {
	if sub.ctx.Err() != nil {
		return nil
	}
	if evt.Type.Priority() {
		select {
		case sub.priority <- evt:
			return nil
		case <-sub.ctx.Done():
			return nil
		case <-b.ctx.Done():
			return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
		case <-ctx.Done():
			return fmt.Errorf("deliver context: %w", ctx.Err())
		}
	}

	sub.sendMu.Lock()
	defer sub.sendMu.Unlock()
	select {
	case sub.normal <- evt:
		return nil
	default:
	}
	// drop oldest to keep the freshest data flowing
	select {
	case old := <-sub.normal:
		b.recordDrop(ctx, sub, old)
	default:
	}
	select {
	case sub.normal <- evt:
	default:
		b.recordDrop(ctx, sub, evt)
	}
	return nil
}

func (b *MemoryBus) recordDrop(ctx context.Context, sub *subscriber, evt schema.Event) {
	b.dropped.Add(1)
	b.logger.Warn("subscriber buffer full, dropped oldest event",
		observability.F("subscriber", sub.name),
		observability.F("event_type", string(evt.Type)),
		observability.F("symbol", evt.Symbol),
	)
	if b.droppedCounter != nil {
		attrs := append(telemetry.EventAttributes(telemetry.Environment(), string(evt.Type), evt.Source, evt.Symbol),
			telemetry.AttrSubscriber.String(sub.name))
		b.droppedCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// Subscribe registers a handler and starts its worker.
func (b *MemoryBus) Subscribe(name string, handler Handler, types ...schema.EventType) (SubscriptionID, error) {
	if handler == nil {
		return "", errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("handler required"))
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "anonymous"
	}
	set := make(map[schema.EventType]struct{}, len(types))
	for _, typ := range types {
		if typ == "" {
			return "", errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("event type required"))
		}
		set[typ] = struct{}{}
	}

	b.mu.Lock()
	if b.ctx.Err() != nil {
		b.mu.Unlock()
		return "", errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	b.nextID++
	ctx, cancel := context.WithCancel(b.ctx)
	sub := &subscriber{
		id:       SubscriptionID(fmt.Sprintf("sub-%d", b.nextID)),
		name:     name,
		types:    set,
		handler:  handler,
		normal:   make(chan schema.Event, b.cfg.BufferSize),
		priority: make(chan schema.Event, b.cfg.PriorityBufferSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	b.subscribers = append(b.subscribers, sub)
	b.workers.Go(func() { b.run(sub) })
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), 1, metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment()),
			telemetry.AttrSubscriber.String(name)))
	}
	return sub.id, nil
}

// Unsubscribe removes the subscription. Events already queued are still delivered.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.Lock()
	var removed *subscriber
	for i, sub := range b.subscribers {
		if sub.id == id {
			removed = sub
			b.subscribers = append(b.subscribers[:i:i], b.subscribers[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	if removed == nil {
		return
	}
	removed.cancel()
	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment()),
			telemetry.AttrSubscriber.String(removed.name)))
	}
}

// Close stops accepting events, lets every worker drain its queues, and waits for them.
func (b *MemoryBus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.cancel()
		b.subscribers = nil
		b.mu.Unlock()
		b.workers.Wait()
	})
}

// Dropped reports events discarded for backpressure.
func (b *MemoryBus) Dropped() int64 { return b.dropped.Load() }

// HandlerErrors reports handler errors and recovered panics.
func (b *MemoryBus) HandlerErrors() int64 { return b.handlerErrors.Load() }

func (b *MemoryBus) run(sub *subscriber) {
	for {
		// priority lane first
		select {
		case evt := <-sub.priority:
			b.deliver(sub, evt)
			continue
		default:
		}
		select {
		case evt := <-sub.priority:
			b.deliver(sub, evt)
		case evt := <-sub.normal:
			b.deliver(sub, evt)
		case <-sub.ctx.Done():
			b.drain(sub)
			return
		}
	}
}

func (b *MemoryBus) drain(sub *subscriber) {
	for {
		select {
		case evt := <-sub.priority:
			b.deliver(sub, evt)
			continue
		default:
		}
		select {
		case evt := <-sub.normal:
			b.deliver(sub, evt)
		default:
			return
		}
	}
}

func (b *MemoryBus) deliver(sub *subscriber, evt schema.Event) {
	var catcher panics.Catcher
	var err error
	catcher.Try(func() {
		err = sub.handler(context.Background(), evt)
	})
	if recovered := catcher.Recovered(); recovered != nil {
		err = recovered.AsError()
	}
	if err == nil {
		return
	}
	b.handlerErrors.Add(1)
	b.logger.Error("subscriber handler failed",
		observability.F("subscriber", sub.name),
		observability.F("event_type", string(evt.Type)),
		observability.Err(err),
	)
	if b.handlerErrorCounter != nil {
		attrs := append(telemetry.EventAttributes(telemetry.Environment(), string(evt.Type), evt.Source, evt.Symbol),
			telemetry.AttrSubscriber.String(sub.name))
		b.handlerErrorCounter.Add(context.Background(), 1, metric.WithAttributes(attrs...))
	}
}

var _ Bus = (*MemoryBus)(nil)
