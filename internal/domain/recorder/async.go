package recorder

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coachpo/tradefeed/errs"
	"github.com/coachpo/tradefeed/internal/domain/schema"
	"github.com/coachpo/tradefeed/internal/observability"
)

const (
	defaultAsyncQueue   = 1024
	defaultWriteTimeout = 5 * time.Second
)

type job struct {
	kind string
	run  func(context.Context) error
}

// Async decouples callers from a slow or failing Recorder. Writes are queued and applied
// by a single worker; a full queue drops the record with a warning.
type Async struct {
	next         Recorder
	queue        chan job
	writeTimeout time.Duration
	logger       observability.Logger

	dropped atomic.Int64
	failed  atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// AsyncOption customises the async recorder.
type AsyncOption func(*Async)

// WithQueueSize overrides the bounded queue capacity.
func WithQueueSize(n int) AsyncOption {
	return func(a *Async) {
		if n > 0 {
			a.queue = make(chan job, n)
		}
	}
}

// WithWriteTimeout bounds each underlying write.
func WithWriteTimeout(d time.Duration) AsyncOption {
	return func(a *Async) {
		if d > 0 {
			a.writeTimeout = d
		}
	}
}

// NewAsync wraps next and starts the worker.
func NewAsync(next Recorder, opts ...AsyncOption) *Async {
	if next == nil {
		next = Nop{}
	}
	a := &Async{
		next:         next,
		queue:        make(chan job, defaultAsyncQueue),
		writeTimeout: defaultWriteTimeout,
		logger:       observability.Component("recorder"),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for j := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.writeTimeout)
		err := j.run(ctx)
		cancel()
		if err != nil {
			a.failed.Add(1)
			a.logger.Warn("persistence write failed", observability.F("kind", j.kind), observability.Err(err))
		}
	}
}

func (a *Async) enqueue(kind string, fn func(context.Context) error) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return errs.New("recorder/async", errs.CodeUnavailable, errs.WithMessage("recorder closed"))
	}
	select {
	case a.queue <- job{kind: kind, run: fn}:
	default:
		a.dropped.Add(1)
		a.logger.Warn("persistence queue full, record dropped", observability.F("kind", kind))
	}
	return nil
}

// SaveSnapshot queues a snapshot write.
func (a *Async) SaveSnapshot(_ context.Context, snap schema.NormalizedSnapshot) error {
	return a.enqueue("snapshot", func(ctx context.Context) error { return a.next.SaveSnapshot(ctx, snap) })
}

// RecordAPIAttempt queues an api monitoring write.
func (a *Async) RecordAPIAttempt(_ context.Context, attempt APIAttempt) error {
	return a.enqueue("api_attempt", func(ctx context.Context) error { return a.next.RecordAPIAttempt(ctx, attempt) })
}

// SaveOrder queues an order write.
func (a *Async) SaveOrder(_ context.Context, order schema.OrderUpdate) error {
	return a.enqueue("order", func(ctx context.Context) error { return a.next.SaveOrder(ctx, order) })
}

// SaveExecution queues an execution write.
func (a *Async) SaveExecution(_ context.Context, exec schema.Execution) error {
	return a.enqueue("execution", func(ctx context.Context) error { return a.next.SaveExecution(ctx, exec) })
}

// Dropped reports how many records were discarded because the queue was full.
func (a *Async) Dropped() int64 { return a.dropped.Load() }

// Failed reports how many underlying writes returned an error.
func (a *Async) Failed() int64 { return a.failed.Load() }

// Close stops accepting records and waits for the queue to drain or ctx to expire.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Recorder = (*Async)(nil)
