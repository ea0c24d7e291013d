package binance

import (
	"context"
	"sync"
	"time"

	"github.com/coachpo/tradefeed/errs"
	"github.com/coachpo/tradefeed/internal/observability"
)

// ListenKeyAPI is the subset of the REST client the lifecycle manager needs.
type ListenKeyAPI interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, key string) error
	DeleteListenKey(ctx context.Context, key string) error
}

// ListenKey is an issued user-data credential.
type ListenKey struct {
	Value       string
	IssuedAt    time.Time
	RefreshedAt time.Time
}

// ListenKeyManager owns a single listen key: it creates it, refreshes it on a fixed
// interval shorter than the venue TTL, replaces it when a refresh fails and deletes it on
// shutdown. Replacement keys are handed to the rotate hook so the user-data socket can
// reconnect with the new credential.
type ListenKeyManager struct {
	api      ListenKeyAPI
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
	logger   observability.Logger

	mu       sync.Mutex
	current  *ListenKey
	closed   bool
	onRotate func(ListenKey)
	onError  func(error)
	cancel   context.CancelFunc
	done     chan struct{}
}

// ListenKeyOption customises the manager.
type ListenKeyOption func(*ListenKeyManager)

// WithListenKeyClock overrides the clock.
func WithListenKeyClock(now func() time.Time) ListenKeyOption {
	return func(m *ListenKeyManager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRequestTimeout bounds each create, keepalive and delete call.
func WithRequestTimeout(d time.Duration) ListenKeyOption {
	return func(m *ListenKeyManager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// NewListenKeyManager constructs a manager refreshing every interval.
func NewListenKeyManager(api ListenKeyAPI, interval time.Duration, opts ...ListenKeyOption) *ListenKeyManager {
	if interval <= 0 || interval >= listenKeyTTL {
		interval = defaultListenKeyRefresh
	}
	m := &ListenKeyManager{
		api:      api,
		interval: interval,
		timeout:  defaultHTTPTimeout,
		now:      time.Now,
		logger:   observability.Component("binance.listen_key"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// OnRotate registers the hook invoked after a failed refresh produced a new key.
func (m *ListenKeyManager) OnRotate(fn func(ListenKey)) {
	m.mu.Lock()
	m.onRotate = fn
	m.mu.Unlock()
}

// OnError registers the hook invoked when the refresh loop cannot recover a key.
func (m *ListenKeyManager) OnError(fn func(error)) {
	m.mu.Lock()
	m.onError = fn
	m.mu.Unlock()
}

// Current returns the active key, if any.
func (m *ListenKeyManager) Current() (ListenKey, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ListenKey{}, false
	}
	return *m.current, true
}

// Create issues a fresh key, replacing any current one, and starts the refresh loop.
// A manager that has been deleted refuses to issue further keys.
func (m *ListenKeyManager) Create(ctx context.Context) (ListenKey, error) {
	key, err := m.issue(ctx)
	if err != nil {
		return ListenKey{}, err
	}
	m.startRefresh()
	return key, nil
}

func (m *ListenKeyManager) issue(ctx context.Context) (ListenKey, error) {
	if m.isClosed() {
		return ListenKey{}, errClosedManager()
	}
	reqCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	value, err := m.api.CreateListenKey(reqCtx)
	if err != nil {
		return ListenKey{}, err
	}
	now := m.now()
	key := ListenKey{Value: value, IssuedAt: now, RefreshedAt: now}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		// deleted while the create was in flight
		if derr := m.api.DeleteListenKey(reqCtx, value); derr != nil {
			m.logger.Warn("orphaned listen key delete failed", observability.Err(derr))
		}
		return ListenKey{}, errClosedManager()
	}
	m.current = &key
	m.mu.Unlock()
	m.logger.Info("listen key issued", observability.F("issued_at", now))
	return key, nil
}

// Refresh extends the current key. A failed keepalive is answered by issuing a new key
// and handing it to the rotate hook; authentication failures are returned as-is.
func (m *ListenKeyManager) Refresh(ctx context.Context) error {
	current, ok := m.Current()
	if !ok {
		return errs.New("binance/listen_key_refresh", errs.CodeNotFound, errs.WithMessage("no listen key issued"))
	}

	reqCtx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.api.KeepAliveListenKey(reqCtx, current.Value)
	cancel()
	if err == nil {
		m.mu.Lock()
		if m.current != nil && m.current.Value == current.Value {
			m.current.RefreshedAt = m.now()
		}
		m.mu.Unlock()
		return nil
	}
	if errs.IsAuth(err) {
		return err
	}

	m.logger.Warn("listen key keepalive failed, issuing a new key", observability.Err(err))
	key, err := m.issue(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	hook := m.onRotate
	m.mu.Unlock()
	if hook != nil {
		hook(key)
	}
	return nil
}

// Delete stops the refresh loop and invalidates the current key. Failures are logged and
// returned; the local key is forgotten either way and the manager issues no further keys.
func (m *ListenKeyManager) Delete(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stopRefresh()
	m.mu.Lock()
	current := m.current
	m.current = nil
	m.mu.Unlock()
	if current == nil {
		return nil
	}
	reqCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.api.DeleteListenKey(reqCtx, current.Value); err != nil {
		m.logger.Warn("listen key delete failed", observability.Err(err))
		return err
	}
	m.logger.Info("listen key deleted")
	return nil
}

func (m *ListenKeyManager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func errClosedManager() error {
	return errs.New("binance/listen_key_create", errs.CodeUnavailable, errs.WithMessage("listen key manager deleted"))
}

func (m *ListenKeyManager) startRefresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil || m.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	go m.refreshLoop(ctx, done)
}

func (m *ListenKeyManager) stopRefresh() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *ListenKeyManager) refreshLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Refresh(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("listen key refresh failed", observability.Err(err))
				m.mu.Lock()
				hook := m.onError
				m.mu.Unlock()
				if hook != nil {
					hook(err)
				}
			}
		}
	}
}
