// Package sources holds the pull-source descriptors, their failure bookkeeping and the
// per-provider response adapters.
package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/tradefeed/errs"
)

const (
	// attemptPenalty is added per consecutive failed attempt.
	attemptPenalty = 1000
	// defaultRecencyWindow bounds how long a failure keeps weighing on the order.
	defaultRecencyWindow = 5 * time.Minute
)

// Descriptor configures one pull source.
type Descriptor struct {
	Name     string            `yaml:"name"`
	Endpoint string            `yaml:"endpoint"`
	Headers  map[string]string `yaml:"headers"`
	Query    map[string]string `yaml:"query"`
	// Priority orders sources; lower is tried first.
	Priority int `yaml:"priority"`
	// Adapter names the response adapter; defaults to Name.
	Adapter string `yaml:"adapter"`
}

// AdapterName resolves the adapter key for the descriptor.
func (d Descriptor) AdapterName() string {
	if name := strings.TrimSpace(d.Adapter); name != "" {
		return strings.ToLower(name)
	}
	return strings.ToLower(strings.TrimSpace(d.Name))
}

// Validate checks the descriptor is usable.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errs.New("sources/descriptor", errs.CodeInvalid, errs.WithMessage("source name required"))
	}
	u, err := url.Parse(strings.TrimSpace(d.Endpoint))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errs.New("sources/descriptor", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("source %s: endpoint must be an absolute url", d.Name)))
	}
	return nil
}

// NewRequest builds the GET request for the source, merging configured query parameters.
func (d Descriptor) NewRequest(ctx context.Context) (*http.Request, error) {
	u, err := url.Parse(strings.TrimSpace(d.Endpoint))
	if err != nil {
		return nil, errs.New("sources/request", errs.CodeInvalid, errs.WithCause(err))
	}
	if len(d.Query) > 0 {
		q := u.Query()
		for k, v := range d.Query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errs.New("sources/request", errs.CodeInvalid, errs.WithCause(err))
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range d.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// State is a source's descriptor with its failure bookkeeping.
type State struct {
	Descriptor
	AttemptCount int
	LastFailure  time.Time
}

// Penalty orders sources: priority + attemptCount*1000 + a recency term that starts at the
// window length (in seconds) when the source just failed and decays to zero as the failure ages.
// Failed sources are deprioritised, never excluded.
func Penalty(s State, now time.Time, window time.Duration) float64 {
	p := float64(s.Priority) + float64(s.AttemptCount*attemptPenalty)
	if s.LastFailure.IsZero() || window <= 0 {
		return p
	}
	remaining := window - now.Sub(s.LastFailure)
	if remaining > 0 {
		p += remaining.Seconds()
	}
	return p
}

type entry struct {
	desc        Descriptor
	attempts    int
	lastFailure time.Time
}

// Registry owns the configured sources and their adapters. Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	entries  []*entry
	byName   map[string]*entry
	adapters map[string]Adapter
	now      func() time.Time
	window   time.Duration
}

// Option customises the registry.
type Option func(*Registry)

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithAdapter registers or replaces an adapter.
func WithAdapter(name string, adapter Adapter) Option {
	return func(r *Registry) {
		if adapter != nil {
			r.adapters[strings.ToLower(strings.TrimSpace(name))] = adapter
		}
	}
}

// WithRecencyWindow sets how long a failure keeps adding penalty.
func WithRecencyWindow(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.window = d
		}
	}
}

// NewRegistry validates the descriptors and binds each to its adapter.
func NewRegistry(descs []Descriptor, opts ...Option) (*Registry, error) {
	r := &Registry{
		byName:   make(map[string]*entry, len(descs)),
		adapters: DefaultAdapters(),
		now:      time.Now,
		window:   defaultRecencyWindow,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if len(descs) == 0 {
		return nil, errs.New("sources/registry", errs.CodeInvalid, errs.WithMessage("at least one source required"))
	}
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		key := strings.ToLower(strings.TrimSpace(d.Name))
		if _, dup := r.byName[key]; dup {
			return nil, errs.New("sources/registry", errs.CodeConflict,
				errs.WithMessage(fmt.Sprintf("duplicate source %s", d.Name)))
		}
		if _, ok := r.adapters[d.AdapterName()]; !ok {
			return nil, errs.New("sources/registry", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("source %s: unknown adapter %q", d.Name, d.AdapterName())))
		}
		e := &entry{desc: d}
		r.entries = append(r.entries, e)
		r.byName[key] = e
	}
	return r, nil
}

// Ordered returns every source in ascending penalty order.
func (r *Registry) Ordered() []State {
	r.mu.Lock()
	now := r.now()
	states := make([]State, 0, len(r.entries))
	for _, e := range r.entries {
		states = append(states, State{Descriptor: e.desc, AttemptCount: e.attempts, LastFailure: e.lastFailure})
	}
	window := r.window
	r.mu.Unlock()

	sort.SliceStable(states, func(i, j int) bool {
		pi, pj := Penalty(states[i], now, window), Penalty(states[j], now, window)
		if pi != pj {
			return pi < pj
		}
		return states[i].Priority < states[j].Priority
	})
	return states
}

// Adapter returns the adapter bound to the named source.
func (r *Registry) Adapter(name string) (Adapter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, false
	}
	a, ok := r.adapters[e.desc.AdapterName()]
	return a, ok
}

// RecordSuccess resets the source's attempt counter.
func (r *Registry) RecordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]; ok {
		e.attempts = 0
	}
}

// RecordFailure increments the attempt counter and stamps the failure time.
func (r *Registry) RecordFailure(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]; ok {
		e.attempts++
		e.lastFailure = r.now()
	}
}

// State returns the current bookkeeping for the named source.
func (r *Registry) State(name string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return State{}, false
	}
	return State{Descriptor: e.desc, AttemptCount: e.attempts, LastFailure: e.lastFailure}, true
}

// Len returns the number of sources.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
