// Package cache provides the last-known-good value store shared by the pull and push feeds.
package cache

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Entry is one cached value with its write time. Entries are overwritten, never removed.
type Entry struct {
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	WrittenAt time.Time `json:"writtenAt"`
}

// Age returns how old the entry is relative to now.
func (e Entry) Age(now time.Time) time.Duration {
	if e.WrittenAt.IsZero() {
		return 0
	}
	return now.Sub(e.WrittenAt)
}

// Mirror receives every write, e.g. to replicate entries to another process.
// Implementations must not block.
type Mirror interface {
	Mirror(entry Entry)
}

// Store is a concurrency-safe keyed cache.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry
	latest  time.Time
	now     func() time.Time
	mirrors []Mirror
}

// Option customises the store.
type Option func(*Store)

// WithClock overrides the clock used to stamp writes.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMirror registers a write-through mirror.
func WithMirror(m Mirror) Option {
	return func(s *Store) {
		if m != nil {
			s.mirrors = append(s.mirrors, m)
		}
	}
}

// New constructs an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Set overwrites the value stored under key.
func (s *Store) Set(key string, value any) Entry {
	key = strings.TrimSpace(key)
	entry := Entry{Key: key, Value: value, WrittenAt: s.now()}

	s.mu.Lock()
	s.entries[key] = entry
	if entry.WrittenAt.After(s.latest) {
		s.latest = entry.WrittenAt
	}
	mirrors := s.mirrors
	s.mu.Unlock()

	for _, m := range mirrors {
		m.Mirror(entry)
	}
	return entry
}

// Get returns the entry stored under key.
func (s *Store) Get(key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[strings.TrimSpace(key)]
	return entry, ok
}

// Latest returns the most recent write time across all keys, zero when empty.
func (s *Store) Latest() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// Keys returns all keys in lexical order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Len returns the number of keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Key helpers for the conventional cache layout.

// PriceKey is the cache key for a symbol's ticker.
func PriceKey(symbol string) string { return "price:" + strings.ToUpper(symbol) }

// BalanceKey is the cache key for an asset balance.
func BalanceKey(asset string) string { return "balance:" + strings.ToUpper(asset) }

// PositionKey is the cache key for a symbol's position.
func PositionKey(symbol string) string { return "position:" + strings.ToUpper(symbol) }

// OrderKey is the cache key for an order.
func OrderKey(orderID int64) string { return "order:" + strconv.FormatInt(orderID, 10) }

// SnapshotKey holds the last valid market snapshot.
const SnapshotKey = "snapshot:market"

// MarginCallKey holds the last margin call.
const MarginCallKey = "margin_call:last"
