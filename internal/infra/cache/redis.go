package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/coachpo/tradefeed/errs"
	"github.com/coachpo/tradefeed/internal/observability"
)

const (
	defaultRedisPrefix  = "tradefeed:"
	defaultRedisQueue   = 512
	defaultRedisTimeout = 2 * time.Second
)

// RedisConfig configures the redis mirror.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
	QueueSize int
}

// DialRedis opens a client and verifies connectivity.
func DialRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errs.New("cache/redis", errs.CodeUnavailable,
			errs.WithMessage(fmt.Sprintf("connect %s", cfg.Addr)), errs.WithCause(err))
	}
	return client, nil
}

// MirroredEntry is the wire form of an entry stored in redis.
type MirroredEntry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	WrittenAt time.Time       `json:"writtenAt"`
}

// RedisMirror replicates cache writes to redis so other processes can read the
// last-known-good values. Writes are applied by a background worker; when the
// queue is full the write is dropped, the next write of the key supersedes it.
type RedisMirror struct {
	client  redis.Cmdable
	prefix  string
	ttl     time.Duration
	queue   chan Entry
	logger  observability.Logger
	dropped atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// NewRedisMirror starts the mirror worker.
func NewRedisMirror(client redis.Cmdable, cfg RedisConfig) *RedisMirror {
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultRedisQueue
	}
	m := &RedisMirror{
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
		queue:  make(chan Entry, size),
		logger: observability.Component("cache.redis"),
		done:   make(chan struct{}),
	}
	go m.run()
	return m
}

// Mirror enqueues the entry without blocking.
func (m *RedisMirror) Mirror(entry Entry) {
	select {
	case <-m.done:
		return
	default:
	}
	select {
	case m.queue <- entry:
	default:
		m.dropped.Add(1)
	}
}

func (m *RedisMirror) run() {
	for {
		select {
		case <-m.done:
			return
		case entry := <-m.queue:
			if err := m.write(entry); err != nil {
				m.logger.Warn("redis mirror write failed", observability.F("key", entry.Key), observability.Err(err))
			}
		}
	}
}

func (m *RedisMirror) write(entry Entry) error {
	value, err := json.Marshal(entry.Value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	data, err := json.Marshal(MirroredEntry{Key: entry.Key, Value: value, WrittenAt: entry.WrittenAt})
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultRedisTimeout)
	defer cancel()
	return m.client.Set(ctx, m.prefix+entry.Key, data, m.ttl).Err()
}

// Read fetches a mirrored entry.
func (m *RedisMirror) Read(ctx context.Context, key string) (MirroredEntry, bool, error) {
	data, err := m.client.Get(ctx, m.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return MirroredEntry{}, false, nil
		}
		return MirroredEntry{}, false, errs.New("cache/redis", errs.CodeUnavailable, errs.WithCause(err))
	}
	var entry MirroredEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return MirroredEntry{}, false, errs.New("cache/redis", errs.CodeParse, errs.WithCause(err))
	}
	return entry, true, nil
}

// Dropped reports writes discarded because the queue was full.
func (m *RedisMirror) Dropped() int64 { return m.dropped.Load() }

// Close stops the worker. Pending writes are discarded.
func (m *RedisMirror) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}
