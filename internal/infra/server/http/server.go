// Package httpserver exposes the feed's JSON control API: health, the cached snapshot,
// socket subscriptions, cache entries and order submission.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tradefeed/errs"
	"github.com/coachpo/tradefeed/internal/domain/schema"
	"github.com/coachpo/tradefeed/internal/infra/adapters/binance"
	"github.com/coachpo/tradefeed/internal/infra/breaker"
	"github.com/coachpo/tradefeed/internal/infra/cache"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	healthPath        = "/healthz"
	snapshotPath      = "/snapshot"
	subscriptionsPath = "/subscriptions"
	cachePrefix       = "/cache/"
	ordersPath        = "/orders"
)

// OrderSubmitter places orders through the feed so acks reach the cache and the bus.
type OrderSubmitter interface {
	SubmitOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderAck, error)
}

// SnapshotReader returns the last good snapshot and its age.
type SnapshotReader interface {
	Cached() (schema.NormalizedSnapshot, time.Duration, bool)
}

// StreamStatus reports the socket state.
type StreamStatus interface {
	Connected() bool
	Subscriptions() []binance.Subscription
}

// BreakerStatus reports the snapshot breaker state.
type BreakerStatus interface {
	Stats() breaker.Stats
}

// Deps are the read models and command targets behind the API. Nil members answer 503.
type Deps struct {
	Environment string
	Orders      OrderSubmitter
	Snapshots   SnapshotReader
	Streams     StreamStatus
	Breaker     BreakerStatus
	Cache       *cache.Store
	Now         func() time.Time
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	deps Deps
}

type healthResponse struct {
	Status       string `json:"status"`
	Environment  string `json:"environment,omitempty"`
	Connected    bool   `json:"connected"`
	Breaker      string `json:"breaker,omitempty"`
	BreakerFails int    `json:"breakerFailures"`
	ReopenAt     string `json:"reopenAt,omitempty"`
	CacheEntries int    `json:"cacheEntries"`
	LastWriteAge string `json:"lastWriteAge,omitempty"`
}

type snapshotResponse struct {
	Snapshot schema.NormalizedSnapshot `json:"snapshot"`
	Age      string                    `json:"age"`
}

type cacheResponse struct {
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	WrittenAt time.Time `json:"writtenAt"`
	Age       string    `json:"age"`
}

// NewHandler builds the control API handler.
func NewHandler(deps Deps) http.Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	server := &httpServer{deps: deps}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getHealth,
	}))
	mux.Handle(snapshotPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getSnapshot,
	}))
	mux.Handle(subscriptionsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listSubscriptions,
	}))
	mux.Handle(cachePrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getCacheEntry,
	}))
	mux.Handle(ordersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.submitOrder,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

// getHealth answers 200 while the sockets are up and the breaker is not open, 503 otherwise.
func (s *httpServer) getHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Environment: s.deps.Environment}
	healthy := true
	if s.deps.Streams != nil {
		resp.Connected = s.deps.Streams.Connected()
		healthy = resp.Connected
	}
	if s.deps.Breaker != nil {
		stats := s.deps.Breaker.Stats()
		resp.Breaker = stats.State.String()
		resp.BreakerFails = stats.ConsecutiveFailures
		if stats.IsOpen() {
			resp.ReopenAt = stats.ReopenAt.UTC().Format(time.RFC3339)
			healthy = false
		}
	}
	if s.deps.Cache != nil {
		resp.CacheEntries = s.deps.Cache.Len()
		if latest := s.deps.Cache.Latest(); !latest.IsZero() {
			resp.LastWriteAge = s.deps.Now().Sub(latest).Round(time.Millisecond).String()
		}
	}
	status := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *httpServer) getSnapshot(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Snapshots == nil {
		writeError(w, http.StatusServiceUnavailable, "snapshot acquirer unavailable")
		return
	}
	snap, age, ok := s.deps.Snapshots.Cached()
	if !ok {
		writeError(w, http.StatusNotFound, "no snapshot acquired yet")
		return
	}
	writeJSON(w, http.StatusOK, snapshotResponse{Snapshot: snap, Age: age.Round(time.Millisecond).String()})
}

func (s *httpServer) listSubscriptions(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Streams == nil {
		writeError(w, http.StatusServiceUnavailable, "stream manager unavailable")
		return
	}
	subs := s.deps.Streams.Subscriptions()
	sort.Slice(subs, func(i, j int) bool { return subs[i].Stream < subs[j].Stream })
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

func (s *httpServer) getCacheEntry(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		writeError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	key := strings.Trim(strings.TrimPrefix(r.URL.Path, cachePrefix), "/")
	if key == "" {
		writeJSON(w, http.StatusOK, map[string]any{"keys": s.deps.Cache.Keys()})
		return
	}
	entry, ok := s.deps.Cache.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, "cache key not found")
		return
	}
	writeJSON(w, http.StatusOK, cacheResponse{
		Key:       entry.Key,
		Value:     entry.Value,
		WrittenAt: entry.WrittenAt,
		Age:       entry.Age(s.deps.Now()).Round(time.Millisecond).String(),
	})
}

func (s *httpServer) submitOrder(w http.ResponseWriter, r *http.Request) {
	if s.deps.Orders == nil {
		writeError(w, http.StatusServiceUnavailable, "order transport unavailable")
		return
	}
	limitRequestBody(w, r)
	var req schema.OrderRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeDecodeError(w, err)
		return
	}
	ack, err := s.deps.Orders.SubmitOrder(r.Context(), req)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, ack)
}

func statusForError(err error) int {
	switch errs.CodeOf(err) {
	case errs.CodeInvalid, errs.CodeParse:
		return http.StatusBadRequest
	case errs.CodeAuth:
		return http.StatusUnauthorized
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeConflict:
		return http.StatusConflict
	case errs.CodeRateLimited:
		return http.StatusTooManyRequests
	case errs.CodeUnavailable:
		return http.StatusServiceUnavailable
	case errs.CodeExchange, errs.CodeNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
