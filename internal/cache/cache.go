// Package cache implements the gateway's two-tier cache: a bounded in-process
// fast tier in front of an optional remote key/value store. The layer never
// returns errors to callers on the read/write path; remote failures degrade
// to fast-tier-only operation and surface through Health.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Health describes the cache layer's current condition.
type Health struct {
	Status      string `json:"status"` // "healthy" or "degraded"
	FastEntries int    `json:"fast_entries"`
	RemoteUp    bool   `json:"remote_up"`
}

// Stats holds cumulative cache metrics.
type Stats struct {
	Hits        int64         `json:"hits"`
	Misses      int64         `json:"misses"`
	FastHits    int64         `json:"fast_hits"`
	RemoteHits  int64         `json:"remote_hits"`
	Errors      int64         `json:"errors"`
	AvgResponse time.Duration `json:"avg_response"`
}

// LookupObserver receives the outcome of every lookup, hit or miss.
type LookupObserver interface {
	ObserveCache(hit bool)
}

// Layer is the two-tier cache. A nil remote tier is valid and means the layer
// operates in fast-tier-only mode.
type Layer struct {
	fast     *FastCache
	remote   *RemoteCache
	logger   *zap.Logger
	clock    clock.Clock
	observer LookupObserver

	mu        sync.Mutex
	hits      int64
	misses    int64
	fastHits  int64
	remoteHit int64
	errs      int64
	totalTime time.Duration
	lookups   int64
}

// Option configures a Layer.
type Option func(*Layer)

// WithClock injects a clock, used by tests to control expiry.
func WithClock(clk clock.Clock) Option {
	return func(l *Layer) {
		l.clock = clk
		l.fast = NewFastCache(l.fast.maxSize, clk)
	}
}

// WithObserver wires per-lookup outcome reporting.
func WithObserver(obs LookupObserver) Option {
	return func(l *Layer) { l.observer = obs }
}

// NewLayer builds the two-tier cache. remote may be nil.
func NewLayer(fastMaxSize int, remote *RemoteCache, logger *zap.Logger, opts ...Option) *Layer {
	l := &Layer{
		fast:   NewFastCache(fastMaxSize, nil),
		remote: remote,
		logger: logger,
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Get looks up key: fast tier first, then remote. A remote hit repopulates
// the fast tier. Remote errors count as misses and never propagate.
func (l *Layer) Get(ctx context.Context, key string) ([]byte, bool) {
	start := l.clock.Now()
	defer func() { l.recordLatency(l.clock.Now().Sub(start)) }()

	if value, ok := l.fast.Get(key); ok {
		l.record(func(s *Layer) { s.hits++; s.fastHits++ })
		l.observe(true)
		return value, true
	}

	if l.remote != nil {
		value, err := l.remote.Get(ctx, key)
		switch {
		case err == nil:
			// Repopulate the fast tier with a short TTL; the remote entry
			// carries the authoritative expiry.
			l.fast.Set(key, value, 5*time.Minute)
			l.record(func(s *Layer) { s.hits++; s.remoteHit++ })
			l.observe(true)
			return value, true
		case err == errRemoteMiss:
			// fallthrough to miss
		default:
			l.logger.Debug("remote cache get failed", zap.String("key", key), zap.Error(err))
			l.record(func(s *Layer) { s.errs++ })
		}
	}

	l.record(func(s *Layer) { s.misses++ })
	l.observe(false)
	return nil, false
}

// Set writes key to both tiers when the remote is available, fast-only
// otherwise. Remote write failures are logged and swallowed.
func (l *Layer) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	l.fast.Set(key, value, ttl)

	if l.remote != nil {
		if err := l.remote.Set(ctx, key, value, ttl); err != nil {
			l.logger.Debug("remote cache set failed", zap.String("key", key), zap.Error(err))
			l.record(func(s *Layer) { s.errs++ })
		}
	}
}

// Delete removes key from both tiers.
func (l *Layer) Delete(ctx context.Context, key string) {
	l.fast.Delete(key)
	if l.remote != nil {
		if err := l.remote.Delete(ctx, key); err != nil {
			l.logger.Debug("remote cache delete failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// GetJSON reads key and unmarshals the stored value into out.
func (l *Layer) GetJSON(ctx context.Context, key string, out any) bool {
	raw, ok := l.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		l.logger.Warn("cache entry failed to decode, dropping", zap.String("key", key), zap.Error(err))
		l.Delete(ctx, key)
		return false
	}
	return true
}

// SetJSON marshals value and stores it under key.
func (l *Layer) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		l.logger.Warn("cache value failed to encode", zap.String("key", key), zap.Error(err))
		return
	}
	l.Set(ctx, key, raw, ttl)
}

// Health reports the layer's condition. Degraded means the remote tier is
// configured but unreachable, or absent entirely.
func (l *Layer) Health(ctx context.Context) Health {
	h := Health{Status: "degraded", FastEntries: l.fast.Len()}
	if l.remote != nil && l.remote.Healthy(ctx) {
		h.Status = "healthy"
		h.RemoteUp = true
	}
	return h
}

// Stats returns cumulative metrics for the layer.
func (l *Layer) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	var avg time.Duration
	if l.lookups > 0 {
		avg = l.totalTime / time.Duration(l.lookups)
	}
	return Stats{
		Hits:        l.hits,
		Misses:      l.misses,
		FastHits:    l.fastHits,
		RemoteHits:  l.remoteHit,
		Errors:      l.errs,
		AvgResponse: avg,
	}
}

// Sweep drops expired fast-tier entries. Called by the maintenance scheduler.
func (l *Layer) Sweep() int {
	return l.fast.Sweep()
}

// Close releases the remote tier, if any.
func (l *Layer) Close() {
	if l.remote != nil {
		l.remote.Close()
	}
}

func (l *Layer) observe(hit bool) {
	if l.observer != nil {
		l.observer.ObserveCache(hit)
	}
}

func (l *Layer) record(fn func(*Layer)) {
	l.mu.Lock()
	fn(l)
	l.mu.Unlock()
}

func (l *Layer) recordLatency(d time.Duration) {
	l.mu.Lock()
	l.totalTime += d
	l.lookups++
	l.mu.Unlock()
}
