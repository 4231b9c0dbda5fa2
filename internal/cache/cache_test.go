package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLayer(t *testing.T) (*Layer, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	return NewLayer(100, nil, zap.NewNop(), WithClock(mock)), mock
}

func TestLayerSetGet(t *testing.T) {
	l, _ := newTestLayer(t)
	ctx := context.Background()

	l.Set(ctx, "k1", []byte("v1"), time.Minute)

	got, ok := l.Get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), got)

	_, ok = l.Get(ctx, "absent")
	assert.False(t, ok)
}

func TestLayerEntriesExpire(t *testing.T) {
	l, mock := newTestLayer(t)
	ctx := context.Background()

	l.Set(ctx, "k1", []byte("v1"), time.Minute)
	mock.Add(2 * time.Minute)

	_, ok := l.Get(ctx, "k1")
	assert.False(t, ok)
}

func TestLayerDelete(t *testing.T) {
	l, _ := newTestLayer(t)
	ctx := context.Background()

	l.Set(ctx, "k1", []byte("v1"), time.Minute)
	l.Delete(ctx, "k1")

	_, ok := l.Get(ctx, "k1")
	assert.False(t, ok)
}

func TestLayerJSONRoundTrip(t *testing.T) {
	l, _ := newTestLayer(t)
	ctx := context.Background()

	type payload struct {
		Name  string  `json:"name"`
		Score float64 `json:"score"`
	}
	l.SetJSON(ctx, "k1", payload{Name: "alpha", Score: 0.9}, time.Minute)

	var out payload
	require.True(t, l.GetJSON(ctx, "k1", &out))
	assert.Equal(t, "alpha", out.Name)
	assert.InDelta(t, 0.9, out.Score, 1e-9)
}

func TestLayerCorruptJSONDropped(t *testing.T) {
	l, _ := newTestLayer(t)
	ctx := context.Background()

	l.Set(ctx, "k1", []byte("{not json"), time.Minute)

	var out map[string]any
	assert.False(t, l.GetJSON(ctx, "k1", &out))

	// The corrupt entry is evicted, not returned again.
	_, ok := l.Get(ctx, "k1")
	assert.False(t, ok)
}

func TestLayerStatsCountHitsAndMisses(t *testing.T) {
	l, _ := newTestLayer(t)
	ctx := context.Background()

	l.Set(ctx, "k1", []byte("v1"), time.Minute)
	l.Get(ctx, "k1")
	l.Get(ctx, "k1")
	l.Get(ctx, "absent")

	s := l.Stats()
	assert.Equal(t, int64(2), s.Hits)
	assert.Equal(t, int64(2), s.FastHits)
	assert.Equal(t, int64(1), s.Misses)
}

type countingObserver struct {
	hits   int
	misses int
}

func (o *countingObserver) ObserveCache(hit bool) {
	if hit {
		o.hits++
	} else {
		o.misses++
	}
}

func TestLayerReportsLookupOutcomes(t *testing.T) {
	obs := &countingObserver{}
	l := NewLayer(100, nil, zap.NewNop(), WithObserver(obs))
	ctx := context.Background()

	l.Set(ctx, "k1", []byte("v1"), time.Minute)
	l.Get(ctx, "k1")
	l.Get(ctx, "k1")
	l.Get(ctx, "absent")

	assert.Equal(t, 2, obs.hits)
	assert.Equal(t, 1, obs.misses)
}

func TestLayerHealthWithoutRemote(t *testing.T) {
	l, _ := newTestLayer(t)
	h := l.Health(context.Background())
	assert.Equal(t, "degraded", h.Status)
	assert.False(t, h.RemoteUp)
}

func TestFastCacheEvictsAtCapacity(t *testing.T) {
	mock := clock.NewMock()
	c := NewFastCache(3, mock)

	// k0 expires soonest and should be the eviction victim.
	c.Set("k0", []byte("v"), time.Minute)
	c.Set("k1", []byte("v"), time.Hour)
	c.Set("k2", []byte("v"), time.Hour)
	c.Set("k3", []byte("v"), time.Hour)

	assert.Equal(t, 3, c.Len())
	_, ok := c.Get("k0")
	assert.False(t, ok, "entry closest to expiry is evicted first")
	_, ok = c.Get("k3")
	assert.True(t, ok)
}

func TestFastCacheEvictsExpiredBeforeLive(t *testing.T) {
	mock := clock.NewMock()
	c := NewFastCache(2, mock)

	c.Set("dead", []byte("v"), time.Second)
	c.Set("live", []byte("v"), time.Hour)
	mock.Add(time.Minute)

	c.Set("new", []byte("v"), time.Hour)

	_, ok := c.Get("live")
	assert.True(t, ok, "live entry survives when an expired one can go")
	_, ok = c.Get("new")
	assert.True(t, ok)
}

func TestFastCacheSweep(t *testing.T) {
	mock := clock.NewMock()
	c := NewFastCache(10, mock)

	c.Set("k1", []byte("v"), time.Second)
	c.Set("k2", []byte("v"), time.Hour)
	mock.Add(time.Minute)

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
}

func TestFastCacheSetRefreshesExisting(t *testing.T) {
	mock := clock.NewMock()
	c := NewFastCache(2, mock)

	c.Set("k1", []byte("old"), time.Second)
	mock.Add(30 * time.Second)
	c.Set("k1", []byte("new"), time.Minute)

	got, ok := c.Get("k1")
	require.True(t, ok)
	assert.Equal(t, []byte("new"), got)
}

func TestFingerprintStability(t *testing.T) {
	a := Fingerprint("what is go", "brave", "en")
	b := Fingerprint("what is go", "brave", "en")
	assert.Equal(t, a, b)
	assert.Len(t, a, fingerprintLen)

	// Part boundaries matter: ("ab","c") must differ from ("a","bc").
	assert.NotEqual(t, Fingerprint("ab", "c"), Fingerprint("a", "bc"))
}

func TestKeyBuilders(t *testing.T) {
	k := Key(PrefixSearch, "query", "brave")
	assert.Equal(t, PrefixSearch, k[:len(PrefixSearch)])
	assert.Len(t, k, len(PrefixSearch)+fingerprintLen)

	assert.Equal(t, "budget:alice", KeyRaw(PrefixBudget, " alice "))
}

func TestLayerConcurrentAccess(t *testing.T) {
	l := NewLayer(1000, nil, zap.NewNop())
	ctx := context.Background()

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 200; j++ {
				key := fmt.Sprintf("k%d", j%20)
				if j%3 == 0 {
					l.Set(ctx, key, []byte("v"), time.Minute)
				} else {
					l.Get(ctx, key)
				}
			}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
