package models

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"prism/internal/backend"
)

const gb = int64(1) << 30

// fakeDaemon stubs the inference daemon: /api/tags lists models, and
// /api/generate distinguishes load requests (empty prompt) from completions.
type fakeDaemon struct {
	mu        sync.Mutex
	models    map[string]int64  // name -> size
	responses map[string]string // name -> canned completion
	loads     map[string]int64
	generates int64
}

func newFakeDaemon() *fakeDaemon {
	return &fakeDaemon{
		models:    map[string]int64{},
		responses: map[string]string{},
		loads:     map[string]int64{},
	}
}

func (d *fakeDaemon) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		var list []map[string]any
		for name, size := range d.models {
			list = append(list, map[string]any{"name": name, "size": size})
		}
		json.NewEncoder(w).Encode(map[string]any{"models": list})
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		d.mu.Lock()
		if req.Prompt == "" {
			d.loads[req.Model]++
			d.mu.Unlock()
			json.NewEncoder(w).Encode(map[string]any{"response": "", "done": true})
			return
		}
		d.generates++
		text := d.responses[req.Model]
		d.mu.Unlock()

		json.NewEncoder(w).Encode(map[string]any{
			"response":   text,
			"done":       true,
			"eval_count": len(text) / 4,
		})
	})
	return mux
}

func (d *fakeDaemon) loadCount(model string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loads[model]
}

func newTestManager(t *testing.T, daemon *fakeDaemon, cfg Config, opts ...Option) *Manager {
	t.Helper()
	ts := httptest.NewServer(daemon.handler())
	t.Cleanup(ts.Close)

	client := backend.NewClient(backend.Config{
		Host: ts.URL, MaxRetries: 1, RequestTimeout: 5 * time.Second,
	}, zap.NewNop())
	m := NewManager(client, cfg, zap.NewNop(), opts...)
	require.NoError(t, m.Initialize(context.Background()))
	return m
}

func TestInitializeDiscoversPool(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.models["small:1b"] = 1 * gb
	daemon.models["mid:7b"] = 5 * gb

	m := newTestManager(t, daemon, Config{})
	pool := m.Pool()
	require.Len(t, pool, 2)
	assert.Equal(t, "mid:7b", pool[0].Descriptor.Name)
	assert.Equal(t, "t1", pool[0].Descriptor.Tier)
	assert.Equal(t, "t0", pool[1].Descriptor.Tier)
}

func TestInitializePreloadsConfiguredTiers(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.models["small:1b"] = 1 * gb
	daemon.models["big:70b"] = 40 * gb

	newTestManager(t, daemon, Config{PreloadTiers: []string{"t0"}})

	assert.Equal(t, int64(1), daemon.loadCount("small:1b"))
	assert.Zero(t, daemon.loadCount("big:70b"), "only t0 preloads")
}

func TestEnsureLoadedCoalescesConcurrentLoads(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.models["small:1b"] = 1 * gb
	m := newTestManager(t, daemon, Config{})

	var wg sync.WaitGroup
	var errs int64
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.EnsureLoaded(context.Background(), "small:1b"); err != nil {
				atomic.AddInt64(&errs, 1)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, atomic.LoadInt64(&errs))
	assert.Equal(t, int64(1), daemon.loadCount("small:1b"), "single flight")
}

func TestEnsureLoadedSkipsResidentModel(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.models["small:1b"] = 1 * gb
	m := newTestManager(t, daemon, Config{})
	ctx := context.Background()

	require.NoError(t, m.EnsureLoaded(ctx, "small:1b"))
	require.NoError(t, m.EnsureLoaded(ctx, "small:1b"))
	assert.Equal(t, int64(1), daemon.loadCount("small:1b"))
}

func TestSelectOptimalModelPrefersTierForQuality(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.models["small:1b"] = 1 * gb
	daemon.models["mid:7b"] = 5 * gb
	daemon.models["big:70b"] = 40 * gb
	m := newTestManager(t, daemon, Config{})

	minimal, err := m.SelectOptimalModel("chat", QualityMinimal, StrategyBalanced, 0)
	require.NoError(t, err)
	assert.Equal(t, "small:1b", minimal.Model)

	premium, err := m.SelectOptimalModel("chat", QualityPremium, StrategyBalanced, 0)
	require.NoError(t, err)
	assert.Equal(t, "big:70b", premium.Model)

	// The full candidate chain is returned for fallback use.
	assert.Len(t, premium.Candidates, 3)
}

func TestSelectOptimalModelHonorsBudgetHint(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.models["small:1b"] = 1 * gb // base cost 0.0025
	daemon.models["big:70b"] = 40 * gb // base cost capped at 0.05
	m := newTestManager(t, daemon, Config{})

	sel, err := m.SelectOptimalModel("chat", QualityPremium, StrategyBalanced, 0.01)
	require.NoError(t, err)
	assert.Equal(t, "small:1b", sel.Model, "expensive model filtered by budget hint")
}

func TestSelectOptimalModelTinyBudgetKeepsCheapest(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.models["small:1b"] = 1 * gb
	daemon.models["mid:7b"] = 5 * gb
	m := newTestManager(t, daemon, Config{})

	sel, err := m.SelectOptimalModel("chat", QualityBalanced, StrategyCostFirst, 0.000001)
	require.NoError(t, err)
	assert.Equal(t, "small:1b", sel.Model, "cheapest model survives an unaffordable budget")
}

func TestSelectOptimalModelEmptyPoolUsesDefault(t *testing.T) {
	daemon := newFakeDaemon()
	m := newTestManager(t, daemon, Config{DefaultModel: "small:1b"})

	sel, err := m.SelectOptimalModel("chat", QualityBalanced, StrategyBalanced, 0)
	require.NoError(t, err)
	assert.Equal(t, "small:1b", sel.Model)
}

func TestGenerateRecordsMetrics(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.models["small:1b"] = 1 * gb
	daemon.responses["small:1b"] = "a reasonably substantial answer to the question that was asked"
	m := newTestManager(t, daemon, Config{})

	out, err := m.Generate(context.Background(), "small:1b", "hello", backend.GenerateOptions{})
	require.NoError(t, err)
	assert.True(t, out.Result.Success)
	assert.Greater(t, out.Cost, 0.0)
	assert.Greater(t, out.Confidence, 0.0)

	rec, ok := m.ModelStats("small:1b")
	require.True(t, ok)
	assert.Equal(t, int64(1), rec.TotalRequests)
	assert.Equal(t, 1.0, rec.SuccessRate)
}

func TestGenerateWithFallbackAdvancesOnEmptyGeneration(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.models["mid:7b"] = 5 * gb
	daemon.models["small:1b"] = 1 * gb
	daemon.responses["mid:7b"] = "" // empty generation failure mode
	daemon.responses["small:1b"] = "fallback answer with enough text to count"
	m := newTestManager(t, daemon, Config{})

	out, err := m.GenerateWithFallback(context.Background(),
		[]string{"mid:7b", "small:1b"}, "hello", backend.GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "small:1b", out.Model)
	assert.Equal(t, []string{"mid:7b", "small:1b"}, out.ModelsTried)

	rec, _ := m.ModelStats("mid:7b")
	assert.Equal(t, int64(1), rec.TotalRequests)
	assert.Zero(t, rec.SuccessfulRequests)
}

type generationRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *generationRecorder) ObserveGeneration(model string, success bool) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, fmt.Sprintf("%s=%t", model, success))
	r.mu.Unlock()
}

func TestGenerateReportsOutcomesToObserver(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.models["mid:7b"] = 5 * gb
	daemon.models["small:1b"] = 1 * gb
	daemon.responses["mid:7b"] = "" // empty generation failure mode
	daemon.responses["small:1b"] = "fallback answer with enough text to count"
	rec := &generationRecorder{}
	m := newTestManager(t, daemon, Config{}, WithObserver(rec))

	_, err := m.GenerateWithFallback(context.Background(),
		[]string{"mid:7b", "small:1b"}, "hello", backend.GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"mid:7b=false", "small:1b=true"}, rec.outcomes)
}

func TestGenerateWithFallbackAllFail(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.models["mid:7b"] = 5 * gb
	daemon.responses["mid:7b"] = ""
	m := newTestManager(t, daemon, Config{})

	out, err := m.GenerateWithFallback(context.Background(),
		[]string{"mid:7b"}, "hello", backend.GenerateOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, backend.ErrEmptyGeneration)
	assert.Equal(t, []string{"mid:7b"}, out.ModelsTried)
}

func TestRecommendationsFilterByBudget(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.models["small:1b"] = 1 * gb
	daemon.models["big:70b"] = 40 * gb
	m := newTestManager(t, daemon, Config{})

	recs := m.Recommendations(0.01)
	require.Len(t, recs, 1)
	assert.Equal(t, "small:1b", recs[0].Model)
}

func TestRegisterModel(t *testing.T) {
	daemon := newFakeDaemon()
	m := newTestManager(t, daemon, Config{})

	m.RegisterModel(backend.ModelDescriptor{Name: "static:3b", Tier: "t0", BaseCost: 0.002})
	m.RegisterModel(backend.ModelDescriptor{Name: "static:3b", Tier: "t1", BaseCost: 0.9})

	pool := m.Pool()
	require.Len(t, pool, 1)
	assert.Equal(t, "t0", pool[0].Descriptor.Tier, "re-registration does not overwrite")
}

func TestInferConfidenceShape(t *testing.T) {
	long := &backend.GenerationResult{
		Success: true, TokensGenerated: 100,
		Text: string(make([]byte, 300)),
	}
	short := &backend.GenerationResult{Success: true, Text: "ok"}

	assert.Greater(t,
		inferConfidence(long, time.Second),
		inferConfidence(short, time.Second))
	assert.Zero(t, inferConfidence(nil, time.Second))
}
