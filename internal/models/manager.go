// Package models owns the pool of local models: discovery, tiered preloading,
// per-model performance tracking, optimal-model selection and the fallback
// chain. Loading is single-flight so concurrent requests for a cold model
// coalesce into one backend load.
package models

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"prism/internal/backend"
)

// ModelInfo pairs a descriptor with its load state.
type ModelInfo struct {
	Descriptor backend.ModelDescriptor `json:"descriptor"`
	Loaded     bool                    `json:"loaded"`
}

// Selection is the outcome of SelectOptimalModel.
type Selection struct {
	Model         string   `json:"model"`
	Strategy      string   `json:"strategy"`
	EstimatedCost float64  `json:"estimated_cost"`
	Reasoning     string   `json:"reasoning"`
	Candidates    []string `json:"candidates,omitempty"`
}

// GenerateOutcome is the result of a managed generation, including every
// model attempted before one succeeded.
type GenerateOutcome struct {
	Result      *backend.GenerationResult `json:"result"`
	Model       string                    `json:"model"`
	ModelsTried []string                  `json:"models_tried"`
	Cost        float64                   `json:"cost"`
	Confidence  float64                   `json:"confidence"`
}

// Recommendation suggests a model for a budget, with reasoning.
type Recommendation struct {
	Model     string  `json:"model"`
	Cost      float64 `json:"cost"`
	Quality   float64 `json:"quality"`
	Reasoning string  `json:"reasoning"`
}

// ErrNoCandidates means the pool has no model able to serve a request.
var ErrNoCandidates = errors.New("models: no candidate models available")

// Config holds manager settings.
type Config struct {
	DefaultModel  string
	FallbackModel string
	PreloadTiers  []string
}

// GenerationObserver receives the outcome of every generation attempt.
type GenerationObserver interface {
	ObserveGeneration(model string, success bool)
}

// Manager owns the model pool.
type Manager struct {
	client   *backend.Client
	cfg      Config
	logger   *zap.Logger
	metrics  *metricsBook
	observer GenerationObserver

	mu   sync.RWMutex
	pool map[string]*ModelInfo

	loadGroup singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithObserver wires per-attempt generation outcome reporting.
func WithObserver(obs GenerationObserver) Option {
	return func(m *Manager) { m.observer = obs }
}

// NewManager creates a Manager over the given backend client.
func NewManager(client *backend.Client, cfg Config, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		client:  client,
		cfg:     cfg,
		logger:  logger,
		metrics: newMetricsBook(),
		pool:    make(map[string]*ModelInfo),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize discovers available models and preloads the configured tiers.
func (m *Manager) Initialize(ctx context.Context) error {
	descriptors, err := m.client.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("models: discovery failed: %w", err)
	}

	m.mu.Lock()
	for _, d := range descriptors {
		m.pool[d.Name] = &ModelInfo{Descriptor: d}
	}
	m.mu.Unlock()

	preload := make(map[string]bool, len(m.cfg.PreloadTiers))
	for _, tier := range m.cfg.PreloadTiers {
		preload[tier] = true
	}

	for _, d := range descriptors {
		if !preload[d.Tier] {
			continue
		}
		if err := m.EnsureLoaded(ctx, d.Name); err != nil {
			m.logger.Warn("model preload failed",
				zap.String("model", d.Name), zap.Error(err))
		}
	}

	m.logger.Info("model pool initialized",
		zap.Int("models", len(descriptors)),
		zap.Strings("preload_tiers", m.cfg.PreloadTiers))
	return nil
}

// RegisterModel adds a model to the pool without backend discovery, used for
// statically configured models.
func (m *Manager) RegisterModel(d backend.ModelDescriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pool[d.Name]; !exists {
		m.pool[d.Name] = &ModelInfo{Descriptor: d}
	}
}

// Pool returns a copy of the current pool.
func (m *Manager) Pool() []ModelInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ModelInfo, 0, len(m.pool))
	for _, info := range m.pool {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Descriptor.Name < out[j].Descriptor.Name
	})
	return out
}

// EnsureLoaded loads a model if it is not resident. Concurrent calls for the
// same model coalesce to exactly one backend load; waiters share its outcome.
func (m *Manager) EnsureLoaded(ctx context.Context, model string) error {
	m.mu.RLock()
	info, known := m.pool[model]
	loaded := known && info.Loaded
	m.mu.RUnlock()

	if loaded {
		return nil
	}

	_, err, _ := m.loadGroup.Do(model, func() (any, error) {
		// Re-check: a previous flight may have completed while we queued.
		m.mu.RLock()
		info, known := m.pool[model]
		already := known && info.Loaded
		m.mu.RUnlock()
		if already {
			return nil, nil
		}

		start := time.Now()
		if err := m.client.LoadModel(ctx, model); err != nil {
			return nil, err
		}

		m.mu.Lock()
		if info, ok := m.pool[model]; ok {
			info.Loaded = true
		} else {
			m.pool[model] = &ModelInfo{
				Descriptor: backend.ModelDescriptor{Name: model, Tier: "t2"},
				Loaded:     true,
			}
		}
		m.mu.Unlock()

		m.logger.Info("model loaded",
			zap.String("model", model), zap.Duration("took", time.Since(start)))
		return nil, nil
	})
	return err
}

// SelectOptimalModel picks the best model for a task under a strategy and an
// optional per-call budget hint. Deterministic given current metrics.
func (m *Manager) SelectOptimalModel(taskType string, quality QualityRequirement, strategy Strategy, budgetHint float64) (Selection, error) {
	pool := m.Pool()
	if len(pool) == 0 {
		if m.cfg.DefaultModel != "" {
			return Selection{
				Model:     m.cfg.DefaultModel,
				Strategy:  strategy.String(),
				Reasoning: "empty pool, using configured default",
			}, nil
		}
		return Selection{}, ErrNoCandidates
	}

	candidates := rankCandidates(selectionInputs{
		taskType:   taskType,
		quality:    quality,
		strategy:   strategy,
		budgetHint: budgetHint,
	}, pool, m.metrics)

	if len(candidates) == 0 {
		return Selection{}, ErrNoCandidates
	}

	chosen := candidates[0]
	return Selection{
		Model:         chosen,
		Strategy:      strategy.String(),
		EstimatedCost: m.estimatedCost(chosen),
		Reasoning: fmt.Sprintf("%s strategy for %s task at %s quality",
			strategy, taskType, quality),
		Candidates: candidates,
	}, nil
}

// Generate runs a completion on one model and records its metrics.
func (m *Manager) Generate(ctx context.Context, model, prompt string, opts backend.GenerateOptions) (*GenerateOutcome, error) {
	if err := m.EnsureLoaded(ctx, model); err != nil {
		m.metrics.recordFailure(model)
		m.observe(model, false)
		return nil, fmt.Errorf("models: loading %s: %w", model, err)
	}

	start := time.Now()
	result, err := m.client.Generate(ctx, model, prompt, opts)
	elapsed := time.Since(start)

	if err != nil {
		m.metrics.recordFailure(model)
		m.observe(model, false)
		return &GenerateOutcome{
			Result:      result,
			Model:       model,
			ModelsTried: []string{model},
		}, err
	}

	cost := m.estimatedCost(model)
	confidence := inferConfidence(result, elapsed)
	m.metrics.recordSuccess(model, elapsed, cost, confidence)
	m.observe(model, true)

	return &GenerateOutcome{
		Result:      result,
		Model:       model,
		ModelsTried: []string{model},
		Cost:        cost,
		Confidence:  confidence,
	}, nil
}

// GenerateWithFallback attempts the ranked candidate chain until one model
// succeeds. Empty generations count as failures and advance the chain. The
// outcome lists every model tried, in order.
func (m *Manager) GenerateWithFallback(ctx context.Context, candidates []string, prompt string, opts backend.GenerateOptions) (*GenerateOutcome, error) {
	if len(candidates) == 0 {
		candidates = m.defaultChain()
	}
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	var tried []string
	var lastErr error

	for _, model := range candidates {
		if ctx.Err() != nil {
			return &GenerateOutcome{ModelsTried: tried}, ctx.Err()
		}

		tried = append(tried, model)
		outcome, err := m.Generate(ctx, model, prompt, opts)
		if err == nil {
			outcome.ModelsTried = tried
			return outcome, nil
		}

		lastErr = err
		m.logger.Warn("model attempt failed, advancing fallback chain",
			zap.String("model", model),
			zap.Int("attempt", len(tried)),
			zap.Error(err))
	}

	return &GenerateOutcome{ModelsTried: tried},
		fmt.Errorf("models: all %d candidates failed: %w", len(tried), lastErr)
}

// Stats returns per-model performance metrics.
func (m *Manager) Stats() map[string]PerformanceMetrics {
	return m.metrics.snapshot()
}

// ModelStats returns the record for a single model.
func (m *Manager) ModelStats(model string) (PerformanceMetrics, bool) {
	return m.metrics.get(model)
}

// RecordExternalCost lets the budget layer attribute additional cost (e.g.
// provider spend synthesized through a model) to a model's running totals.
func (m *Manager) RecordExternalCost(model string, cost float64) {
	if model == "" || cost <= 0 {
		return
	}
	m.metrics.mu.Lock()
	rec := m.metrics.getLocked(model)
	rec.TotalCost += cost
	m.metrics.deriveLocked(rec)
	m.metrics.mu.Unlock()
}

// Recommendations returns models ranked for a per-call budget, cheapest
// qualifying first.
func (m *Manager) Recommendations(budget float64) []Recommendation {
	pool := m.Pool()
	recs := make([]Recommendation, 0, len(pool))

	for _, info := range pool {
		cost := m.estimatedCost(info.Descriptor.Name)
		if budget > 0 && cost > budget {
			continue
		}
		rec, _ := m.metrics.get(info.Descriptor.Name)
		quality := rec.QualityScore
		reason := "within budget"
		if rec.TotalRequests == 0 {
			reason = "within budget, no observations yet"
		}
		recs = append(recs, Recommendation{
			Model:     info.Descriptor.Name,
			Cost:      cost,
			Quality:   quality,
			Reasoning: reason,
		})
	}

	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Quality != recs[j].Quality {
			return recs[i].Quality > recs[j].Quality
		}
		if recs[i].Cost != recs[j].Cost {
			return recs[i].Cost < recs[j].Cost
		}
		return recs[i].Model < recs[j].Model
	})
	return recs
}

func (m *Manager) observe(model string, success bool) {
	if m.observer != nil {
		m.observer.ObserveGeneration(model, success)
	}
}

// estimatedCost returns the observed cost per request when available, the
// descriptor's base cost otherwise.
func (m *Manager) estimatedCost(model string) float64 {
	if rec, ok := m.metrics.get(model); ok && rec.CostPerRequest > 0 {
		return rec.CostPerRequest
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if info, ok := m.pool[model]; ok {
		return info.Descriptor.BaseCost
	}
	return 0.005
}

// defaultChain is the fallback chain used when no candidates were supplied:
// default model first, configured fallback last.
func (m *Manager) defaultChain() []string {
	var chain []string
	if m.cfg.DefaultModel != "" {
		chain = append(chain, m.cfg.DefaultModel)
	}
	if m.cfg.FallbackModel != "" && m.cfg.FallbackModel != m.cfg.DefaultModel {
		chain = append(chain, m.cfg.FallbackModel)
	}
	return chain
}

// inferConfidence estimates response confidence from the generation shape.
// The daemon exposes no quality metadata, so this is a heuristic: substantial
// answers produced at reasonable speed score higher.
func inferConfidence(result *backend.GenerationResult, elapsed time.Duration) float64 {
	if result == nil || !result.Success {
		return 0
	}

	conf := 0.5

	// Length signal: very short answers are suspect, fuller answers gain.
	n := len(result.Text)
	switch {
	case n < 20:
		conf -= 0.2
	case n > 200:
		conf += 0.2
	case n > 50:
		conf += 0.1
	}

	// Latency signal: answers that took very long relative to output size
	// suggest a struggling model.
	if result.TokensGenerated > 0 && elapsed > 0 {
		tokensPerSec := float64(result.TokensGenerated) / elapsed.Seconds()
		if tokensPerSec > 20 {
			conf += 0.1
		} else if tokensPerSec < 2 {
			conf -= 0.1
		}
	}

	return math.Max(0.05, math.Min(0.95, conf))
}
