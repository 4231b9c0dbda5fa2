package models

import (
	"sync"
	"time"
)

// emaAlpha is the smoothing factor applied to confidence after warmup.
const emaAlpha = 0.1

// warmupObservations is the number of calls before the EMA kicks in; until
// then confidence is a plain average so early samples are not drowned out.
const warmupObservations = 5

// PerformanceMetrics is the rolling per-model stats record.
type PerformanceMetrics struct {
	Model              string    `json:"model"`
	TotalRequests      int64     `json:"total_requests"`
	SuccessfulRequests int64     `json:"successful_requests"`
	TotalExecutionTime float64   `json:"total_execution_time"` // seconds
	TotalCost          float64   `json:"total_cost"`
	AvgConfidence      float64   `json:"avg_confidence"`
	SuccessRate        float64   `json:"success_rate"`
	AvgResponseTime    float64   `json:"avg_response_time"` // seconds
	CostPerRequest     float64   `json:"cost_per_request"`
	QualityScore       float64   `json:"quality_score"`
	LastUpdated        time.Time `json:"last_updated"`
}

// metricsBook tracks performance metrics per model under one lock per model.
type metricsBook struct {
	mu      sync.RWMutex
	records map[string]*PerformanceMetrics
}

func newMetricsBook() *metricsBook {
	return &metricsBook{records: make(map[string]*PerformanceMetrics)}
}

// recordSuccess folds one successful call into the model's record.
func (b *metricsBook) recordSuccess(model string, duration time.Duration, cost, confidence float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := b.getLocked(model)
	m.TotalRequests++
	m.SuccessfulRequests++
	m.TotalExecutionTime += duration.Seconds()
	m.TotalCost += cost

	if m.SuccessfulRequests <= warmupObservations {
		// Plain running average during warmup.
		n := float64(m.SuccessfulRequests)
		m.AvgConfidence = m.AvgConfidence*(n-1)/n + confidence/n
	} else {
		m.AvgConfidence = m.AvgConfidence*(1-emaAlpha) + confidence*emaAlpha
	}

	b.deriveLocked(m)
}

// recordFailure folds one failed call into the model's record.
func (b *metricsBook) recordFailure(model string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := b.getLocked(model)
	m.TotalRequests++
	b.deriveLocked(m)
}

func (b *metricsBook) getLocked(model string) *PerformanceMetrics {
	m, ok := b.records[model]
	if !ok {
		m = &PerformanceMetrics{Model: model}
		b.records[model] = m
	}
	return m
}

// deriveLocked recomputes the derived fields after a raw-counter update.
func (b *metricsBook) deriveLocked(m *PerformanceMetrics) {
	if m.TotalRequests > 0 {
		m.SuccessRate = float64(m.SuccessfulRequests) / float64(m.TotalRequests)
		m.CostPerRequest = m.TotalCost / float64(m.TotalRequests)
	}
	if m.SuccessfulRequests > 0 {
		m.AvgResponseTime = m.TotalExecutionTime / float64(m.SuccessfulRequests)
	}
	// Quality blends observed confidence with reliability.
	m.QualityScore = 0.7*m.AvgConfidence + 0.3*m.SuccessRate
	m.LastUpdated = time.Now()
}

// get returns a copy of the model's record.
func (b *metricsBook) get(model string) (PerformanceMetrics, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.records[model]
	if !ok {
		return PerformanceMetrics{}, false
	}
	return *m, true
}

// snapshot returns copies of all records keyed by model name.
func (b *metricsBook) snapshot() map[string]PerformanceMetrics {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]PerformanceMetrics, len(b.records))
	for name, m := range b.records {
		out[name] = *m
	}
	return out
}

// observations returns the number of successful calls recorded for model.
func (b *metricsBook) observations(model string) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if m, ok := b.records[model]; ok {
		return m.SuccessfulRequests
	}
	return 0
}
