// Package perf tracks operation latencies, success rates, cost and cache
// behavior in a bounded in-memory window, and reports percentile summaries
// with target compliance.
package perf

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// defaultWindowSize bounds the rolling record window.
const defaultWindowSize = 10000

// Targets are the service-level objectives the summary is checked against.
type Targets struct {
	SearchResponseTime time.Duration `json:"search_response_time"`
	CacheHitRate       float64       `json:"cache_hit_rate"`
	SuccessRate        float64       `json:"success_rate"`
	AvgCost            float64       `json:"avg_cost"`
}

// DefaultTargets returns the stock service targets.
func DefaultTargets() Targets {
	return Targets{
		SearchResponseTime: 3 * time.Second,
		CacheHitRate:       0.8,
		SuccessRate:        0.95,
		AvgCost:            0.02,
	}
}

// Record is one completed operation.
type Record struct {
	Operation string         `json:"operation"`
	Start     time.Time      `json:"start"`
	End       time.Time      `json:"end"`
	Duration  time.Duration  `json:"duration"`
	Success   bool           `json:"success"`
	Cost      float64        `json:"cost"`
	CacheHit  bool           `json:"cache_hit"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Outcome describes how an operation finished.
type Outcome struct {
	Success  bool
	Cost     float64
	CacheHit bool
	Metadata map[string]any
}

// OperationSummary aggregates one operation's records.
type OperationSummary struct {
	Count       int           `json:"count"`
	SuccessRate float64       `json:"success_rate"`
	AvgDuration time.Duration `json:"avg_duration"`
	AvgCost     float64       `json:"avg_cost"`
}

// Summary is the windowed performance report.
type Summary struct {
	WindowHours  float64                     `json:"window_hours"`
	Count        int                         `json:"count"`
	SuccessRate  float64                     `json:"success_rate"`
	CacheHitRate float64                     `json:"cache_hit_rate"`
	AvgCost      float64                     `json:"avg_cost"`
	TotalCost    float64                     `json:"total_cost"`
	P50          time.Duration               `json:"p50"`
	P90          time.Duration               `json:"p90"`
	P95          time.Duration               `json:"p95"`
	P99          time.Duration               `json:"p99"`
	ByOperation  map[string]OperationSummary `json:"by_operation"`
	Compliance   map[string]bool             `json:"target_compliance"`
}

// Tracker keeps the bounded window of operation records.
type Tracker struct {
	mu      sync.Mutex
	records []Record // ring buffer
	next    int
	full    bool

	inflight map[string]pending

	size    int
	targets Targets
	clock   clock.Clock
}

type pending struct {
	operation string
	start     time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock injects a clock for tests.
func WithClock(clk clock.Clock) Option {
	return func(t *Tracker) { t.clock = clk }
}

// WithWindowSize overrides the record window size.
func WithWindowSize(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.size = n
		}
	}
}

// NewTracker builds a tracker with the given targets.
func NewTracker(targets Targets, opts ...Option) *Tracker {
	t := &Tracker{
		inflight: make(map[string]pending),
		size:     defaultWindowSize,
		targets:  targets,
		clock:    clock.New(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.records = make([]Record, t.size)
	return t
}

// StartOperation opens a tracked operation and returns its id.
func (t *Tracker) StartOperation(operation string) string {
	id := uuid.NewString()
	t.mu.Lock()
	t.inflight[id] = pending{operation: operation, start: t.clock.Now()}
	t.mu.Unlock()
	return id
}

// FinishOperation closes a tracked operation. Unknown ids are ignored.
func (t *Tracker) FinishOperation(id string, out Outcome) {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.inflight[id]
	if !ok {
		return
	}
	delete(t.inflight, id)

	t.appendLocked(Record{
		Operation: p.operation,
		Start:     p.start,
		End:       now,
		Duration:  now.Sub(p.start),
		Success:   out.Success,
		Cost:      out.Cost,
		CacheHit:  out.CacheHit,
		Metadata:  out.Metadata,
	})
}

// TrackOperation wraps fn with start/finish bookkeeping.
func (t *Tracker) TrackOperation(ctx context.Context, operation string, fn func(ctx context.Context) Outcome) Outcome {
	id := t.StartOperation(operation)
	out := fn(ctx)
	t.FinishOperation(id, out)
	return out
}

// Prune drops records older than the retention horizon. The maintenance
// scheduler calls this periodically; summaries filter by time regardless, so
// pruning only reclaims ring slots.
func (t *Tracker) Prune(olderThan time.Duration) int {
	cutoff := t.clock.Now().Add(-olderThan)

	t.mu.Lock()
	defer t.mu.Unlock()

	kept := make([]Record, 0, t.size)
	for _, r := range t.windowLocked() {
		if r.End.After(cutoff) {
			kept = append(kept, r)
		}
	}
	dropped := t.countLocked() - len(kept)

	t.records = make([]Record, t.size)
	t.next = 0
	t.full = false
	for _, r := range kept {
		t.appendLocked(r)
	}
	return dropped
}

// Summary reports percentiles, rates and target compliance for records that
// finished within the trailing window.
func (t *Tracker) Summary(hours float64) Summary {
	if hours <= 0 {
		hours = 1
	}
	cutoff := t.clock.Now().Add(-time.Duration(hours * float64(time.Hour)))

	t.mu.Lock()
	var window []Record
	for _, r := range t.windowLocked() {
		if r.End.After(cutoff) {
			window = append(window, r)
		}
	}
	t.mu.Unlock()

	s := Summary{
		WindowHours: hours,
		Count:       len(window),
		ByOperation: make(map[string]OperationSummary),
		Compliance:  make(map[string]bool),
	}
	if len(window) == 0 {
		s.Compliance = t.compliance(s, nil)
		return s
	}

	durations := make([]time.Duration, 0, len(window))
	var successes, hits int
	byOp := make(map[string]*opAccum)

	for _, r := range window {
		durations = append(durations, r.Duration)
		if r.Success {
			successes++
		}
		if r.CacheHit {
			hits++
		}
		s.TotalCost += r.Cost

		acc := byOp[r.Operation]
		if acc == nil {
			acc = &opAccum{}
			byOp[r.Operation] = acc
		}
		acc.count++
		acc.total += r.Duration
		acc.cost += r.Cost
		if r.Success {
			acc.successes++
		}
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	s.SuccessRate = float64(successes) / float64(len(window))
	s.CacheHitRate = float64(hits) / float64(len(window))
	s.AvgCost = s.TotalCost / float64(len(window))
	s.P50 = percentile(durations, 0.50)
	s.P90 = percentile(durations, 0.90)
	s.P95 = percentile(durations, 0.95)
	s.P99 = percentile(durations, 0.99)

	for op, acc := range byOp {
		s.ByOperation[op] = OperationSummary{
			Count:       acc.count,
			SuccessRate: float64(acc.successes) / float64(acc.count),
			AvgDuration: acc.total / time.Duration(acc.count),
			AvgCost:     acc.cost / float64(acc.count),
		}
	}

	s.Compliance = t.compliance(s, byOp)
	return s
}

type opAccum struct {
	count     int
	successes int
	total     time.Duration
	cost      float64
}

// compliance checks the summary against targets. An absent signal (no search
// operations, no records) counts as compliant.
func (t *Tracker) compliance(s Summary, byOp map[string]*opAccum) map[string]bool {
	c := map[string]bool{
		"search_response_time": true,
		"cache_hit_rate":       true,
		"success_rate":         true,
		"avg_cost":             true,
	}
	if s.Count == 0 {
		return c
	}

	if acc, ok := byOp["search"]; ok && acc.count > 0 {
		avg := acc.total / time.Duration(acc.count)
		c["search_response_time"] = avg <= t.targets.SearchResponseTime
	}
	c["cache_hit_rate"] = s.CacheHitRate >= t.targets.CacheHitRate
	c["success_rate"] = s.SuccessRate >= t.targets.SuccessRate
	c["avg_cost"] = s.AvgCost <= t.targets.AvgCost
	return c
}

// appendLocked writes into the ring, overwriting the oldest slot when full.
func (t *Tracker) appendLocked(r Record) {
	t.records[t.next] = r
	t.next++
	if t.next == t.size {
		t.next = 0
		t.full = true
	}
}

// windowLocked returns the live records oldest-first.
func (t *Tracker) windowLocked() []Record {
	if !t.full {
		return t.records[:t.next]
	}
	out := make([]Record, 0, t.size)
	out = append(out, t.records[t.next:]...)
	out = append(out, t.records[:t.next]...)
	return out
}

func (t *Tracker) countLocked() int {
	if t.full {
		return t.size
	}
	return t.next
}

// percentile uses nearest-rank on an ascending slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
