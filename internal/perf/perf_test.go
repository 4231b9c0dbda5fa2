package perf

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(opts ...Option) (*Tracker, *clock.Mock) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	opts = append(opts, WithClock(mock))
	return NewTracker(DefaultTargets(), opts...), mock
}

func record(t *Tracker, mock *clock.Mock, op string, d time.Duration, out Outcome) {
	id := t.StartOperation(op)
	mock.Add(d)
	t.FinishOperation(id, out)
}

func TestTrackerRecordsDurations(t *testing.T) {
	tr, mock := newTestTracker()

	record(tr, mock, "chat", 100*time.Millisecond, Outcome{Success: true, Cost: 0.01})

	s := tr.Summary(1)
	require.Equal(t, 1, s.Count)
	assert.Equal(t, 100*time.Millisecond, s.P50)
	assert.Equal(t, 1.0, s.SuccessRate)
	assert.InDelta(t, 0.01, s.AvgCost, 1e-9)
}

func TestTrackerFinishUnknownIDIgnored(t *testing.T) {
	tr, _ := newTestTracker()
	tr.FinishOperation("nope", Outcome{Success: true})
	assert.Zero(t, tr.Summary(1).Count)
}

func TestTrackerPercentiles(t *testing.T) {
	tr, mock := newTestTracker()

	for i := 1; i <= 100; i++ {
		record(tr, mock, "chat", time.Duration(i)*time.Millisecond, Outcome{Success: true})
	}

	s := tr.Summary(1)
	assert.Equal(t, 50*time.Millisecond, s.P50)
	assert.Equal(t, 90*time.Millisecond, s.P90)
	assert.Equal(t, 95*time.Millisecond, s.P95)
	assert.Equal(t, 99*time.Millisecond, s.P99)
}

func TestTrackerWindowBounded(t *testing.T) {
	tr, mock := newTestTracker(WithWindowSize(10))

	for i := 0; i < 25; i++ {
		record(tr, mock, fmt.Sprintf("op%d", i), time.Millisecond, Outcome{Success: true})
	}

	s := tr.Summary(1)
	assert.Equal(t, 10, s.Count)
	// Only the newest ten operations survive.
	_, oldPresent := s.ByOperation["op0"]
	assert.False(t, oldPresent)
	_, newPresent := s.ByOperation["op24"]
	assert.True(t, newPresent)
}

func TestTrackerSummaryFiltersByTime(t *testing.T) {
	tr, mock := newTestTracker()

	record(tr, mock, "old", time.Millisecond, Outcome{Success: true})
	mock.Add(3 * time.Hour)
	record(tr, mock, "recent", time.Millisecond, Outcome{Success: true})

	s := tr.Summary(1)
	assert.Equal(t, 1, s.Count)
	_, ok := s.ByOperation["recent"]
	assert.True(t, ok)
}

func TestTrackerBreakdownByOperation(t *testing.T) {
	tr, mock := newTestTracker()

	record(tr, mock, "chat", 50*time.Millisecond, Outcome{Success: true, Cost: 0.01})
	record(tr, mock, "chat", 150*time.Millisecond, Outcome{Success: false})
	record(tr, mock, "search", 2*time.Second, Outcome{Success: true, Cost: 0.005})

	s := tr.Summary(1)
	chat := s.ByOperation["chat"]
	assert.Equal(t, 2, chat.Count)
	assert.InDelta(t, 0.5, chat.SuccessRate, 1e-9)
	assert.Equal(t, 100*time.Millisecond, chat.AvgDuration)

	search := s.ByOperation["search"]
	assert.Equal(t, 1, search.Count)
	assert.Equal(t, 2*time.Second, search.AvgDuration)
}

func TestTrackerTargetCompliance(t *testing.T) {
	tr, mock := newTestTracker()

	// Fast, cheap, cache-hitting successes comply with everything.
	for i := 0; i < 10; i++ {
		record(tr, mock, "search", time.Second, Outcome{Success: true, Cost: 0.005, CacheHit: true})
	}
	c := tr.Summary(1).Compliance
	assert.True(t, c["search_response_time"])
	assert.True(t, c["cache_hit_rate"])
	assert.True(t, c["success_rate"])
	assert.True(t, c["avg_cost"])

	// A burst of slow, costly failures breaks the targets.
	for i := 0; i < 50; i++ {
		record(tr, mock, "search", 5*time.Second, Outcome{Success: false, Cost: 0.1})
	}
	c = tr.Summary(1).Compliance
	assert.False(t, c["search_response_time"])
	assert.False(t, c["cache_hit_rate"])
	assert.False(t, c["success_rate"])
	assert.False(t, c["avg_cost"])
}

func TestTrackerEmptySummaryCompliant(t *testing.T) {
	tr, _ := newTestTracker()
	s := tr.Summary(1)
	assert.Zero(t, s.Count)
	for target, ok := range s.Compliance {
		assert.True(t, ok, "empty window should comply with %s", target)
	}
}

func TestTrackerTrackOperation(t *testing.T) {
	tr, mock := newTestTracker()

	out := tr.TrackOperation(context.Background(), "chat", func(ctx context.Context) Outcome {
		mock.Add(30 * time.Millisecond)
		return Outcome{Success: true, Cost: 0.002}
	})
	assert.True(t, out.Success)

	s := tr.Summary(1)
	require.Equal(t, 1, s.Count)
	assert.Equal(t, 30*time.Millisecond, s.P50)
}

func TestTrackerPrune(t *testing.T) {
	tr, mock := newTestTracker()

	record(tr, mock, "old", time.Millisecond, Outcome{Success: true})
	mock.Add(48 * time.Hour)
	record(tr, mock, "fresh", time.Millisecond, Outcome{Success: true})

	dropped := tr.Prune(24 * time.Hour)
	assert.Equal(t, 1, dropped)
	s := tr.Summary(1)
	assert.Equal(t, 1, s.Count)
}
