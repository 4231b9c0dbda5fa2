// Package provider defines the uniform contract external search and scrape
// providers satisfy, plus the concrete Brave search and page scraper
// implementations. Providers are idempotent at the protocol level; the core
// may safely retry read calls.
package provider

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SearchResult is one normalized web search hit.
type SearchResult struct {
	Title          string         `json:"title"`
	URL            string         `json:"url"`
	Snippet        string         `json:"snippet"`
	Source         string         `json:"source"`
	RelevanceScore float64        `json:"relevance_score"`
	Content        string         `json:"content,omitempty"`
	ContentQuality string         `json:"content_quality"` // "basic" or "enhanced"
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// SearchOptions tunes one search call.
type SearchOptions struct {
	Count     int
	Country   string
	Language  string
	Freshness string // pd, pw, pm, py
}

// ScrapeOptions tunes one scrape call.
type ScrapeOptions struct {
	MaxContentBytes int
}

// Result is the uniform provider call outcome.
type Result struct {
	Success      bool           `json:"success"`
	Results      []SearchResult `json:"results,omitempty"`
	Content      string         `json:"content,omitempty"`
	Error        string         `json:"error,omitempty"`
	CostIncurred float64        `json:"cost_incurred"`
	Latency      time.Duration  `json:"latency"`
}

// Stats holds cumulative provider usage counters.
type Stats struct {
	Calls      int64         `json:"calls"`
	Errors     int64         `json:"errors"`
	AvgLatency time.Duration `json:"avg_latency"`
	TotalCost  float64       `json:"total_cost"`
	LastError  string        `json:"last_error,omitempty"`
	LastUsed   time.Time     `json:"last_used,omitempty"`
}

// Provider is the base contract every external provider satisfies.
type Provider interface {
	Name() string
	Initialize(ctx context.Context) error
	Close()
	IsAvailable() bool
	CostPerRequest() float64
	RateLimitRemaining() int
	Stats() Stats
}

// Searcher is a provider that performs web searches.
type Searcher interface {
	Provider
	Search(ctx context.Context, query string, opts SearchOptions) (*Result, error)
}

// Scraper is a provider that fetches full page content.
type Scraper interface {
	Provider
	Scrape(ctx context.Context, url string, opts ScrapeOptions) (*Result, error)
}

// Error is a provider-specific error with a stable code.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("provider %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// CallObserver receives the outcome of every provider call.
type CallObserver interface {
	ObserveProvider(provider string, success bool)
}

// statsTracker is the shared bookkeeping embedded by concrete providers.
type statsTracker struct {
	mu           sync.Mutex
	name         string
	observer     CallObserver
	calls        int64
	errors       int64
	totalLatency time.Duration
	totalCost    float64
	lastError    string
	lastUsed     time.Time
}

// SetObserver wires per-call outcome reporting.
func (s *statsTracker) SetObserver(obs CallObserver) {
	s.mu.Lock()
	s.observer = obs
	s.mu.Unlock()
}

func (s *statsTracker) recordCall(latency time.Duration, cost float64, err error) {
	s.mu.Lock()
	s.calls++
	s.totalLatency += latency
	s.totalCost += cost
	s.lastUsed = time.Now()
	if err != nil {
		s.errors++
		s.lastError = err.Error()
	}
	obs, name := s.observer, s.name
	s.mu.Unlock()

	if obs != nil {
		obs.ObserveProvider(name, err == nil)
	}
}

func (s *statsTracker) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var avg time.Duration
	if s.calls > 0 {
		avg = s.totalLatency / time.Duration(s.calls)
	}
	return Stats{
		Calls:      s.calls,
		Errors:     s.errors,
		AvgLatency: avg,
		TotalCost:  s.totalCost,
		LastError:  s.lastError,
		LastUsed:   s.lastUsed,
	}
}
