package websearch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"prism/internal/backend"
	"prism/internal/budget"
	"prism/internal/cache"
	"prism/internal/config"
	"prism/internal/graph"
	"prism/internal/models"
	"prism/internal/provider"
)

// stubSearcher is an in-memory Searcher with canned results.
type stubSearcher struct {
	mu      sync.Mutex
	results []provider.SearchResult
	err     error
	calls   int
}

func (s *stubSearcher) Name() string                         { return "stub_search" }
func (s *stubSearcher) Initialize(ctx context.Context) error { return nil }
func (s *stubSearcher) Close()                               {}
func (s *stubSearcher) IsAvailable() bool                    { return true }
func (s *stubSearcher) CostPerRequest() float64              { return 0.005 }
func (s *stubSearcher) RateLimitRemaining() int              { return -1 }
func (s *stubSearcher) Stats() provider.Stats                { return provider.Stats{} }
func (s *stubSearcher) Search(ctx context.Context, query string, opts provider.SearchOptions) (*provider.Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return &provider.Result{Success: false, Error: s.err.Error()}, s.err
	}
	return &provider.Result{Success: true, Results: s.results, CostIncurred: 0.005}, nil
}

func (s *stubSearcher) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// stubScraper serves canned page content, failing for URLs in failURLs.
type stubScraper struct {
	mu       sync.Mutex
	content  map[string]string
	failURLs map[string]bool
	calls    int
}

func (s *stubScraper) Name() string                         { return "stub_scraper" }
func (s *stubScraper) Initialize(ctx context.Context) error { return nil }
func (s *stubScraper) Close()                               {}
func (s *stubScraper) IsAvailable() bool                    { return true }
func (s *stubScraper) CostPerRequest() float64              { return 0.002 }
func (s *stubScraper) RateLimitRemaining() int              { return -1 }
func (s *stubScraper) Stats() provider.Stats                { return provider.Stats{} }
func (s *stubScraper) Scrape(ctx context.Context, url string, opts provider.ScrapeOptions) (*provider.Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.failURLs[url] {
		return &provider.Result{Success: false}, errors.New("fetch failed")
	}
	return &provider.Result{Success: true, Content: s.content[url], CostIncurred: 0.002}, nil
}

func sampleResults() []provider.SearchResult {
	return []provider.SearchResult{
		{Title: "Result A", URL: "https://a.example", Snippet: "Snippet about A", ContentQuality: "basic", RelevanceScore: 1.0},
		{Title: "Result B", URL: "https://b.example", Snippet: "Snippet about B", ContentQuality: "basic", RelevanceScore: 0.9},
		{Title: "Result C", URL: "https://c.example", Snippet: "Snippet about C", ContentQuality: "basic", RelevanceScore: 0.8},
		{Title: "Result D", URL: "https://d.example", Snippet: "Snippet about D", ContentQuality: "basic", RelevanceScore: 0.7},
	}
}

func fullContent() map[string]string {
	return map[string]string{
		"https://a.example": "Full readable content of page A.",
		"https://b.example": "Full readable content of page B.",
		"https://c.example": "Full readable content of page C.",
	}
}

// fakeDaemonHandler mimics the inference daemon with one small model.
func fakeDaemonHandler(generateText string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]any{{"name": "small:1b", "size": int64(1) << 30}},
		})
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt string `json:"prompt"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Prompt == "" {
			json.NewEncoder(w).Encode(map[string]any{"response": "", "done": true})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"response": generateText, "done": true, "eval_count": 50,
		})
	})
	return mux
}

type harness struct {
	graph    *Graph
	store    *cache.Layer
	searcher *stubSearcher
	scraper  *stubScraper
}

func newHarness(t *testing.T, searcher *stubSearcher, scraper *stubScraper, generateText string) *harness {
	t.Helper()
	logger := zap.NewNop()

	ts := httptest.NewServer(fakeDaemonHandler(generateText))
	t.Cleanup(ts.Close)

	client := backend.NewClient(backend.Config{Host: ts.URL, MaxRetries: 1, RequestTimeout: 5 * time.Second}, logger)
	manager := models.NewManager(client, models.Config{DefaultModel: "small:1b"}, logger)
	require.NoError(t, manager.Initialize(context.Background()))

	store := cache.NewLayer(1000, nil, logger)
	optimizer := budget.NewOptimizer(config.BudgetConfig{
		Tiers: map[string]config.TierLimits{"pro": {Monthly: 500, Daily: 25}},
	}, manager, store, logger)

	g, err := NewGraph(searcher, scraper, manager, optimizer, store, Config{}, logger)
	require.NoError(t, err)
	return &harness{graph: g, store: store, searcher: searcher, scraper: scraper}
}

func newSearchState(query string, budgetAmount float64) *graph.State {
	s := graph.NewState(query, "alice", "sess-1", budgetAmount, 10*time.Second)
	s.UserTier = "pro"
	return s
}

func TestPremiumQueryTakesFullPath(t *testing.T) {
	searcher := &stubSearcher{results: sampleResults()}
	scraper := &stubScraper{content: fullContent()}
	h := newHarness(t, searcher, scraper, "Synthesized answer citing sources [1] and [2].")

	state := newSearchState("latest developments in battery technology", 1.0)
	state.QualityRequirement = string(models.QualityPremium)

	require.NoError(t, h.graph.Run(context.Background(), state))

	assert.Equal(t, []string{nodeSmartRouter, nodeSearch, nodeEnhance, nodeSynthesis},
		state.ExecutionPath)
	assert.NotEmpty(t, state.FinalResponse)
	assert.NotEmpty(t, state.Citations)
	assert.False(t, state.HasError())

	enhanced := stateResults(state, nodeEnhance)
	require.NotEmpty(t, enhanced)
	count := 0
	for _, r := range enhanced {
		if r.ContentQuality == "enhanced" {
			count++
		}
	}
	assert.Equal(t, 3, count, "premium strategy enhances the top three results")
}

func TestGreetingRoutesDirect(t *testing.T) {
	searcher := &stubSearcher{results: sampleResults()}
	h := newHarness(t, searcher, &stubScraper{}, "Hello! How can I help today?")

	state := newSearchState("hello", 0.5)
	require.NoError(t, h.graph.Run(context.Background(), state))

	assert.Equal(t, []string{nodeSmartRouter, nodeSynthesis}, state.ExecutionPath)
	assert.NotEmpty(t, state.FinalResponse)
	assert.LessOrEqual(t, len(state.ModelsUsed), 1)
	assert.LessOrEqual(t, state.TotalCost(), 0.01)
	assert.Zero(t, searcher.callCount(), "direct strategy makes no provider calls")
}

func TestTinyBudgetRoutesDirect(t *testing.T) {
	searcher := &stubSearcher{results: sampleResults()}
	h := newHarness(t, searcher, &stubScraper{}, "Short answer.")

	state := newSearchState("what is quantum computing", 0.001)
	require.NoError(t, h.graph.Run(context.Background(), state))

	assert.Equal(t, StrategyDirect, stateStrategy(state))
	assert.Zero(t, searcher.callCount())
}

func TestStandardQueryRoutesPlainSearch(t *testing.T) {
	searcher := &stubSearcher{results: sampleResults()}
	h := newHarness(t, searcher, &stubScraper{}, "Answer from sources.")

	state := newSearchState("weather in paris", 0.1)
	require.NoError(t, h.graph.Run(context.Background(), state))

	assert.Equal(t, StrategySearch, stateStrategy(state))
	assert.Equal(t, []string{nodeSmartRouter, nodeSearch, nodeSynthesis}, state.ExecutionPath)
	assert.Equal(t, 1, searcher.callCount())
}

func TestComplexQueryUpgradesToEnhance(t *testing.T) {
	searcher := &stubSearcher{results: sampleResults()}
	scraper := &stubScraper{content: fullContent()}
	h := newHarness(t, searcher, scraper, "Considered answer.")

	state := newSearchState("compare approaches", 1.0)
	state.Complexity = 0.85
	state.Intent = graph.IntentResearch

	require.NoError(t, h.graph.Run(context.Background(), state))

	assert.Equal(t, StrategySearchEnhance, stateStrategy(state))
	m := state.Result(nodeSmartRouter)
	assert.Equal(t, 2, m["enhance_count"])
}

func TestSearchResultsCached(t *testing.T) {
	searcher := &stubSearcher{results: sampleResults()}
	h := newHarness(t, searcher, &stubScraper{}, "Answer.")

	first := newSearchState("weather in paris", 0.1)
	require.NoError(t, h.graph.Run(context.Background(), first))
	require.Equal(t, 1, searcher.callCount())

	second := newSearchState("weather in paris", 0.1)
	require.NoError(t, h.graph.Run(context.Background(), second))
	assert.Equal(t, 1, searcher.callCount(), "second identical query is served from cache")

	m := second.Result(nodeSearch)
	assert.Equal(t, true, m["cache_hit"])
}

func TestRoutingDecisionCached(t *testing.T) {
	searcher := &stubSearcher{results: sampleResults()}
	h := newHarness(t, searcher, &stubScraper{}, "Answer.")

	first := newSearchState("weather in paris", 0.1)
	require.NoError(t, h.graph.Run(context.Background(), first))

	second := newSearchState("weather in paris", 0.1)
	require.NoError(t, h.graph.Run(context.Background(), second))

	m := second.Result(nodeSmartRouter)
	assert.Equal(t, "cached routing decision", m["reasoning"])
	assert.Equal(t, StrategySearch, stateStrategy(second))
}

func TestCachedRouteDowngradedWhenBudgetShrinks(t *testing.T) {
	searcher := &stubSearcher{results: sampleResults()}
	scraper := &stubScraper{content: fullContent()}
	h := newHarness(t, searcher, scraper, "Answer.")

	rich := newSearchState("latest developments in battery technology", 1.0)
	rich.QualityRequirement = string(models.QualityPremium)
	require.NoError(t, h.graph.Run(context.Background(), rich))
	require.Equal(t, StrategySearchEnhance, stateStrategy(rich))
	require.Equal(t, 1, searcher.callCount())

	// Same query and quality, but a budget below one search call: the cached
	// search+enhance decision must not force spend the budget cannot cover.
	poor := newSearchState("latest developments in battery technology", 0.001)
	poor.QualityRequirement = string(models.QualityPremium)
	require.NoError(t, h.graph.Run(context.Background(), poor))

	m := poor.Result(nodeSmartRouter)
	assert.Equal(t, "cached routing decision", m["reasoning"])
	assert.Equal(t, StrategyDirect, stateStrategy(poor))
	assert.Equal(t, 1, searcher.callCount())
}

func TestEnhancementToleratesPartialFailure(t *testing.T) {
	searcher := &stubSearcher{results: sampleResults()}
	scraper := &stubScraper{
		content:  fullContent(),
		failURLs: map[string]bool{"https://b.example": true},
	}
	h := newHarness(t, searcher, scraper, "Answer.")

	state := newSearchState("deep dive", 1.0)
	state.QualityRequirement = string(models.QualityPremium)

	require.NoError(t, h.graph.Run(context.Background(), state))
	assert.False(t, state.HasError())

	enhanced := stateResults(state, nodeEnhance)
	count := 0
	for _, r := range enhanced {
		if r.ContentQuality == "enhanced" {
			count++
		}
	}
	assert.Equal(t, 2, count)
}

func TestEnhancementTotalFailureStillAnswers(t *testing.T) {
	searcher := &stubSearcher{results: sampleResults()}
	scraper := &stubScraper{failURLs: map[string]bool{
		"https://a.example": true, "https://b.example": true,
		"https://c.example": true, "https://d.example": true,
	}}
	h := newHarness(t, searcher, scraper, "Answer from basic snippets.")

	state := newSearchState("deep dive", 1.0)
	state.QualityRequirement = string(models.QualityPremium)

	require.NoError(t, h.graph.Run(context.Background(), state))

	assert.True(t, state.HasError(), "total enhancement failure is recorded")
	assert.NotEmpty(t, state.FinalResponse, "synthesis still runs on basic results")
}

func TestSearchFailureFallsBackToErrorHandler(t *testing.T) {
	searcher := &stubSearcher{err: errors.New("provider down")}
	h := newHarness(t, searcher, &stubScraper{}, "Answer.")

	state := newSearchState("weather in paris", 0.1)
	require.NoError(t, h.graph.Run(context.Background(), state))

	assert.True(t, state.HasError())
	assert.NotEmpty(t, state.FinalResponse)
}

func TestSynthesisModelFailureUsesTemplate(t *testing.T) {
	searcher := &stubSearcher{results: sampleResults()}
	// Empty generation forces the deterministic template fallback.
	h := newHarness(t, searcher, &stubScraper{}, "")

	state := newSearchState("weather in paris", 0.1)
	require.NoError(t, h.graph.Run(context.Background(), state))

	assert.NotEmpty(t, state.FinalResponse)
	assert.Contains(t, state.FinalResponse, "Result A")
	m := state.Result(nodeSynthesis)
	assert.Equal(t, true, m["fallback"])
}

func TestCitationsPreferEnhancedResults(t *testing.T) {
	results := sampleResults()
	results[2].ContentQuality = "enhanced"
	citations := citationsFor(results)
	require.NotEmpty(t, citations)
	assert.Contains(t, citations[0], "Result C")
}
