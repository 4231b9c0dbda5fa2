// Package websearch implements the search-augmented pipeline: strategy
// routing, provider search with caching, bounded-concurrency content
// enhancement, and model-backed synthesis with a deterministic fallback.
package websearch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"prism/internal/backend"
	"prism/internal/budget"
	"prism/internal/cache"
	"prism/internal/graph"
	"prism/internal/models"
	"prism/internal/provider"
)

// Node ids.
const (
	nodeSmartRouter = "smart_router"
	nodeSearch      = "brave_search"
	nodeEnhance     = "content_enhancement"
	nodeSynthesis   = "response_synthesis"
	nodeErrHandler  = "error_handler"
)

// Search strategies produced by the smart router.
const (
	StrategyDirect        = "direct"
	StrategySearch        = "search"
	StrategySearchEnhance = "search+enhance"
)

const (
	// complexityEnhanceThreshold is where plain search upgrades to
	// search+enhance when the budget allows.
	complexityEnhanceThreshold = 0.7

	premiumEnhanceCount = 3
	complexEnhanceCount = 2
)

// Config tunes the search graph.
type Config struct {
	ResultCount     int
	Language        string
	MaxEnhance      int
	EnhanceParallel int
	ScrapeTimeout   time.Duration
	CacheTTL        time.Duration
	RoutingTTL      time.Duration
	NodeTimeout     time.Duration
	MaxPathLength   int
}

// Graph is the assembled search pipeline.
type Graph struct {
	searcher  provider.Searcher
	scraper   provider.Scraper
	manager   *models.Manager
	optimizer *budget.Optimizer
	store     *cache.Layer
	cfg       Config
	logger    *zap.Logger
	exec      *graph.Executor
}

// NewGraph wires the search pipeline.
func NewGraph(searcher provider.Searcher, scraper provider.Scraper, manager *models.Manager, optimizer *budget.Optimizer, store *cache.Layer, cfg Config, logger *zap.Logger) (*Graph, error) {
	if cfg.ResultCount <= 0 {
		cfg.ResultCount = 5
	}
	if cfg.MaxEnhance <= 0 {
		cfg.MaxEnhance = premiumEnhanceCount
	}
	if cfg.EnhanceParallel <= 0 {
		cfg.EnhanceParallel = 3
	}
	if cfg.ScrapeTimeout <= 0 {
		cfg.ScrapeTimeout = 15 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.RoutingTTL <= 0 {
		cfg.RoutingTTL = 5 * time.Minute
	}

	g := &Graph{
		searcher:  searcher,
		scraper:   scraper,
		manager:   manager,
		optimizer: optimizer,
		store:     store,
		cfg:       cfg,
		logger:    logger,
	}

	def := graph.NewDefinition("websearch")
	for _, node := range []graph.Node{
		graph.NodeFunc{NodeID: nodeSmartRouter, Fn: g.route},
		graph.NodeFunc{NodeID: nodeSearch, Fn: g.search},
		graph.NodeFunc{NodeID: nodeEnhance, Fn: g.enhance},
		graph.NodeFunc{NodeID: nodeSynthesis, Fn: g.synthesize},
		graph.NodeFunc{NodeID: nodeErrHandler, Fn: g.handleError},
	} {
		if err := def.AddNode(node); err != nil {
			return nil, err
		}
	}

	def.SetStart(nodeSmartRouter)
	def.SetErrorHandler(nodeErrHandler)
	def.AddConditionalEdge(nodeSmartRouter, func(state *graph.State) string {
		return stateStrategy(state)
	}, map[string]string{
		StrategyDirect:        nodeSynthesis,
		StrategySearch:        nodeSearch,
		StrategySearchEnhance: nodeSearch,
	})
	def.AddConditionalEdge(nodeSearch, func(state *graph.State) string {
		if stateStrategy(state) == StrategySearchEnhance {
			return "enhance"
		}
		return "synthesize"
	}, map[string]string{
		"enhance":    nodeEnhance,
		"synthesize": nodeSynthesis,
	})
	def.AddEdge(nodeEnhance, nodeSynthesis)

	exec, err := graph.NewExecutor(def, graph.ExecutorConfig{
		NodeTimeout:   cfg.NodeTimeout,
		MaxPathLength: cfg.MaxPathLength,
	}, logger)
	if err != nil {
		return nil, err
	}
	g.exec = exec
	return g, nil
}

// Run executes the search pipeline over state.
func (g *Graph) Run(ctx context.Context, state *graph.State) error {
	return g.exec.Run(ctx, state)
}

// routeDecision is the cached outcome of the smart router for one query.
type routeDecision struct {
	Strategy     string  `json:"strategy"`
	EnhanceCount int     `json:"enhance_count"`
	Intent       string  `json:"intent"`
	Complexity   float64 `json:"complexity"`
}

// route decides the search strategy from query shape, budget and quality.
// The rules are deterministic so identical states always take the same path.
// Decisions are cached per (query, quality); a cached decision is advisory
// and is downgraded when the current budget no longer covers it.
func (g *Graph) route(ctx context.Context, state *graph.State) (*graph.NodeResult, error) {
	searchCost := g.searcher.CostPerRequest()
	scrapeCost := g.scraper.CostPerRequest()
	remaining := state.CostBudgetRemaining

	routeKey := cache.Key(cache.PrefixRoute, state.OriginalQuery, state.QualityRequirement)
	var cached routeDecision
	if g.store.GetJSON(ctx, routeKey, &cached) {
		strategy, enhanceCount := affordableStrategy(cached.Strategy, cached.EnhanceCount,
			remaining, searchCost, scrapeCost)
		return &graph.NodeResult{
			Success: true,
			Data: map[string]any{
				"search_strategy": strategy,
				"enhance_count":   enhanceCount,
				"reasoning":       "cached routing decision",
				"intent":          graph.Intent(cached.Intent),
				"complexity":      cached.Complexity,
			},
		}, nil
	}

	intent := state.Intent
	complexity := state.Complexity
	if intent == graph.IntentUnknown {
		// The chat classifier has not run; classify inline.
		classified, c := classifyForSearch(state.OriginalQuery)
		intent = classified
		if complexity == 0 {
			complexity = c
		}
	}

	strategy := StrategySearch
	enhanceCount := 0
	var reason string

	switch {
	case intent == graph.IntentGreeting:
		strategy, reason = StrategyDirect, "greeting needs no external context"
	case remaining < searchCost:
		strategy, reason = StrategyDirect, "budget below one search call"
	case state.QualityRequirement == string(models.QualityPremium) &&
		remaining >= searchCost+float64(premiumEnhanceCount)*scrapeCost:
		strategy = StrategySearchEnhance
		enhanceCount = premiumEnhanceCount
		reason = "premium quality with budget for full enhancement"
	case complexity > complexityEnhanceThreshold &&
		remaining >= searchCost+float64(complexEnhanceCount)*scrapeCost:
		strategy = StrategySearchEnhance
		enhanceCount = complexEnhanceCount
		reason = "complex query with budget headroom"
	default:
		reason = "standard search"
	}

	if enhanceCount > g.cfg.MaxEnhance {
		enhanceCount = g.cfg.MaxEnhance
	}

	g.store.SetJSON(ctx, routeKey, routeDecision{
		Strategy:     strategy,
		EnhanceCount: enhanceCount,
		Intent:       string(intent),
		Complexity:   complexity,
	}, g.cfg.RoutingTTL)

	return &graph.NodeResult{
		Success: true,
		Data: map[string]any{
			"search_strategy": strategy,
			"enhance_count":   enhanceCount,
			"reasoning":       reason,
			"intent":          intent,
			"complexity":      complexity,
		},
	}, nil
}

// affordableStrategy downgrades a strategy the remaining budget cannot cover:
// search+enhance falls back to plain search, plain search to direct.
func affordableStrategy(strategy string, enhanceCount int, remaining, searchCost, scrapeCost float64) (string, int) {
	switch strategy {
	case StrategySearchEnhance:
		if remaining >= searchCost+float64(enhanceCount)*scrapeCost {
			return StrategySearchEnhance, enhanceCount
		}
		fallthrough
	case StrategySearch:
		if remaining >= searchCost {
			return StrategySearch, 0
		}
		return StrategyDirect, 0
	default:
		return StrategyDirect, 0
	}
}

// searchCacheEntry is the cached form of one provider search.
type searchCacheEntry struct {
	Results  []provider.SearchResult `json:"results"`
	Provider string                  `json:"provider"`
	StoredAt time.Time               `json:"stored_at"`
}

// search consults the cache, then the provider. Successful provider calls are
// cached for the configured TTL.
func (g *Graph) search(ctx context.Context, state *graph.State) (*graph.NodeResult, error) {
	key := cache.Key(cache.PrefixSearch, state.OriginalQuery, g.searcher.Name(), g.cfg.Language)

	var entry searchCacheEntry
	if g.store.GetJSON(ctx, key, &entry) {
		return &graph.NodeResult{
			Success: true,
			Data: map[string]any{
				"results":   entry.Results,
				"cache_hit": true,
			},
			Sources: resultURLs(entry.Results),
		}, nil
	}

	res, err := g.searcher.Search(ctx, state.OriginalQuery, provider.SearchOptions{
		Count:    g.cfg.ResultCount,
		Language: g.cfg.Language,
	})
	if err != nil {
		code := "upstream_unavailable"
		if ctx.Err() == context.DeadlineExceeded {
			code = graph.CodeTimeout
		}
		return graph.Failure(code, err), nil
	}

	g.store.SetJSON(ctx, key, searchCacheEntry{
		Results:  res.Results,
		Provider: g.searcher.Name(),
		StoredAt: time.Now(),
	}, g.cfg.CacheTTL)

	return &graph.NodeResult{
		Success: true,
		Data: map[string]any{
			"results":   res.Results,
			"cache_hit": false,
		},
		Cost:    res.CostIncurred,
		Sources: resultURLs(res.Results),
	}, nil
}

// enhance scrapes the top results with bounded concurrency. Individual scrape
// failures are tolerated; the node fails only when every scrape failed.
func (g *Graph) enhance(ctx context.Context, state *graph.State) (*graph.NodeResult, error) {
	results := stateResults(state, nodeSearch)
	if len(results) == 0 {
		return &graph.NodeResult{Success: true, Data: map[string]any{"enhanced": 0}}, nil
	}

	count := premiumEnhanceCount
	if m := state.Result(nodeSmartRouter); m != nil {
		if n, ok := m["enhance_count"].(int); ok && n > 0 {
			count = n
		}
	}
	if count > len(results) {
		count = len(results)
	}

	enhanced := make([]provider.SearchResult, len(results))
	copy(enhanced, results)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.cfg.EnhanceParallel)

	costs := make([]float64, count)
	okFlags := make([]bool, count)

	for i := 0; i < count; i++ {
		i := i
		eg.Go(func() error {
			scrapeCtx, cancel := context.WithTimeout(egCtx, g.cfg.ScrapeTimeout)
			defer cancel()

			res, err := g.scraper.Scrape(scrapeCtx, enhanced[i].URL, provider.ScrapeOptions{})
			if err != nil || res.Content == "" {
				g.logger.Debug("scrape failed, keeping basic result",
					zap.String("url", enhanced[i].URL), zap.Error(err))
				return nil // per-result failure is tolerated
			}
			enhanced[i].Content = res.Content
			enhanced[i].ContentQuality = "enhanced"
			costs[i] = res.CostIncurred
			okFlags[i] = true
			return nil
		})
	}
	eg.Wait()

	succeeded := 0
	var cost float64
	for i := 0; i < count; i++ {
		if okFlags[i] {
			succeeded++
			cost += costs[i]
		}
	}

	if succeeded == 0 {
		return graph.Failure("upstream_unavailable",
			fmt.Errorf("all %d enhancement scrapes failed", count)), nil
	}

	return &graph.NodeResult{
		Success: true,
		Data: map[string]any{
			"results":  enhanced,
			"enhanced": succeeded,
		},
		Cost: cost,
	}, nil
}

// synthesize prompts a model with the gathered results. If the model call
// fails, a deterministic template concatenates the top snippets so the user
// still gets an answer.
func (g *Graph) synthesize(ctx context.Context, state *graph.State) (*graph.NodeResult, error) {
	results := stateResults(state, nodeEnhance)
	if results == nil {
		results = stateResults(state, nodeSearch)
	}

	quality := models.QualityRequirement(state.QualityRequirement)
	if quality == "" {
		quality = models.QualityBalanced
	}

	decision, err := g.optimizer.OptimizeRequest(ctx, state.UserID, "synthesis",
		quality, state.UserTier, budget.RequestContext{})
	if err == nil && decision.Allowed {
		prompt := buildSynthesisPrompt(state.OriginalQuery, results)
		outcome, genErr := g.manager.GenerateWithFallback(ctx, decision.Candidates, prompt, backend.GenerateOptions{
			MaxTokens:   1024,
			Temperature: 0.3,
		})
		if genErr == nil {
			return &graph.NodeResult{
				Success: true,
				Data: map[string]any{
					"final_response": outcome.Result.Text,
					"model":          outcome.Model,
				},
				Cost:       outcome.Cost,
				Confidence: outcome.Confidence,
				ModelsUsed: outcome.ModelsTried,
				Citations:  citationsFor(results),
				ShouldStop: true,
			}, nil
		}
		g.logger.Warn("synthesis model failed, using template fallback", zap.Error(genErr))
	}

	// Deterministic fallback.
	return &graph.NodeResult{
		Success: true,
		Data: map[string]any{
			"final_response": fallbackSynthesis(state.OriginalQuery, results),
			"fallback":       true,
		},
		Confidence: 0.3,
		Citations:  citationsFor(results),
		ShouldStop: true,
	}, nil
}

func (g *Graph) handleError(ctx context.Context, state *graph.State) (*graph.NodeResult, error) {
	results := stateResults(state, nodeEnhance)
	if results == nil {
		results = stateResults(state, nodeSearch)
	}
	if len(results) > 0 {
		// Search worked even though synthesis or enhancement did not.
		return &graph.NodeResult{
			Success:    true,
			Data:       map[string]any{"final_response": fallbackSynthesis(state.OriginalQuery, results)},
			Citations:  citationsFor(results),
			ShouldStop: true,
		}, nil
	}
	return &graph.NodeResult{
		Success: true,
		Data: map[string]any{
			"final_response": "I couldn't reach the search providers for that question. Please try again shortly.",
		},
		ShouldStop: true,
	}, nil
}

// classifyForSearch is a trimmed classifier for requests that enter the
// search graph directly.
func classifyForSearch(query string) (graph.Intent, float64) {
	q := strings.ToLower(strings.TrimSpace(query))
	stripped := strings.Trim(q, "!.?, ")
	for _, greeting := range []string{"hello", "hi", "hey", "good morning", "good evening"} {
		if stripped == greeting {
			return graph.IntentGreeting, 0.05
		}
	}

	words := len(strings.Fields(q))
	complexity := float64(words) / 40.0
	if complexity > 1 {
		complexity = 1
	}
	if complexity < 0.1 {
		complexity = 0.1
	}
	return graph.IntentFactual, complexity
}

func stateStrategy(state *graph.State) string {
	if m := state.Result(nodeSmartRouter); m != nil {
		if s, ok := m["search_strategy"].(string); ok {
			return s
		}
	}
	return StrategySearch
}

func stateResults(state *graph.State, nodeID string) []provider.SearchResult {
	m := state.Result(nodeID)
	if m == nil {
		return nil
	}
	results, _ := m["results"].([]provider.SearchResult)
	return results
}

func resultURLs(results []provider.SearchResult) []string {
	urls := make([]string, 0, len(results))
	for _, r := range results {
		urls = append(urls, r.URL)
	}
	return urls
}

// citationsFor builds numbered citations, enhanced results first.
func citationsFor(results []provider.SearchResult) []string {
	ordered := make([]provider.SearchResult, 0, len(results))
	for _, r := range results {
		if r.ContentQuality == "enhanced" {
			ordered = append(ordered, r)
		}
	}
	for _, r := range results {
		if r.ContentQuality != "enhanced" {
			ordered = append(ordered, r)
		}
	}

	citations := make([]string, 0, len(ordered))
	for i, r := range ordered {
		if i >= 5 {
			break
		}
		citations = append(citations, fmt.Sprintf("[%d] %s - %s", i+1, r.Title, r.URL))
	}
	return citations
}

func buildSynthesisPrompt(query string, results []provider.SearchResult) string {
	if len(results) == 0 {
		return query
	}

	var b strings.Builder
	b.WriteString("Answer the question using the sources below. Cite sources by number.\n\n")
	for i, r := range results {
		if i >= 5 {
			break
		}
		fmt.Fprintf(&b, "Source [%d] %s (%s):\n", i+1, r.Title, r.URL)
		if r.Content != "" {
			b.WriteString(truncate(r.Content, 2000))
		} else {
			b.WriteString(r.Snippet)
		}
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Question: %s\nAnswer:", query)
	return b.String()
}

// fallbackSynthesis is the deterministic no-model answer: the top snippets,
// attributed.
func fallbackSynthesis(query string, results []provider.SearchResult) string {
	if len(results) == 0 {
		return fmt.Sprintf("I couldn't find sources for %q right now.", query)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Here is what I found for %q:\n\n", query)
	for i, r := range results {
		if i >= 3 {
			break
		}
		fmt.Fprintf(&b, "- %s: %s (%s)\n", r.Title, r.Snippet, r.URL)
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
		cut = cut[:idx]
	}
	return cut
}
