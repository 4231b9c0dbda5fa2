// Package chat implements the conversational pipeline: intent
// classification, session context retrieval, budget-aware generation and
// response caching, composed as a graph.
package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"prism/internal/backend"
	"prism/internal/budget"
	"prism/internal/cache"
	"prism/internal/graph"
	"prism/internal/models"
)

// Node ids.
const (
	nodeClassify     = "classify_intent"
	nodeFetchContext = "fetch_context"
	nodeGenerate     = "generate_response"
	nodeCacheUpdate  = "cache_update"
	nodeErrorHandler = "error_handler"
)

const (
	// shortcutConfidence is the minimum confidence for a cached response to
	// bypass generation entirely.
	shortcutConfidence = 0.8

	// maxTurnsKept bounds how much session history feeds the prompt.
	maxTurnsKept = 8
)

// cachedResponse is the shortcut-cache entry for one normalized query.
type cachedResponse struct {
	Response   string    `json:"response"`
	Confidence float64   `json:"confidence"`
	Model      string    `json:"model,omitempty"`
	StoredAt   time.Time `json:"stored_at"`
}

// turn is one utterance in a session's conversation history.
type turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Graph is the assembled chat pipeline.
type Graph struct {
	manager   *models.Manager
	optimizer *budget.Optimizer
	store     *cache.Layer
	cfg       Config
	logger    *zap.Logger
	exec      *graph.Executor
}

// Config bounds chat graph execution and its cache lifetimes.
type Config struct {
	NodeTimeout     time.Duration
	MaxPathLength   int
	ResponseTTL     time.Duration
	ConversationTTL time.Duration
}

// NewGraph wires the chat pipeline.
func NewGraph(manager *models.Manager, optimizer *budget.Optimizer, store *cache.Layer, cfg Config, logger *zap.Logger) (*Graph, error) {
	if cfg.ResponseTTL <= 0 {
		cfg.ResponseTTL = time.Hour
	}
	if cfg.ConversationTTL <= 0 {
		cfg.ConversationTTL = 24 * time.Hour
	}

	g := &Graph{
		manager:   manager,
		optimizer: optimizer,
		store:     store,
		cfg:       cfg,
		logger:    logger,
	}

	def := graph.NewDefinition("chat")
	for _, node := range []graph.Node{
		graph.NodeFunc{NodeID: nodeClassify, Fn: g.classify},
		graph.NodeFunc{NodeID: nodeFetchContext, Fn: g.fetchContext},
		graph.NodeFunc{NodeID: nodeGenerate, Fn: g.generate},
		graph.NodeFunc{NodeID: nodeCacheUpdate, Fn: g.cacheUpdate},
		graph.NodeFunc{NodeID: nodeErrorHandler, Fn: g.handleError},
	} {
		if err := def.AddNode(node); err != nil {
			return nil, err
		}
	}

	def.SetStart(nodeClassify)
	def.SetErrorHandler(nodeErrorHandler)
	def.AddEdge(nodeClassify, nodeFetchContext)
	// High-confidence cache hits skip generation.
	def.AddConditionalEdge(nodeFetchContext, func(state *graph.State) string {
		if m := state.Result(nodeFetchContext); m != nil {
			if hit, ok := m["cache_hit"].(bool); ok && hit {
				return "cached"
			}
		}
		return "generate"
	}, map[string]string{
		"cached":   nodeCacheUpdate,
		"generate": nodeGenerate,
	})
	def.AddEdge(nodeGenerate, nodeCacheUpdate)

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

// Run executes the chat pipeline over state.
func (g *Graph) Run(ctx context.Context, state *graph.State) error {
	return g.exec.Run(ctx, state)
}

func (g *Graph) classify(ctx context.Context, state *graph.State) (*graph.NodeResult, error) {
	intent, complexity := classifyIntent(state.OriginalQuery)
	return &graph.NodeResult{
		Success: true,
		Data: map[string]any{
			"intent":     intent,
			"complexity": complexity,
		},
	}, nil
}

func (g *Graph) fetchContext(ctx context.Context, state *graph.State) (*graph.NodeResult, error) {
	data := map[string]any{"cache_hit": false}

	// Shortcut cache: a previous high-confidence answer to this exact query.
	var cached cachedResponse
	shortcutKey := cache.Key(cache.PrefixShortcut, normalizeQuery(state.OriginalQuery))
	if g.store.GetJSON(ctx, shortcutKey, &cached) && cached.Confidence >= shortcutConfidence {
		data["cache_hit"] = true
		data["final_response"] = cached.Response
		return &graph.NodeResult{
			Success:    true,
			Data:       data,
			Confidence: cached.Confidence,
		}, nil
	}

	// Session history for prompt context.
	var turns []turn
	if state.SessionID != "" {
		g.store.GetJSON(ctx, cache.KeyRaw(cache.PrefixConv, state.SessionID), &turns)
	}
	if len(turns) > 0 {
		data["context"] = renderTurns(turns)
	}

	return &graph.NodeResult{Success: true, Data: data}, nil
}

func (g *Graph) generate(ctx context.Context, state *graph.State) (*graph.NodeResult, error) {
	quality := models.QualityRequirement(state.QualityRequirement)
	if quality == "" {
		quality = models.QualityBalanced
	}

	decision, err := g.optimizer.OptimizeRequest(ctx, state.UserID,
		taskTypeFor(state.Intent), quality, state.UserTier, budget.RequestContext{})
	if err != nil {
		return graph.Failure(graph.CodeInternalError, err), nil
	}
	if !decision.Allowed {
		res := graph.Failure(graph.CodeBudgetExhausted,
			fmt.Errorf("estimated cost %.4f exceeds user budget", decision.EstimatedCost))
		res.Data = map[string]any{"suggestions": decision.Suggestions}
		return res, nil
	}

	prompt := g.buildPrompt(state)
	outcome, err := g.manager.GenerateWithFallback(ctx, decision.Candidates, prompt, backend.GenerateOptions{
		MaxTokens:   maxTokensFor(state.Intent),
		Temperature: 0.7,
	})
	if err != nil {
		code := graph.CodeInternalError
		if ctx.Err() == context.DeadlineExceeded {
			code = graph.CodeTimeout
		}
		res := graph.Failure(code, err)
		res.ModelsUsed = outcome.ModelsTried
		return res, nil
	}

	return &graph.NodeResult{
		Success: true,
		Data: map[string]any{
			"final_response": outcome.Result.Text,
			"model":          outcome.Model,
		},
		Cost:       outcome.Cost,
		Confidence: outcome.Confidence,
		ModelsUsed: outcome.ModelsTried,
	}, nil
}

func (g *Graph) cacheUpdate(ctx context.Context, state *graph.State) (*graph.NodeResult, error) {
	if state.FinalResponse == "" {
		return &graph.NodeResult{Success: true, ShouldStop: true}, nil
	}

	fromCache := false
	if m := state.Result(nodeFetchContext); m != nil {
		fromCache, _ = m["cache_hit"].(bool)
	}

	if !fromCache && state.ConfidenceScore >= 0.5 {
		g.store.SetJSON(ctx, cache.Key(cache.PrefixShortcut, normalizeQuery(state.OriginalQuery)), cachedResponse{
			Response:   state.FinalResponse,
			Confidence: state.ConfidenceScore,
			Model:      state.ResultString(nodeGenerate, "model"),
			StoredAt:   time.Now(),
		}, g.cfg.ResponseTTL)
	}

	if state.SessionID != "" {
		key := cache.KeyRaw(cache.PrefixConv, state.SessionID)
		var turns []turn
		g.store.GetJSON(ctx, key, &turns)
		turns = append(turns,
			turn{Role: "user", Content: state.OriginalQuery},
			turn{Role: "assistant", Content: state.FinalResponse},
		)
		if len(turns) > maxTurnsKept {
			turns = turns[len(turns)-maxTurnsKept:]
		}
		g.store.SetJSON(ctx, key, turns, g.cfg.ConversationTTL)
	}

	return &graph.NodeResult{Success: true, ShouldStop: true}, nil
}

func (g *Graph) handleError(ctx context.Context, state *graph.State) (*graph.NodeResult, error) {
	msg := "I wasn't able to answer that right now. Please try again."
	for _, e := range state.Errors {
		if e.Code == graph.CodeBudgetExhausted {
			msg = "Your budget for this period is exhausted, so I couldn't run that request."
			break
		}
	}
	return &graph.NodeResult{
		Success:    true,
		Data:       map[string]any{"final_response": msg},
		ShouldStop: true,
	}, nil
}

// buildPrompt folds session history into the user's query.
func (g *Graph) buildPrompt(state *graph.State) string {
	context := state.ResultString(nodeFetchContext, "context")
	if context == "" {
		return state.OriginalQuery
	}
	return fmt.Sprintf("Conversation so far:\n%s\n\nUser: %s\nAssistant:", context, state.OriginalQuery)
}

func maxTokensFor(intent graph.Intent) int {
	switch intent {
	case graph.IntentGreeting:
		return 64
	case graph.IntentResearch:
		return 1024
	default:
		return 512
	}
}

func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

func renderTurns(turns []turn) string {
	var b strings.Builder
	for _, t := range turns {
		b.WriteString(t.Role)
		b.WriteString(": ")
		b.WriteString(t.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
