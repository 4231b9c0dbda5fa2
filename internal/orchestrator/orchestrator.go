// Package orchestrator coordinates one request end to end: bandit arm
// selection, graph dispatch, reward feedback, cost recording, performance
// tracking and audit persistence.
package orchestrator

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"prism/internal/bandit"
	"prism/internal/budget"
	"prism/internal/chat"
	"prism/internal/graph"
	"prism/internal/models"
	"prism/internal/monitoring"
	"prism/internal/perf"
	"prism/internal/store"
	"prism/internal/websearch"
)

// Request statuses.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusError   = "error"
)

// Operation names used for tracking and auditing.
const (
	OpChat     = "chat"
	OpSearch   = "search"
	OpResearch = "research"
)

// hybridEscalationConfidence is the confidence floor under which hybrid_mode
// escalates a chat answer to the search graph.
const hybridEscalationConfidence = 0.5

// Request is one inbound query.
type Request struct {
	Query           string  `json:"message"`
	UserID          string  `json:"user_id"`
	Tier            string  `json:"tier,omitempty"`
	SessionID       string  `json:"session_id,omitempty"`
	Quality         string  `json:"quality_requirement,omitempty"`
	Budget          float64 `json:"budget,omitempty"`
	TimeCritical    bool    `json:"time_critical,omitempty"`
	QualityCritical bool    `json:"quality_critical,omitempty"`
}

// Response is the uniform reply for chat and search operations.
type Response struct {
	Status        string        `json:"status"`
	Response      string        `json:"response,omitempty"`
	QueryID       string        `json:"query_id"`
	CorrelationID string        `json:"correlation_id"`
	ErrorCode     string        `json:"error_code,omitempty"`
	Suggestions   []string      `json:"suggestions,omitempty"`
	Arm           string        `json:"routing_arm,omitempty"`
	Citations     []string      `json:"citations,omitempty"`
	Sources       []string      `json:"sources,omitempty"`
	ModelsUsed    []string      `json:"models_used,omitempty"`
	ExecutionPath []string      `json:"execution_path,omitempty"`
	Cost          float64       `json:"cost"`
	Duration      time.Duration `json:"duration"`
	Confidence    float64       `json:"confidence,omitempty"`
}

// Config tunes the orchestrator.
type Config struct {
	DefaultBudget  float64       // per-request budget when the caller gives none
	RequestTimeout time.Duration // global per-request deadline
	LatencyTarget  time.Duration // feeds reward computation
}

// Orchestrator wires the shared components behind the public operations.
type Orchestrator struct {
	router    *bandit.Router
	chat      *chat.Graph
	search    *websearch.Graph
	optimizer *budget.Optimizer
	tracker   *perf.Tracker
	metrics   *monitoring.Metrics
	audit     *store.Store // nil disables auditing
	cfg       Config
	clock     clock.Clock
	logger    *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock injects a clock for tests.
func WithClock(clk clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = clk }
}

// WithAudit wires the SQLite audit store.
func WithAudit(s *store.Store) Option {
	return func(o *Orchestrator) { o.audit = s }
}

// New builds the orchestrator.
func New(router *bandit.Router, chatGraph *chat.Graph, searchGraph *websearch.Graph, optimizer *budget.Optimizer, tracker *perf.Tracker, metrics *monitoring.Metrics, cfg Config, logger *zap.Logger, opts ...Option) *Orchestrator {
	if cfg.DefaultBudget <= 0 {
		cfg.DefaultBudget = 0.1
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.LatencyTarget <= 0 {
		cfg.LatencyTarget = 3 * time.Second
	}
	o := &Orchestrator{
		router:    router,
		chat:      chatGraph,
		search:    searchGraph,
		optimizer: optimizer,
		tracker:   tracker,
		metrics:   metrics,
		cfg:       cfg,
		clock:     clock.New(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Chat serves a conversational request. The bandit picks the routing
// strategy; its reward reflects how the chosen path performed.
func (o *Orchestrator) Chat(ctx context.Context, req Request) *Response {
	arm, err := o.router.SelectArm()
	if err != nil {
		arm = bandit.ArmFastChat
	}

	state := o.newState(req)
	start := o.clock.Now()
	opID := o.tracker.StartOperation(OpChat)

	switch arm {
	case bandit.ArmSearchAugmented:
		err = o.search.Run(ctx, state)
	case bandit.ArmHybridMode:
		err = o.chat.Run(ctx, state)
		if err == nil && o.shouldEscalate(state) {
			state.EscalationCount++
			err = o.search.Run(ctx, state)
		}
	default: // fast_chat, api_fallback
		err = o.chat.Run(ctx, state)
	}

	elapsed := o.clock.Now().Sub(start)
	resp := o.finish(ctx, OpChat, req, state, arm, elapsed, err)

	reward := o.computeReward(state, elapsed)
	o.router.Update(arm, reward)
	if o.metrics != nil {
		o.metrics.ObserveArm(arm, reward)
	}

	o.tracker.FinishOperation(opID, perf.Outcome{
		Success: resp.Status != StatusError,
		Cost:    resp.Cost,
	})
	return resp
}

// Search serves an explicit search request, bypassing the bandit. Advanced
// searches run at premium quality with content enhancement.
func (o *Orchestrator) Search(ctx context.Context, req Request, advanced bool) *Response {
	state := o.newState(req)
	if advanced {
		state.QualityRequirement = string(models.QualityPremium)
	}

	start := o.clock.Now()
	opID := o.tracker.StartOperation(OpSearch)

	err := o.search.Run(ctx, state)

	elapsed := o.clock.Now().Sub(start)
	resp := o.finish(ctx, OpSearch, req, state, "", elapsed, err)

	cacheHit := false
	if m := state.Result("brave_search"); m != nil {
		cacheHit, _ = m["cache_hit"].(bool)
	}
	o.tracker.FinishOperation(opID, perf.Outcome{
		Success:  resp.Status != StatusError,
		Cost:     resp.Cost,
		CacheHit: cacheHit,
	})
	return resp
}

// newState builds per-request graph state with a bounded budget.
func (o *Orchestrator) newState(req Request) *graph.State {
	amount := req.Budget
	if amount <= 0 {
		amount = o.cfg.DefaultBudget
	}
	state := graph.NewState(req.Query, req.UserID, req.SessionID, amount, o.cfg.RequestTimeout)
	state.UserTier = req.Tier
	if req.Quality != "" {
		state.QualityRequirement = req.Quality
	}
	return state
}

// finish settles a request: status, budget recording, metrics, audit.
func (o *Orchestrator) finish(ctx context.Context, operation string, req Request, state *graph.State, arm string, elapsed time.Duration, runErr error) *Response {
	resp := &Response{
		QueryID:       state.QueryID,
		CorrelationID: state.CorrelationID,
		Response:      state.FinalResponse,
		Arm:           arm,
		Citations:     state.Citations,
		Sources:       state.SourcesConsulted,
		ModelsUsed:    state.ModelsUsed,
		ExecutionPath: state.ExecutionPath,
		Cost:          state.TotalCost(),
		Duration:      elapsed,
		Confidence:    state.ConfidenceScore,
	}

	switch {
	case runErr != nil || state.FinalResponse == "":
		resp.Status = StatusError
		resp.ErrorCode = firstErrorCode(state, graph.CodeInternalError)
	case state.HasError():
		resp.Status = StatusPartial
		resp.ErrorCode = firstErrorCode(state, "")
	default:
		resp.Status = StatusSuccess
	}

	if resp.ErrorCode == graph.CodeBudgetExhausted {
		resp.Suggestions = stateSuggestions(state)
		if o.metrics != nil {
			o.metrics.BudgetDenied()
		}
	}

	if resp.Cost > 0 {
		primary := ""
		if len(state.ModelsUsed) > 0 {
			primary = state.ModelsUsed[0]
		}
		o.optimizer.RecordExecutionCost(ctx, req.UserID, req.Tier, primary, resp.Cost)
	}

	if o.metrics != nil {
		o.metrics.ObserveRequest(operation, resp.Status, elapsed, resp.Cost)
	}

	if o.audit != nil {
		rec := store.RequestRecord{
			QueryID:       state.QueryID,
			CorrelationID: state.CorrelationID,
			UserID:        req.UserID,
			Tier:          req.Tier,
			SessionID:     req.SessionID,
			Operation:     operation,
			Query:         req.Query,
			Intent:        string(state.Intent),
			Arm:           arm,
			Status:        resp.Status,
			ErrorCode:     resp.ErrorCode,
			Cost:          resp.Cost,
			Duration:      elapsed,
			ModelsUsed:    state.ModelsUsed,
			ExecutionPath: state.ExecutionPath,
			CreatedAt:     o.clock.Now(),
		}
		if err := o.audit.RecordRequest(ctx, rec); err != nil {
			o.logger.Warn("audit record failed",
				zap.String("query_id", state.QueryID), zap.Error(err))
		}
	}
	return resp
}

// computeReward folds outcome quality into [0,1] for the bandit: success
// dominates, with latency, cost efficiency and confidence refining it.
func (o *Orchestrator) computeReward(state *graph.State, elapsed time.Duration) float64 {
	if state.FinalResponse == "" {
		return 0
	}

	reward := 0.0
	if !state.HasError() {
		reward += 0.5
	} else {
		reward += 0.2 // partial answers still beat nothing
	}

	// Latency: full credit at or under target, linear decay to zero at 3x.
	target := o.cfg.LatencyTarget.Seconds()
	seconds := elapsed.Seconds()
	switch {
	case seconds <= target:
		reward += 0.25
	case seconds < 3*target:
		reward += 0.25 * (3*target - seconds) / (2 * target)
	}

	// Cost efficiency: full credit under a cent, fading by a nickel.
	cost := state.TotalCost()
	switch {
	case cost <= 0.01:
		reward += 0.15
	case cost < 0.05:
		reward += 0.15 * (0.05 - cost) / 0.04
	}

	reward += 0.10 * state.ConfidenceScore

	if reward > 1 {
		reward = 1
	}
	return reward
}

// shouldEscalate reports whether a hybrid chat answer is weak enough to be
// worth a search pass, provided budget remains for one.
func (o *Orchestrator) shouldEscalate(state *graph.State) bool {
	if state.FinalResponse == "" {
		return true
	}
	return state.ConfidenceScore < hybridEscalationConfidence &&
		state.CostBudgetRemaining > 0.01
}

func firstErrorCode(state *graph.State, fallback string) string {
	if len(state.Errors) > 0 {
		return state.Errors[0].Code
	}
	return fallback
}

func stateSuggestions(state *graph.State) []string {
	for _, nodeID := range state.ExecutionPath {
		if m := state.Result(nodeID); m != nil {
			if s, ok := m["suggestions"].([]string); ok && len(s) > 0 {
				return s
			}
		}
	}
	return nil
}
