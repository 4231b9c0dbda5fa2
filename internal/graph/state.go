// Package graph implements the execution runtime that composes pipelines of
// nodes with conditional edges, per-node timeouts, budget accounting and
// partial-failure handling. Nodes never mutate shared state directly; the
// executor owns all merging.
package graph

import (
	"time"

	"github.com/google/uuid"
)

// Intent classifies what a query is asking for.
type Intent string

const (
	IntentUnknown        Intent = ""
	IntentGreeting       Intent = "greeting"
	IntentConversational Intent = "conversational"
	IntentFactual        Intent = "factual"
	IntentCode           Intent = "code"
	IntentResearch       Intent = "research"
)

// StateError is one recorded node failure.
type StateError struct {
	Node    string    `json:"node"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// State is the mutable per-request context threaded through all nodes.
// It is owned exclusively by one in-flight request; the executor is the only
// writer during execution.
type State struct {
	QueryID       string `json:"query_id"`
	CorrelationID string `json:"correlation_id"`

	OriginalQuery  string `json:"original_query"`
	ProcessedQuery string `json:"processed_query,omitempty"`

	Intent             Intent  `json:"intent"`
	Complexity         float64 `json:"complexity"` // 0..1
	QualityRequirement string  `json:"quality_requirement"`

	UserID    string `json:"user_id"`
	UserTier  string `json:"user_tier,omitempty"`
	SessionID string `json:"session_id"`

	InitialBudget       float64       `json:"initial_budget"`
	CostBudgetRemaining float64       `json:"cost_budget_remaining"`
	MaxExecutionTime    time.Duration `json:"max_execution_time"`

	ExecutionPath       []string                  `json:"execution_path"`
	IntermediateResults map[string]map[string]any `json:"intermediate_results"`
	Errors              []StateError              `json:"errors"`
	Warnings            []string                  `json:"warnings,omitempty"`

	FinalResponse    string             `json:"final_response,omitempty"`
	SourcesConsulted []string           `json:"sources_consulted,omitempty"`
	Citations        []string           `json:"citations,omitempty"`
	CostsIncurred    map[string]float64 `json:"costs_incurred"`
	ModelsUsed       []string           `json:"models_used,omitempty"`
	EscalationCount  int                `json:"escalation_count"`
	ConfidenceScore  float64            `json:"confidence_score"`

	StartedAt time.Time `json:"started_at"`
}

// NewState creates request state with fresh identifiers and the given budget.
func NewState(query, userID, sessionID string, budget float64, maxExecution time.Duration) *State {
	return &State{
		QueryID:             uuid.NewString(),
		CorrelationID:       uuid.NewString(),
		OriginalQuery:       query,
		QualityRequirement:  "balanced",
		UserID:              userID,
		SessionID:           sessionID,
		InitialBudget:       budget,
		CostBudgetRemaining: budget,
		MaxExecutionTime:    maxExecution,
		IntermediateResults: make(map[string]map[string]any),
		CostsIncurred:       make(map[string]float64),
		StartedAt:           time.Now(),
	}
}

// TotalCost sums every node's incurred cost.
func (s *State) TotalCost() float64 {
	var total float64
	for _, c := range s.CostsIncurred {
		total += c
	}
	return total
}

// Result returns a node's merged output map, or nil if it never ran.
func (s *State) Result(nodeID string) map[string]any {
	return s.IntermediateResults[nodeID]
}

// ResultString fetches one string value from a node's output.
func (s *State) ResultString(nodeID, key string) string {
	if m := s.IntermediateResults[nodeID]; m != nil {
		if v, ok := m[key].(string); ok {
			return v
		}
	}
	return ""
}

// HasError reports whether any node recorded an error.
func (s *State) HasError() bool { return len(s.Errors) > 0 }

// recordModel appends a model to ModelsUsed, deduplicating.
func (s *State) recordModel(model string) {
	for _, m := range s.ModelsUsed {
		if m == model {
			return
		}
	}
	s.ModelsUsed = append(s.ModelsUsed, model)
}
