package graph

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Taxonomy codes the executor itself can produce.
const (
	CodeTimeout         = "timeout"
	CodeBudgetExhausted = "budget_exhausted"
	CodeInternalError   = "internal_error"
)

// ExecutorConfig bounds graph traversal.
type ExecutorConfig struct {
	// NodeTimeout is the per-node execution deadline.
	NodeTimeout time.Duration
	// MaxPathLength is the circuit breaker: traversal halts once the
	// execution path grows past this many nodes.
	MaxPathLength int
}

// Executor walks a graph definition, merging node results into the state.
type Executor struct {
	def    *Definition
	cfg    ExecutorConfig
	logger *zap.Logger
}

// NewExecutor validates the definition and builds an executor for it.
func NewExecutor(def *Definition, cfg ExecutorConfig, logger *zap.Logger) (*Executor, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = 30 * time.Second
	}
	if cfg.MaxPathLength <= 0 {
		cfg.MaxPathLength = 20
	}
	return &Executor{def: def, cfg: cfg, logger: logger}, nil
}

// Run executes the graph over state. Traversal stops when the frontier
// drains, a node sets ShouldStop, the budget would go negative, the circuit
// breaker trips, or the global deadline expires. Node failures never
// propagate as errors; they are recorded on the state and, when the walk
// produced no final response, the error-handler node composes a degraded one.
func (e *Executor) Run(ctx context.Context, state *State) error {
	if state.MaxExecutionTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, state.MaxExecutionTime)
		defer cancel()
	}

	// A zero global deadline rejects the request before any node runs.
	if err := ctx.Err(); err != nil {
		state.Errors = append(state.Errors, StateError{
			Code:    CodeTimeout,
			Message: "global deadline expired before execution",
			At:      time.Now(),
		})
		e.runErrorHandler(state)
		return nil
	}

	frontier := []string{e.def.startNode}

	for len(frontier) > 0 {
		if ctx.Err() != nil {
			state.Errors = append(state.Errors, StateError{
				Code:    CodeTimeout,
				Message: "global deadline expired mid-traversal",
				At:      time.Now(),
			})
			break
		}

		nodeID := frontier[0]
		frontier = frontier[1:]

		node, ok := e.def.nodes[nodeID]
		if !ok {
			state.Errors = append(state.Errors, StateError{
				Node:    nodeID,
				Code:    CodeInternalError,
				Message: "routed to unregistered node",
				At:      time.Now(),
			})
			continue
		}

		result := e.executeNode(ctx, node, state)
		state.ExecutionPath = append(state.ExecutionPath, nodeID)
		e.merge(state, nodeID, result)

		// Budget accounting: a node that would overdraw stops the walk.
		if result.Cost > 0 {
			if result.Cost > state.CostBudgetRemaining {
				state.Errors = append(state.Errors, StateError{
					Node:    nodeID,
					Code:    CodeBudgetExhausted,
					Message: fmt.Sprintf("node cost %.4f exceeds remaining budget %.4f", result.Cost, state.CostBudgetRemaining),
					At:      time.Now(),
				})
				state.CostsIncurred[nodeID] = state.CostBudgetRemaining
				state.CostBudgetRemaining = 0
				break
			}
			state.CostsIncurred[nodeID] = result.Cost
			state.CostBudgetRemaining -= result.Cost
		}

		if result.ShouldStop {
			break
		}

		// Circuit breaker against runaway conditional predicates.
		if len(state.ExecutionPath) >= e.cfg.MaxPathLength {
			state.Warnings = append(state.Warnings,
				fmt.Sprintf("circuit breaker tripped after %d nodes", len(state.ExecutionPath)))
			e.logger.Warn("graph circuit breaker tripped",
				zap.String("graph", e.def.name),
				zap.String("query_id", state.QueryID),
				zap.Strings("path", state.ExecutionPath))
			break
		}

		frontier = append(frontier, e.def.successors(nodeID, result, state)...)
	}

	if state.FinalResponse == "" && state.HasError() {
		e.runErrorHandler(state)
	}
	return nil
}

// executeNode runs one node under the per-node timeout, converting panics
// and timeouts into failed results. Exactly one NodeResult is produced per
// execution, including under cancellation.
func (e *Executor) executeNode(ctx context.Context, node Node, state *State) *NodeResult {
	nodeCtx, cancel := context.WithTimeout(ctx, e.cfg.NodeTimeout)
	defer cancel()

	start := time.Now()

	type outcome struct {
		result *NodeResult
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("node panicked: %v", r)}
			}
		}()
		res, err := node.Execute(nodeCtx, state)
		done <- outcome{result: res, err: err}
	}()

	var result *NodeResult
	select {
	case out := <-done:
		switch {
		case out.err != nil && out.result == nil:
			code := CodeInternalError
			if nodeCtx.Err() == context.DeadlineExceeded {
				code = CodeTimeout
			}
			result = Failure(code, out.err)
		case out.result == nil:
			result = Failure(CodeInternalError, fmt.Errorf("node %s returned no result", node.ID()))
		default:
			result = out.result
			if out.err != nil && result.Error == nil {
				result.Error = out.err
			}
		}
	case <-nodeCtx.Done():
		// The node goroutine keeps running until its own ctx check; its
		// late result is discarded via the buffered channel.
		result = Failure(CodeTimeout, fmt.Errorf("node %s timed out after %s", node.ID(), e.cfg.NodeTimeout))
	}

	result.ExecutionTime = time.Since(start)
	return result
}

// merge folds a NodeResult into the state: data into intermediate results,
// conventional keys into top-level fields, errors into the error list.
func (e *Executor) merge(state *State, nodeID string, result *NodeResult) {
	if result.Data != nil {
		state.IntermediateResults[nodeID] = result.Data

		if v, ok := result.Data["final_response"].(string); ok && v != "" {
			state.FinalResponse = v
		}
		if v, ok := result.Data["processed_query"].(string); ok && v != "" {
			state.ProcessedQuery = v
		}
		if v, ok := result.Data["intent"].(Intent); ok {
			state.Intent = v
		}
		if v, ok := result.Data["complexity"].(float64); ok {
			state.Complexity = v
		}
	}

	if result.Confidence > 0 {
		state.ConfidenceScore = result.Confidence
	}
	for _, m := range result.ModelsUsed {
		state.recordModel(m)
	}
	state.SourcesConsulted = append(state.SourcesConsulted, result.Sources...)
	state.Citations = append(state.Citations, result.Citations...)

	if !result.Success {
		code := result.ErrorCode
		if code == "" {
			code = CodeInternalError
		}
		msg := "node failed"
		if result.Error != nil {
			msg = result.Error.Error()
		}
		state.Errors = append(state.Errors, StateError{
			Node:    nodeID,
			Code:    code,
			Message: msg,
			At:      time.Now(),
		})
	}
}

// runErrorHandler executes the error-handler node outside the normal walk to
// compose a user-facing degraded response. It runs with a short independent
// deadline so it can still respond after global timeout.
func (e *Executor) runErrorHandler(state *State) {
	if e.def.errorNode == "" {
		return
	}
	node, ok := e.def.nodes[e.def.errorNode]
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := node.Execute(ctx, state)
	state.ExecutionPath = append(state.ExecutionPath, e.def.errorNode)
	if err != nil || result == nil {
		e.logger.Error("error handler itself failed",
			zap.String("graph", e.def.name),
			zap.String("query_id", state.QueryID),
			zap.Error(err))
		return
	}
	e.merge(state, e.def.errorNode, result)
}
