package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"prism/internal/graph"
	"prism/internal/models"
	"prism/internal/perf"
)

// Research methodologies.
const (
	MethodSystematic   = "systematic"
	MethodExploratory  = "exploratory"
	MethodComparative  = "comparative"
	MethodMetaAnalysis = "meta-analysis"
)

const (
	maxDepthLevel     = 5
	defaultDepthLevel = 2
)

// ResearchRequest is one deep-dive request.
type ResearchRequest struct {
	ResearchQuestion string   `json:"research_question"`
	Methodology      string   `json:"methodology,omitempty"`
	TimeBudget       float64  `json:"time_budget,omitempty"` // seconds
	CostBudget       float64  `json:"cost_budget,omitempty"`
	Sources          []string `json:"sources,omitempty"`
	DepthLevel       int      `json:"depth_level,omitempty"`
	SessionID        string   `json:"session_id,omitempty"`
	UserID           string   `json:"user_id"`
	Tier             string   `json:"tier,omitempty"`
}

// Finding is the outcome of one research round.
type Finding struct {
	Round     int      `json:"round"`
	Query     string   `json:"query"`
	Answer    string   `json:"answer"`
	Citations []string `json:"citations,omitempty"`
	Cost      float64  `json:"cost"`
}

// ResearchResponse is the aggregated deep-dive result.
type ResearchResponse struct {
	Status      string        `json:"status"`
	QueryID     string        `json:"query_id"`
	Methodology string        `json:"methodology"`
	Summary     string        `json:"summary,omitempty"`
	Findings    []Finding     `json:"findings,omitempty"`
	Citations   []string      `json:"citations,omitempty"`
	RoundsRun   int           `json:"rounds_run"`
	ErrorCode   string        `json:"error_code,omitempty"`
	Cost        float64       `json:"cost"`
	Duration    time.Duration `json:"duration"`
}

// methodologyPlan tunes the search rounds for one methodology.
type methodologyPlan struct {
	quality  models.QualityRequirement
	subQuery func(question string, round int) string
	roundCap int
}

func planFor(methodology string, depth int) methodologyPlan {
	if depth <= 0 {
		depth = defaultDepthLevel
	}
	if depth > maxDepthLevel {
		depth = maxDepthLevel
	}

	angle := func(angles ...string) func(string, int) string {
		return func(question string, round int) string {
			if round == 0 {
				return question
			}
			return fmt.Sprintf("%s %s", question, angles[(round-1)%len(angles)])
		}
	}

	switch methodology {
	case MethodComparative:
		return methodologyPlan{
			quality:  models.QualityPremium,
			subQuery: angle("alternatives comparison", "pros and cons", "benchmark results", "adoption trade-offs"),
			roundCap: depth,
		}
	case MethodMetaAnalysis:
		return methodologyPlan{
			quality:  models.QualityHigh,
			subQuery: angle("published studies", "meta-analysis findings", "methodological criticism", "replication status"),
			roundCap: depth,
		}
	case MethodExploratory:
		return methodologyPlan{
			quality:  models.QualityBalanced,
			subQuery: angle("overview", "recent developments", "open problems", "practical applications"),
			roundCap: depth,
		}
	default: // systematic
		return methodologyPlan{
			quality:  models.QualityHigh,
			subQuery: angle("overview", "supporting evidence", "limitations and risks", "expert consensus"),
			roundCap: depth,
		}
	}
}

// DeepResearch runs methodology-tuned iterative search rounds, aggregating
// findings until the rounds, cost budget or time budget run out.
func (o *Orchestrator) DeepResearch(ctx context.Context, req ResearchRequest) *ResearchResponse {
	queryID := uuid.NewString()
	methodology := req.Methodology
	if methodology == "" {
		methodology = MethodSystematic
	}
	plan := planFor(methodology, req.DepthLevel)

	costBudget := req.CostBudget
	if costBudget <= 0 {
		costBudget = o.cfg.DefaultBudget * float64(plan.roundCap)
	}
	if req.TimeBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx,
			time.Duration(req.TimeBudget*float64(time.Second)))
		defer cancel()
	}

	resp := &ResearchResponse{
		QueryID:     queryID,
		Methodology: methodology,
	}
	start := o.clock.Now()
	opID := o.tracker.StartOperation(OpResearch)
	remaining := costBudget
	seen := map[string]bool{}

	for round := 0; round < plan.roundCap; round++ {
		if ctx.Err() != nil {
			resp.ErrorCode = graph.CodeTimeout
			break
		}
		if remaining <= 0 {
			resp.ErrorCode = graph.CodeBudgetExhausted
			break
		}

		query := plan.subQuery(req.ResearchQuestion, round)
		state := graph.NewState(query, req.UserID, req.SessionID, remaining, o.cfg.RequestTimeout)
		state.UserTier = req.Tier
		state.QualityRequirement = string(plan.quality)

		if err := o.search.Run(ctx, state); err != nil {
			o.logger.Warn("research round failed",
				zap.Int("round", round+1),
				zap.String("query_id", queryID),
				zap.Error(err))
			continue
		}

		cost := state.TotalCost()
		remaining -= cost
		resp.Cost += cost
		resp.RoundsRun++

		if state.FinalResponse != "" {
			resp.Findings = append(resp.Findings, Finding{
				Round:     round + 1,
				Query:     query,
				Answer:    state.FinalResponse,
				Citations: state.Citations,
				Cost:      cost,
			})
		}
		for _, c := range state.Citations {
			if !seen[c] {
				seen[c] = true
				resp.Citations = append(resp.Citations, c)
			}
		}

		if cost > 0 {
			primary := ""
			if len(state.ModelsUsed) > 0 {
				primary = state.ModelsUsed[0]
			}
			o.optimizer.RecordExecutionCost(ctx, req.UserID, req.Tier, primary, cost)
		}
	}

	resp.Duration = o.clock.Now().Sub(start)
	resp.Summary = composeResearchSummary(req.ResearchQuestion, methodology, resp.Findings)

	switch {
	case len(resp.Findings) == 0:
		resp.Status = StatusError
		if resp.ErrorCode == "" {
			resp.ErrorCode = "upstream_unavailable"
		}
	case resp.ErrorCode != "" || resp.RoundsRun < plan.roundCap:
		resp.Status = StatusPartial
	default:
		resp.Status = StatusSuccess
	}

	if o.metrics != nil {
		o.metrics.ObserveRequest(OpResearch, resp.Status, resp.Duration, resp.Cost)
	}
	o.tracker.FinishOperation(opID, perf.Outcome{
		Success: resp.Status != StatusError,
		Cost:    resp.Cost,
	})
	return resp
}

// composeResearchSummary is the deterministic aggregation of round findings.
func composeResearchSummary(question, methodology string, findings []Finding) string {
	if len(findings) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Research summary (%s) for: %s\n", methodology, question)
	for _, f := range findings {
		fmt.Fprintf(&b, "\n## Round %d: %s\n%s\n", f.Round, f.Query, f.Answer)
	}
	return strings.TrimRight(b.String(), "\n")
}
