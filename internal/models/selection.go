package models

import (
	"sort"
	"strings"
)

// Strategy is the cost/quality/speed profile steering model selection.
type Strategy int

const (
	// StrategyBalanced weighs quality, cost and speed together.
	StrategyBalanced Strategy = iota

	// StrategyCostFirst prefers the cheapest viable model.
	StrategyCostFirst

	// StrategyQualityFirst prefers the highest observed quality.
	StrategyQualityFirst

	// StrategySpeedFirst prefers the lowest observed latency.
	StrategySpeedFirst
)

// String returns a human-readable name for the strategy.
func (s Strategy) String() string {
	switch s {
	case StrategyCostFirst:
		return "cost-first"
	case StrategyQualityFirst:
		return "quality-first"
	case StrategySpeedFirst:
		return "speed-first"
	default:
		return "balanced"
	}
}

// QualityRequirement is the caller's quality expectation for a request.
type QualityRequirement string

const (
	QualityMinimal  QualityRequirement = "minimal"
	QualityBalanced QualityRequirement = "balanced"
	QualityHigh     QualityRequirement = "high"
	QualityPremium  QualityRequirement = "premium"
)

// tierRank orders capability tiers for a quality requirement: earlier tiers
// are preferred candidates.
func tierRank(quality QualityRequirement) []string {
	switch quality {
	case QualityMinimal:
		return []string{"t0", "t1", "t2"}
	case QualityHigh:
		return []string{"t1", "t2", "t0"}
	case QualityPremium:
		return []string{"t2", "t1", "t0"}
	default: // balanced
		return []string{"t1", "t0", "t2"}
	}
}

// taskAffinity scores how well a model's name and tags fit a task type.
// Zero means no special affinity; candidates are still usable.
func taskAffinity(taskType, name string, tags []string) int {
	lower := strings.ToLower(name)
	score := 0

	match := func(keywords ...string) bool {
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				return true
			}
			for _, tag := range tags {
				if strings.EqualFold(tag, kw) {
					return true
				}
			}
		}
		return false
	}

	switch taskType {
	case "code":
		if match("coder", "code", "starcoder", "deepseek") {
			score += 2
		}
	case "classify", "greeting":
		// Classification wants the smallest viable model.
		if match("mini", "small", "1b", "3b") {
			score += 1
		}
	case "synthesis", "research", "analysis":
		if match("instruct", "chat", "70b", "32b") {
			score += 1
		}
	}
	return score
}

// selectionInputs carries everything candidate ranking needs.
type selectionInputs struct {
	taskType   string
	quality    QualityRequirement
	strategy   Strategy
	budgetHint float64 // max acceptable per-call cost; 0 = unconstrained
}

const scoreEpsilon = 1e-4

// explorationBonus is added to candidates with too few observations so new
// models get sampled instead of starving behind established ones.
const explorationBonus = 0.15

// minObservations is the sample size below which the exploration bonus applies.
const minObservations = 5

// rankCandidates produces the ordered candidate list for a request. The
// result is deterministic given identical descriptors and metrics.
func rankCandidates(in selectionInputs, pool []ModelInfo, metrics *metricsBook) []string {
	// Step 1: static capability ordering by tier preference and task affinity.
	ranks := tierRank(in.quality)
	tierPos := make(map[string]int, len(ranks))
	for i, t := range ranks {
		tierPos[t] = i
	}

	candidates := make([]ModelInfo, 0, len(pool))
	for _, m := range pool {
		candidates = append(candidates, m)
	}

	// Step 2: drop models whose observed per-call cost exceeds the budget hint.
	if in.budgetHint > 0 {
		affordable := candidates[:0]
		for _, m := range candidates {
			cost := m.Descriptor.BaseCost
			if rec, ok := metrics.get(m.Descriptor.Name); ok && rec.CostPerRequest > 0 {
				cost = rec.CostPerRequest
			}
			if cost <= in.budgetHint {
				affordable = append(affordable, m)
			}
		}
		// Never return an empty pool purely on cost grounds: keep the
		// cheapest model so the fallback chain has somewhere to go.
		if len(affordable) == 0 && len(candidates) > 0 {
			cheapest := candidates[0]
			for _, m := range candidates[1:] {
				if m.Descriptor.BaseCost < cheapest.Descriptor.BaseCost {
					cheapest = m
				}
			}
			affordable = append(affordable, cheapest)
		}
		candidates = affordable
	}

	// Step 3: score by strategy, with an exploration bonus for thin data.
	type scored struct {
		name     string
		tier     int
		affinity int
		score    float64
	}
	scoredList := make([]scored, 0, len(candidates))
	for _, m := range candidates {
		rec, _ := metrics.get(m.Descriptor.Name)
		s := strategyScore(in.strategy, m, rec)
		if metrics.observations(m.Descriptor.Name) < minObservations {
			s += explorationBonus
		}
		scoredList = append(scoredList, scored{
			name:     m.Descriptor.Name,
			tier:     tierPos[m.Descriptor.Tier],
			affinity: taskAffinity(in.taskType, m.Descriptor.Name, m.Descriptor.CapabilityTags),
			score:    s,
		})
	}

	sort.SliceStable(scoredList, func(i, j int) bool {
		a, b := scoredList[i], scoredList[j]
		if a.tier != b.tier {
			return a.tier < b.tier
		}
		if a.affinity != b.affinity {
			return a.affinity > b.affinity
		}
		if diff := a.score - b.score; diff > scoreEpsilon || diff < -scoreEpsilon {
			return a.score > b.score
		}
		// Tie-break: lower cost per request, then higher success rate,
		// then name for full determinism.
		ra, _ := metrics.get(a.name)
		rb, _ := metrics.get(b.name)
		if ra.CostPerRequest != rb.CostPerRequest {
			return ra.CostPerRequest < rb.CostPerRequest
		}
		if ra.SuccessRate != rb.SuccessRate {
			return ra.SuccessRate > rb.SuccessRate
		}
		return a.name < b.name
	})

	names := make([]string, len(scoredList))
	for i, s := range scoredList {
		names[i] = s.name
	}
	return names
}

// strategyScore computes the efficiency score for one candidate under a
// strategy. Higher is better.
func strategyScore(strategy Strategy, m ModelInfo, rec PerformanceMetrics) float64 {
	const eps = 1e-6

	cost := rec.CostPerRequest
	if cost == 0 {
		cost = m.Descriptor.BaseCost
	}
	latency := rec.AvgResponseTime
	if latency == 0 {
		// No observations: estimate latency from footprint so big cold
		// models are not assumed instant.
		latency = 0.5 + float64(m.Descriptor.MemoryFootprint)/float64(1<<30)*0.2
	}
	quality := rec.QualityScore
	if quality == 0 {
		quality = 0.5
	}

	switch strategy {
	case StrategyCostFirst:
		return 1.0 / (cost + eps)
	case StrategyQualityFirst:
		return quality
	case StrategySpeedFirst:
		return 1.0 / (latency + eps)
	default:
		// Normalize the inverse terms so they stay comparable to quality.
		invCost := 1.0 / (1.0 + cost*100)
		invTime := 1.0 / (1.0 + latency)
		return 0.4*quality + 0.3*invCost + 0.3*invTime
	}
}
