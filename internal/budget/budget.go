// Package budget enforces per-user cost budgets and steers model selection
// under budget pressure. Budgets are lazily created from tier defaults,
// persisted through the cache layer, and reset on daily/monthly boundaries.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"prism/internal/cache"
	"prism/internal/config"
	"prism/internal/models"
)

const budgetCacheTTL = 24 * time.Hour

// Budget pressure thresholds that force the cost-first strategy.
const (
	dailyPressureRatio    = 0.9
	monthlyRemainingRatio = 0.2
	floatTolerance        = 1e-9
)

// CostBudget is one user's spend allowance and usage.
type CostBudget struct {
	UserID          string    `json:"user_id"`
	Tier            string    `json:"tier"`
	TotalBudget     float64   `json:"total_budget"`
	UsedBudget      float64   `json:"used_budget"`
	RemainingBudget float64   `json:"remaining_budget"`
	DailyLimit      float64   `json:"daily_limit"`
	UsedToday       float64   `json:"used_today"`
	ResetDate       time.Time `json:"reset_date"`
	LastUpdated     time.Time `json:"last_updated"`
}

// CanAfford reports whether cost fits both the remaining monthly budget and
// today's limit. A cost exactly equal to the remainder is affordable.
func (b *CostBudget) CanAfford(cost float64) bool {
	return cost <= b.RemainingBudget+floatTolerance &&
		b.UsedToday+cost <= b.DailyLimit+floatTolerance
}

// RequestContext carries caller hints that influence strategy choice.
type RequestContext struct {
	TimeCritical    bool `json:"time_critical"`
	QualityCritical bool `json:"quality_critical"`
}

// Decision is the optimizer's answer for one request.
type Decision struct {
	Allowed       bool       `json:"allowed"`
	Model         string     `json:"model,omitempty"`
	Candidates    []string   `json:"candidates,omitempty"`
	Strategy      string     `json:"strategy"`
	EstimatedCost float64    `json:"estimated_cost"`
	Reasoning     string     `json:"reasoning"`
	Suggestions   []string   `json:"suggestions,omitempty"`
	Budget        CostBudget `json:"budget"`
}

// UsageSource supplies longer-horizon spend than the live budget tracks.
// The audit store implements it; a nil source falls back to current usage.
type UsageSource interface {
	SpendSince(ctx context.Context, userID string, since time.Time) (float64, error)
}

// Optimizer owns per-user budgets and strategy-driven model selection.
type Optimizer struct {
	tiers   map[string]config.TierLimits
	manager *models.Manager
	store   *cache.Layer
	usage   UsageSource
	clock   clock.Clock
	logger  *zap.Logger

	// locks serialize the read-modify-persist cycle per user so concurrent
	// recordings never lose spend.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithClock injects a clock for tests.
func WithClock(clk clock.Clock) Option {
	return func(o *Optimizer) { o.clock = clk }
}

// WithUsageSource wires the 30-day spend source for tier recommendations.
func WithUsageSource(src UsageSource) Option {
	return func(o *Optimizer) { o.usage = src }
}

// NewOptimizer builds the optimizer. store persists budgets across restarts.
func NewOptimizer(cfg config.BudgetConfig, manager *models.Manager, store *cache.Layer, logger *zap.Logger, opts ...Option) *Optimizer {
	o := &Optimizer{
		tiers:   cfg.Tiers,
		manager: manager,
		store:   store,
		clock:   clock.New(),
		logger:  logger,
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// OptimizeRequest decides whether a request may proceed and, if so, which
// model and strategy to use.
func (o *Optimizer) OptimizeRequest(ctx context.Context, userID, taskType string, quality models.QualityRequirement, tier string, reqCtx RequestContext) (Decision, error) {
	b := o.loadBudget(ctx, userID, tier)

	strategy, why := o.chooseStrategy(b, reqCtx)
	if strategy == models.StrategyCostFirst && quality != models.QualityMinimal {
		// Under budget pressure the quality expectation degrades too.
		quality = models.QualityMinimal
	}

	sel, err := o.manager.SelectOptimalModel(taskType, quality, strategy, b.RemainingBudget)
	if err != nil {
		return Decision{Strategy: strategy.String(), Budget: b}, err
	}

	d := Decision{
		Model:         sel.Model,
		Candidates:    sel.Candidates,
		Strategy:      strategy.String(),
		EstimatedCost: sel.EstimatedCost,
		Reasoning:     fmt.Sprintf("%s; %s", why, sel.Reasoning),
		Budget:        b,
	}

	if b.CanAfford(sel.EstimatedCost) {
		d.Allowed = true
		return d, nil
	}

	d.Suggestions = o.suggestions(b)
	return d, nil
}

// RecordExecutionCost deducts actual spend from the user's budget, persists
// it, and forwards the cost to the model manager for per-model accounting.
func (o *Optimizer) RecordExecutionCost(ctx context.Context, userID, tier, model string, cost float64) CostBudget {
	if cost < 0 {
		cost = 0
	}

	l := o.userLock(userID)
	l.Lock()
	b := o.loadBudgetLocked(ctx, userID, tier)
	b.UsedBudget += cost
	b.RemainingBudget = b.TotalBudget - b.UsedBudget
	if b.RemainingBudget < 0 {
		b.RemainingBudget = 0
		b.UsedBudget = b.TotalBudget
	}
	b.UsedToday += cost
	b.LastUpdated = o.clock.Now()
	o.persist(ctx, b)
	l.Unlock()

	if model != "" {
		o.manager.RecordExternalCost(model, cost)
	}
	return b
}

// Budget returns the user's current budget, creating it if needed.
func (o *Optimizer) Budget(ctx context.Context, userID, tier string) CostBudget {
	return o.loadBudget(ctx, userID, tier)
}

// RecommendTier suggests a tier from the user's trailing 30-day spend. A user
// spending past 80% of their tier's monthly cap is pointed at the next tier
// up; one below 30% of the next-cheaper cap is pointed down.
func (o *Optimizer) RecommendTier(ctx context.Context, userID, tier string) (string, string) {
	spend := o.monthlySpend(ctx, userID, tier)
	current, ok := o.tiers[tier]
	if !ok {
		return tier, "unknown tier"
	}

	ordered := []string{"free", "pro", "enterprise"}
	idx := -1
	for i, name := range ordered {
		if name == tier {
			idx = i
		}
	}
	if idx == -1 {
		return tier, "tier outside standard ladder"
	}

	if spend > current.Monthly*0.8 && idx < len(ordered)-1 {
		next := ordered[idx+1]
		return next, fmt.Sprintf("30-day spend %.2f is above 80%% of the %s monthly cap", spend, tier)
	}
	if idx > 0 {
		cheaper := ordered[idx-1]
		if limits, ok := o.tiers[cheaper]; ok && spend < limits.Monthly*0.3 {
			return cheaper, fmt.Sprintf("30-day spend %.2f fits comfortably in the %s tier", spend, cheaper)
		}
	}
	return tier, "current tier matches usage"
}

// chooseStrategy applies budget pressure and caller hints, in that order.
func (o *Optimizer) chooseStrategy(b CostBudget, reqCtx RequestContext) (models.Strategy, string) {
	switch {
	case b.UsedToday >= dailyPressureRatio*b.DailyLimit:
		return models.StrategyCostFirst, "daily budget nearly exhausted"
	case b.RemainingBudget <= monthlyRemainingRatio*b.TotalBudget:
		return models.StrategyCostFirst, "monthly budget nearly exhausted"
	case reqCtx.TimeCritical:
		return models.StrategySpeedFirst, "time-critical request"
	case reqCtx.QualityCritical:
		return models.StrategyQualityFirst, "quality-critical request"
	default:
		return models.StrategyBalanced, "no budget pressure"
	}
}

func (o *Optimizer) suggestions(b CostBudget) []string {
	s := []string{
		"lower the quality requirement for this request",
	}
	if b.Tier != "enterprise" {
		s = append(s, fmt.Sprintf("upgrade from the %s tier for a larger budget", b.Tier))
	}
	if b.UsedToday+floatTolerance >= b.DailyLimit {
		next := b.ResetDate.Add(24 * time.Hour)
		s = append(s, fmt.Sprintf("wait for the daily reset at %s", next.Format(time.RFC3339)))
	}
	return s
}

// userLock returns the mutex guarding one user's budget.
func (o *Optimizer) userLock(userID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[userID] = l
	}
	return l
}

// loadBudget fetches or lazily creates the user's budget under its lock.
func (o *Optimizer) loadBudget(ctx context.Context, userID, tier string) CostBudget {
	l := o.userLock(userID)
	l.Lock()
	defer l.Unlock()
	return o.loadBudgetLocked(ctx, userID, tier)
}

// loadBudgetLocked fetches or lazily creates the user's budget, applying any
// due resets. The caller must hold the user's lock.
func (o *Optimizer) loadBudgetLocked(ctx context.Context, userID, tier string) CostBudget {
	var b CostBudget
	key := cache.KeyRaw(cache.PrefixBudget, userID)

	if o.store == nil || !o.store.GetJSON(ctx, key, &b) {
		b = o.newBudget(userID, tier)
		o.persist(ctx, b)
		return b
	}

	if o.applyResets(&b) {
		o.persist(ctx, b)
	}
	return b
}

func (o *Optimizer) newBudget(userID, tier string) CostBudget {
	limits, ok := o.tiers[tier]
	if !ok {
		limits = o.tiers["free"]
		tier = "free"
	}
	now := o.clock.Now()
	return CostBudget{
		UserID:          userID,
		Tier:            tier,
		TotalBudget:     limits.Monthly,
		RemainingBudget: limits.Monthly,
		DailyLimit:      limits.Daily,
		ResetDate:       startOfDay(now),
		LastUpdated:     now,
	}
}

// applyResets zeroes daily usage on a new day and monthly usage on a new
// month. Returns true when anything changed.
func (o *Optimizer) applyResets(b *CostBudget) bool {
	now := o.clock.Now()
	changed := false

	if startOfDay(now).After(b.ResetDate) {
		b.UsedToday = 0
		if now.Month() != b.ResetDate.Month() || now.Year() != b.ResetDate.Year() {
			b.UsedBudget = 0
			b.RemainingBudget = b.TotalBudget
		}
		b.ResetDate = startOfDay(now)
		changed = true
	}
	return changed
}

// ResetDueBudget re-applies resets for a user; the maintenance scheduler
// calls this daily so idle users do not carry stale usage.
func (o *Optimizer) ResetDueBudget(ctx context.Context, userID, tier string) {
	o.loadBudget(ctx, userID, tier)
}

func (o *Optimizer) monthlySpend(ctx context.Context, userID, tier string) float64 {
	if o.usage != nil {
		since := o.clock.Now().AddDate(0, 0, -30)
		if spend, err := o.usage.SpendSince(ctx, userID, since); err == nil {
			return spend
		} else {
			o.logger.Debug("usage source unavailable, falling back to live budget",
				zap.String("user", userID), zap.Error(err))
		}
	}
	return o.loadBudget(ctx, userID, tier).UsedBudget
}

func (o *Optimizer) persist(ctx context.Context, b CostBudget) {
	if o.store == nil {
		return
	}
	o.store.SetJSON(ctx, cache.KeyRaw(cache.PrefixBudget, b.UserID), b, budgetCacheTTL)
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
