// Package bandit implements a Thompson-sampling multi-armed bandit over
// routing strategies. Each arm holds a Beta posterior over its reward rate;
// selection samples every posterior and picks the argmax, with a small
// uniform exploration floor so no arm ever starves.
package bandit

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"prism/internal/cache"
)

// Default routing strategy arms.
const (
	ArmFastChat        = "fast_chat"
	ArmSearchAugmented = "search_augmented"
	ArmAPIFallback     = "api_fallback"
	ArmHybridMode      = "hybrid_mode"
)

const (
	defaultMinExploration = 0.05
	stateCacheTTL         = 24 * time.Hour
)

// stateKey is where the router persists its posterior state.
var stateKey = cache.KeyRaw(cache.PrefixRoute, "bandit_state")

// ErrNoArms is returned when selection runs against an empty arm set.
var ErrNoArms = errors.New("bandit: no arms registered")

// Arm is the Beta posterior and pull accounting for one routing strategy.
type Arm struct {
	ArmID        string    `json:"arm_id"`
	Alpha        float64   `json:"alpha"`
	Beta         float64   `json:"beta"`
	TotalPulls   int64     `json:"total_pulls"`
	TotalRewards float64   `json:"total_rewards"`
	LastUpdated  time.Time `json:"last_updated"`
}

// MeanReward is the posterior mean α/(α+β).
func (a *Arm) MeanReward() float64 {
	return a.Alpha / (a.Alpha + a.Beta)
}

// State is the persisted form of the router.
type State struct {
	StartTime          time.Time       `json:"start_time"`
	MinExplorationRate float64         `json:"min_exploration_rate"`
	Arms               map[string]*Arm `json:"arms"`
}

// Config configures the router.
type Config struct {
	// Arms lists the routing strategies. Empty falls back to the defaults.
	Arms []string
	// MinExplorationRate is the probability of a uniform-random pick
	// regardless of posteriors. Zero falls back to 0.05.
	MinExplorationRate float64
}

// Router selects routing strategies by Thompson sampling.
type Router struct {
	mu        sync.Mutex
	arms      map[string]*Arm
	order     []string
	minExpl   float64
	startTime time.Time
	rng       *rand.Rand
	clock     clock.Clock
	store     *cache.Layer
	logger    *zap.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithClock injects a clock for tests.
func WithClock(clk clock.Clock) Option {
	return func(r *Router) { r.clock = clk }
}

// WithRandSource injects a deterministic random source for tests.
func WithRandSource(src rand.Source) Option {
	return func(r *Router) { r.rng = rand.New(src) }
}

// NewRouter builds a router with fresh uniform priors (α=β=1) for every arm.
// store may be nil, disabling persistence.
func NewRouter(cfg Config, store *cache.Layer, logger *zap.Logger, opts ...Option) *Router {
	armIDs := cfg.Arms
	if len(armIDs) == 0 {
		armIDs = []string{ArmFastChat, ArmSearchAugmented, ArmAPIFallback, ArmHybridMode}
	}
	minExpl := cfg.MinExplorationRate
	if minExpl <= 0 {
		minExpl = defaultMinExploration
	}

	r := &Router{
		arms:    make(map[string]*Arm, len(armIDs)),
		minExpl: minExpl,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		clock:   clock.New(),
		store:   store,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.startTime = r.clock.Now()

	for _, id := range armIDs {
		r.arms[id] = &Arm{ArmID: id, Alpha: 1, Beta: 1, LastUpdated: r.startTime}
		r.order = append(r.order, id)
	}
	sort.Strings(r.order)
	return r
}

// SelectArm picks a routing strategy: with probability MinExplorationRate a
// uniform-random arm, otherwise the arm whose Beta posterior sample is
// highest.
func (r *Router) SelectArm() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.order) == 0 {
		return "", ErrNoArms
	}

	if r.rng.Float64() < r.minExpl {
		return r.order[r.rng.Intn(len(r.order))], nil
	}

	best := ""
	bestSample := -1.0
	for _, id := range r.order {
		arm := r.arms[id]
		sample := sampleBeta(r.rng, arm.Alpha, arm.Beta)
		if sample > bestSample {
			best = id
			bestSample = sample
		}
	}
	return best, nil
}

// Update records a reward in [0,1] for an arm. Out-of-range rewards are
// clamped; unknown arms are registered with uniform priors first.
func (r *Router) Update(armID string, reward float64) {
	if reward < 0 {
		reward = 0
	} else if reward > 1 {
		reward = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	arm, ok := r.arms[armID]
	if !ok {
		arm = &Arm{ArmID: armID, Alpha: 1, Beta: 1}
		r.arms[armID] = arm
		r.order = append(r.order, armID)
		sort.Strings(r.order)
	}

	arm.Alpha += reward
	arm.Beta += 1 - reward
	arm.TotalPulls++
	arm.TotalRewards += reward
	arm.LastUpdated = r.clock.Now()
}

// Snapshot returns a deep copy of every arm's current posterior.
func (r *Router) Snapshot() map[string]Arm {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Arm, len(r.arms))
	for id, arm := range r.arms {
		out[id] = *arm
	}
	return out
}

// Save persists the router state through the cache layer.
func (r *Router) Save(ctx context.Context) {
	if r.store == nil {
		return
	}

	r.mu.Lock()
	state := State{
		StartTime:          r.startTime,
		MinExplorationRate: r.minExpl,
		Arms:               make(map[string]*Arm, len(r.arms)),
	}
	for id, arm := range r.arms {
		copied := *arm
		state.Arms[id] = &copied
	}
	r.mu.Unlock()

	r.store.SetJSON(ctx, stateKey, state, stateCacheTTL)
}

// Load restores persisted state, merging it over the configured arms.
// Invalid posteriors (α or β below 1) are reset to the uniform prior.
func (r *Router) Load(ctx context.Context) bool {
	if r.store == nil {
		return false
	}

	var state State
	if !r.store.GetJSON(ctx, stateKey, &state) {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !state.StartTime.IsZero() {
		r.startTime = state.StartTime
	}
	if state.MinExplorationRate > 0 {
		r.minExpl = state.MinExplorationRate
	}
	for id, arm := range state.Arms {
		if arm == nil {
			continue
		}
		if arm.Alpha < 1 || arm.Beta < 1 {
			r.logger.Warn("resetting corrupt bandit arm posterior",
				zap.String("arm", id),
				zap.Float64("alpha", arm.Alpha),
				zap.Float64("beta", arm.Beta))
			arm.Alpha, arm.Beta = 1, 1
		}
		copied := *arm
		copied.ArmID = id
		if _, known := r.arms[id]; !known {
			r.order = append(r.order, id)
		}
		r.arms[id] = &copied
	}
	sort.Strings(r.order)
	return true
}
