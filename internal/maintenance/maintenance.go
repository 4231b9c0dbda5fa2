// Package maintenance runs the gateway's background housekeeping on a cron
// schedule: cache and limiter sweeps, bandit state persistence, performance
// window pruning, budget reset sweeps and audit retention.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"prism/internal/bandit"
	"prism/internal/budget"
	"prism/internal/cache"
	"prism/internal/perf"
	"prism/internal/ratelimit"
	"prism/internal/store"
)

const jobTimeout = 30 * time.Second

// Config tunes the housekeeping schedules and retention horizons.
type Config struct {
	SweepSchedule     string        // cache + limiter sweeps
	PersistSchedule   string        // bandit state write-through
	PerfPruneSchedule string        // performance window pruning
	DailySchedule     string        // budget resets + audit retention
	PerfRetention     time.Duration // how much perf history to keep
	AuditRetention    time.Duration // how long audit rows live
	LimiterIdleCutoff time.Duration // idle window before a user's limiter state drops
	ActiveUserHorizon time.Duration // how far back the budget sweep looks
}

func (c *Config) applyDefaults() {
	if c.SweepSchedule == "" {
		c.SweepSchedule = "@every 10m"
	}
	if c.PersistSchedule == "" {
		c.PersistSchedule = "@every 15m"
	}
	if c.PerfPruneSchedule == "" {
		c.PerfPruneSchedule = "@every 1h"
	}
	if c.DailySchedule == "" {
		c.DailySchedule = "5 0 * * *" // 00:05 UTC
	}
	if c.PerfRetention <= 0 {
		c.PerfRetention = 24 * time.Hour
	}
	if c.AuditRetention <= 0 {
		c.AuditRetention = 30 * 24 * time.Hour
	}
	if c.LimiterIdleCutoff <= 0 {
		c.LimiterIdleCutoff = 10 * time.Minute
	}
	if c.ActiveUserHorizon <= 0 {
		c.ActiveUserHorizon = 48 * time.Hour
	}
}

// Scheduler owns the cron runner and the components it maintains. Any
// component may be nil, in which case its jobs are skipped.
type Scheduler struct {
	cron      *cron.Cron
	cache     *cache.Layer
	limiter   *ratelimit.Limiter
	router    *bandit.Router
	tracker   *perf.Tracker
	optimizer *budget.Optimizer
	audit     *store.Store
	cfg       Config
	logger    *zap.Logger
}

// New builds a scheduler over the given components.
func New(cacheLayer *cache.Layer, limiter *ratelimit.Limiter, router *bandit.Router, tracker *perf.Tracker, optimizer *budget.Optimizer, audit *store.Store, cfg Config, logger *zap.Logger) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		cron:      cron.New(cron.WithLocation(time.UTC)),
		cache:     cacheLayer,
		limiter:   limiter,
		router:    router,
		tracker:   tracker,
		optimizer: optimizer,
		audit:     audit,
		cfg:       cfg,
		logger:    logger,
	}
}

// Start registers all jobs and starts the cron runner.
func (s *Scheduler) Start() error {
	jobs := []struct {
		schedule string
		name     string
		run      func()
	}{
		{s.cfg.SweepSchedule, "sweep", s.Sweep},
		{s.cfg.PersistSchedule, "persist_router", s.PersistRouter},
		{s.cfg.PerfPruneSchedule, "prune_perf", s.PrunePerf},
		{s.cfg.DailySchedule, "daily", s.Daily},
	}
	for _, j := range jobs {
		if _, err := s.cron.AddFunc(j.schedule, j.run); err != nil {
			return err
		}
		s.logger.Debug("maintenance job registered",
			zap.String("job", j.name), zap.String("schedule", j.schedule))
	}
	s.cron.Start()
	s.logger.Info("maintenance scheduler started")
	return nil
}

// Stop halts the runner and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("maintenance scheduler stopped")
}

// Sweep evicts expired fast-tier cache entries and idle limiter windows.
func (s *Scheduler) Sweep() {
	if s.cache != nil {
		if n := s.cache.Sweep(); n > 0 {
			s.logger.Debug("cache sweep", zap.Int("evicted", n))
		}
	}
	if s.limiter != nil {
		if n := s.limiter.Sweep(s.cfg.LimiterIdleCutoff); n > 0 {
			s.logger.Debug("limiter sweep", zap.Int("dropped", n))
		}
	}
}

// PersistRouter writes the bandit posteriors through to the cache so learned
// routing survives restarts.
func (s *Scheduler) PersistRouter() {
	if s.router == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	s.router.Save(ctx)
}

// PrunePerf drops performance samples past the retention horizon.
func (s *Scheduler) PrunePerf() {
	if s.tracker == nil {
		return
	}
	if n := s.tracker.Prune(s.cfg.PerfRetention); n > 0 {
		s.logger.Debug("perf prune", zap.Int("dropped", n))
	}
}

// Daily applies budget day/month rollovers for recently active users and
// enforces audit retention.
func (s *Scheduler) Daily() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if s.audit != nil && s.optimizer != nil {
		users, err := s.audit.ActiveUsers(ctx, time.Now().Add(-s.cfg.ActiveUserHorizon))
		if err != nil {
			s.logger.Warn("budget reset sweep: listing users failed", zap.Error(err))
		} else {
			for _, u := range users {
				s.optimizer.ResetDueBudget(ctx, u.UserID, u.Tier)
			}
			s.logger.Info("budget reset sweep", zap.Int("users", len(users)))
		}
	}

	if s.audit != nil {
		n, err := s.audit.Prune(ctx, s.cfg.AuditRetention)
		if err != nil {
			s.logger.Warn("audit prune failed", zap.Error(err))
		} else if n > 0 {
			s.logger.Info("audit prune", zap.Int64("removed", n))
		}
	}
}
