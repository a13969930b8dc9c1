// Package maintenance runs the periodic housekeeping jobs spec.md §12
// expects alongside the request-driven components: rolling the budget
// windows' underlying ledger forward even during idle periods, sweeping
// expired rule mutes so catalog snapshots don't show a stale mute_until
// forever, and purging time-series rows past their retention window.
//
// None of these jobs are needed for correctness — the Budget Manager
// prunes its windows lazily on every Reserve/Snapshot call, and the
// Alert Engine reactivates a muted rule lazily the next time it
// matches an event. They exist so the numbers an operator sees stay
// accurate even when nothing else is driving activity through those
// components.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/argus-observability/agentcore/internal/alerts"
	"github.com/argus-observability/agentcore/internal/budget"
	"github.com/argus-observability/agentcore/internal/store"
)

// Config controls job schedules and the retention job's cutoff.
type Config struct {
	// BudgetRolloverSpec is a standard 5-field cron expression; defaults
	// to every 5 minutes.
	BudgetRolloverSpec string
	// MuteSweepSpec defaults to every minute.
	MuteSweepSpec string
	// RetentionPurgeSpec defaults to daily at 03:17 (off the hour, so it
	// doesn't line up with every other cron job a deployment might run).
	RetentionPurgeSpec string
	// Retention is how long time-series rows are kept; defaults to 30
	// days.
	Retention time.Duration
}

func (c Config) withDefaults() Config {
	if c.BudgetRolloverSpec == "" {
		c.BudgetRolloverSpec = "*/5 * * * *"
	}
	if c.MuteSweepSpec == "" {
		c.MuteSweepSpec = "* * * * *"
	}
	if c.RetentionPurgeSpec == "" {
		c.RetentionPurgeSpec = "17 3 * * *"
	}
	if c.Retention == 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	return c
}

// Scheduler owns the cron runner and the three housekeeping jobs. It
// holds no state of its own beyond the cron.Cron instance; all the
// actual work lives in the components it calls.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// New registers the budget rollover, mute sweep, and retention purge
// jobs against the given components. budgetMgr and engine may be nil
// to skip their respective jobs (useful in tests or deployments that
// don't run one of those components); timeSeriesStore is likewise
// optional.
func New(cfg Config, budgetMgr *budget.Manager, engine *alerts.Engine, timeSeriesStore *store.Store, logger *slog.Logger) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	for _, spec := range []string{cfg.BudgetRolloverSpec, cfg.MuteSweepSpec, cfg.RetentionPurgeSpec} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return nil, err
		}
	}

	c := cron.New()
	s := &Scheduler{cron: c, logger: logger}

	if budgetMgr != nil {
		if _, err := c.AddFunc(cfg.BudgetRolloverSpec, func() {
			snap := budgetMgr.Snapshot(context.Background())
			s.logger.Debug("budget window rollover",
				"hourly_used", snap.HourlyUsed, "hourly_limit", snap.HourlyLimit,
				"daily_used", snap.DailyUsed, "daily_limit", snap.DailyLimit)
		}); err != nil {
			return nil, err
		}
	}

	if engine != nil {
		if _, err := c.AddFunc(cfg.MuteSweepSpec, func() {
			n := engine.PruneExpiredMutes(time.Now().UTC())
			if n > 0 {
				s.logger.Info("swept expired rule mutes", "count", n)
			}
		}); err != nil {
			return nil, err
		}
	}

	if timeSeriesStore != nil {
		if _, err := c.AddFunc(cfg.RetentionPurgeSpec, func() {
			n, err := timeSeriesStore.Purge(context.Background(), cfg.Retention)
			if err != nil {
				s.logger.Error("retention purge failed", "error", err)
				return
			}
			s.logger.Info("retention purge complete", "rows_removed", n, "retention", cfg.Retention)
		}); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Start begins running scheduled jobs in the background. It returns
// immediately; jobs run on cron's own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron runner and blocks until any in-flight job
// finishes.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
