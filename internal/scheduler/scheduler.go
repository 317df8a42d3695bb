// Package scheduler implements the execution log retention sweeper.
// On the configured cron schedule it deletes log rows older than the
// retention window. Action definitions and their rolling counters are
// never touched — only the append-only log shrinks.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kestrelid/kestrel/internal/action"
)

// Config configures the retention sweeper.
type Config struct {
	Schedule string        // Cron expression, e.g. "0 3 * * *".
	MaxAge   time.Duration // Rows older than now-MaxAge are removed.
}

// Sweeper prunes old execution log rows on a cron schedule.
// It runs as a background goroutine in server mode.
type Sweeper struct {
	execs   action.ExecutionStore
	cfg     Config
	metrics *Metrics
	logger  *slog.Logger
	sched   cron.Schedule
}

// New creates a Sweeper. Returns an error if the cron expression or the
// retention window is invalid.
func New(execs action.ExecutionStore, cfg Config, metrics *Metrics, logger *slog.Logger) (*Sweeper, error) {
	if cfg.MaxAge <= 0 {
		return nil, fmt.Errorf("retention max age must be positive, got %s", cfg.MaxAge)
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", cfg.Schedule, err)
	}
	return &Sweeper{
		execs:   execs,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		sched:   sched,
	}, nil
}

// Start begins the sweep loop. Returns a cancel function.
func (s *Sweeper) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		s.logger.InfoContext(ctx, "retention sweeper started",
			slog.String("schedule", s.cfg.Schedule),
			slog.String("max_age", s.cfg.MaxAge.String()),
		)

		for {
			next := s.sched.Next(time.Now().UTC())
			timer := time.NewTimer(time.Until(next))

			select {
			case <-ctx.Done():
				timer.Stop()
				s.logger.Info("retention sweeper stopped")
				return
			case <-timer.C:
				s.Sweep(ctx)
			}
		}
	}()

	return cancel
}

// Sweep runs one pruning pass. Safe to call directly (startup, tests).
func (s *Sweeper) Sweep(ctx context.Context) {
	start := time.Now()
	cutoff := start.UTC().Add(-s.cfg.MaxAge)

	removed, err := s.execs.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.ErrorContext(ctx, "retention sweep failed",
			slog.String("error", err.Error()),
		)
		if s.metrics != nil {
			s.metrics.SweepFailures.Inc()
		}
		return
	}

	if s.metrics != nil {
		s.metrics.SweepsTotal.Inc()
		s.metrics.RowsPruned.Add(float64(removed))
		s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}

	if removed > 0 {
		s.logger.InfoContext(ctx, "retention sweep completed",
			slog.Int64("rows_removed", removed),
			slog.String("cutoff", cutoff.Format(time.RFC3339)),
		)
	}
}
