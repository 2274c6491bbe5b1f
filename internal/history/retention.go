package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// RetentionPolicy purges command records of terminated sessions older
// than the retention window, on a cron schedule.
type RetentionPolicy struct {
	commands CommandStore
	schedule cron.Schedule
	maxAge   time.Duration
	logger   *slog.Logger
}

// NewRetentionPolicy parses the cron expression (standard 5-field
// format) and builds the policy.
func NewRetentionPolicy(commands CommandStore, schedule string, maxAge time.Duration, logger *slog.Logger) (*RetentionPolicy, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("parsing retention schedule %q: %w", schedule, err)
	}
	return &RetentionPolicy{
		commands: commands,
		schedule: sched,
		maxAge:   maxAge,
		logger:   logger,
	}, nil
}

// Start begins the purge loop. Returns a cancel function.
func (p *RetentionPolicy) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		p.logger.Info("history retention started",
			slog.Duration("max_age", p.maxAge),
			slog.Time("next_run", p.schedule.Next(time.Now().UTC())),
		)
		for {
			next := p.schedule.Next(time.Now().UTC())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				p.logger.Info("history retention stopped")
				return
			case <-timer.C:
				p.Purge(ctx)
			}
		}
	}()

	return cancel
}

// Purge runs one retention pass.
func (p *RetentionPolicy) Purge(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-p.maxAge)
	n, err := p.commands.DeleteTerminatedBefore(ctx, cutoff)
	if err != nil {
		p.logger.Error("history retention purge failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		p.logger.Info("history retention purged commands",
			slog.Int64("deleted", n),
			slog.Time("cutoff", cutoff),
		)
	}
}
