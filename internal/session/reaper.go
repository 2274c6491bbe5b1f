package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/jkaninda/sanduku/internal/console"
	"github.com/jkaninda/sanduku/internal/observability"
)

// Reaper periodically sweeps live sessions, terminating the ones that
// idled past the timeout and tearing down sessions whose sandbox stopped
// answering health checks.
type Reaper struct {
	orchestrator *Orchestrator
	interval     time.Duration
	metrics      *observability.MetricsCollector
	logger       *slog.Logger
}

// NewReaper builds a reaper sweeping at the given interval. Zero or
// negative intervals fall back to 30s. metrics may be nil.
func NewReaper(orchestrator *Orchestrator, interval time.Duration, metrics *observability.MetricsCollector, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reaper{
		orchestrator: orchestrator,
		interval:     interval,
		metrics:      metrics,
		logger:       logger,
	}
}

// Start launches the sweep loop and returns a function that stops it and
// waits for the in-flight sweep to finish.
func (r *Reaper) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(ctx)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// idleReapable reports whether a live status is subject to idle expiry.
// Sessions still initializing, or in error pending teardown, are left to
// their own paths.
func idleReapable(status console.SessionStatus) bool {
	switch status {
	case console.StatusActive, console.StatusPaused, console.StatusDisconnected:
		return true
	default:
		return false
	}
}

// Sweep runs one pass over the live sessions.
func (r *Reaper) Sweep(ctx context.Context) {
	start := time.Now()
	idle, lost := 0, 0
	cutoff := time.Now().UTC().Add(-r.orchestrator.config.idleTimeout())

	for _, sess := range r.orchestrator.registry.ListLive() {
		if ctx.Err() != nil {
			return
		}
		switch {
		case sess.Status.Terminal():
			continue
		case idleReapable(sess.Status) && sess.LastActivityAt.Before(cutoff):
			r.logger.Info("reaping idle session",
				slog.String("session_id", sess.ID.String()),
				slog.Time("last_activity", sess.LastActivityAt),
			)
			r.orchestrator.teardown(ctx, sess.ID, EndReasonIdle)
			idle++
		case sess.Status == console.StatusActive && sess.SandboxID != nil:
			if err := r.orchestrator.driver.Health(ctx, *sess.SandboxID); err != nil {
				r.orchestrator.failSession(ctx, sess.ID, err)
				lost++
			}
		}
	}

	if r.metrics != nil {
		r.metrics.ReaperSweepDuration.Observe(time.Since(start).Seconds())
		if idle > 0 {
			r.metrics.ReaperReclaimedTotal.WithLabelValues("idle").Add(float64(idle))
		}
		if lost > 0 {
			r.metrics.ReaperReclaimedTotal.WithLabelValues("unhealthy").Add(float64(lost))
		}
	}
	if idle > 0 || lost > 0 {
		r.logger.Info("reaper sweep finished",
			slog.Int("idle", idle),
			slog.Int("unhealthy", lost),
			slog.Duration("took", time.Since(start)),
		)
	}
}
