package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// perCheckTimeout bounds each dependency probe individually, so one
// hung backend (a wedged docker daemon, a locked database) cannot eat
// the whole readiness budget.
const perCheckTimeout = 3 * time.Second

// HealthChecker aggregates readiness from the console's dependencies:
// the durable store, the sandbox backend, and anything else registered
// at startup.
type HealthChecker struct {
	mu     sync.Mutex
	checks []HealthCheck
	logger *slog.Logger
}

// HealthCheck is a named dependency probe.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthStatus is the JSON response for health/readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of a single dependency probe.
type CheckResult struct {
	Status    string `json:"status"`            // "ok" or "fail"
	Message   string `json:"message,omitempty"` // Error message on failure.
	LatencyMs int64  `json:"latency_ms"`
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a named probe. Safe to call while checks run.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check})
}

// CheckHealth returns liveness. Always "ok" if the process is running.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady probes all registered dependencies concurrently and
// returns aggregate readiness: "ok" only if every probe passes,
// "degraded" otherwise.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.Lock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.Unlock()

	if len(checks) == 0 {
		return HealthStatus{Status: "ok"}
	}

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, c HealthCheck) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, perCheckTimeout)
			defer cancel()

			start := time.Now()
			err := c.Check(checkCtx)
			latency := time.Since(start).Milliseconds()

			if err != nil {
				results[i] = CheckResult{Status: "fail", Message: err.Error(), LatencyMs: latency}
				if h.logger != nil {
					h.logger.Warn("readiness check failed",
						slog.String("check", c.Name),
						slog.Int64("latency_ms", latency),
						slog.String("error", err.Error()),
					)
				}
				return
			}
			results[i] = CheckResult{Status: "ok", LatencyMs: latency}
		}(i, c)
	}
	wg.Wait()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult, len(checks)),
	}
	for i, c := range checks {
		if results[i].Status != "ok" {
			status.Status = "degraded"
		}
		status.Checks[c.Name] = results[i]
	}
	return status
}
