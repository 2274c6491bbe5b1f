// Package httpapi implements the HTTP API gateway for Sanduku.
//
// Security:
//   - API key authentication on every request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-owner rate limiting via token bucket
//   - Ownership enforced on every session and command operation
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sanduku/internal/console"
	"github.com/jkaninda/sanduku/internal/history"
	"github.com/jkaninda/sanduku/internal/identity"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/ratelimit"
	"github.com/jkaninda/sanduku/internal/session"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	MaxRequestSize int64 // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config       Config
	orchestrator *session.Orchestrator
	histLog      *history.Log
	auth         *identity.Provider
	limiter      *ratelimit.Limiter
	logger       *slog.Logger
	server       *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., the WebSocket
	// terminal endpoint).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, orch *session.Orchestrator, histLog *history.Log, auth *identity.Provider, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:       cfg,
		orchestrator: orch,
		histLog:      histLog,
		auth:         auth,
		limiter:      rl,
		logger:       logger,
		okapi:        okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithHandler mounts an additional handler on the HTTP mux at the given pattern.
// Used for the WebSocket terminal endpoint alongside the API routes.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// WithOpenAPIDocs enables the OpenAPI documentation endpoint.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Sanduku",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	// Session endpoints.
	g.group.Post("/sessions", g.handleSessionCreate,
		okapi.DocSummary("Create a console session with a fresh sandbox"),
		okapi.DocTags("Sessions"),
		okapi.DocRequestBody(SessionCreateRequest{}),
		okapi.DocResponse(http.StatusCreated, SessionResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/sessions", g.handleSessionList,
		okapi.DocSummary("List the caller's live sessions"),
		okapi.DocTags("Sessions"),
		okapi.DocResponse([]SessionResponse{}),
	)
	g.group.Post("/sessions/history", g.handleSessionHistory,
		okapi.DocSummary("Page through the caller's session history"),
		okapi.DocTags("Sessions"),
		okapi.DocRequestBody(PageRequest{}),
		okapi.DocResponse(SessionHistoryResponse{}),
	)
	g.group.Get("/sessions/{id}", g.handleSessionGet,
		okapi.DocSummary("Get a session by ID"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse(SessionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/sessions/{id}", g.handleSessionTerminate,
		okapi.DocSummary("Terminate a session and destroy its sandbox"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sessions/{id}/pause", g.handleSessionPause,
		okapi.DocSummary("Pause a session, keeping its sandbox warm"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Post("/sessions/{id}/resume", g.handleSessionResume,
		okapi.DocSummary("Resume a paused or disconnected session"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Post("/sessions/{id}/activity", g.handleSessionActivity,
		okapi.DocSummary("Refresh the session's activity clock"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)

	// Command endpoints.
	g.group.Post("/sessions/{id}/commands", g.handleCommandDispatch,
		okapi.DocSummary("Run a command in the session's sandbox"),
		okapi.DocTags("Commands"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocRequestBody(CommandRequest{}),
		okapi.DocResponse(CommandResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Post("/sessions/{id}/commands/list", g.handleCommandHistory,
		okapi.DocSummary("Page through a session's command history"),
		okapi.DocTags("Commands"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocRequestBody(PageRequest{}),
		okapi.DocResponse(CommandHistoryResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sessions/{id}/commands/clear", g.handleCommandClear,
		okapi.DocSummary("Clear a session's command history, optionally only before a date"),
		okapi.DocTags("Commands"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocRequestBody(ClearRequest{}),
		okapi.DocResponse(ClearResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/sessions/{id}/commands/export/{format}", g.handleCommandExport,
		okapi.DocSummary("Export a session's command history (json, txt, or csv)"),
		okapi.DocTags("Commands"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocPathParam("format", "string", "Export format: json, txt, or csv"),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/commands/search", g.handleCommandSearch,
		okapi.DocSummary("Search the caller's command history"),
		okapi.DocTags("Commands"),
		okapi.DocRequestBody(SearchRequest{}),
		okapi.DocResponse(CommandHistoryResponse{}),
	)
	g.group.Post("/commands/stats", g.handleCommandStats,
		okapi.DocSummary("Aggregate the caller's command history"),
		okapi.DocTags("Commands"),
		okapi.DocRequestBody(StatsRequest{}),
		okapi.DocResponse(history.Stats{}),
	)

	// Extra handlers (e.g., WebSocket terminal endpoint).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Health ---

// HealthResponse is the JSON response for the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key and stows the mapped owner ID in the
// request context.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		ownerID, err := g.auth.ResolveBearer(c.Header("Authorization"))
		if err != nil {
			return c.AbortUnauthorized("missing or invalid API key")
		}
		c.Set("ownerID", ownerID)
		return next(c)
	}
}

// Token costs per operation. Provisioning a container is far more
// expensive than a history delete, so creation drains the bucket
// faster.
const (
	costSessionCreate   = 10
	costCommandDispatch = 5
	costHistoryClear    = 1
)

// rateLimit consumes cost tokens for the owner, or writes a 429.
func (g *Gateway) rateLimit(c *okapi.Context, ownerID string, cost float64) error {
	if g.limiter == nil {
		return nil
	}
	if err := g.limiter.AllowN(ownerID, cost); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	return nil
}

// --- Helpers ---

// consoleError maps domain errors to HTTP responses.
func consoleError(c *okapi.Context, err error) error {
	var pErr *console.ProvisionError
	switch {
	case errors.Is(err, console.ErrInvalidInput):
		return c.AbortBadRequest(err.Error())
	case errors.Is(err, console.ErrNotFound):
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "not found"})
	case errors.Is(err, console.ErrPermissionDenied):
		return c.JSON(http.StatusForbidden, ErrorBody{Error: "permission denied"})
	case errors.Is(err, console.ErrSessionNotReady),
		errors.Is(err, console.ErrSessionPaused),
		errors.Is(err, console.ErrSessionDisconnected),
		errors.Is(err, console.ErrSessionNotActive):
		return c.JSON(http.StatusConflict, ErrorBody{Error: err.Error()})
	case errors.As(err, &pErr):
		return c.AbortServiceUnavailable("sandbox provisioning failed: " + pErr.Reason)
	default:
		return c.AbortInternalServerError("internal error")
	}
}
