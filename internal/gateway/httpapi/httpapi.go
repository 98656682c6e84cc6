// Package httpapi implements the HTTP API gateway for the coordination
// mesh.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Per-client rate limiting via token bucket
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/coralproto/coral/internal/observability"
	"github.com/coralproto/coral/internal/orchestrator"
	"github.com/coralproto/coral/internal/protocol"
	"github.com/coralproto/coral/internal/ratelimit"
	"github.com/coralproto/coral/internal/registry"
	"github.com/coralproto/coral/internal/storage"
	"github.com/coralproto/coral/internal/triage"
	"github.com/coralproto/coral/internal/workflow"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr string // e.g., ":8080"
	EnableDocs bool
	APIKeys    map[string]string // API key → client ID mapping. Keys from env.

	// Observability
	MetricsRegistry *prometheus.Registry         // Custom Prometheus registry for /metrics.
	MetricsPath     string                       // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker // Health checker for /readyz.
	Metrics         *observability.HTTPMetrics   // HTTP metrics for the middleware.
	Tracer          trace.Tracer                 // Per-request spans. Nil disables tracing.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	engine  *orchestrator.Engine
	reg     *registry.Registry
	store   storage.Store // nil = archive endpoints degrade gracefully.
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	extraRoutes []extraRoute
	okapi       *okapi.Okapi
	group       *okapi.Group
}

// extraRoute stores an additional handler mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, engine *orchestrator.Engine, reg *registry.Registry, store storage.Store, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:  cfg,
		engine:  engine,
		reg:     reg,
		store:   store,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(),
	}
}

// WithHandler mounts an additional handler on the HTTP mux at the given
// pattern. Used for the WebSocket event endpoint.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// WithOpenAPIDocs enables the generated OpenAPI documentation routes.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Coral",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is
// canceled.
func (g *Gateway) Start(ctx context.Context) error {
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	// Alert intake.
	g.group.Post("/alerts", g.handleAlertSubmit,
		okapi.DocSummary("Submit a security alert for triage"),
		okapi.DocTags("Alerts"),
		okapi.DocRequestBody(AlertSubmitRequest{}),
		okapi.DocResponse(http.StatusAccepted, AlertSubmitResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/alerts", g.handleAlertList,
		okapi.DocSummary("List archived alerts"),
		okapi.DocTags("Alerts"),
		okapi.DocResponse([]triage.SecurityAlert{}),
	)
	g.group.Get("/alerts/{id}", g.handleAlertGet,
		okapi.DocSummary("Get an archived alert by ID"),
		okapi.DocTags("Alerts"),
		okapi.DocPathParam("id", "string", "Alert ID"),
		okapi.DocResponse(triage.SecurityAlert{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Workflow lifecycle.
	g.group.Post("/workflows", g.handleWorkflowStart,
		okapi.DocSummary("Start a workflow instance"),
		okapi.DocTags("Workflows"),
		okapi.DocRequestBody(WorkflowStartRequest{}),
		okapi.DocResponse(http.StatusAccepted, workflow.Snapshot{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/workflows", g.handleWorkflowList,
		okapi.DocSummary("List archived workflows"),
		okapi.DocTags("Workflows"),
		okapi.DocResponse([]workflow.Snapshot{}),
	)
	g.group.Get("/workflows/{id}", g.handleWorkflowStatus,
		okapi.DocSummary("Get workflow status"),
		okapi.DocTags("Workflows"),
		okapi.DocPathParam("id", "string", "Workflow instance ID"),
		okapi.DocResponse(workflow.Snapshot{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/workflows/{id}/pause", g.handleWorkflowPause,
		okapi.DocSummary("Pause a running workflow"),
		okapi.DocTags("Workflows"),
		okapi.DocPathParam("id", "string", "Workflow instance ID"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Post("/workflows/{id}/resume", g.handleWorkflowResume,
		okapi.DocSummary("Resume a paused workflow"),
		okapi.DocTags("Workflows"),
		okapi.DocPathParam("id", "string", "Workflow instance ID"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Post("/workflows/{id}/cancel", g.handleWorkflowCancel,
		okapi.DocSummary("Cancel a workflow"),
		okapi.DocTags("Workflows"),
		okapi.DocPathParam("id", "string", "Workflow instance ID"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)

	// Worker and system introspection.
	g.group.Get("/workers", g.handleWorkerList,
		okapi.DocSummary("List registered workers"),
		okapi.DocTags("System"),
		okapi.DocResponse([]protocol.WorkerStatus{}),
	)
	g.group.Get("/threads/{id}", g.handleThreadHistory,
		okapi.DocSummary("Get the audit history of a message thread"),
		okapi.DocTags("System"),
		okapi.DocPathParam("id", "string", "Thread ID"),
		okapi.DocResponse(ThreadResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/system", g.handleSystemStatus,
		okapi.DocSummary("Get mesh and orchestrator status"),
		okapi.DocTags("System"),
		okapi.DocResponse(SystemResponse{}),
	)

	// Extra handlers (e.g., WebSocket event endpoint).
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
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// HealthResponse is the JSON response for health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

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

// authenticate validates the API key and stores the mapped client ID.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		clientID := ""
		for key, id := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				clientID = id
			}
		}
		if clientID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("clientID", clientID)
		return next(c)
	}
}

// rateLimit enforces the per-client bucket. Returns a non-nil response
// error when the caller must back off.
func (g *Gateway) rateLimit(c *okapi.Context, clientID string) error {
	if g.limiter == nil {
		return nil
	}
	if err := g.limiter.Allow(clientID); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	return nil
}

// statusError maps mesh errors to HTTP responses.
func statusError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, protocol.ErrNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": err.Error()})
	case errors.Is(err, protocol.ErrUnknownWorkflowType):
		return c.JSON(http.StatusBadRequest, okapi.M{"error": err.Error()})
	case errors.Is(err, protocol.ErrCapabilityNotFound):
		return c.JSON(http.StatusConflict, okapi.M{"error": err.Error()})
	case errors.Is(err, protocol.ErrBusy):
		return c.JSON(http.StatusServiceUnavailable, okapi.M{"error": err.Error()})
	default:
		return c.JSON(http.StatusConflict, okapi.M{"error": err.Error()})
	}
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
