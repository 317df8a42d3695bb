// Package httpapi implements the HTTP API gateway for Kestrel.
//
// Security:
//   - API key authentication on every request (constant-time comparison)
//   - Right-based authorization, every key scoped to a single service
//   - Request body size limits (default 1 MB)
//   - Per-key rate limiting via token bucket
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/kestrelid/kestrel/internal/action"
	"github.com/kestrelid/kestrel/internal/gateway"
	"github.com/kestrelid/kestrel/internal/observability"
	"github.com/kestrelid/kestrel/internal/ratelimit"
	"github.com/kestrelid/kestrel/internal/security"
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

var _ gateway.Gateway = (*Gateway)(nil)

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	actions  *action.Service
	keychain *security.Keychain
	authz    observability.Authorizer
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, actions *action.Service, kc *security.Keychain, authz observability.Authorizer, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:   cfg,
		actions:  actions,
		keychain: kc,
		authz:    authz,
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Kestrel",
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

	g.group.Get("/triggers", g.handleTriggers,
		okapi.DocSummary("List supported trigger identifiers"),
		okapi.DocTags("Triggers"),
		okapi.DocResponse(TriggersResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)

	// Action CRUD.
	g.group.Post("/services/{serviceID}/actions", g.handleActionCreate,
		okapi.DocSummary("Create an action"),
		okapi.DocTags("Actions"),
		okapi.DocPathParam("serviceID", "string", "Service ID (UUID)"),
		okapi.DocRequestBody(action.CreateInput{}),
		okapi.DocResponse(http.StatusCreated, ActionResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Get("/services/{serviceID}/actions", g.handleActionList,
		okapi.DocSummary("List actions for a service"),
		okapi.DocTags("Actions"),
		okapi.DocPathParam("serviceID", "string", "Service ID (UUID)"),
		okapi.DocResponse([]ActionResponse{}),
	)
	g.group.Get("/services/{serviceID}/actions/{id}", g.handleActionGet,
		okapi.DocSummary("Get an action by ID"),
		okapi.DocTags("Actions"),
		okapi.DocPathParam("serviceID", "string", "Service ID (UUID)"),
		okapi.DocPathParam("id", "string", "Action ID (UUID)"),
		okapi.DocResponse(ActionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Patch("/services/{serviceID}/actions/{id}", g.handleActionUpdate,
		okapi.DocSummary("Partially update an action"),
		okapi.DocTags("Actions"),
		okapi.DocPathParam("serviceID", "string", "Service ID (UUID)"),
		okapi.DocPathParam("id", "string", "Action ID (UUID)"),
		okapi.DocRequestBody(action.UpdateInput{}),
		okapi.DocResponse(ActionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Delete("/services/{serviceID}/actions/{id}", g.handleActionDelete,
		okapi.DocSummary("Delete an action (its execution log is retained)"),
		okapi.DocTags("Actions"),
		okapi.DocPathParam("serviceID", "string", "Service ID (UUID)"),
		okapi.DocPathParam("id", "string", "Action ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/services/{serviceID}/actions/{id}/enable", g.handleActionEnable,
		okapi.DocSummary("Enable an action"),
		okapi.DocTags("Actions"),
		okapi.DocPathParam("serviceID", "string", "Service ID (UUID)"),
		okapi.DocPathParam("id", "string", "Action ID (UUID)"),
		okapi.DocResponse(ActionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/services/{serviceID}/actions/{id}/disable", g.handleActionDisable,
		okapi.DocSummary("Disable an action"),
		okapi.DocTags("Actions"),
		okapi.DocPathParam("serviceID", "string", "Service ID (UUID)"),
		okapi.DocPathParam("id", "string", "Action ID (UUID)"),
		okapi.DocResponse(ActionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/services/{serviceID}/actions/batch-upsert", g.handleActionBatchUpsert,
		okapi.DocSummary("Create or update actions by name, one result per item"),
		okapi.DocTags("Actions"),
		okapi.DocPathParam("serviceID", "string", "Service ID (UUID)"),
		okapi.DocRequestBody(BatchUpsertRequest{}),
		okapi.DocResponse(action.BatchResult{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)

	// Synchronous test run.
	g.group.Post("/services/{serviceID}/actions/{id}/test", g.handleActionTest,
		okapi.DocSummary("Run an action synchronously against a supplied context"),
		okapi.DocTags("Actions"),
		okapi.DocPathParam("serviceID", "string", "Service ID (UUID)"),
		okapi.DocPathParam("id", "string", "Action ID (UUID)"),
		okapi.DocRequestBody(TestRequest{}),
		okapi.DocResponse(TestResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Execution log and stats.
	g.group.Get("/services/{serviceID}/actions/{id}/stats", g.handleActionStats,
		okapi.DocSummary("Get rolling execution statistics for an action"),
		okapi.DocTags("Logs"),
		okapi.DocPathParam("serviceID", "string", "Service ID (UUID)"),
		okapi.DocPathParam("id", "string", "Action ID (UUID)"),
		okapi.DocResponse(StatsResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/services/{serviceID}/actions/{id}/logs", g.handleActionLogs,
		okapi.DocSummary("Query the execution log for one action, newest first"),
		okapi.DocTags("Logs"),
		okapi.DocPathParam("serviceID", "string", "Service ID (UUID)"),
		okapi.DocPathParam("id", "string", "Action ID (UUID)"),
		okapi.DocResponse([]ExecutionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/services/{serviceID}/logs", g.handleServiceLogs,
		okapi.DocSummary("Query the execution log for a service, newest first"),
		okapi.DocTags("Logs"),
		okapi.DocPathParam("serviceID", "string", "Service ID (UUID)"),
		okapi.DocResponse([]ExecutionResponse{}),
	)

	// WebSocket log tail (authenticates inside the handler; the upgrade
	// request cannot always carry an Authorization header).
	g.okapi.HandleStd("GET", "/v1/services/{serviceID}/logs/stream", g.handleLogStream)

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

// HealthResponse is the JSON response for the probe endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.Ready(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate resolves the Bearer key to its principal and stores the
// principal's fields on the request context.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		p, ok := g.keychain.Lookup(apiKey)
		if !ok {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("keyID", p.KeyID)
		c.Set("keyName", p.Name)
		c.Set("keyServiceID", p.ServiceID.String())
		c.Set("keyRole", p.Role)
		return next(c)
	}
}

// principal rebuilds the authenticated principal from the request context.
func (g *Gateway) principal(c *okapi.Context) (security.Principal, bool) {
	keyID := c.GetString("keyID")
	if keyID == "" {
		return security.Principal{}, false
	}
	serviceID, err := uuid.Parse(c.GetString("keyServiceID"))
	if err != nil {
		return security.Principal{}, false
	}
	return security.Principal{
		KeyID:     keyID,
		Name:      c.GetString("keyName"),
		ServiceID: serviceID,
		Role:      c.GetString("keyRole"),
	}, true
}

// authorize applies rate limiting and the right check for the path service.
// When ok is false the response has already been built; handlers return resp
// as-is.
func (g *Gateway) authorize(c *okapi.Context, right security.Right) (p security.Principal, serviceID uuid.UUID, resp error, ok bool) {
	p, found := g.principal(c)
	if !found {
		return security.Principal{}, uuid.Nil, c.AbortUnauthorized("Unauthorized"), false
	}

	if g.limiter != nil {
		if err := g.limiter.Allow(p.KeyID); err != nil {
			return security.Principal{}, uuid.Nil, c.AbortTooManyRequests("rate limit exceeded"), false
		}
	}

	serviceID, err := uuid.Parse(c.Param("serviceID"))
	if err != nil {
		return security.Principal{}, uuid.Nil, c.AbortBadRequest("invalid service ID"), false
	}

	if err := g.authz.Authorize(c.Context(), p, serviceID, right); err != nil {
		return security.Principal{}, uuid.Nil, c.JSON(http.StatusForbidden, okapi.M{"error": "permission denied"}), false
	}

	return p, serviceID, nil, true
}

// --- Helpers ---

// actionError maps service errors to HTTP responses.
func actionError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, action.ErrValidation):
		return c.JSON(http.StatusBadRequest, okapi.M{"error": err.Error()})
	case errors.Is(err, action.ErrNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": "action not found"})
	case errors.Is(err, action.ErrConflict):
		return c.JSON(http.StatusConflict, okapi.M{"error": err.Error()})
	case errors.Is(err, security.ErrPermissionDenied):
		return c.JSON(http.StatusForbidden, okapi.M{"error": "permission denied"})
	default:
		return c.AbortInternalServerError("internal error")
	}
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
