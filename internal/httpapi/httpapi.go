// Package httpapi implements the operator HTTP surface for nsbox.
//
// Endpoints:
//   - GET /healthz, /readyz: liveness and dependency readiness (unauthenticated)
//   - GET /metrics: Prometheus exposition (unauthenticated)
//   - GET /v1/sandboxes[?owner=]: live sandboxes
//   - GET /v1/sandboxes/{id}: one sandbox
//   - GET /v1/sandboxes/{id}/events: lifecycle trail for one sandbox
//
// The /v1 group is read-only. When API keys are configured every /v1
// request needs a matching bearer token (constant-time comparison).
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/nsbox/internal/observability"
	"github.com/jkaninda/nsbox/internal/sandbox"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the operator server.
type Config struct {
	ListenAddr string // e.g., ":8080"
	EnableDocs bool
	APIKeys    map[string]string // API key -> operator name. Empty = no auth.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Server is the operator HTTP server.
type Server struct {
	config  Config
	manager *sandbox.Manager
	events  sandbox.EventStore // nil = events endpoint disabled.
	logger  *slog.Logger
	server  *http.Server
	okapi   *okapi.Okapi
}

// NewServer creates an operator server over the lifecycle manager.
func NewServer(cfg Config, mgr *sandbox.Manager, logger *slog.Logger) *Server {
	return &Server{
		config:  cfg,
		manager: mgr,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithEvents attaches the lifecycle trail to the server.
func (s *Server) WithEvents(store sandbox.EventStore) *Server {
	s.events = store
	return s
}

// WithOpenAPIDocs enables the generated API documentation.
func (s *Server) WithOpenAPIDocs() *Server {
	s.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "nsbox",
			Version: "v1",
		},
	)
	return s
}

// Start launches the HTTP server and blocks until it exits.
func (s *Server) Start(ctx context.Context) error {
	if s.config.Metrics != nil || s.config.Tracer != nil {
		s.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(s.config.Metrics, s.config.Tracer, next)
		})
	}

	v1 := s.okapi.Group("/v1", s.authenticate)
	v1.Get("/sandboxes", s.handleList,
		okapi.DocSummary("List live sandboxes"),
		okapi.DocTags("Sandboxes"),
		okapi.DocResponse([]SandboxResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	v1.Get("/sandboxes/{id}", s.handleGet,
		okapi.DocSummary("Get a sandbox by ID"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocResponse(SandboxResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	if s.events != nil {
		v1.Get("/sandboxes/{id}/events", s.handleEvents,
			okapi.DocSummary("List lifecycle events for a sandbox"),
			okapi.DocTags("Sandboxes"),
			okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
			okapi.DocResponse([]EventResponse{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
	}

	// Observability endpoints (unauthenticated).
	s.okapi.Get("/healthz", s.handleLiveness)
	s.okapi.Get("/readyz", s.handleReadiness)

	if s.config.MetricsRegistry != nil {
		path := s.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.okapi.HandleStd("GET", path, promhttp.HandlerFor(s.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if s.config.EnableDocs {
		s.WithOpenAPIDocs()
	}

	s.server = &http.Server{
		Addr:              s.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("operator http server starting", slog.String("addr", s.config.ListenAddr))
	err := s.okapi.StartServer(s.server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(_ context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("operator http server stopping")
	return s.okapi.Shutdown(s.server)
}

// --- Handlers ---

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleLiveness(c *okapi.Context) error {
	if s.config.HealthChecker != nil {
		return c.OK(s.config.HealthChecker.CheckHealth())
	}
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (s *Server) handleReadiness(c *okapi.Context) error {
	if s.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := s.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

func (s *Server) handleList(c *okapi.Context) error {
	owner := c.Request().URL.Query().Get("owner")
	return c.OK(s.listSandboxes(owner))
}

func (s *Server) handleGet(c *okapi.Context) error {
	code, body := s.sandboxByID(c.Context(), c.Param("id"))
	return c.JSON(code, body)
}

func (s *Server) handleEvents(c *okapi.Context) error {
	q := c.Request().URL.Query()
	code, body := s.sandboxEvents(c.Context(), c.Param("id"), q.Get("type"), q.Get("limit"))
	return c.JSON(code, body)
}

// authenticate checks the bearer token when API keys are configured.
func (s *Server) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(s.config.APIKeys) == 0 {
			return next(c)
		}
		operator, ok := s.operatorFor(c.Header("Authorization"))
		if !ok {
			return c.AbortUnauthorized("missing or invalid API key")
		}
		c.Set("operator", operator)
		return next(c)
	}
}

// operatorFor resolves an Authorization header to an operator name.
func (s *Server) operatorFor(header string) (string, bool) {
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	apiKey := strings.TrimPrefix(header, "Bearer ")

	operator := ""
	for key, name := range s.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			operator = name
		}
	}
	return operator, operator != ""
}

// --- Handler logic ---

func (s *Server) listSandboxes(owner string) []SandboxResponse {
	records := s.manager.List(owner)
	out := make([]SandboxResponse, len(records))
	for i, r := range records {
		out[i] = toSandboxResponse(r)
	}
	return out
}

func (s *Server) sandboxByID(ctx context.Context, id string) (int, any) {
	rec, err := s.manager.Get(ctx, id)
	if err != nil {
		if errors.Is(err, sandbox.ErrNotFound) {
			return http.StatusNotFound, ErrorBody{Error: "sandbox not found"}
		}
		s.logger.ErrorContext(ctx, "loading sandbox failed",
			slog.String("sandbox_id", id),
			slog.String("error", err.Error()),
		)
		return http.StatusInternalServerError, ErrorBody{Error: "loading sandbox failed"}
	}
	return http.StatusOK, toSandboxResponse(rec)
}

func (s *Server) sandboxEvents(ctx context.Context, id, typ, limit string) (int, any) {
	filter := sandbox.EventFilter{SandboxID: id, Type: sandbox.EventType(typ)}
	if limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			return http.StatusBadRequest, ErrorBody{Error: "limit must be a positive integer"}
		}
		filter.Limit = n
	}

	events, err := s.events.List(ctx, filter)
	if err != nil {
		s.logger.ErrorContext(ctx, "listing sandbox events failed",
			slog.String("sandbox_id", id),
			slog.String("error", err.Error()),
		)
		return http.StatusInternalServerError, ErrorBody{Error: "listing events failed"}
	}

	out := make([]EventResponse, len(events))
	for i := range events {
		out[i] = toEventResponse(&events[i])
	}
	return http.StatusOK, out
}
