// Package httpapi implements Daraja's caller-facing HTTP surface: an
// OpenAI-compatible chat completions API served over heterogeneous
// backend providers.
//
// Security:
//   - Bearer token authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-provider rate limiting via token bucket
//   - Strict request validation before any backend is touched
//   - All requests logged with correlation IDs; credentials never logged
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/sha256"
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

	"github.com/jkaninda/daraja/internal/adapter"
	"github.com/jkaninda/daraja/internal/observability"
	"github.com/jkaninda/daraja/internal/protocol"
	"github.com/jkaninda/daraja/internal/provider"
	"github.com/jkaninda/daraja/internal/ratelimit"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// statusClientClosedRequest mirrors the nginx convention for requests the
// caller abandoned before a response was produced.
const statusClientClosedRequest = 499

// Config configures the HTTP gateway.
type Config struct {
	ListenAddr     string   // e.g., ":8080"
	EnableDocs     bool     // Serve OpenAPI docs.
	AuthTokens     []string // Accepted bearer tokens. Empty = authentication disabled.
	MaxRequestSize int64    // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP gateway. Providers and their adapters are fixed at
// construction; only health state changes at runtime.
type Gateway struct {
	config   Config
	store    *provider.Store
	adapters map[string]adapter.Adapter // keyed by provider ID
	limiter  *ratelimit.PerProvider
	logger   *slog.Logger
	server   *http.Server
	okapi    *okapi.Okapi
	group    *okapi.Group
}

// NewGateway creates an HTTP gateway over the given providers and adapters.
func NewGateway(cfg Config, store *provider.Store, adapters map[string]adapter.Adapter, limiter *ratelimit.PerProvider, logger *slog.Logger) *Gateway {
	size := cfg.MaxRequestSize
	if size <= 0 {
		size = defaultMaxRequestSize
	}
	cfg.MaxRequestSize = size
	return &Gateway{
		config:   cfg,
		store:    store,
		adapters: adapters,
		limiter:  limiter,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(size)),
	}
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Authenticated /v1 group. The request middleware assigns the
	// correlation ID and records metrics and spans.
	g.group = g.okapi.Group("/v1",
		observability.RequestMiddleware(g.config.Metrics, g.config.Tracer),
		g.authenticate,
	)

	g.group.Post("/chat/completions", g.handleChatCompletions,
		okapi.DocSummary("Create a chat completion"),
		okapi.DocTags("Chat"),
		okapi.DocRequestBody(protocol.ChatCompletionRequest{}),
		okapi.DocResponse(protocol.ChatCompletionResponse{}),
		okapi.DocResponse(http.StatusBadRequest, protocol.ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, protocol.ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, protocol.ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, protocol.ErrorBody{}),
		okapi.DocResponse(http.StatusBadGateway, protocol.ErrorBody{}),
	)
	g.group.Get("/models", g.handleModels,
		okapi.DocSummary("List available models"),
		okapi.DocTags("Models"),
		okapi.DocResponse(ModelList{}),
	)
	g.group.Get("/models/{id}", g.handleModelGet,
		okapi.DocSummary("Retrieve a model by ID"),
		okapi.DocTags("Models"),
		okapi.DocPathParam("id", "string", "Caller-facing model ID"),
		okapi.DocResponse(ModelInfo{}),
		okapi.DocResponse(http.StatusNotFound, protocol.ErrorBody{}),
	)

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
		g.okapi.WithOpenAPIDocs(okapi.OpenAPI{
			Title:   "Daraja",
			Version: "v0.1.0",
		})
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute, // sandboxed CLI backends are slow
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Chat completions ---

func (g *Gateway) handleChatCompletions(c *okapi.Context) error {
	callerID := c.GetString("callerID")

	var req protocol.ChatCompletionRequest
	if err := c.Bind(&req); err != nil {
		return apiError(c, http.StatusBadRequest, "invalid_request_error", "", "malformed JSON body")
	}
	if err := req.Validate(); err != nil {
		var ve *protocol.ValidationError
		if errors.As(err, &ve) {
			return apiError(c, http.StatusBadRequest, "invalid_request_error", ve.Field, err.Error())
		}
		return apiError(c, http.StatusBadRequest, "invalid_request_error", "", err.Error())
	}
	if req.Stream {
		return apiError(c, http.StatusBadRequest, "invalid_request_error", "stream", "streaming is not supported")
	}

	prov, ok := g.store.ByModel(req.Model)
	if !ok {
		return apiError(c, http.StatusNotFound, "invalid_request_error", "model",
			"the model `"+req.Model+"` does not exist or is not served by any configured provider")
	}

	if g.limiter != nil {
		if err := g.limiter.Allow(prov.ID, callerID); err != nil {
			if g.config.Metrics != nil {
				g.config.Metrics.RateLimitedTotal.WithLabelValues(prov.ID).Inc()
			}
			return apiError(c, http.StatusTooManyRequests, "rate_limit_error", "", "rate limit exceeded")
		}
	}

	ad, ok := g.adapters[prov.ID]
	if !ok {
		return apiError(c, http.StatusServiceUnavailable, "infrastructure_error", "", "provider has no adapter")
	}

	// The request middleware assigned the correlation ID; fall back to a
	// fresh one when the handler runs outside the /v1 group (tests).
	requestID := c.GetString(observability.RequestIDKey)
	if requestID == "" {
		requestID = observability.NewRequestID()
	}
	g.logger.Info("chat completion",
		slog.String("correlation_id", requestID),
		slog.String("provider", prov.ID),
		slog.String("model", req.Model),
		slog.String("caller_id", callerID),
	)

	resp, err := ad.Complete(c.Context(), &req, requestID)
	if err != nil {
		status, errType := errorStatus(err)
		g.logger.Error("chat completion failed",
			slog.String("correlation_id", requestID),
			slog.String("provider", prov.ID),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
		return apiError(c, status, errType, "", err.Error())
	}

	return c.OK(resp)
}

// --- Models ---

// ModelInfo is one entry in the OpenAI-style model list.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the OpenAI-style list envelope for GET /v1/models.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

func (g *Gateway) handleModels(c *okapi.Context) error {
	return c.OK(buildModelList(g.store))
}

func (g *Gateway) handleModelGet(c *okapi.Context) error {
	id := c.Param("id")
	prov, ok := g.store.ByModel(id)
	if !ok {
		return apiError(c, http.StatusNotFound, "invalid_request_error", "model",
			"the model `"+id+"` does not exist")
	}
	return c.OK(modelInfo(id, prov))
}

func buildModelList(store *provider.Store) ModelList {
	list := ModelList{Object: "list", Data: []ModelInfo{}}
	for _, p := range store.All() {
		for _, m := range p.Models {
			list.Data = append(list.Data, modelInfo(m.ExternalID, p))
		}
	}
	return list
}

func modelInfo(id string, p *provider.Provider) ModelInfo {
	return ModelInfo{
		ID:      id,
		Object:  "model",
		Created: time.Now().Unix(),
		OwnedBy: p.ID,
	}
}

// --- Health ---

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
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

// authenticate validates the bearer token and derives a stable caller ID
// for rate limiting. The token itself is never stored or logged.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.AuthTokens) == 0 {
			c.Set("callerID", "anonymous")
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return apiError(c, http.StatusUnauthorized, "authentication_error", "", "missing or invalid Authorization header")
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")

		if !matchToken(g.config.AuthTokens, token) {
			return apiError(c, http.StatusUnauthorized, "authentication_error", "", "invalid API key")
		}
		c.Set("callerID", callerID(token))
		return next(c)
	}
}

// matchToken compares the presented token against every configured token so
// timing does not reveal which (if any) prefix matched.
func matchToken(tokens []string, presented string) bool {
	matched := false
	for _, t := range tokens {
		if subtle.ConstantTimeCompare([]byte(presented), []byte(t)) == 1 {
			matched = true
		}
	}
	return matched
}

// callerID derives a stable non-reversible identifier from a bearer token.
func callerID(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

// --- Helpers ---

// apiError writes an OpenAI-style error envelope.
func apiError(c *okapi.Context, status int, errType, param, message string) error {
	return c.JSON(status, protocol.ErrorBody{
		Error: protocol.ErrorDetail{
			Message: message,
			Type:    errType,
			Param:   param,
		},
	})
}
