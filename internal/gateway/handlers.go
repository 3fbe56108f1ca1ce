package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/SebastienMelki/mailvault/internal/dedup"
	"github.com/SebastienMelki/mailvault/internal/observability"
	"github.com/SebastienMelki/mailvault/internal/relay"
	"github.com/SebastienMelki/mailvault/internal/sendgrid"
)

// Deps are the collaborators the server routes requests to. Dedup, Relay,
// Metrics, and MetricsHandler may be nil; the corresponding behavior is then
// skipped.
type Deps struct {
	Verifier       *sendgrid.Verifier
	Ingest         *IngestService
	Dedup          *dedup.Module
	Relay          *relay.Module
	Store          ObjectStore
	Metrics        *observability.Metrics
	MetricsHandler http.Handler
}

// Server is the webhook HTTP server.
type Server struct {
	config     Config
	webhook    sendgrid.Config
	deps       Deps
	httpServer *http.Server
	logger     *slog.Logger
	now        func() time.Time
}

// NewServer assembles the HTTP server and its middleware chain.
func NewServer(cfg Config, webhook sendgrid.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")

	s := &Server{
		config:  cfg,
		webhook: webhook,
		deps:    deps,
		logger:  logger,
		now:     time.Now,
	}
	s.httpServer = &http.Server{
		Addr:           cfg.Addr,
		Handler:        s.Handler(),
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}
	return s
}

// Handler returns the full route table wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/sendgrid", s.handleWebhook)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.deps.MetricsHandler != nil {
		mux.Handle("GET /metrics", s.deps.MetricsHandler)
	}

	return Chain(mux,
		RequestID,
		Recovery(s.logger),
		observability.HTTPMetrics(s.deps.Metrics),
		RateLimit(s.config.RateLimit),
		BodySizeLimit(s.webhook.MaxBodyBytes),
		ContentType,
	)
}

// Start runs the server until Shutdown is called. A closed listener is a
// normal exit, not an error.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.config.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// handleWebhook is the ingestion endpoint. The signature is verified over
// the exact body bytes before any parsing; 401 therefore takes precedence
// over 400 for a body that is both unsigned and malformed.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	logger := s.logger.With("request_id", GetRequestID(r.Context()))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			logger.Warn("webhook body over size cap", "limit_bytes", tooLarge.Limit)
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		logger.Warn("webhook body read failed", "error", err)
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	outcome := s.deps.Verifier.Verify(body,
		r.Header.Get(sendgrid.TimestampHeader),
		r.Header.Get(sendgrid.SignatureHeader),
	)
	if s.deps.Metrics != nil {
		s.deps.Metrics.WebhookVerifications.Add(r.Context(), 1,
			otelmetric.WithAttributes(attribute.String("outcome", string(outcome))))
	}
	switch outcome {
	case sendgrid.Verified:
	case sendgrid.NotConfigured:
		logger.Warn("webhook rejected: no verification key configured")
		writeError(w, http.StatusUnauthorized, "verification not configured")
		return
	default:
		logger.Warn("webhook rejected: signature verification failed")
		writeError(w, http.StatusUnauthorized, "signature verification failed")
		return
	}

	events, err := sendgrid.ParseBatch(body)
	if err != nil {
		logger.Warn("webhook body is not an event array", "error", err)
		writeError(w, http.StatusBadRequest, ErrMalformedBody.Error())
		return
	}

	received := len(events)
	if s.deps.Dedup != nil {
		events = s.deps.Dedup.FilterEvents(events)
	}

	key, err := s.deps.Ingest.Ingest(r.Context(), events)
	if err != nil {
		logger.Error("webhook batch storage failed", "events", len(events), "error", err)
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}

	if s.deps.Relay != nil {
		s.deps.Relay.Enqueue(events)
	}

	logger.Info("webhook batch accepted",
		"events", received,
		"archived", len(events),
		"key", key,
	)
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth reports liveness plus object-store reachability, so load
// balancers can stop routing webhooks that would only come back as 500s.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
		Store     string `json:"store"`
	}{
		Status:    "ok",
		Timestamp: s.now().UTC().Format(time.RFC3339),
		Store:     "ok",
	}

	code := http.StatusOK
	if s.deps.Store != nil {
		if err := s.deps.Store.HealthCheck(ctx); err != nil {
			s.logger.Warn("health check: object store unreachable", "error", err)
			resp.Status = "degraded"
			resp.Store = "unreachable"
			code = http.StatusServiceUnavailable
		}
	}

	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("health response write failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
