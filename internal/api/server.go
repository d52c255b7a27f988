// Package api exposes the onboarding engine over HTTP: starting processes
// from form submissions, querying status, merging quote modifications and
// streaming the event log.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/rendis/onboard/internal/engine"
	"github.com/rendis/onboard/internal/store"
	"github.com/rendis/onboard/internal/streaming"
	"github.com/rendis/onboard/internal/validation"
	"github.com/rendis/onboard/pkg/schema"
)

// ProcessService is the slice of the engine the API needs. Satisfied by
// *engine.Engine.
type ProcessService interface {
	StartProcess(ctx context.Context, flow schema.FlowDefinition, initial map[string]any) (string, error)
	Status(ctx context.Context, id string) (*engine.StatusReport, error)
	ApplyQuoteModification(ctx context.Context, id string, values map[string]any) error
	Cancel(ctx context.Context, id string) error
	Events(ctx context.Context, id string, since int64) ([]*store.Event, error)
}

// BreakerInspector reports circuit breaker diagnostics per collaborator.
// Satisfied by *engine.CircuitBreakerRegistry.
type BreakerInspector interface {
	Stats() map[string]map[string]any
}

// Config carries the API's runtime settings.
type Config struct {
	// AuthToken guards the /api routes when non-empty. Health and metrics
	// stay open for probes and scrapers.
	AuthToken string
}

// Server routes HTTP requests to the engine.
type Server struct {
	service   ProcessService
	validator validation.Validator
	metrics   http.Handler
	hub       streaming.EventHub
	breakers  BreakerInspector
	logger    *slog.Logger
	cfg       Config
}

// NewServer wires the API server. metricsHandler may be nil when metrics are
// disabled.
func NewServer(service ProcessService, v validation.Validator, metricsHandler http.Handler, logger *slog.Logger, cfg Config) *Server {
	return &Server{
		service:   service,
		validator: v,
		metrics:   metricsHandler,
		logger:    logger,
		cfg:       cfg,
	}
}

// SetEventHub enables the live event stream endpoint. Call before Handler.
func (s *Server) SetEventHub(hub streaming.EventHub) {
	s.hub = hub
}

// SetBreakerInspector enables the breaker diagnostics endpoint. Call before
// Handler.
func (s *Server) SetBreakerInspector(b BreakerInspector) {
	s.breakers = b
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	api := http.NewServeMux()
	api.HandleFunc("POST /api/workflow/form-submission/start", s.handleStartSubmission)
	api.HandleFunc("POST /api/workflow/flows/start", s.handleStartCustomFlow)
	api.HandleFunc("GET /api/workflow/process/{id}/status", s.handleStatus)
	api.HandleFunc("POST /api/workflow/process/{id}/complete-quote-modification", s.handleQuoteModification)
	api.HandleFunc("POST /api/workflow/process/{id}/cancel", s.handleCancel)
	api.HandleFunc("GET /api/workflow/process/{id}/events", s.handleEvents)
	if s.hub != nil {
		api.HandleFunc("GET /api/workflow/process/{id}/stream", s.handleStream)
	}
	if s.breakers != nil {
		api.HandleFunc("GET /api/workflow/breakers", s.handleBreakers)
	}
	mux.Handle("/api/", s.authenticate(api))

	return s.correlate(mux)
}

// correlate tags every request with an X-Request-ID, honoring the caller's
// when present, and logs the request line.
func (s *Server) correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := r.Context()
		s.logger.InfoContext(ctx, "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("request_id", requestID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate enforces the static bearer token when one is configured.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// httpStatusFor maps engine error codes onto HTTP statuses.
func httpStatusFor(err error) int {
	var obErr *schema.OnboardError
	if !errors.As(err, &obErr) {
		return http.StatusInternalServerError
	}
	switch obErr.Code {
	case schema.ErrCodeValidation:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
