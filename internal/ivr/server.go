// Package ivr implements the webhook call flow: greet the caller with the
// extension menu, dispatch the selected extension, and accept the recording
// callback for voicemail delivery.
package ivr

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/flowpbx/attendant/internal/directory"
	"github.com/flowpbx/attendant/internal/metrics"
	"github.com/flowpbx/attendant/internal/voicemail"
)

// Webhook paths. The recording callback carries the selected extension in
// the URL so the flow stays stateless between requests.
const (
	greetPath  = "/incoming_call"
	selectPath = "/handle_extension_selection"
	recordPath = "/handle_recording"
)

// Deliverer runs the voicemail download-store-notify pipeline.
type Deliverer interface {
	Deliver(ctx context.Context, req voicemail.Request) error
}

// Server holds the webhook handler dependencies and the chi router.
type Server struct {
	router  *chi.Mux
	dir     *directory.Directory
	deliver Deliverer
	metrics *metrics.Metrics
	limiter *IPRateLimiter
	logger  *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted. The metrics
// handler serves GET /metrics; pass nil to leave it unmounted.
func NewServer(
	dir *directory.Directory,
	deliver Deliverer,
	m *metrics.Metrics,
	metricsHandler http.Handler,
	logger *slog.Logger,
) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		dir:     dir,
		deliver: deliver,
		metrics: m,
		limiter: NewIPRateLimiter(DefaultRateLimitConfig()),
		logger:  logger.With("component", "ivr"),
	}

	s.routes(metricsHandler)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Stop terminates background goroutines owned by the server.
func (s *Server) Stop() {
	s.limiter.Stop()
}

// routes configures all middleware and mounts the webhook endpoints.
// The telephony provider may use GET or POST for any webhook, so each
// endpoint is registered for both.
func (s *Server) routes(metricsHandler http.Handler) {
	r := s.router

	// Global middleware stack.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(StructuredLogger)

	r.Get("/healthz", s.handleHealth)
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(RateLimit(s.limiter))

		getAndPost(r, greetPath, s.handleIncomingCall)
		getAndPost(r, selectPath, s.handleSelection)
		getAndPost(r, recordPath+"/{ext}", s.handleRecording)
	})

	slog.Info("webhook routes mounted")
}

// getAndPost registers a handler for both GET and POST on the same pattern.
func getAndPost(r chi.Router, pattern string, h http.HandlerFunc) {
	r.Get(pattern, h)
	r.Post(pattern, h)
}

// handleHealth returns basic health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
		slog.Error("failed to encode health response", "error", err)
	}
}
