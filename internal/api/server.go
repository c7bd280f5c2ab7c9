// Package api is the operator HTTP surface of the watch daemon: health
// and status snapshots, job inspection, the remote approval gate, the
// SSE event stream and the nudge wake-up endpoint.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/mattjoyce/groundwork/internal/events"
	"github.com/mattjoyce/groundwork/internal/publish"
	"github.com/mattjoyce/groundwork/internal/store"
)

// JobReader is the store surface the read endpoints use.
type JobReader interface {
	Get(ctx context.Context, jobID string) (*store.Job, error)
	ListByStatus(ctx context.Context, status store.Status) ([]*store.Job, error)
	CountByStatus(ctx context.Context) (map[store.Status]int, error)
	Transitions(ctx context.Context, jobID string) ([]store.Transition, error)
}

// Approvals is the gate surface behind the decision endpoints.
type Approvals interface {
	Approve(ctx context.Context, jobID, approver string) (*store.Job, error)
	ApproveHold(ctx context.Context, jobID, approver string) (*store.Job, error)
	Reject(ctx context.Context, jobID, approver, reason string) (*store.Job, error)
	Release(ctx context.Context, jobID, operator string) (*store.Job, error)
}

// PublisherStats exposes the status publisher's counters.
type PublisherStats interface {
	Stats() publish.Stats
}

// Waker wakes the watcher for an immediate claim pass.
type Waker interface {
	Nudge()
}

// RequestRecorder records request metrics.
type RequestRecorder interface {
	RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// Token is the operator bearer token guarding mutating routes.
	// Empty means every mutating request is rejected.
	Token       string
	CORSOrigins []string
	// NudgeSecret is the HMAC key for POST /nudge. Empty disables the
	// endpoint.
	NudgeSecret string
}

// Runtime describes the daemon fields echoed by GET /status.
type Runtime struct {
	ServiceName   string
	Version       string
	WatcherName   string
	PollInterval  time.Duration
	ApprovalGate  bool
	WorkspaceRoot string
	TemplateKinds []string
	IntakeBaseURL string
}

// Server is the operator HTTP API server.
type Server struct {
	config    Config
	runtime   Runtime
	jobs      JobReader
	gate      Approvals
	hub       *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time

	// Optional collaborators; nil disables the related surface.
	Publisher PublisherStats
	Waker     Waker
	Metrics   http.Handler
	Requests  RequestRecorder
}

// New creates an operator API server.
func New(config Config, runtime Runtime, jobs JobReader, gate Approvals, hub *events.Hub, logger *slog.Logger) *Server {
	if hub == nil {
		hub = events.NewHub(0)
	}
	return &Server{
		config:    config,
		runtime:   runtime,
		jobs:      jobs,
		gate:      gate,
		hub:       hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		// No write timeout: /events streams stay open indefinitely.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
		// Request contexts descend from ctx, so open /events streams end
		// when the daemon stops and Shutdown is not left waiting on them.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("operator API starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("operator API shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	if len(s.config.CORSOrigins) > 0 {
		c := cors.New(cors.Options{
			AllowedOrigins: s.config.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		})
		r.Use(c.Handler)
	}

	// Read surfaces.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{jobID}", s.handleGetJob)
	r.Get("/events", s.handleEvents)
	r.Get("/openapi.json", s.handleOpenAPI)
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics)
	}

	// HMAC-signed wake-up, no bearer auth.
	r.Post("/nudge", s.handleNudge)

	// Gate decisions require the operator token.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/jobs/{jobID}/approve", s.handleApprove)
		r.Post("/jobs/{jobID}/reject", s.handleReject)
		r.Post("/jobs/{jobID}/release", s.handleRelease)
	})

	return r
}

// loggingMiddleware logs HTTP requests and feeds the request metrics.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", elapsed.Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
		if s.Requests != nil {
			s.Requests.RecordHTTPRequest(r.Context(), r.Method, r.URL.Path, ww.Status(), elapsed.Seconds())
		}
	})
}
