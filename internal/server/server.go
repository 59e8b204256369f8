// Package server exposes the sync trigger and job progress over HTTP.
//
// Routes, relative to the configured base path:
//
//	GET <base>/sync[?resync=1]     start a run, 303 to its progress URL
//	GET <base>/progress?jobId=<id> job status as JSON
//	GET /metrics                   Prometheus metrics
//	GET /health                    liveness
package server

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ajitpratap0/crmsync/internal/pipeline"
	"github.com/ajitpratap0/crmsync/pkg/errors"
	"github.com/ajitpratap0/crmsync/pkg/jobs"
	"github.com/ajitpratap0/crmsync/pkg/json"
	"github.com/ajitpratap0/crmsync/pkg/logger"
	"github.com/ajitpratap0/crmsync/pkg/metrics"
	"github.com/ajitpratap0/crmsync/pkg/observability"
)

// Runner starts background sync runs
type Runner interface {
	Start(ctx context.Context, opts pipeline.RunOptions) (string, error)
	ActiveJob() (string, bool)
}

// StatusSource looks up job statuses
type StatusSource interface {
	Get(id string) (jobs.Status, error)
}

// Config holds server configuration
type Config struct {
	// Address to listen on
	Address string
	// BasePath prefixes the sync and progress routes; "" mounts them at the root
	BasePath string
	// EnableMetrics serves /metrics
	EnableMetrics bool
	// ServiceName labels request spans
	ServiceName string
	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration
}

// Server serves the sync HTTP surface
type Server struct {
	config   Config
	runner   Runner
	statuses StatusSource
	logger   *zap.Logger
	handler  http.Handler
}

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status    string `json:"status"`
	ActiveJob string `json:"activeJob,omitempty"`
}

// New creates a server
func New(cfg Config, runner Runner, statuses StatusSource, log *zap.Logger) *Server {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "crmsync"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		config:   cfg,
		runner:   runner,
		statuses: statuses,
		logger:   log.With(zap.String("component", "server")),
	}
	s.handler = s.routes()
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	base := s.config.BasePath
	mux := http.NewServeMux()
	mux.Handle("GET "+base+"/sync", s.instrument("sync", http.HandlerFunc(s.handleSync)))
	mux.Handle("GET "+base+"/progress", s.instrument("progress", http.HandlerFunc(s.handleProgress)))
	mux.Handle("GET /health", s.instrument("health", http.HandlerFunc(s.handleHealth)))
	if s.config.EnableMetrics {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	return observability.TracingMiddleware(s.config.ServiceName)(s.withRequestID(mux))
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "listen on "+s.config.Address)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("address", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, errors.ErrorTypeConnection, "http server")
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
	defer cancel()
	s.logger.Info("shutting down http server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTimeout, "http shutdown")
	}
	return nil
}

// handleSync starts a run and redirects to its progress URL. When a run is
// already active the client is sent to that run instead.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	opts := pipeline.RunOptions{Resync: truthy(r.URL.Query().Get("resync"))}
	log := logger.WithContext(r.Context())

	jobID, err := s.runner.Start(r.Context(), opts)
	switch {
	case err == nil:
		log.Info("sync triggered", zap.String("job_id", jobID), zap.Bool("resync", opts.Resync))
	case errors.IsType(err, errors.ErrorTypeConflict) && jobID != "":
		log.Info("sync already running", zap.String("job_id", jobID))
	default:
		log.Error("sync trigger failed", zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "could not start sync"})
		return
	}

	http.Redirect(w, r, s.progressURL(jobID), http.StatusSeeOther)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("jobId")
	if jobID == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "jobId is required"})
		return
	}

	status, err := s.statuses.Get(jobID)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "job not found"})
			return
		}
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	if id, ok := s.runner.ActiveJob(); ok {
		resp.ActiveJob = id
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) progressURL(jobID string) string {
	return s.config.BasePath + "/progress?jobId=" + url.QueryEscape(jobID)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	if err := json.WriteResponse(w, status, v); err != nil {
		s.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logger.ContextWithRequestID(r.Context(), id)))
	})
}

// statusRecorder captures the response code for metrics
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	})
}

// truthy accepts 1/true/yes in any case
func truthy(v string) bool {
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return strings.EqualFold(v, "yes")
}
