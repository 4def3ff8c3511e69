// Package server exposes search, documents, schedules and admin ingest
// over HTTP
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/franz/pbs-search/internal/ingest"
	"github.com/franz/pbs-search/internal/metrics"
	"github.com/franz/pbs-search/internal/search"
	"github.com/franz/pbs-search/internal/store"
	"github.com/franz/pbs-search/internal/util"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Reader is the read side of the relational store the handlers need
type Reader interface {
	GetDoc(ctx context.Context, id string) (*store.Doc, error)
	ListSchedules(ctx context.Context) ([]*store.Schedule, error)
	LatestSchedule(ctx context.Context) (*store.Schedule, error)
	Ping(ctx context.Context) error
}

// Searcher answers search requests
type Searcher interface {
	Search(ctx context.Context, p search.Params) (*search.Response, error)
}

// Ingester runs an ingest
type Ingester interface {
	Run(ctx context.Context, opts ingest.Options) (*ingest.Result, error)
}

// Config wires a Server
type Config struct {
	Addr       string
	AdminToken string // "" disables the admin check
	Store      Reader
	Search     Searcher
	Ingest     Ingester          // nil disables POST /api/admin/ingest
	Metrics    *metrics.Metrics // nil disables /metrics
}

// Server is the HTTP front end
type Server struct {
	cfg       Config
	router    chi.Router
	ingesting atomic.Bool
}

// New builds the router
func New(cfg Config) *Server {
	s := &Server{cfg: cfg}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/search", s.handleSearch)
		r.Get("/doc/{id}", s.handleDoc)
		r.Get("/schedules", s.handleSchedules)
		r.Get("/meta", s.handleMeta)

		if cfg.Ingest != nil {
			r.With(s.requireAdmin).Post("/admin/ingest", s.handleIngest)
		}
	})

	s.router = r
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		util.InfoLog("Listening on %s", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
		util.InfoLog("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// accessLog logs each request through zerolog and records route metrics
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		if s.cfg.Metrics != nil {
			s.cfg.Metrics.HTTPRequestsInFlight.Inc()
			defer s.cfg.Metrics.HTTPRequestsInFlight.Dec()
		}

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		elapsed := time.Since(start)

		util.Logger().Info().
			Str("method", r.Method).
			Str("route", route).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", elapsed).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("remote", r.RemoteAddr).
			Msg("request")

		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordHTTP(route, r.Method, status, elapsed)
		}
	})
}
