// Package server implements the polyroute admin HTTP API and the gRPC
// health endpoint.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/TFMV/polyroute/pkg/catalog"
	"github.com/TFMV/polyroute/pkg/services"
)

// DefaultMaxBodyBytes bounds request bodies of the admin API.
const DefaultMaxBodyBytes = 1 << 20

// Options configures the admin API.
type Options struct {
	// Node identifies this instance in transactions started for requests
	// without a global identity.
	Node uuid.UUID
	// View, when set, is reported by the health endpoint.
	View *catalog.View
	// Metrics, when set, is served at /metrics.
	Metrics http.Handler
	// Middleware wraps every route, outermost first.
	Middleware   []func(http.Handler) http.Handler
	MaxBodyBytes int64
}

// Server is the admin HTTP API of a routing service.
type Server struct {
	service services.RoutingService
	logger  zerolog.Logger
	opts    Options
	router  chi.Router

	mu     sync.Mutex
	server *http.Server
}

// New creates the admin API.
func New(service services.RoutingService, logger zerolog.Logger, opts Options) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.Node == uuid.Nil {
		opts.Node = uuid.New()
	}
	s := &Server{
		service: service,
		logger:  logger,
		opts:    opts,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(s.opts.Middleware...)

	r.Get("/health", s.handleHealth)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/route", s.handleRoute(false))
		r.Post("/explain", s.handleRoute(true))
		r.Post("/executions", s.handleExecution)

		r.Route("/cache", func(r chi.Router) {
			r.Get("/stats", s.handleCacheStats)
			r.Get("/export", s.handleCacheExport)
			r.Delete("/entities/{entityID}", s.handleInvalidate)
		})

		r.Get("/options", s.handleGetOptions)
		r.Put("/options", s.handlePutOptions)
	})
	return r
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve serves the API on l until Shutdown is called.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.logger.Info().Str("address", l.Addr().String()).Msg("Admin API listening")
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server, waiting for in-flight requests until ctx is
// done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
