package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/cascade-gateway/internal/auth"
	"github.com/tjfontaine/cascade-gateway/internal/config"
)

// switchableHandler lets the listener's http.Handler be swapped atomically
// between requests, so a config hot-reload can replace the whole routed
// pipeline (new middleware chain, rebuilt tenants, rebuilt admin view)
// without closing the listening socket. This is the "swap the pointer a
// holder refers to" rule applied to the HTTP surface itself rather than
// just the ConfigModel.
type switchableHandler struct {
	ptr atomic.Pointer[http.Handler]
}

func (s *switchableHandler) Store(h http.Handler) { s.ptr.Store(&h) }

func (s *switchableHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	(*s.ptr.Load()).ServeHTTP(w, r)
}

// Server owns the chi router and listener for the gateway's single HTTP
// surface: the v1 completion endpoints, the admin dashboard, and health and
// metrics.
type Server struct {
	Router *chi.Mux
	Port   int
	Host   string
	logger *slog.Logger
	http   *http.Server
	live   *switchableHandler
}

// New builds a Server with the full middleware chain applied and every
// endpoint mounted. authenticator may be nil, in which case the gateway
// runs in single-tenant (no-auth) mode. admin may be nil to omit the
// /admin surface.
func New(cfg *config.ConfigModel, logger *slog.Logger, authenticator *auth.Authenticator, handlers *Handlers, admin *AdminHandlers) *Server {
	r := buildRouter(cfg, logger, authenticator, handlers, admin)

	live := &switchableHandler{}
	live.Store(r)

	return &Server{
		Router: r,
		Port:   cfg.Server.Port,
		Host:   cfg.Server.Host,
		logger: logger,
		live:   live,
	}
}

func buildRouter(cfg *config.ConfigModel, logger *slog.Logger, authenticator *auth.Authenticator, handlers *Handlers, admin *AdminHandlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "cascade-gateway")
	})
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(TimeoutMiddleware(cfg.APITimeout()))
	if authenticator != nil {
		r.Use(AuthMiddleware(authenticator))
	}
	r.Use(RateLimitNormalizingMiddleware)

	handlers.Mount(r)
	if admin != nil {
		r.Route("/admin", admin.Mount)
	}
	return r
}

// Reload atomically replaces the live routed pipeline with one built from
// a freshly reloaded ConfigModel and its rebuilt collaborators. In-flight
// requests on the old pipeline are unaffected; every request after the
// swap sees the new one.
func (s *Server) Reload(cfg *config.ConfigModel, authenticator *auth.Authenticator, handlers *Handlers, admin *AdminHandlers) {
	s.Router = buildRouter(cfg, s.logger, authenticator, handlers, admin)
	s.live.Store(s.Router)
}

// Start blocks serving HTTP until the listener fails or Shutdown is called,
// in which case it returns http.ErrServerClosed.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.Host, s.Port),
		Handler: s.live,
	}
	s.logger.Info("starting server", slog.Int("port", s.Port))
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests (including open streams) up to ctx's
// deadline before closing the listener, per the CLI's --shutdown-timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
