// Package server implements the HTTP transport layer for the PlayerDB
// gateway: the player lookup route, CORS preflight, the edge response cache,
// and the static-site delegation for everything outside /api.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	playerdb "github.com/nodecraft/playerdb/internal"
	"github.com/nodecraft/playerdb/internal/cache"
	"github.com/nodecraft/playerdb/internal/platform"
	"github.com/nodecraft/playerdb/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Recorder accepts analytics data points asynchronously.
type Recorder interface {
	Record(playerdb.DataPoint)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Registry       *platform.Registry
	EdgeCache      *cache.ResponseCache // nil = no edge caching
	Analytics      Recorder             // nil = no analytics
	Metrics        *telemetry.Metrics   // nil = no metrics
	MetricsHandler http.Handler         // nil = /metrics not mounted
	Detach         cache.Detach         // nil = run background work inline
	Static         http.Handler         // nil = plain 404 for non-API paths
	ReadyCheck     ReadyChecker         // nil = always ready (for tests)
	RequestTimeout time.Duration        // overall inbound deadline; 0 = none
	Debug          bool                 // expose original messages on unknown errors
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}
	if s.deps.Detach == nil {
		s.deps.Detach = func(fn func(ctx context.Context)) { fn(context.Background()) }
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.RequestTimeout > 0 {
		r.Use(s.deadline)
	}

	// CORS preflight is answered for every path.
	r.Options("/*", s.handlePreflight)

	// System endpoints
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		r.With(s.edgeCache).Get("/player/{platform}/{query}", s.handlePlayer)
		r.NotFound(s.handleAPI404)
	})

	// Everything else belongs to the static-site collaborator.
	r.NotFound(s.handleStatic)

	return r
}

type server struct {
	deps Deps
}

// deadline bounds the whole inbound request.
func (s *server) deadline(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.deps.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *server) handlePreflight(w http.ResponseWriter, _ *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "*")
	h.Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if s.deps.Static != nil {
		s.deps.Static.ServeHTTP(securityHeaders{w}, r)
		return
	}
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusNotFound)
	w.Write(notFoundBody)
}

// securityHeaders injects the standard headers onto HTML responses coming
// from the static collaborator.
type securityHeaders struct {
	http.ResponseWriter
}

func (sh securityHeaders) WriteHeader(code int) {
	h := sh.Header()
	if ct := h.Get("Content-Type"); ct != "" && len(ct) >= 9 && ct[:9] == "text/html" {
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer-when-downgrade")
	}
	sh.ResponseWriter.WriteHeader(code)
}
