package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns the fwatch HTTP API.
//
//	GET    /healthz                 agent health (no authentication)
//	GET    /api/v1/targets          registered targets and their states
//	POST   /api/v1/targets          register a target
//	DELETE /api/v1/targets/{name}   unregister a target
//	POST   /api/v1/poll             poll every target now
//	GET    /api/v1/events?limit=n   most recent queued change events
//	GET    /api/v1/events/stream    live change events over WebSocket
//
// Routes under /api/v1 require a bearer token when auth.PublicKey is set.
func NewRouter(srv *Server, auth JWTConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		if auth.PublicKey != nil {
			r.Use(JWTMiddleware(auth))
		}

		r.Get("/targets", srv.handleListTargets)
		r.Post("/targets", srv.handleAddTarget)
		r.Delete("/targets/{name}", srv.handleRemoveTarget)
		r.Post("/poll", srv.handlePoll)
		r.Get("/events", srv.handleRecentEvents)
		if srv.stream != nil {
			r.Method(http.MethodGet, "/events/stream", srv.stream)
		}
	})

	return r
}
