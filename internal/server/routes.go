package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	// Liveness, unauthenticated
	r.Get("/health", s.health)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		// Session routes
		r.Route("/session", func(r chi.Router) {
			r.Get("/", s.listSessions)
			r.Post("/", s.createSession)

			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", s.getSession)
				r.Delete("/", s.deleteSession)

				r.Post("/message", s.sendMessage)
				r.Get("/output", s.getOutput)

				// Live view (SSE)
				r.Get("/events", s.sessionEvents)
			})
		})

		// Lifecycle event streaming (SSE)
		r.Get("/event", s.globalEvents)
	})
}

// health handles GET /health
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(s.manager.List()),
	})
}
