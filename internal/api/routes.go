package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Health check
	r.Get("/health", s.HandleHealth)
	r.Get("/", s.HandleRoot)

	// Auth routes (public)
	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.HandleLogin)
		r.Post("/refresh", s.HandleRefresh)
	})

	// WebSocket握手带不了Authorization头, 这条路由自己校验token
	r.Get("/events/live", s.HandleEventsLive)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/status", s.HandleStatus)
		r.Get("/events", s.HandleListEvents)
		r.Get("/frames", s.HandleListFrames)
		r.Post("/uplink", s.HandleUplink)
	})
}
