package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Sink pull surface. Deliberately outside /api: downstream pipeline
	// consumers poll it with a bare cursor, no API conventions needed.
	r.Get("/events", s.handlePollEvents)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Get("/metrics", s.handleDeviceMetrics)
				r.Get("/history", s.handleDeviceHistory)
				r.Get("/events", s.handleDeviceEvents)
				r.Post("/commands", s.handleDispatchCommand)
				r.Post("/parameters", s.handleApplyParameters)
			})
		})

		r.Get("/commands/{id}", s.handleGetCommand)

		r.Get("/events/stream", s.handleWebSocket)

		r.Get("/system/status", s.handleSystemStatus)
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
