package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// healthCheckTimeout bounds the dependency checks of GET /health.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/metrics", s.handleMetrics)

			r.Route("/plugin", func(r chi.Router) {
				r.Get("/", s.handleGetPlugin)
				r.With(s.requireOperator).Post("/activate", s.handleActivate)
				r.With(s.requireOperator).Post("/deactivate", s.handleDeactivate)
			})

			r.Route("/channels", func(r chi.Router) {
				r.Get("/", s.handleListChannels)
				r.Route("/{channel}", func(r chi.Router) {
					r.Get("/", s.handleGetChannel)
					r.With(s.requireOperator).Put("/", s.handleSwitchChannel)
					r.Get("/history", s.handleChannelHistory)
				})
			})

			r.Get("/history", s.handleHistory)

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)
				r.With(s.requireOperator).Put("/", s.handleSaveDevices)
				r.With(s.requireOperator).Post("/scan", s.handleScanDevices)
			})

			r.Get("/ports", s.handleListPorts)

			r.Get("/ws", s.handleWebSocket)
		})
	})

	return r
}

// handleHealth returns the server health. It answers 200 while the process
// serves requests; a failing database is reported as "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	resp := map[string]any{
		"version": s.version,
		"plugin":  s.plugin.State().String(),
	}

	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := s.db.HealthCheck(ctx); err != nil {
			status = "degraded"
			resp["database"] = err.Error()
		}
	}
	if s.mqtt != nil {
		resp["mqtt_connected"] = s.mqtt.IsConnected()
	}

	resp["status"] = status
	writeJSON(w, http.StatusOK, resp)
}
