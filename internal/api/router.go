package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.tagRequest, s.recoverPanics)

	if s.Metrics != nil {
		r.Handle("/metrics", s.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Route("/controllers", func(r chi.Router) {
			r.Get("/", s.handleListControllers)
			r.Get("/{name}", s.handleGetController)
		})

		r.Route("/observations", func(r chi.Router) {
			r.Get("/controllers", s.handleObservedControllers)
			r.Get("/controllers/{name}/registers", s.handleObservedRegisters)
			r.Get("/sessions", s.handleRelaySessions)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":       "ok",
		"version":      s.Version,
		"loop_running": s.Loop.Stats().Running,
	}
	if s.MQTT != nil {
		resp["mqtt_connected"] = s.MQTT.IsConnected()
	}
	writeJSON(w, http.StatusOK, resp)
}
