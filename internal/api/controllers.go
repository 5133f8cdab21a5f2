package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/fvgateway/internal/bridges/fvbus"
	"github.com/nerrad567/fvgateway/internal/gateway"
)

const (
	defaultSessionLimit = 50
	maxSessionLimit     = 500
)

// snapshot reads controller state on the loop goroutine.
func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) ([]fvbus.ControllerSnapshot, bool) {
	var snap []fvbus.ControllerSnapshot
	err := s.Loop.Do(r.Context(), func() {
		snap = s.Bus.Snapshot()
	})
	switch {
	case err == nil:
		return snap, true
	case errors.Is(err, gateway.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, "gateway loop is not running")
	default:
		s.Logger.Warn("controller snapshot abandoned", "error", err)
		writeError(w, http.StatusServiceUnavailable, "gateway loop did not respond")
	}
	return nil, false
}

// handleListControllers returns every declared controller with its registers.
func (s *Server) handleListControllers(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.snapshot(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"controllers": snap,
		"count":       len(snap),
	})
}

// handleGetController returns one controller. When the recorder is enabled
// the response also carries what was observed on the bus for it.
func (s *Server) handleGetController(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	snap, ok := s.snapshot(w, r)
	if !ok {
		return
	}

	for _, c := range snap {
		if c.Name != name {
			continue
		}
		resp := map[string]any{"controller": c}
		if s.Observations != nil {
			observed, err := s.Observations.Registers(r.Context(), name)
			if err != nil {
				s.Logger.Warn("loading observed registers failed", "controller", name, "error", err)
			} else {
				resp["observed_registers"] = observed
			}
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}
	writeError(w, http.StatusNotFound, "controller not declared")
}

// handleObservedControllers lists every controller seen on the bus,
// including ones only relay clients talk to.
func (s *Server) handleObservedControllers(w http.ResponseWriter, r *http.Request) {
	if s.Observations == nil {
		writeError(w, http.StatusNotFound, "observation recorder is disabled")
		return
	}
	observed, err := s.Observations.Controllers(r.Context())
	if err != nil {
		s.Logger.Error("listing observed controllers failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list observed controllers")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"controllers": observed,
		"count":       len(observed),
	})
}

// handleObservedRegisters lists the registers seen for one controller.
func (s *Server) handleObservedRegisters(w http.ResponseWriter, r *http.Request) {
	if s.Observations == nil {
		writeError(w, http.StatusNotFound, "observation recorder is disabled")
		return
	}
	name := chi.URLParam(r, "name")
	observed, err := s.Observations.Registers(r.Context(), name)
	if err != nil {
		s.Logger.Error("listing observed registers failed", "controller", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list observed registers")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"controller": name,
		"registers":  observed,
		"count":      len(observed),
	})
}

// handleRelaySessions lists recent relay sessions, newest first.
func (s *Server) handleRelaySessions(w http.ResponseWriter, r *http.Request) {
	if s.Observations == nil {
		writeError(w, http.StatusNotFound, "observation recorder is disabled")
		return
	}

	limit := defaultSessionLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxSessionLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	sessions, err := s.Observations.Sessions(r.Context(), limit)
	if err != nil {
		s.Logger.Error("listing relay sessions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list relay sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}
