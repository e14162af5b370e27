package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"fleetpulse.state/internal/core/domain"
	"fleetpulse.state/internal/core/logger"
	"fleetpulse.state/internal/core/ports"
	"fleetpulse.state/internal/core/services"
)

type Server struct {
	router      *chi.Mux
	healthSvc   *services.HealthService
	fleet       *services.FleetMonitor
	deadLetters ports.DeadLetterStore
	hub         *Hub
}

func NewServer(healthSvc *services.HealthService, fleet *services.FleetMonitor, deadLetters ports.DeadLetterStore, hub *Hub, enableMetrics bool) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		healthSvc:   healthSvc,
		fleet:       fleet,
		deadLetters: deadLetters,
		hub:         hub,
	}
	s.routes(enableMetrics)
	return s
}

func (s *Server) routes(enableMetrics bool) {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	if enableMetrics {
		s.router.Use(MetricsMiddleware)
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	if enableMetrics {
		s.router.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			MetricsHandler().ServeHTTP(w, r)
		})
	}

	// Kubernetes probes
	s.router.Get("/health/live", s.handleLiveness)
	s.router.Get("/health/ready", s.handleReadiness)

	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/health/detailed", s.handleDetailedHealth)
	s.router.Get("/api/ws", s.handleWS)

	s.router.Route("/api/devices", func(r chi.Router) {
		r.Get("/summary", s.handleFleetSummary)
		r.Get("/{uuid}", s.handleGetDevice)
	})

	s.router.Route("/api/dead-letters", func(r chi.Router) {
		r.Get("/", s.handleListDeadLetters)
		r.Get("/{id}", s.handleGetDeadLetter)
		r.Delete("/{id}", s.handleDeleteDeadLetter)
	})
}

// Handler exposes the router so the caller can own the http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string, err error) {
	body := map[string]string{"error": msg}
	if err != nil {
		body["details"] = err.Error()
	}
	writeJSON(w, code, body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := s.healthSvc.SimpleHealthCheck(r.Context())
	w.WriteHeader(code)
	w.Write([]byte(status))
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	status, code := s.healthSvc.SimpleHealthCheck(r.Context())
	w.WriteHeader(code)
	w.Write([]byte(status))
}

func (s *Server) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	report := s.healthSvc.CheckHealth(r.Context())

	statusCode := http.StatusOK
	if report.Status == services.HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, report)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ServeWs(s.hub, w, r)
}

func (s *Server) handleFleetSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.fleet.Snapshot())
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	device, err := s.fleet.GetDevice(r.Context(), chi.URLParam(r, "uuid"))
	switch {
	case errors.Is(err, domain.ErrDeviceNotFound):
		writeError(w, http.StatusNotFound, "Device not found", nil)
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Failed to load device", err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"device":     device,
			"state_name": device.APIHeartbeatState.String(),
		})
	}
}

type deadLetterPage struct {
	Total  int64                `json:"total"`
	Offset int64                `json:"offset"`
	Limit  int64                `json:"limit"`
	Items  []*domain.DeadLetter `json:"items"`
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	var offset, limit int64 = 0, 20

	if o := r.URL.Query().Get("offset"); o != "" {
		if val, err := strconv.ParseInt(o, 10, 64); err == nil && val >= 0 {
			offset = val
		}
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.ParseInt(l, 10, 64); err == nil && val > 0 && val <= 100 {
			limit = val
		}
	}

	items, err := s.deadLetters.List(r.Context(), offset, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list dead letters", err)
		return
	}
	total, err := s.deadLetters.Count(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to count dead letters", err)
		return
	}
	writeJSON(w, http.StatusOK, deadLetterPage{Total: total, Offset: offset, Limit: limit, Items: items})
}

func (s *Server) handleGetDeadLetter(w http.ResponseWriter, r *http.Request) {
	entry, err := s.deadLetters.Get(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, domain.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, "Dead letter not found", nil)
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Failed to load dead letter", err)
	default:
		writeJSON(w, http.StatusOK, entry)
	}
}

func (s *Server) handleDeleteDeadLetter(w http.ResponseWriter, r *http.Request) {
	err := s.deadLetters.Remove(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, domain.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, "Dead letter not found", nil)
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Failed to remove dead letter", err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
