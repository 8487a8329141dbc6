package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"keymint/internal/services"
)

// HealthHandler serves the liveness, readiness and version endpoints.
type HealthHandler struct {
	service *services.HealthService
	logger  *slog.Logger
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(service *services.HealthService, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "health")),
	}
}

// HealthCheck handles GET /api/health.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.service.Check(r.Context()))
}

// ReadinessCheck handles GET /api/health/ready. Not-ready answers 503 so
// load balancers stop routing before the store is reachable.
func (h *HealthHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	response, ready := h.service.Ready(r.Context())
	if !ready {
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, response)
}

// LivenessCheck handles GET /api/health/live.
func (h *HealthHandler) LivenessCheck(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.service.Live(r.Context()))
}

// Version handles GET /api/version.
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.service.Version())
}
