package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/otp-registrar/internal/health"
)

const healthCheckTimeout = 5 * time.Second

// HealthChecker runs the dependency probes.
type HealthChecker interface {
	Check(ctx context.Context) health.Report
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	checker HealthChecker
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(checker HealthChecker) *HealthHandler {
	return &HealthHandler{checker: checker}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	report := h.checker.Check(ctx)
	report.Checks["api"] = "ok"

	statusCode := http.StatusOK
	if !report.Healthy() {
		slog.Error("Health check failed", "checks", report.Checks)
		statusCode = http.StatusServiceUnavailable
	}
	JSON(w, statusCode, report)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
