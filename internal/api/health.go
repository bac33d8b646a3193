package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Gauge reports a current count for the health output.
type Gauge func() int

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	checks  map[string]Pinger
	gauges  map[string]Gauge
	timeout time.Duration
}

// NewHealthHandler creates a health handler over the named dependencies and
// gauges. gauges may be nil.
func NewHealthHandler(checks map[string]Pinger, gauges map[string]Gauge, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthHandler{checks: checks, gauges: gauges, timeout: timeout}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := "healthy"
	statusCode := http.StatusOK

	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			slog.Error("Health check failed", "dependency", name, "error", err)
			checks[name] = "unreachable"
			status = "degraded"
			statusCode = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]any{"status": status, "checks": checks}
	if len(h.gauges) > 0 {
		stats := make(map[string]int, len(h.gauges))
		for name, g := range h.gauges {
			stats[name] = g()
		}
		body["stats"] = stats
	}
	JSON(w, statusCode, body)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
