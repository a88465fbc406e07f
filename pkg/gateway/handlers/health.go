package handlers

import (
	"context"
	"net/http"

	"github.com/yw0nam/DesktopMatePlus/pkg/gateway/lifecycle"
)

// HealthChecker is implemented by every external service adapter.
type HealthChecker interface {
	Healthy(ctx context.Context) (bool, string)
}

// HealthHandler aggregates the health of the configured services with the
// lifecycle's per-subsystem readiness marks. A service that was not wired
// reports as unready rather than failing the endpoint.
type HealthHandler struct {
	Lifecycle   *lifecycle.Lifecycle
	Services    map[string]HealthChecker
	Connections func() int
}

type serviceHealth struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message"`
}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	status := "ok"
	if h.Lifecycle.IsDraining() {
		status = "draining"
	}

	services := make(map[string]serviceHealth, len(h.Services))
	for name, checker := range h.Services {
		if checker == nil {
			continue
		}
		healthy, message := checker.Healthy(r.Context())
		services[name] = serviceHealth{Healthy: healthy, Message: message}
	}

	body := map[string]any{
		"status":     status,
		"ready":      h.Lifecycle.Ready(),
		"subsystems": h.Lifecycle.Subsystems(),
		"services":   services,
	}
	if unready := h.Lifecycle.Unready(); len(unready) > 0 {
		body["unready"] = unready
	}
	if h.Connections != nil {
		body["connections"] = h.Connections()
	}
	writeJSON(w, http.StatusOK, body)
}
