// Package health exposes liveness and readiness endpoints over the
// service's external dependencies.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Probe checks one dependency. Check must return quickly; the handler
// bounds it with a timeout context.
type Probe struct {
	Name  string
	Check func(ctx context.Context) bool
}

// Checker aggregates dependency probes behind HTTP handlers.
type Checker struct {
	probes []Probe
	logger zerolog.Logger
}

// NewChecker creates a health checker over the given probes.
func NewChecker(logger zerolog.Logger, probes ...Probe) *Checker {
	return &Checker{
		probes: probes,
		logger: logger.With().Str("component", "health-checker").Logger(),
	}
}

// HealthResponse is the health check payload.
type HealthResponse struct {
	Status     string            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	Components map[string]string `json:"components"`
}

// HealthHandler reports the overall health status.
func (c *Checker) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	components := make(map[string]string, len(c.probes))
	overall := "healthy"
	for _, p := range c.probes {
		status := "healthy"
		if !p.Check(ctx) {
			status = "unhealthy"
			overall = "degraded"
		}
		components[p.Name] = status
	}

	w.Header().Set("Content-Type", "application/json")
	if overall != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(HealthResponse{
		Status:     overall,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Components: components,
	})
}

// LiveHandler returns 200 while the process is running.
func (c *Checker) LiveHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ReadyHandler returns 200 once every dependency answers its probe.
func (c *Checker) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	states := make(map[string]interface{}, len(c.probes)+2)
	ready := true
	for _, p := range c.probes {
		ok := p.Check(ctx)
		states[p.Name] = ok
		ready = ready && ok
	}
	states["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		states["status"] = "not_ready"
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(states)
		return
	}
	states["status"] = "ready"
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(states)
}
