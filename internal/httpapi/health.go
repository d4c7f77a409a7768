// Package httpapi provides the bridge daemon's non-WebSocket HTTP surface:
// health and metrics, written through the JSON response helper below with
// a degraded/healthy status shape.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Pinger is the subset of storage.Storage the health handler depends on.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SessionCounter reports the live session count for /healthz and /metrics.
type SessionCounter interface {
	ActiveSessionCount() int
}

// ConnectionCounter reports live consumer connection counts for /metrics.
type ConnectionCounter interface {
	ConnectionCount() int
}

// HealthHandler serves /healthz and /metrics.
type HealthHandler struct {
	store       Pinger
	sessions    SessionCounter
	connections ConnectionCounter
}

func NewHealthHandler(store Pinger, sessions SessionCounter, connections ConnectionCounter) *HealthHandler {
	return &HealthHandler{store: store, sessions: sessions, connections: connections}
}

// Health reports whether storage is reachable, using a degraded/healthy
// status shape.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := map[string]any{
		"status": "healthy",
		"checks": map[string]string{"bridge": "ok"},
	}
	statusCode := http.StatusOK

	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			slog.Error("health check failed", "error", err)
			status["status"] = "degraded"
			status["checks"].(map[string]string)["storage"] = "unreachable"
			statusCode = http.StatusServiceUnavailable
		} else {
			status["checks"].(map[string]string)["storage"] = "ok"
		}
	}

	if h.sessions != nil {
		status["active_sessions"] = h.sessions.ActiveSessionCount()
	}

	JSON(w, statusCode, status)
}

// Metrics serves a minimal Prometheus text-exposition payload by hand, as
// plain gauges written directly in the exposition format rather than
// fabricating a metrics client dependency.
func (h *HealthHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	sessions := 0
	if h.sessions != nil {
		sessions = h.sessions.ActiveSessionCount()
	}
	connections := 0
	if h.connections != nil {
		connections = h.connections.ConnectionCount()
	}

	fmt.Fprintf(w, "# HELP sessionbridge_active_sessions Number of live SessionRuntimes.\n")
	fmt.Fprintf(w, "# TYPE sessionbridge_active_sessions gauge\n")
	fmt.Fprintf(w, "sessionbridge_active_sessions %d\n", sessions)

	fmt.Fprintf(w, "# HELP sessionbridge_consumer_connections Number of live consumer WebSocket connections.\n")
	fmt.Fprintf(w, "# TYPE sessionbridge_consumer_connections gauge\n")
	fmt.Fprintf(w, "sessionbridge_consumer_connections %d\n", connections)
}

// RegisterRoutes registers /healthz and /metrics.
func (h *HealthHandler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.Health)
	r.Get("/metrics", h.Metrics)
}
