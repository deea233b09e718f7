// Package health exposes the daemon's liveness/readiness HTTP surface
// (§4.1, §6): GET /health returns the full health object, GET /ready
// returns 200 while running and 503 otherwise.
package health

import (
	"encoding/json"
	"net/http"
)

// Status is the health object shape from §4.1.
type Status struct {
	Running         bool   `json:"running"`
	AgentType       string `json:"agentType"`
	AgentStatus     string `json:"status"`
	LoopCount       int64  `json:"loopCount"`
	LastLoopAt      string `json:"lastLoopAt,omitempty"`
	LLMAvailable    bool   `json:"llmAvailable"`
	SessionPoolSize *int   `json:"sessionPoolSize,omitempty"`
}

// Source supplies a live Status snapshot on each request; the daemon
// implements it directly rather than this package holding any state of its
// own.
type Source interface {
	Health() Status
}

// Handler serves /health and /ready from a Source.
type Handler struct {
	source Source
}

// NewHandler wraps source in an http.Handler pair.
func NewHandler(source Source) *Handler { return &Handler{source: source} }

// Mux builds a *http.ServeMux with /health and /ready registered.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.serveHealth)
	mux.HandleFunc("/ready", h.serveReady)
	return mux
}

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	status := h.source.Health()
	w.Header().Set("Content-Type", "application/json")
	if !status.Running {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}

func (h *Handler) serveReady(w http.ResponseWriter, r *http.Request) {
	status := h.source.Health()
	if !status.Running {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}
