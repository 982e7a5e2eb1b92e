// Package health provides HTTP health, readiness, and pipeline statistics
// handlers.
//
// The package exposes three endpoints:
//
//   - /healthz — liveness probe; always returns 200 OK.
//   - /readyz  — readiness probe; returns 200 only when all registered
//     [Checker] functions pass.
//   - /stats   — point-in-time pipeline statistics: per-stage consumer
//     counters, TTS engine tallies, circuit breaker states.
//
// Health responses are JSON objects with a top-level "status" field ("ok" or
// "fail") and a "checks" map containing the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short label for this check (e.g. "broker", "ollama"). It
	// appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// StatSource is a named supplier of one /stats section. The returned value
// is marshalled as-is.
type StatSource struct {
	Name   string
	Source func() any
}

// result is the JSON response body for health endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the health, readiness, and stats endpoints. It is safe for
// concurrent use; checker and stat lists are fixed at construction time.
type Handler struct {
	checkers []Checker
	stats    []StatSource
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request, sequentially in the order provided.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// AddCheckers registers additional readiness checks. Call before serving.
func (h *Handler) AddCheckers(checkers ...Checker) {
	h.checkers = append(h.checkers, checkers...)
}

// AddStats registers /stats sections. Call before serving.
func (h *Handler) AddStats(sources ...StatSource) {
	h.stats = append(h.stats, sources...)
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is a readiness probe that returns 200 only when every registered
// [Checker] passes. Each checker is given a context with a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{
		Status: "ok",
		Checks: checks,
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

// Stats returns the current values of every registered [StatSource] keyed
// by name, plus a collection timestamp.
func (h *Handler) Stats(w http.ResponseWriter, _ *http.Request) {
	body := make(map[string]any, len(h.stats)+1)
	for _, s := range h.stats {
		body[s.Name] = s.Source()
	}
	body["collected_at"] = time.Now().UTC().Format(time.RFC3339)
	writeJSON(w, http.StatusOK, body)
}

// Register adds the /healthz, /readyz, and /stats routes to mux. /health is
// an alias for the readiness view so probes written against the combined
// endpoint work unchanged.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /health", h.Readyz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /stats", h.Stats)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
