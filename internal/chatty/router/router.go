package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"chatty/internal/chatty"
)

const readyTimeout = 2 * time.Second

// Check is a named readiness probe. A nil error means ready.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Registrar mounts a group of routes on a Router.
type Registrar func(r *Router)

// Router dispatches to registered routes. Handlers return errors instead
// of writing them; every error goes to the boundary exactly once. Requests
// that match no route are sent to the not-found handler.
type Router struct {
	mux      *http.ServeMux
	onError  chatty.ErrorHandler
	notFound http.Handler
	checks   []Check
}

// New creates a router with /healthz and /readyz already mounted.
func New(onError chatty.ErrorHandler, notFound http.Handler, checks ...Check) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		onError:  onError,
		notFound: notFound,
		checks:   checks,
	}
	r.mux.HandleFunc("GET /healthz", r.healthz)
	r.mux.HandleFunc("GET /readyz", r.readyz)
	return r
}

// Register applies each registrar in order.
func (r *Router) Register(regs ...Registrar) {
	for _, reg := range regs {
		reg(r)
	}
}

// Handle registers an error-returning handler for pattern.
func (r *Router) Handle(pattern string, h chatty.HandlerFunc) {
	r.mux.HandleFunc(pattern, func(w http.ResponseWriter, req *http.Request) {
		sw := &chatty.StatusWriter{ResponseWriter: w, Code: http.StatusOK}
		if err := h(sw, req); err != nil {
			r.onError(sw, req, err)
		}
	})
}

// HandleHTTP registers a plain http.Handler for pattern.
func (r *Router) HandleHTTP(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// Method mismatches also report an empty pattern and are treated as
	// unmatched routes.
	if _, pattern := r.mux.Handler(req); pattern == "" {
		r.notFound.ServeHTTP(w, req)
		return
	}
	r.mux.ServeHTTP(w, req)
}

func (r *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) readyz(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), readyTimeout)
	defer cancel()

	code := http.StatusOK
	body := map[string]any{"status": "ready"}
	results := make(map[string]string, len(r.checks))
	for _, c := range r.checks {
		if err := c.Probe(ctx); err != nil {
			results[c.Name] = err.Error()
			code = http.StatusServiceUnavailable
			body["status"] = "not ready"
			continue
		}
		results[c.Name] = "ok"
	}
	if len(results) > 0 {
		body["checks"] = results
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}
