// Package ops serves the operator status endpoints on a listener separate
// from the proxy, so status traffic can never collide with a mirror route
// and the port can be firewalled independently.
package ops

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mirrorpx/mirrorpx/cookiejar"
	"github.com/mirrorpx/mirrorpx/metrics"
	"github.com/mirrorpx/mirrorpx/registry"
)

// Server exposes process health and counters.
type Server struct {
	metrics  *metrics.Metrics
	registry *registry.Registry
	jar      *cookiejar.Memory
}

// New creates a Server. jar may be nil when the deployment uses a cookie
// store without a row count.
func New(m *metrics.Metrics, reg *registry.Registry, jar *cookiejar.Memory) *Server {
	return &Server{metrics: m, registry: reg, jar: jar}
}

// Routes returns the ops router: GET /healthz and GET /metricsz.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/metricsz", s.handleMetrics)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status": "ok",
		"sites":  s.registry.Len(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	type payload struct {
		metrics.Snapshot
		CookieJarRows int `json:"cookie_jar_rows"`
	}
	p := payload{Snapshot: s.metrics.Snapshot()}
	if s.jar != nil {
		p.CookieJarRows = s.jar.Len()
	}
	writeJSON(w, p)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
