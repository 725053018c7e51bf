package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Health status values.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// CheckFunc reports one component. The returned detail is rendered as the
// component's JSON; a non-nil error marks the component failed.
type CheckFunc func(ctx context.Context) (detail any, err error)

type check struct {
	name     string
	fn       CheckFunc
	critical bool
}

// Health aggregates component checks for /health.
type Health struct {
	mu     sync.RWMutex
	checks []check
}

// NewHealth creates an empty Health.
func NewHealth() *Health {
	return &Health{}
}

// Add registers a check. A failing critical check makes the service
// unhealthy; any other failure only degrades it.
func (h *Health) Add(name string, critical bool, fn CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check{name: name, fn: fn, critical: critical})
}

// Report is the /health response body.
type Report struct {
	Status     string         `json:"status"`
	Components map[string]any `json:"components"`
}

// Run executes every check.
func (h *Health) Run(ctx context.Context) Report {
	h.mu.RLock()
	checks := make([]check, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	report := Report{
		Status:     StatusHealthy,
		Components: make(map[string]any, len(checks)),
	}
	for _, c := range checks {
		detail, err := c.fn(ctx)
		if err == nil {
			report.Components[c.name] = detail
			continue
		}

		report.Components[c.name] = map[string]any{
			"status": "failed",
			"error":  err.Error(),
		}
		if c.critical {
			report.Status = StatusUnhealthy
		} else if report.Status == StatusHealthy {
			report.Status = StatusDegraded
		}
	}
	return report
}

// ServeHTTP renders the report, with 503 when unhealthy.
func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	report := h.Run(ctx)

	w.Header().Set("Content-Type", "application/json")
	if report.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(report)
}

// RoutesConfig describes the HTTP surface.
type RoutesConfig struct {
	WSPath      string
	WS          http.Handler
	Health      *Health
	MetricsPath string              // Empty disables /metrics
	Gatherer    prometheus.Gatherer // nil uses the default gatherer
	Stats       func() any          // Served at /debug/stats when set
}

// Routes builds the server mux.
func Routes(cfg RoutesConfig) http.Handler {
	mux := http.NewServeMux()

	if cfg.WS != nil {
		mux.Handle(cfg.WSPath, cfg.WS)
	}
	if cfg.Health != nil {
		mux.Handle("/health", cfg.Health)
	}
	if cfg.MetricsPath != "" {
		g := cfg.Gatherer
		if g == nil {
			g = prometheus.DefaultGatherer
		}
		mux.Handle(cfg.MetricsPath, promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	}
	if cfg.Stats != nil {
		mux.HandleFunc("/debug/stats", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(cfg.Stats())
		})
	}

	return mux
}
