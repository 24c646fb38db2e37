package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a health check result
type HealthCheck struct {
	Name        string            `json:"name"`
	Status      HealthStatus      `json:"status"`
	Message     string            `json:"message"`
	LastChecked time.Time         `json:"last_checked"`
	Duration    time.Duration     `json:"duration"`
	Details     map[string]string `json:"details,omitempty"`
}

// MonitoringServer exposes /health and /metrics on a local address.
type MonitoringServer struct {
	collector *Collector
	mu        sync.RWMutex
	checks    map[string]func() HealthCheck
	server    *http.Server
}

// NewMonitoringServer creates a new monitoring server
func NewMonitoringServer(addr string, collector *Collector) *MonitoringServer {
	ms := &MonitoringServer{
		collector: collector,
		checks:    make(map[string]func() HealthCheck),
	}
	mux := http.NewServeMux()
	ms.routes(mux)
	ms.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ms
}

func (ms *MonitoringServer) routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", ms.healthHandler)
	mux.HandleFunc("/metrics", ms.metricsHandler)
	mux.HandleFunc("/api/metrics", ms.apiMetricsHandler)
}

func (ms *MonitoringServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	checks := ms.runHealthChecks()
	overall := overallStatus(checks)

	w.Header().Set("Content-Type", "application/json")
	if overall == HealthStatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    overall,
		"timestamp": time.Now(),
		"checks":    checks,
	})
}

// metricsHandler writes the Prometheus text exposition format.
func (ms *MonitoringServer) metricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	typed := map[string]bool{}
	for _, metric := range ms.collector.GetMetrics() {
		if !typed[metric.Name] {
			fmt.Fprintf(w, "# TYPE %s %s\n", metric.Name, promType(metric.Type))
			typed[metric.Name] = true
		}
		labels := promLabels(metric.Labels)
		if metric.Type == Histogram {
			fmt.Fprintf(w, "%s_sum%s %g\n", metric.Name, labels, metric.Value)
			fmt.Fprintf(w, "%s_count%s %d\n", metric.Name, labels, metric.Count)
			continue
		}
		fmt.Fprintf(w, "%s%s %g\n", metric.Name, labels, metric.Value)
	}
}

func (ms *MonitoringServer) apiMetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ms.collector.GetMetrics())
}

// RegisterHealthCheck registers a health check function
func (ms *MonitoringServer) RegisterHealthCheck(name string, checkFn func() HealthCheck) {
	ms.mu.Lock()
	ms.checks[name] = checkFn
	ms.mu.Unlock()
}

func (ms *MonitoringServer) runHealthChecks() []HealthCheck {
	ms.mu.RLock()
	names := make([]string, 0, len(ms.checks))
	for name := range ms.checks {
		names = append(names, name)
	}
	ms.mu.RUnlock()
	sort.Strings(names)

	checks := make([]HealthCheck, 0, len(names))
	for _, name := range names {
		ms.mu.RLock()
		fn := ms.checks[name]
		ms.mu.RUnlock()

		start := time.Now()
		check := fn()
		check.Name = name
		check.Duration = time.Since(start)
		check.LastChecked = time.Now()
		checks = append(checks, check)
	}
	return checks
}

func overallStatus(checks []HealthCheck) HealthStatus {
	overall := HealthStatusHealthy
	for _, check := range checks {
		switch check.Status {
		case HealthStatusUnhealthy:
			return HealthStatusUnhealthy
		case HealthStatusDegraded:
			overall = HealthStatusDegraded
		}
	}
	return overall
}

// Start serves until Shutdown is called.
func (ms *MonitoringServer) Start() error {
	log.Info().Str("addr", ms.server.Addr).Msg("Starting monitoring server")
	if err := ms.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the monitoring server
func (ms *MonitoringServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}

// GoroutineCheck reports degraded above 1000 goroutines and unhealthy above 5000.
func GoroutineCheck() HealthCheck {
	count := runtime.NumGoroutine()
	status := HealthStatusHealthy
	if count > 5000 {
		status = HealthStatusUnhealthy
	} else if count > 1000 {
		status = HealthStatusDegraded
	}
	return HealthCheck{
		Status:  status,
		Message: fmt.Sprintf("Goroutines: %d", count),
		Details: map[string]string{"count": fmt.Sprintf("%d", count)},
	}
}

func promType(t MetricType) string {
	switch t {
	case Counter:
		return "counter"
	case Histogram:
		return "summary"
	default:
		return "gauge"
	}
}

func promLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		v := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(labels[k])
		pairs = append(pairs, fmt.Sprintf(`%s="%s"`, k, v))
	}
	return "{" + strings.Join(pairs, ",") + "}"
}
