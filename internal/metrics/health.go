package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/stratakv/stratakv/internal/config"
)

// HealthStatus represents the overall health state of the process.
type HealthStatus struct {
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks,omitempty"`
}

// Check represents an individual health probe result.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Probe is one named readiness probe, typically an adapter health check.
type Probe struct {
	Name  string
	Check func(ctx context.Context) (bool, []string)
}

// HealthChecker runs readiness probes over the configured backends.
type HealthChecker struct {
	probes []Probe
}

// NewHealthChecker creates a checker over the given probes.
func NewHealthChecker(probes []Probe) *HealthChecker {
	return &HealthChecker{probes: probes}
}

// Liveness checks if the process is alive.
func (h *HealthChecker) Liveness() HealthStatus {
	return HealthStatus{OK: true}
}

// Readiness runs every probe with a bounded deadline.
func (h *HealthChecker) Readiness() HealthStatus {
	status := HealthStatus{OK: true}

	for _, p := range h.probes {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		healthy, issues := p.Check(ctx)
		cancel()

		check := Check{Name: p.Name, Status: "ok"}
		if !healthy {
			status.OK = false
			check.Status = "error"
			if len(issues) > 0 {
				check.Error = issues[0]
			}
		}
		status.Checks = append(status.Checks, check)
	}

	return status
}

// RunHealthServer starts the health check HTTP server.
func RunHealthServer(ctx context.Context, cfg config.HealthConfig, checker *HealthChecker) error {
	mux := http.NewServeMux()

	livenessPath := cfg.LivenessPath
	if livenessPath == "" {
		livenessPath = "/healthz"
	}
	readinessPath := cfg.ReadinessPath
	if readinessPath == "" {
		readinessPath = "/readyz"
	}

	mux.HandleFunc(livenessPath, func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, checker.Liveness())
	})

	mux.HandleFunc(readinessPath, func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, checker.Readiness())
	})

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func writeStatus(w http.ResponseWriter, status HealthStatus) {
	code := http.StatusOK
	if !status.OK {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}
