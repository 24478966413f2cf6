// Package health exposes liveness and readiness HTTP handlers, the
// way coordinator/internal/health/health_check.go does: a small
// struct of named sub-checks, aggregated into a JSON body and an HTTP
// status code.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/statefabric/actormigrate/internal/metadatastore"
)

// StatusProvider is satisfied by *orchestrator.Orchestrator.
type StatusProvider interface {
	IsRunning() bool
}

// CheckResult is one named sub-check's outcome.
type CheckResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Report is the full liveness/readiness JSON body.
type Report struct {
	Status string        `json:"status"`
	Checks []CheckResult `json:"checks"`
}

// Checker aggregates the sub-checks this core can run against its own
// dependencies.
type Checker struct {
	store   metadatastore.Store
	orch    StatusProvider
	logger  *zap.Logger
	timeout time.Duration
}

func New(store metadatastore.Store, orch StatusProvider, logger *zap.Logger) *Checker {
	return &Checker{store: store, orch: orch, logger: logger, timeout: 5 * time.Second}
}

// LivenessHandler reports healthy as long as the process can serve
// HTTP at all; it never touches the metadata store.
func (c *Checker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeReport(w, Report{Status: "ok", Checks: []CheckResult{{Name: "process", Status: "ok"}}}, http.StatusOK)
}

// ReadinessHandler additionally checks the metadata store is
// reachable and, when an orchestrator is wired in, that it is running.
func (c *Checker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), c.timeout)
	defer cancel()

	checks := []CheckResult{c.checkMetadataStore(ctx)}
	if c.orch != nil {
		checks = append(checks, c.checkOrchestrator())
	}

	status := http.StatusOK
	overall := "ok"
	for _, chk := range checks {
		if chk.Status != "ok" {
			status = http.StatusServiceUnavailable
			overall = "unavailable"
			break
		}
	}

	writeReport(w, Report{Status: overall, Checks: checks}, status)
}

func (c *Checker) checkMetadataStore(ctx context.Context) CheckResult {
	if err := c.store.Ping(ctx); err != nil {
		c.logger.Warn("readiness: metadata store ping failed", zap.Error(err))
		return CheckResult{Name: "metadata_store", Status: "fail", Error: err.Error()}
	}
	return CheckResult{Name: "metadata_store", Status: "ok"}
}

func (c *Checker) checkOrchestrator() CheckResult {
	if !c.orch.IsRunning() {
		return CheckResult{Name: "orchestrator", Status: "fail", Error: "orchestrator is not running"}
	}
	return CheckResult{Name: "orchestrator", Status: "ok"}
}

func writeReport(w http.ResponseWriter, report Report, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(report)
}

// StartHealthServer starts an HTTP server exposing /healthz and
// /readyz on addr. It returns the *http.Server so the caller can shut
// it down gracefully alongside the rest of the process.
func StartHealthServer(addr string, checker *Checker, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", checker.LivenessHandler)
	mux.HandleFunc("/readyz", checker.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server exited", zap.Error(err))
		}
	}()
	return srv
}
