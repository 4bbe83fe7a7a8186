package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReadinessCheck is one dependency probe run by the readiness
// endpoint.
type ReadinessCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckFunc adapts a plain ping function into a ReadinessCheck.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

func (c CheckFunc) Name() string                    { return c.CheckName }
func (c CheckFunc) Check(ctx context.Context) error { return c.Fn(ctx) }

// HealthHandler serves liveness and readiness endpoints. Liveness is
// unconditional; readiness runs the registered dependency checks
// (database, cache) with a short timeout.
type HealthHandler struct {
	logger *zap.Logger

	mu     sync.RWMutex
	checks []ReadinessCheck
}

// NewHealthHandler builds the health endpoints handler.
func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{logger: logger.With(zap.String("component", "health_handler"))}
}

// RegisterCheck adds a readiness dependency.
func (h *HealthHandler) RegisterCheck(check ReadinessCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// healthReport is the response body for both endpoints.
type healthReport struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]checkResult `json:"checks,omitempty"`
}

type checkResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HandleLive answers the liveness probe.
func (h *HealthHandler) HandleLive(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, healthReport{Status: "healthy", Timestamp: time.Now()})
}

// HandleReady answers the readiness probe, running every registered
// dependency check.
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	h.mu.RLock()
	checks := make([]ReadinessCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	report := healthReport{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]checkResult, len(checks)),
	}

	ready := true
	for _, check := range checks {
		start := time.Now()
		err := check.Check(ctx)
		latency := time.Since(start)

		result := checkResult{Status: "pass", Latency: latency.String()}
		if err != nil {
			result.Status = "fail"
			result.Message = err.Error()
			ready = false
			h.logger.Warn("readiness check failed",
				zap.String("check", check.Name()),
				zap.Duration("latency", latency),
				zap.Error(err))
		}
		report.Checks[check.Name()] = result
	}

	if !ready {
		report.Status = "unhealthy"
		WriteJSON(w, http.StatusServiceUnavailable, report)
		return
	}
	WriteJSON(w, http.StatusOK, report)
}

// HandleVersion reports build information.
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"build_time": buildTime,
			"git_commit": gitCommit,
		})
	}
}
