package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/anstrom/freeip/internal/logging"
	"github.com/anstrom/freeip/internal/session"
)

// Pinger checks that a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StateReporter exposes the scan state for health reporting.
type StateReporter interface {
	State() session.State
}

const healthCheckTimeout = 5 * time.Second

// Status constants.
const (
	StatusHealthy       = "healthy"
	StatusUnhealthy     = "unhealthy"
	StatusNotConfigured = "not configured"
)

// HealthHandler handles health check and version endpoints.
type HealthHandler struct {
	store     Pinger
	engine    StateReporter
	logger    *logging.Logger
	startTime time.Time
}

// NewHealthHandler creates a new health handler. store may be nil for
// backends without a connection to check.
func NewHealthHandler(store Pinger, engine StateReporter, logger *logging.Logger) *HealthHandler {
	return &HealthHandler{
		store:     store,
		engine:    engine,
		logger:    logger.WithFields("handler", "health"),
		startTime: time.Now(),
	}
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks"`
}

// LivenessResponse represents a simple liveness check response.
type LivenessResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}

// VersionResponse represents version information.
type VersionResponse struct {
	Version   string    `json:"version"`
	Commit    string    `json:"commit"`
	BuildTime string    `json:"build_time"`
	GoVersion string    `json:"go_version"`
	Timestamp time.Time `json:"timestamp"`
}

// Health checks the store connection and reports the scan state.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := StatusHealthy
	checks := make(map[string]string)

	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			status = StatusUnhealthy
			checks["store"] = "failed: " + err.Error()
			h.logger.Warn("Store health check failed",
				"request_id", getRequestIDFromContext(r.Context()),
				"error", err)
		} else {
			checks["store"] = "ok"
		}
	} else {
		checks["store"] = StatusNotConfigured
	}

	if h.engine != nil {
		checks["scan"] = h.engine.State().String()
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Checks:    checks,
	}

	statusCode := http.StatusOK
	if status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, r, statusCode, response)
}

// Liveness reports that the process is serving requests.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
	})
}

// Version returns build information.
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, VersionResponse{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
		GoVersion: runtime.Version(),
		Timestamp: time.Now().UTC(),
	})
}

// Build information, set via SetBuildInfo from ldflags values.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// SetBuildInfo sets build information (called by main package).
func SetBuildInfo(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
}

// BuildInfo returns the values set by SetBuildInfo.
func BuildInfo() (v, c, bt string) {
	return version, commit, buildTime
}
