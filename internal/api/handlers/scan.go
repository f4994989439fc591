package handlers

import (
	"fmt"
	"net/http"

	"github.com/anstrom/freeip/internal/logging"
	"github.com/anstrom/freeip/internal/session"
)

// ScanEngine is the command surface the scan endpoints drive.
type ScanEngine interface {
	RequestScan() bool
	CancelScan()
	Snapshot() session.Update
	State() session.State
}

// ScanHandler handles the scan endpoints.
type ScanHandler struct {
	engine ScanEngine
	logger *logging.Logger
}

// NewScanHandler creates a new scan handler.
func NewScanHandler(engine ScanEngine, logger *logging.Logger) *ScanHandler {
	return &ScanHandler{
		engine: engine,
		logger: logger.WithFields("handler", "scan"),
	}
}

// ScanResponse is the current snapshot together with the session state.
type ScanResponse struct {
	State session.State `json:"state"`
	session.Update
}

func (h *ScanHandler) response() ScanResponse {
	return ScanResponse{
		State:  h.engine.State(),
		Update: h.engine.Snapshot(),
	}
}

// GetScan returns the cached results and their freshness.
func (h *ScanHandler) GetScan(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.response())
}

// StartScan requests a new scan. It answers 202 when the probe started and
// 409 when the request was refused.
func (h *ScanHandler) StartScan(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestIDFromContext(r.Context())

	if !h.engine.RequestScan() {
		reason := "probe could not be started"
		if h.engine.State() == session.Scanning {
			reason = "a scan is already in progress"
		}
		h.logger.Info("Scan request refused", "request_id", requestID, "reason", reason)
		writeError(w, r, http.StatusConflict, fmt.Errorf("scan refused: %s", reason))
		return
	}

	h.logger.Info("Scan started via API", "request_id", requestID)
	writeJSON(w, r, http.StatusAccepted, h.response())
}

// CancelScan stops the running scan, keeping the partial results. It is a
// no-op when idle.
func (h *ScanHandler) CancelScan(w http.ResponseWriter, r *http.Request) {
	h.engine.CancelScan()
	h.logger.Info("Scan cancel requested via API", "request_id", getRequestIDFromContext(r.Context()))
	writeJSON(w, r, http.StatusOK, h.response())
}
