package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/anstrom/freeip/internal/logging"
	"github.com/anstrom/freeip/internal/settings"
)

// SettingsService reads and writes the stored scanning range.
type SettingsService interface {
	Load(ctx context.Context) (settings.Settings, error)
	Save(ctx context.Context, s settings.Settings) error
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// SettingsHandler handles the settings endpoints.
type SettingsHandler struct {
	service SettingsService
	logger  *logging.Logger
}

// NewSettingsHandler creates a new settings handler.
func NewSettingsHandler(service SettingsService, logger *logging.Logger) *SettingsHandler {
	return &SettingsHandler{
		service: service,
		logger:  logger.WithFields("handler", "settings"),
	}
}

// SettingValue is the body of the single-key endpoints.
type SettingValue struct {
	Key   string `json:"key,omitempty"`
	Value string `json:"value"`
}

// GetSettings returns every setting.
func (h *SettingsHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.service.Load(r.Context())
	if err != nil {
		h.logger.Error("Failed to load settings", "error", err)
		writeError(w, r, statusForError(err), err)
		return
	}
	writeJSON(w, r, http.StatusOK, s)
}

// UpdateSettings replaces the settings. Fields missing from the body keep
// their stored values.
func (h *SettingsHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	current, err := h.service.Load(r.Context())
	if err != nil {
		writeError(w, r, statusForError(err), err)
		return
	}

	if err := parseJSON(r, &current); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	if err := h.service.Save(r.Context(), current); err != nil {
		status := statusForError(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("Failed to save settings", "error", err)
		}
		writeError(w, r, status, err)
		return
	}

	writeJSON(w, r, http.StatusOK, current)
}

// GetSetting returns one setting by key.
func (h *SettingsHandler) GetSetting(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if !settings.IsKey(key) {
		writeError(w, r, http.StatusNotFound, fmt.Errorf("unknown setting %q", key))
		return
	}

	value, err := h.service.Get(r.Context(), key)
	if err != nil {
		writeError(w, r, statusForError(err), err)
		return
	}
	writeJSON(w, r, http.StatusOK, SettingValue{Key: key, Value: value})
}

// UpdateSetting changes one setting by key.
func (h *SettingsHandler) UpdateSetting(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if !settings.IsKey(key) {
		writeError(w, r, http.StatusNotFound, fmt.Errorf("unknown setting %q", key))
		return
	}

	var body SettingValue
	if err := parseJSON(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	if err := h.service.Set(r.Context(), key, body.Value); err != nil {
		writeError(w, r, statusForError(err), err)
		return
	}
	writeJSON(w, r, http.StatusOK, SettingValue{Key: key, Value: body.Value})
}
