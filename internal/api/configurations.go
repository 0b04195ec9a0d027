package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// SettingsStore is the runtime configuration surface; settings.DBProvider
// satisfies it.
type SettingsStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, encrypt bool) error
	ClearCache()
}

type updateConfigurationRequest struct {
	Value       string `json:"value"`
	IsEncrypted bool   `json:"isEncrypted"`
}

func (s *Server) handleGetConfiguration(w http.ResponseWriter, r *http.Request) {
	if !s.requireSettings(w) {
		return
	}
	key := chi.URLParam(r, "key")
	value, err := s.settings.Get(r.Context(), key)
	if err != nil {
		s.logger.Errorw("configuration lookup failed", "key", key, "error", err)
		writeEnvelope(w, http.StatusInternalServerError, envelope{Message: "Error retrieving configuration"})
		return
	}
	if value == "" {
		writeEnvelope(w, http.StatusNotFound, envelope{Message: fmt.Sprintf("Configuration '%s' not found", key)})
		return
	}
	writeEnvelope(w, http.StatusOK, envelope{Success: true, Data: map[string]string{"key": key, "value": value}})
}

func (s *Server) handleUpdateConfiguration(w http.ResponseWriter, r *http.Request) {
	if !s.requireSettings(w) {
		return
	}
	var req updateConfigurationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeEnvelope(w, http.StatusBadRequest, envelope{Message: err.Error()})
		return
	}

	key := chi.URLParam(r, "key")
	if err := s.settings.Set(r.Context(), key, req.Value, req.IsEncrypted); err != nil {
		s.logger.Errorw("configuration update failed", "key", key, "encrypted", req.IsEncrypted, "error", err)
		writeEnvelope(w, http.StatusInternalServerError, envelope{Message: "Error updating configuration"})
		return
	}

	s.logger.Infow("configuration updated", "key", key, "encrypted", req.IsEncrypted)
	writeEnvelope(w, http.StatusOK, envelope{
		Success: true,
		Message: "Configuration updated successfully",
		Data:    map[string]string{"key": key},
	})
}

func (s *Server) handleClearConfigurationCache(w http.ResponseWriter, _ *http.Request) {
	if !s.requireSettings(w) {
		return
	}
	s.settings.ClearCache()
	s.logger.Infow("configuration cache cleared")
	writeEnvelope(w, http.StatusOK, envelope{Success: true, Message: "Configuration cache cleared successfully"})
}

// requireSettings answers 503 when no configuration store is attached, which
// is the case for the memory backend.
func (s *Server) requireSettings(w http.ResponseWriter) bool {
	if s.settings != nil {
		return true
	}
	writeEnvelope(w, http.StatusServiceUnavailable, envelope{Message: "Configuration store is not available"})
	return false
}
