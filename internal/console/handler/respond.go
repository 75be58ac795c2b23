package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-payguard/internal/console/service"
	"github.com/xela07ax/spaceai-payguard/internal/domain"
)

type errorBody struct {
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError разделяет типы ошибок: 400, 404, 409, 503, 500.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var invalid *domain.InvalidInputError
	switch {
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_input", Field: invalid.Field, Message: invalid.Error()})
	case errors.Is(err, domain.ErrAgentNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: err.Error()})
	case errors.Is(err, service.ErrAgentExists):
		writeJSON(w, http.StatusConflict, errorBody{Error: "conflict", Message: err.Error()})
	case errors.Is(err, domain.ErrStorage):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "storage_unavailable", Message: "storage unavailable, retry later"})
	default:
		logger.Error("console request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: "internal error"})
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_input", Message: "Invalid request body"})
		return false
	}
	return true
}
