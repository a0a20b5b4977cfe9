package api

import (
	"encoding/json"
	"errors"
	"net/http"

	syncerrors "github.com/provider-sync/internal/errors"
	"github.com/provider-sync/internal/storage"
)

// APIError is the error payload returned on every non-2xx response
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ErrorResponse wraps an APIError
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// Common error codes
const (
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeSyncInProgress    = "SYNC_IN_PROGRESS"
	ErrCodeReconnectRequired = "RECONNECT_REQUIRED"
	ErrCodeProviderError     = "PROVIDER_ERROR"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeInternalError     = "INTERNAL_ERROR"
)

// respondError sends an error response
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	json.NewEncoder(w).Encode(response)
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses a JSON request body
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// respondSyncError maps the sync error taxonomy to HTTP status codes. Token
// values never appear in error messages, so messages are safe to return
// verbatim.
func respondSyncError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "connection not found", nil)
	case errors.Is(err, syncerrors.ErrAlreadyInProgress):
		respondError(w, http.StatusConflict, ErrCodeSyncInProgress, "a sync is already running for this connection", nil)
	case syncerrors.IsCredentialExpired(err):
		respondError(w, http.StatusUnprocessableEntity, ErrCodeReconnectRequired, err.Error(), nil)
	case syncerrors.IsRateLimited(err):
		respondError(w, http.StatusBadGateway, ErrCodeRateLimited, err.Error(), nil)
	case syncerrors.IsAuth(err), syncerrors.IsProviderFatal(err):
		respondError(w, http.StatusBadGateway, ErrCodeProviderError, err.Error(), nil)
	default:
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "An internal error occurred", nil)
	}
}
