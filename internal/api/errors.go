package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	apperrors "github.com/crm-prospector/internal/errors"
	"github.com/crm-prospector/internal/logging"
	"github.com/crm-prospector/internal/types"
)

// maxBodyBytes caps request bodies
const maxBodyBytes = 1 << 20

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	_ = json.NewEncoder(w).Encode(response)
}

// respondServiceError maps err to its status and envelope. Server-side
// failures are logged with their cause; the client only sees the public message.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	catErr := apperrors.Categorize(err)

	if catErr.StatusCode >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
			"code":   catErr.Code,
		}).Error("Request failed")
	}
	if retryAfter, ok := catErr.Details["retryAfter"].(int); ok && retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}

	respondError(w, catErr.StatusCode, catErr.Code, catErr.Message, catErr.Details)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses JSON request body.
func parseJSONBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return apperrors.NewInvalidParameterError("body", err.Error())
	}
	return nil
}
