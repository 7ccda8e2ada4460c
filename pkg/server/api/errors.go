package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/codelens/codelens/pkg/analysis"
	"github.com/codelens/codelens/pkg/storage"
)

// ErrorResponse is the standard JSON error payload used by every endpoint.
//
// Example:
//
//	{
//	  "error": "Not Found",
//	  "code": "RESOURCE_NOT_FOUND",
//	  "message": "job \"b2f1...\" not found"
//	}
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// WriteError maps an error onto the HTTP status and error code derived
// from its type:
//   - analysis.ErrPlanLimit -> 422 Unprocessable Entity
//   - storage.NotFoundError -> 404 Not Found
//   - storage.AlreadyExistsError -> 409 Conflict
//   - storage.InvalidInputError -> 400 Bad Request
//   - anything else -> 500 Internal Server Error
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	statusCode := http.StatusInternalServerError
	errorCode := "INTERNAL_ERROR"

	var notFound *storage.NotFoundError
	var exists *storage.AlreadyExistsError
	var invalid *storage.InvalidInputError
	switch {
	case errors.Is(err, analysis.ErrPlanLimit):
		statusCode = http.StatusUnprocessableEntity
		errorCode = "PLAN_LIMIT_EXCEEDED"
	case errors.As(err, &notFound):
		statusCode = http.StatusNotFound
		errorCode = "RESOURCE_NOT_FOUND"
	case errors.As(err, &exists):
		statusCode = http.StatusConflict
		errorCode = "ALREADY_EXISTS"
	case errors.As(err, &invalid):
		statusCode = http.StatusBadRequest
		errorCode = "INVALID_INPUT"
	}

	logEvent := log.Error().
		Str("component", "api").
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", statusCode).
		Str("error_code", errorCode).
		Err(err)
	switch {
	case statusCode == http.StatusNotFound:
		logEvent.Msg("Resource not found")
	case statusCode >= 500:
		logEvent.Msg("Internal server error")
	default:
		logEvent.Msg("Client error")
	}

	WriteJSONError(w, statusCode, http.StatusText(statusCode), errorCode, err.Error())
}

// WriteJSONError writes a custom JSON error response with a specific
// status code, for handlers that need fine-grained control.
func WriteJSONError(w http.ResponseWriter, statusCode int, errorType, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := ErrorResponse{Error: errorType, Code: errorCode, Message: message}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Str("component", "api").Err(err).Msg("Failed to encode error response")
	}
}

// WriteJSON writes a successful JSON response.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Str("component", "api").Err(err).Msg("Failed to encode JSON response")
	}
}
