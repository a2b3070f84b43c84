package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"nearby-safety-backend/internal/services"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// respondError sends an error response
func respondError(w http.ResponseWriter, message string, statusCode int) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// respondServiceError maps service errors to status codes. Unknown errors
// are reported as a generic 500.
func respondServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		respondError(w, "Internal server error", status)
		return
	}
	respondError(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrInvalidLocation),
		errors.Is(err, services.ErrInvalidRadius),
		errors.Is(err, services.ErrInvalidSettings),
		errors.Is(err, services.ErrInvalidTrigger),
		errors.Is(err, services.ErrInvalidDuration),
		errors.Is(err, services.ErrSelfContact),
		errors.Is(err, services.ErrInvalidMessage):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrLocationUnavailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, services.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, services.ErrNotFound), errors.Is(err, services.ErrNoActiveIncident):
		return http.StatusNotFound
	case errors.Is(err, services.ErrLimitExceeded), errors.Is(err, services.ErrAlreadyActive):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
