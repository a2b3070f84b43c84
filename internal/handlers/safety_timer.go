package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"nearby-safety-backend/internal/middleware"
	"nearby-safety-backend/internal/services"

	"github.com/rs/zerolog/log"
)

// SafetyTimerHandler handles check-in timer HTTP requests
type SafetyTimerHandler struct {
	watchdog *services.SafetyTimerWatchdog
}

// NewSafetyTimerHandler creates a new safety timer handler
func NewSafetyTimerHandler(watchdog *services.SafetyTimerWatchdog) *SafetyTimerHandler {
	return &SafetyTimerHandler{watchdog: watchdog}
}

// ArmTimerRequest represents a new safety timer
type ArmTimerRequest struct {
	DurationSeconds int64 `json:"durationSeconds"`
}

// Arm handles POST /api/v1/location/safety-timer
func (h *SafetyTimerHandler) Arm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req ArmTimerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	checkIn, err := h.watchdog.Arm(ctx, userID, time.Duration(req.DurationSeconds)*time.Second)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Failed to arm safety timer")
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, checkIn)
}

// CheckIn handles POST /api/v1/location/safety-timer/check-in
func (h *SafetyTimerHandler) CheckIn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	disarmed, err := h.watchdog.CheckIn(ctx, userID)
	if err != nil {
		// the timer is already disarmed in memory
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to persist check-in")
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"checkedIn": disarmed})
}

// Cancel handles DELETE /api/v1/location/safety-timer
func (h *SafetyTimerHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	disarmed, err := h.watchdog.Cancel(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to persist safety timer cancel")
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"cancelled": disarmed})
}

// Status handles GET /api/v1/location/safety-timer
func (h *SafetyTimerHandler) Status(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	checkIn := h.watchdog.Status(userID)
	if checkIn == nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{"active": false})
		return
	}
	respondJSON(w, http.StatusOK, checkIn)
}
