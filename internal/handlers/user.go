package handlers

import (
	"encoding/json"
	"net/http"

	"nearby-safety-backend/internal/middleware"
	"nearby-safety-backend/internal/services"

	"github.com/rs/zerolog/log"
)

// UserHandler handles user preference HTTP requests
type UserHandler struct {
	userService *services.UserService
}

// NewUserHandler creates a new user handler
func NewUserHandler(userService *services.UserService) *UserHandler {
	return &UserHandler{
		userService: userService,
	}
}

// UpdatePushTokenRequest represents a push token registration
type UpdatePushTokenRequest struct {
	PushToken      string `json:"pushToken"`
	SOSPushEnabled *bool  `json:"sosPushEnabled"`
}

// UpdatePushToken handles PUT /api/v1/users/push-token
func (h *UserHandler) UpdatePushToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req UpdatePushTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.userService.UpdatePushToken(ctx, userID, req.PushToken); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to update push token")
		respondError(w, "Failed to update push token", http.StatusInternalServerError)
		return
	}
	if req.SOSPushEnabled != nil {
		if err := h.userService.SetSOSPushEnabled(ctx, userID, *req.SOSPushEnabled); err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("Failed to update sos push preference")
			respondError(w, "Failed to update push preference", http.StatusInternalServerError)
			return
		}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"updated": true})
}
