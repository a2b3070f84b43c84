package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"nearby-safety-backend/internal/middleware"
	"nearby-safety-backend/internal/models"
	"nearby-safety-backend/internal/services"

	"github.com/rs/zerolog/log"
)

// NearbyHandler handles nearby message HTTP requests
type NearbyHandler struct {
	channel *services.NearbyBroadcastChannel
}

// NewNearbyHandler creates a new nearby message handler
func NewNearbyHandler(channel *services.NearbyBroadcastChannel) *NearbyHandler {
	return &NearbyHandler{channel: channel}
}

// PostMessageRequest represents a nearby message
type PostMessageRequest struct {
	Message    string  `json:"message"`
	Radius     float64 `json:"radius"`
	Anonymous  bool    `json:"anonymous"`
	Visibility string  `json:"visibility"`
	Media      string  `json:"media"`
}

// MediaUploadRequest represents a request for an upload URL
type MediaUploadRequest struct {
	ContentType string `json:"contentType"`
}

// Post handles POST /api/v1/location/nearby-message
func (h *NearbyHandler) Post(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.channel.Post(ctx, userID, services.PostRequest{
		Text:         req.Message,
		MediaRef:     req.Media,
		RadiusMeters: req.Radius,
		Visibility:   models.Visibility(req.Visibility),
		Anonymous:    req.Anonymous,
	})
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Failed to post nearby message")
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"recipients": result.Recipients,
		"messageId":  result.Message.ID,
	})
}

// PresignMedia handles POST /api/v1/location/nearby-message/media
func (h *NearbyHandler) PresignMedia(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req MediaUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ContentType == "" {
		req.ContentType = "image/jpeg"
	}

	response, err := h.channel.PresignMedia(ctx, userID, req.ContentType)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Str("content_type", req.ContentType).Msg("Failed to generate pre-signed URL")
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, response)
}

// Recent handles GET /api/v1/location/nearby-messages
func (h *NearbyHandler) Recent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	radius := 0.0
	if radiusStr := r.URL.Query().Get("radius"); radiusStr != "" {
		parsed, err := strconv.ParseFloat(radiusStr, 64)
		if err != nil {
			respondError(w, "radius must be a number", http.StatusBadRequest)
			return
		}
		radius = parsed
	}

	messages, err := h.channel.Recent(ctx, userID, radius)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Failed to list nearby messages")
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}
