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

// LocationHandler handles location and proximity HTTP requests
type LocationHandler struct {
	locations *services.LocationStore
	engine    *services.ProximityEngine
	settings  *services.SettingsService
	profiles  services.ProfileDirectory
	maxRadius float64
}

// NewLocationHandler creates a new location handler
func NewLocationHandler(
	locations *services.LocationStore,
	engine *services.ProximityEngine,
	settings *services.SettingsService,
	profiles services.ProfileDirectory,
	maxRadius float64,
) *LocationHandler {
	return &LocationHandler{
		locations: locations,
		engine:    engine,
		settings:  settings,
		profiles:  profiles,
		maxRadius: maxRadius,
	}
}

// UpdateLocationRequest represents a location update
type UpdateLocationRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Accuracy  float64  `json:"accuracy"`
	IsSharing bool     `json:"isSharing"`
}

// NearbyUser is one entry of the nearby users list
type NearbyUser struct {
	UserID         string  `json:"userId"`
	DistanceMeters float64 `json:"distanceMeters"`
	Username       string  `json:"username"`
	DisplayName    string  `json:"displayName,omitempty"`
	AvatarURL      string  `json:"avatarUrl,omitempty"`
}

// UpdateLocation handles POST /api/v1/location/update
func (h *LocationHandler) UpdateLocation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req UpdateLocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Latitude == nil || req.Longitude == nil {
		respondError(w, "latitude and longitude are required", http.StatusBadRequest)
		return
	}

	point := models.GeoPoint{Latitude: *req.Latitude, Longitude: *req.Longitude, Accuracy: req.Accuracy}
	if _, err := h.locations.Update(ctx, userID, point, req.IsSharing); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to update location")
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"accepted": true})
}

// NearbyUsers handles GET /api/v1/location/nearby-users
func (h *LocationHandler) NearbyUsers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	radius := 0.0
	if radiusStr := r.URL.Query().Get("radius"); radiusStr != "" {
		parsed, err := strconv.ParseFloat(radiusStr, 64)
		if err != nil || parsed <= 0 || parsed > h.maxRadius {
			respondError(w, "radius must be a positive number up to the maximum radius", http.StatusBadRequest)
			return
		}
		radius = parsed
	}

	matches, err := h.engine.Nearby(ctx, userID, radius)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to query nearby users")
		respondServiceError(w, err)
		return
	}

	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.UserID)
	}
	profiles := map[string]models.ProfileSummary{}
	if len(ids) > 0 {
		if profiles, err = h.profiles.Summaries(ctx, ids); err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("Failed to load nearby profiles")
			respondServiceError(w, err)
			return
		}
	}

	users := make([]NearbyUser, 0, len(matches))
	for _, m := range matches {
		p := profiles[m.UserID]
		users = append(users, NearbyUser{
			UserID:         m.UserID,
			DistanceMeters: m.DistanceMeters,
			Username:       p.Username,
			DisplayName:    p.DisplayName,
			AvatarURL:      p.AvatarURL,
		})
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"nearbyUsers": users})
}

// GetSettings handles GET /api/v1/location/settings
func (h *LocationHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	settings, err := h.settings.Get(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to get proximity settings")
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, settings)
}

// UpdateSettings handles PUT /api/v1/location/settings. Absent fields keep their value.
func (h *LocationHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	settings, err := h.settings.Get(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to get proximity settings")
		respondServiceError(w, err)
		return
	}
	if err := json.NewDecoder(r.Body).Decode(settings); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	settings.UserID = userID

	updated, err := h.settings.Update(ctx, settings)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Rejected proximity settings")
		respondServiceError(w, err)
		return
	}

	h.engine.Enqueue(userID)
	respondJSON(w, http.StatusOK, updated)
}
