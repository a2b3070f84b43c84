package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"nearby-safety-backend/internal/middleware"
	"nearby-safety-backend/internal/models"
	"nearby-safety-backend/internal/services"

	"github.com/rs/zerolog/log"
)

// SOSHandler handles SOS HTTP requests
type SOSHandler struct {
	sos *services.SOSStateMachine
}

// NewSOSHandler creates a new SOS handler
func NewSOSHandler(sos *services.SOSStateMachine) *SOSHandler {
	return &SOSHandler{sos: sos}
}

// ActivateRequest represents an SOS activation
type ActivateRequest struct {
	Location    *models.GeoPoint `json:"location"`
	TriggeredBy string           `json:"triggeredBy"`
	Reason      string           `json:"reason"`
}

// CancelSOSRequest represents an SOS cancellation. UserID is for admins only.
type CancelSOSRequest struct {
	UserID string `json:"userId"`
}

// ResolveSOSRequest represents an SOS resolution
type ResolveSOSRequest struct {
	IncidentID string `json:"incidentId"`
	UserID     string `json:"userId"`
	Ack        string `json:"ack"`
}

// Activate handles POST /api/v1/location/sos-activate
func (h *SOSHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req ActivateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}
	source := models.TriggerSource(req.TriggeredBy)
	if source == "" {
		source = models.TriggerManual
	}
	// timer-expiry is raised by the server only
	if source == models.TriggerTimerExpiry {
		respondError(w, services.ErrInvalidTrigger.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.sos.Activate(ctx, services.DistressTrigger{
		UserID:   userID,
		Source:   source,
		Reason:   req.Reason,
		Location: req.Location,
	})
	if err != nil {
		var active *services.AlreadyActiveError
		if errors.As(err, &active) {
			respondJSON(w, http.StatusConflict, map[string]interface{}{
				"error":         err.Error(),
				"incidentId":    active.Incident.ID,
				"alreadyActive": true,
			})
			return
		}
		log.Error().Err(err).Str("user_id", userID).Str("trigger", string(source)).Msg("Failed to activate SOS")
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"incidentId":       result.Incident.ID,
		"contactsNotified": result.Incident.ContactsNotified,
		"state":            result.Incident.State,
		"dryRun":           result.Incident.DryRun,
		"partialFailure":   result.PartialFailure,
		"reused":           result.Reused,
	})
}

// Cancel handles POST /api/v1/location/sos-cancel
func (h *SOSHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req CancelSOSRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}
	target := userID
	if req.UserID != "" {
		target = req.UserID
	}

	inc, err := h.sos.Cancel(ctx, services.CancelRequest{
		UserID:  target,
		ActorID: userID,
		Admin:   middleware.IsAdmin(ctx),
	})
	if errors.Is(err, services.ErrNoActiveIncident) {
		respondJSON(w, http.StatusOK, map[string]interface{}{"cancelled": false})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("user_id", target).Str("actor_id", userID).Msg("Failed to cancel SOS")
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"cancelled":  true,
		"incidentId": inc.ID,
	})
}

// Resolve handles POST /api/v1/location/sos-resolve
func (h *SOSHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req ResolveSOSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	target := userID
	if req.UserID != "" {
		target = req.UserID
	}

	inc, err := h.sos.Resolve(ctx, services.ResolveRequest{
		UserID:     target,
		IncidentID: req.IncidentID,
		ActorID:    userID,
		Admin:      middleware.IsAdmin(ctx),
		Ack:        req.Ack,
	})
	if err != nil {
		log.Warn().Err(err).Str("user_id", target).Str("actor_id", userID).Msg("Failed to resolve SOS")
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"resolved":   true,
		"incidentId": inc.ID,
	})
}

// Status handles GET /api/v1/location/sos-status
func (h *SOSHandler) Status(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	respondJSON(w, http.StatusOK, services.SOSStatusMessage(h.sos.Status(userID)).Data)
}

// History handles GET /api/v1/location/sos-history
func (h *SOSHandler) History(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil {
			limit = parsedLimit
		}
	}

	incidents, err := h.sos.History(ctx, userID, limit)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to get SOS history")
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"incidents": incidents})
}
