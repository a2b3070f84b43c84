package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"nearby-safety-backend/internal/middleware"
	"nearby-safety-backend/internal/services"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// ContactHandler handles trusted contact HTTP requests
type ContactHandler struct {
	registry *services.TrustedContactRegistry
	engine   *services.ProximityEngine
}

// NewContactHandler creates a new contact handler
func NewContactHandler(registry *services.TrustedContactRegistry, engine *services.ProximityEngine) *ContactHandler {
	return &ContactHandler{registry: registry, engine: engine}
}

// AddContactRequest represents a new trusted contact
type AddContactRequest struct {
	UserID string `json:"userId"`
}

// List handles GET /api/v1/users/trusted-contacts
func (h *ContactHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	contacts, err := h.registry.List(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to list trusted contacts")
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"contacts": contacts,
		"limit":    services.MaxTrustedContacts,
	})
}

// Add handles POST /api/v1/users/trusted-contacts
func (h *ContactHandler) Add(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req AddContactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		respondError(w, "userId is required", http.StatusBadRequest)
		return
	}

	contact, created, err := h.registry.Add(ctx, userID, req.UserID)
	if err != nil {
		if errors.Is(err, services.ErrLimitExceeded) {
			log.Info().Str("user_id", userID).Msg("Trusted contact limit reached")
		} else {
			log.Error().Err(err).Str("user_id", userID).Msg("Failed to add trusted contact")
		}
		respondServiceError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.engine.Enqueue(userID)
		log.Info().Str("user_id", userID).Str("contact_user_id", req.UserID).Msg("Trusted contact added")
	}
	respondJSON(w, status, contact)
}

// Remove handles DELETE /api/v1/users/trusted-contacts/{id}
func (h *ContactHandler) Remove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	contactUserID := chi.URLParam(r, "id")

	if err := h.registry.Remove(ctx, userID, contactUserID); err != nil {
		if !errors.Is(err, services.ErrNotFound) {
			log.Error().Err(err).Str("user_id", userID).Msg("Failed to remove trusted contact")
		}
		respondServiceError(w, err)
		return
	}

	h.engine.Enqueue(userID)
	w.WriteHeader(http.StatusNoContent)
}
