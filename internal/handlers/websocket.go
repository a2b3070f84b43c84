package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"nearby-safety-backend/internal/models"
	"nearby-safety-backend/internal/services"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var errUnknownMessageType = errors.New("unknown message type")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // mobile clients send no Origin
	},
}

// WebSocketHandler handles WebSocket connections
type WebSocketHandler struct {
	hub      *services.SessionHub
	auth     *services.AuthService
	sos      *services.SOSStateMachine
	watchdog *services.SafetyTimerWatchdog
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(
	hub *services.SessionHub,
	auth *services.AuthService,
	sos *services.SOSStateMachine,
	watchdog *services.SafetyTimerWatchdog,
) *WebSocketHandler {
	return &WebSocketHandler{
		hub:      hub,
		auth:     auth,
		sos:      sos,
		watchdog: watchdog,
	}
}

// HandleWebSocket handles WebSocket connections
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if token == "" {
		respondError(w, "token required", http.StatusUnauthorized)
		return
	}

	claims, err := h.auth.ValidateToken(token)
	if err != nil {
		respondError(w, "invalid token", http.StatusUnauthorized)
		return
	}
	userID := claims.UserID

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	session := services.NewWSSession(conn, userID)
	h.hub.Register(session)
	defer h.hub.Unregister(session)

	go session.WritePump()

	// current state first, so a reconnecting client needs no extra request
	session.Send(services.SOSStatusMessage(h.sos.Status(userID)))
	session.Send(services.SafetyTimerMessage(h.watchdog.Status(userID)))

	log.Info().Str("user_id", userID).Str("session_id", session.ID()).Msg("WebSocket connection established")

	// handlers outlive the request context once the connection is hijacked
	ctx := context.WithoutCancel(r.Context())
	session.ReadPump(func(msg services.WSMessage) {
		if err := h.handleMessage(ctx, session, msg); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Str("type", msg.Type).Msg("Failed to handle message")
			session.Send(services.WSMessage{Type: services.EventError, Message: clientMessage(err)})
		}
	})

	log.Info().Str("user_id", userID).Str("session_id", session.ID()).Msg("WebSocket connection closed")
}

// handleMessage processes incoming WebSocket messages
func (h *WebSocketHandler) handleMessage(ctx context.Context, session *services.WSSession, msg services.WSMessage) error {
	userID := session.UserID()

	switch msg.Type {
	case services.EventSOSActivate:
		source := models.TriggerSource(msg.TriggeredBy)
		if source == "" {
			source = models.TriggerManual
		}
		if source == models.TriggerTimerExpiry {
			return services.ErrInvalidTrigger
		}
		_, err := h.sos.Activate(ctx, services.DistressTrigger{
			UserID:   userID,
			Source:   source,
			Reason:   msg.Reason,
			Location: msg.Location,
		})
		if errors.Is(err, services.ErrAlreadyActive) {
			// the owner already received sos_status for the open incident
			session.Send(services.SOSStatusMessage(h.sos.Status(userID)))
			return nil
		}
		return err

	case services.EventSOSCancel:
		_, err := h.sos.Cancel(ctx, services.CancelRequest{UserID: userID, ActorID: userID})
		if errors.Is(err, services.ErrNoActiveIncident) {
			session.Send(services.SOSStatusMessage(nil))
			return nil
		}
		return err

	case services.EventCheckIn:
		_, err := h.watchdog.CheckIn(ctx, userID)
		return err

	default:
		return errUnknownMessageType
	}
}

// clientMessage hides internal failures from the client
func clientMessage(err error) string {
	if statusFor(err) == http.StatusInternalServerError && !errors.Is(err, errUnknownMessageType) {
		return "Internal server error"
	}
	return err.Error()
}
