package services

import (
	"encoding/json"
	"sync"

	"nearby-safety-backend/internal/metrics"
	"nearby-safety-backend/internal/models"

	"github.com/rs/zerolog/log"
)

// Realtime event types
const (
	EventProximityAlert = "proximity_alert_received"
	EventSOSAlert       = "sos_alert"
	EventSOSCancelled   = "sos_cancelled"
	EventSOSResolved    = "sos_resolved"
	EventNearbyMessage  = "nearby_message_received"
	EventLocationUpdate = "location_updated"
	EventSOSStatus      = "sos_status"
	EventSafetyTimer    = "safety_timer"
	EventError          = "error"

	// client to server
	EventSOSActivate = "sos_activate"
	EventSOSCancel   = "sos_cancel"
	EventCheckIn     = "check_in"
)

// WSMessage represents a WebSocket message in either direction
type WSMessage struct {
	Type        string           `json:"type"`
	Timestamp   int64            `json:"timestamp,omitempty"`
	TriggeredBy string           `json:"triggered_by,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	Location    *models.GeoPoint `json:"location,omitempty"`
	Message     string           `json:"message,omitempty"`
	Data        interface{}      `json:"data,omitempty"`
}

// Session is one realtime connection of a user
type Session interface {
	ID() string
	UserID() string
	// Enqueue hands data to the connection without blocking
	Enqueue(data []byte) bool
	Close()
}

// SessionHub tracks every connected session per user
type SessionHub struct {
	mu       sync.RWMutex
	sessions map[string]map[string]Session
	metrics  *metrics.Metrics
}

// NewSessionHub creates a new hub
func NewSessionHub(m *metrics.Metrics) *SessionHub {
	return &SessionHub{
		sessions: make(map[string]map[string]Session),
		metrics:  m,
	}
}

// Register adds a session for its user
func (h *SessionHub) Register(s Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	userSessions, ok := h.sessions[s.UserID()]
	if !ok {
		userSessions = make(map[string]Session)
		h.sessions[s.UserID()] = userSessions
	}
	userSessions[s.ID()] = s
	h.metrics.RealtimeSessions.Inc()

	log.Info().Str("user_id", s.UserID()).Str("session_id", s.ID()).Msg("Realtime session registered")
}

// Unregister removes and closes a session
func (h *SessionHub) Unregister(s Session) {
	h.mu.Lock()
	userSessions, ok := h.sessions[s.UserID()]
	if ok {
		if _, exists := userSessions[s.ID()]; exists {
			delete(userSessions, s.ID())
			h.metrics.RealtimeSessions.Dec()
		} else {
			ok = false
		}
		if len(userSessions) == 0 {
			delete(h.sessions, s.UserID())
		}
	}
	h.mu.Unlock()

	if ok {
		s.Close()
		log.Info().Str("user_id", s.UserID()).Str("session_id", s.ID()).Msg("Realtime session unregistered")
	}
}

// SendToUser queues a message on every session of a user and returns how many accepted it
func (h *SessionHub) SendToUser(userID string, message WSMessage) int {
	h.mu.RLock()
	targets := make([]Session, 0, len(h.sessions[userID]))
	for _, s := range h.sessions[userID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return 0
	}

	data, err := json.Marshal(message)
	if err != nil {
		log.Error().Err(err).Str("type", message.Type).Msg("Failed to marshal realtime message")
		return 0
	}

	accepted := 0
	for _, s := range targets {
		if s.Enqueue(data) {
			accepted++
			continue
		}
		log.Warn().Str("user_id", userID).Str("session_id", s.ID()).Msg("Session buffer full, dropping session")
		h.Unregister(s)
	}
	return accepted
}

// IsOnline checks if a user has at least one session
func (h *SessionHub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID]) > 0
}

// CloseAll closes every session, used on shutdown
func (h *SessionHub) CloseAll() {
	h.mu.Lock()
	all := make([]Session, 0)
	for _, userSessions := range h.sessions {
		for _, s := range userSessions {
			all = append(all, s)
		}
	}
	h.sessions = make(map[string]map[string]Session)
	h.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
	h.metrics.RealtimeSessions.Set(0)
}
