package services

import (
	"context"
	"time"

	"nearby-safety-backend/internal/models"
)

// LocationRepository persists one row per user
type LocationRepository interface {
	Upsert(ctx context.Context, loc *models.UserLocation) error
	ListSharing(ctx context.Context) ([]*models.UserLocation, error)
	StopSharing(ctx context.Context, userIDs []string) error
}

// SettingsRepository persists proximity settings. Get returns nil, nil when unset.
type SettingsRepository interface {
	Get(ctx context.Context, userID string) (*models.ProximitySettings, error)
	Upsert(ctx context.Context, s *models.ProximitySettings) error
}

// ContactRepository persists trusted contacts. Add must enforce limit atomically
// and return ErrLimitExceeded when the owner is already at the cap.
type ContactRepository interface {
	Add(ctx context.Context, contact *models.TrustedContact, limit int) error
	Remove(ctx context.Context, ownerID, contactUserID string) (bool, error)
	List(ctx context.Context, ownerID string) ([]*models.TrustedContact, error)
	TouchNearby(ctx context.Context, ownerID, contactUserID string, at time.Time) error
}

// IncidentRepository persists SOS incidents. Update only applies to open rows.
// Create returns ErrOpenIncidentExists when the user already has an open row.
type IncidentRepository interface {
	Create(ctx context.Context, inc *models.SOSIncident) error
	GetOpen(ctx context.Context, userID string) (*models.SOSIncident, error)
	Update(ctx context.Context, inc *models.SOSIncident) error
	ListOpen(ctx context.Context) ([]*models.SOSIncident, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*models.SOSIncident, error)
}

// CheckInRepository persists pending safety timers
type CheckInRepository interface {
	Save(ctx context.Context, c *models.SafetyCheckIn) error
	Delete(ctx context.Context, userID string) error
	ListActive(ctx context.Context) ([]*models.SafetyCheckIn, error)
}

// NearbyMessageRepository persists time-bounded nearby messages
type NearbyMessageRepository interface {
	Create(ctx context.Context, msg *models.NearbyMessage) error
	ListSince(ctx context.Context, since time.Time, origin models.GeoPoint, radiusMeters float64) ([]*models.NearbyMessage, error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// RelationshipDirectory is the external user-relationship collaborator
type RelationshipDirectory interface {
	// BlockedWith returns users that blocked userID or were blocked by it
	BlockedWith(ctx context.Context, userID string) (map[string]bool, error)
	IsFollower(ctx context.Context, followerID, followeeID string) (bool, error)
	IsCloseFriend(ctx context.Context, ownerID, friendID string) (bool, error)
}

// ProfileDirectory is the external profile and notification preference collaborator
type ProfileDirectory interface {
	Summaries(ctx context.Context, userIDs []string) (map[string]models.ProfileSummary, error)
	PushTargets(ctx context.Context, userIDs []string) (map[string]models.PushTarget, error)
}

// PushTokenRepository stores the device a user receives offline push on
type PushTokenRepository interface {
	UpdatePushToken(ctx context.Context, userID, token string) error
	SetSOSPushEnabled(ctx context.Context, userID string, enabled bool) error
}
