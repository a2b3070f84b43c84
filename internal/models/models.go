package models

import "time"

// GeoPoint is a WGS84 coordinate with an optional accuracy radius in meters
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// UserLocation is the latest known position of a user
type UserLocation struct {
	UserID    string    `json:"user_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	IsSharing bool      `json:"is_sharing"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Point returns the location as a GeoPoint
func (l *UserLocation) Point() GeoPoint {
	return GeoPoint{Latitude: l.Latitude, Longitude: l.Longitude, Accuracy: l.Accuracy}
}

// AlertFrequency controls how often proximity alerts fire
type AlertFrequency string

const (
	AlertImmediate AlertFrequency = "immediate"
	AlertPeriodic  AlertFrequency = "periodic"
	AlertOnce      AlertFrequency = "once"
)

// Valid reports whether f is a known frequency
func (f AlertFrequency) Valid() bool {
	switch f {
	case AlertImmediate, AlertPeriodic, AlertOnce:
		return true
	}
	return false
}

// ProximitySettings holds per-user proximity preferences
type ProximitySettings struct {
	UserID              string         `json:"user_id"`
	RadiusMeters        float64        `json:"radius_meters"`
	AlertFrequency      AlertFrequency `json:"alert_frequency"`
	OnlyTrustedContacts bool           `json:"only_trusted_contacts"`
	SoundEnabled        bool           `json:"sound_enabled"`
	VibrationEnabled    bool           `json:"vibration_enabled"`
	ShowOnMap           bool           `json:"show_on_map"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// TrustedContact links an owner to a contact eligible for proximity visibility and SOS alerts
type TrustedContact struct {
	OwnerID       string     `json:"owner_id"`
	ContactUserID string     `json:"contact_user_id"`
	AddedAt       time.Time  `json:"added_at"`
	LastNearbyAt  *time.Time `json:"last_nearby_at,omitempty"`
}

// IncidentState is the lifecycle state of an SOS incident
type IncidentState string

const (
	IncidentIdle      IncidentState = "idle"
	IncidentArming    IncidentState = "arming"
	IncidentActive    IncidentState = "active"
	IncidentCancelled IncidentState = "cancelled"
	IncidentResolved  IncidentState = "resolved"
)

// Terminal reports whether the state can no longer change
func (s IncidentState) Terminal() bool {
	return s == IncidentCancelled || s == IncidentResolved
}

// TriggerSource identifies what raised a distress trigger
type TriggerSource string

const (
	TriggerManual      TriggerSource = "manual"
	TriggerVoice       TriggerSource = "voice"
	TriggerTimerExpiry TriggerSource = "timer-expiry"
	TriggerTest        TriggerSource = "test"
)

// Valid reports whether s is a known trigger source
func (s TriggerSource) Valid() bool {
	switch s {
	case TriggerManual, TriggerVoice, TriggerTimerExpiry, TriggerTest:
		return true
	}
	return false
}

// LocationSource records where an incident's location came from
type LocationSource string

const (
	LocationFromRequest   LocationSource = "request"
	LocationFromLastKnown LocationSource = "last_known"
	LocationAbsent        LocationSource = ""
)

// SOSIncident is a tracked emergency activation
type SOSIncident struct {
	ID                 string         `json:"incident_id"`
	UserID             string         `json:"user_id"`
	State              IncidentState  `json:"state"`
	TriggeredBy        TriggerSource  `json:"triggered_by"`
	Reason             string         `json:"reason,omitempty"`
	TriggerLocation    *GeoPoint      `json:"trigger_location,omitempty"`
	LocationSource     LocationSource `json:"location_source,omitempty"`
	DryRun             bool           `json:"dry_run"`
	CreatedAt          time.Time      `json:"created_at"`
	ActivatedAt        *time.Time     `json:"activated_at,omitempty"`
	ContactsNotified   int            `json:"contacts_notified"`
	PartialFailure     bool           `json:"partial_failure"`
	NotifiedContactIDs []string       `json:"notified_contact_ids,omitempty"`
	CancelledAt        *time.Time     `json:"cancelled_at,omitempty"`
	CancelledBy        string         `json:"cancelled_by,omitempty"`
	ResolvedAt         *time.Time     `json:"resolved_at,omitempty"`
	ResolutionAck      string         `json:"resolution_ack,omitempty"`
}

// Clone returns a deep copy safe to hand out of a lock
func (i *SOSIncident) Clone() *SOSIncident {
	if i == nil {
		return nil
	}
	c := *i
	if i.TriggerLocation != nil {
		loc := *i.TriggerLocation
		c.TriggerLocation = &loc
	}
	c.NotifiedContactIDs = append([]string(nil), i.NotifiedContactIDs...)
	return &c
}

// SafetyCheckIn is a pending check-in deadline
type SafetyCheckIn struct {
	UserID   string        `json:"user_id"`
	Deadline time.Time     `json:"deadline"`
	Duration time.Duration `json:"-"`
	ArmedAt  time.Time     `json:"armed_at"`
	Active   bool          `json:"active"`
}

// Visibility scopes who may receive a nearby message
type Visibility string

const (
	VisibilityPublic       Visibility = "public"
	VisibilityFollowers    Visibility = "followers"
	VisibilityCloseFriends Visibility = "close_friends"
	VisibilityPrivate      Visibility = "private"
)

// Valid reports whether v is a known visibility
func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPublic, VisibilityFollowers, VisibilityCloseFriends, VisibilityPrivate:
		return true
	}
	return false
}

// NearbyMessage is an ephemeral radius-scoped broadcast
type NearbyMessage struct {
	ID           string     `json:"message_id"`
	SenderID     string     `json:"sender_id,omitempty"`
	Text         string     `json:"text,omitempty"`
	MediaRef     string     `json:"media_ref,omitempty"`
	Origin       GeoPoint   `json:"origin"`
	RadiusMeters float64    `json:"radius_meters"`
	Visibility   Visibility `json:"visibility"`
	CreatedAt    time.Time  `json:"created_at"`
	IsAnonymous  bool       `json:"is_anonymous"`
}

// ProfileSummary is the public part of a user profile
type ProfileSummary struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// PushTarget is a device a user can be reached on while offline
type PushTarget struct {
	UserID         string `json:"user_id"`
	DeviceToken    string `json:"device_token"`
	SOSPushEnabled bool   `json:"sos_push_enabled"`
}
