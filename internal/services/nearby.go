package services

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"nearby-safety-backend/internal/metrics"
	"nearby-safety-backend/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// PostRequest is a new nearby message
type PostRequest struct {
	Text         string
	MediaRef     string
	RadiusMeters float64
	Visibility   models.Visibility
	Anonymous    bool
}

// PostResult reports the stored message and how many users it was sent to
type PostResult struct {
	Message    *models.NearbyMessage
	Recipients int
}

// NearbyMessageView is a message as seen by one viewer
type NearbyMessageView struct {
	models.NearbyMessage
	DistanceMeters float64                `json:"distance_meters"`
	Sender         *models.ProfileSummary `json:"sender,omitempty"`
}

// NearbyConfig bounds nearby messages
type NearbyConfig struct {
	Retention     time.Duration
	MaxRadiusM    float64
	MaxTextLength int
}

// NearbyBroadcastChannel posts short-lived messages to sharing users around the sender
type NearbyBroadcastChannel struct {
	repo       NearbyMessageRepository
	locations  *LocationStore
	index      *ProximityIndex
	contacts   *TrustedContactRegistry
	relations  RelationshipDirectory
	profiles   ProfileDirectory
	dispatcher *AlertDispatcher
	media      *MediaService
	clock      Clock
	metrics    *metrics.Metrics
	cfg        NearbyConfig
}

// NearbyDeps groups the collaborators of the channel. Media may be nil.
type NearbyDeps struct {
	Repo       NearbyMessageRepository
	Locations  *LocationStore
	Index      *ProximityIndex
	Contacts   *TrustedContactRegistry
	Relations  RelationshipDirectory
	Profiles   ProfileDirectory
	Dispatcher *AlertDispatcher
	Media      *MediaService
	Clock      Clock
	Metrics    *metrics.Metrics
}

// NewNearbyBroadcastChannel creates a new channel
func NewNearbyBroadcastChannel(deps NearbyDeps, cfg NearbyConfig) *NearbyBroadcastChannel {
	return &NearbyBroadcastChannel{
		repo:       deps.Repo,
		locations:  deps.Locations,
		index:      deps.Index,
		contacts:   deps.Contacts,
		relations:  deps.Relations,
		profiles:   deps.Profiles,
		dispatcher: deps.Dispatcher,
		media:      deps.Media,
		clock:      deps.Clock,
		metrics:    deps.Metrics,
		cfg:        cfg,
	}
}

func (c *NearbyBroadcastChannel) validate(senderID string, req *PostRequest) error {
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" && req.MediaRef == "" {
		return fmt.Errorf("%w: message is empty", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(req.Text) > c.cfg.MaxTextLength {
		return fmt.Errorf("%w: message longer than %d characters", ErrInvalidMessage, c.cfg.MaxTextLength)
	}
	if req.RadiusMeters <= 0 || req.RadiusMeters > c.cfg.MaxRadiusM {
		return fmt.Errorf("%w: radius must be in (0, %.0f]", ErrInvalidRadius, c.cfg.MaxRadiusM)
	}
	if req.Visibility == "" {
		req.Visibility = models.VisibilityPublic
	}
	if !req.Visibility.Valid() {
		return fmt.Errorf("%w: unknown visibility %q", ErrInvalidMessage, req.Visibility)
	}
	if req.MediaRef != "" && (c.media == nil || !c.media.OwnsMediaRef(senderID, req.MediaRef)) {
		return fmt.Errorf("%w: unknown media reference", ErrInvalidMessage)
	}
	return nil
}

// Post stores a message at the sender's last known position and delivers it
// to every eligible sharing user within its radius.
func (c *NearbyBroadcastChannel) Post(ctx context.Context, senderID string, req PostRequest) (*PostResult, error) {
	if err := c.validate(senderID, &req); err != nil {
		return nil, err
	}

	origin, ok := c.locations.Fresh(senderID)
	if !ok {
		return nil, ErrLocationUnavailable
	}

	msg := &models.NearbyMessage{
		ID:           uuid.New().String(),
		SenderID:     senderID,
		Text:         req.Text,
		MediaRef:     req.MediaRef,
		Origin:       *origin,
		RadiusMeters: req.RadiusMeters,
		Visibility:   req.Visibility,
		CreatedAt:    c.clock.Now(),
		IsAnonymous:  req.Anonymous,
	}
	blocked, err := c.relations.BlockedWith(ctx, senderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load blocks: %w", err)
	}

	if err := c.repo.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to store nearby message: %w", err)
	}
	c.metrics.NearbyMessages.Inc()

	recipients := c.index.Query(*origin, senderID, req.RadiusMeters, func(viewerID string) bool {
		return !blocked[viewerID] && c.canSee(ctx, msg, viewerID)
	})

	sender := c.senderProfile(ctx, msg)
	for _, r := range recipients {
		c.dispatcher.Publish(ctx, NearbyMessageEvent(r.UserID, msg, sender, r.DistanceMeters))
	}

	log.Info().
		Str("user_id", senderID).
		Str("message_id", msg.ID).
		Str("visibility", string(msg.Visibility)).
		Int("recipients", len(recipients)).
		Msg("Nearby message posted")

	return &PostResult{Message: msg, Recipients: len(recipients)}, nil
}

// canSee applies the message visibility to viewerID
func (c *NearbyBroadcastChannel) canSee(ctx context.Context, msg *models.NearbyMessage, viewerID string) bool {
	if viewerID == msg.SenderID {
		return true
	}

	var (
		ok  bool
		err error
	)
	switch msg.Visibility {
	case models.VisibilityPublic:
		return true
	case models.VisibilityFollowers:
		ok, err = c.relations.IsFollower(ctx, viewerID, msg.SenderID)
	case models.VisibilityCloseFriends:
		ok, err = c.relations.IsCloseFriend(ctx, msg.SenderID, viewerID)
	case models.VisibilityPrivate:
		ok, err = c.contacts.IsContact(ctx, msg.SenderID, viewerID)
	}
	if err != nil {
		log.Warn().Err(err).Str("message_id", msg.ID).Str("viewer_id", viewerID).Msg("Visibility check failed")
		return false
	}
	return ok
}

func (c *NearbyBroadcastChannel) senderProfile(ctx context.Context, msg *models.NearbyMessage) *models.ProfileSummary {
	if msg.IsAnonymous {
		return nil
	}
	profiles, err := c.profiles.Summaries(ctx, []string{msg.SenderID})
	if err != nil {
		log.Warn().Err(err).Str("user_id", msg.SenderID).Msg("Failed to load sender profile")
		return &models.ProfileSummary{UserID: msg.SenderID}
	}
	if p, ok := profiles[msg.SenderID]; ok {
		return &p
	}
	return &models.ProfileSummary{UserID: msg.SenderID}
}

// Recent returns messages of the retention window that reach the viewer's
// position and that the viewer may see, newest first. A zero radius uses
// the maximum.
func (c *NearbyBroadcastChannel) Recent(ctx context.Context, viewerID string, radiusMeters float64) ([]NearbyMessageView, error) {
	if radiusMeters < 0 || radiusMeters > c.cfg.MaxRadiusM {
		return nil, ErrInvalidRadius
	}
	if radiusMeters == 0 {
		radiusMeters = c.cfg.MaxRadiusM
	}

	origin, ok := c.locations.Fresh(viewerID)
	if !ok {
		return nil, ErrLocationUnavailable
	}

	since := c.clock.Now().Add(-c.cfg.Retention)
	rows, err := c.repo.ListSince(ctx, since, *origin, radiusMeters)
	if err != nil {
		return nil, fmt.Errorf("failed to list nearby messages: %w", err)
	}

	blocked, err := c.relations.BlockedWith(ctx, viewerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load blocks: %w", err)
	}

	var senderIDs []string
	kept := make([]NearbyMessageView, 0, len(rows))
	for _, msg := range rows {
		if msg.CreatedAt.Before(since) || blocked[msg.SenderID] {
			continue
		}
		d := HaversineMeters(*origin, msg.Origin)
		if d > math.Min(radiusMeters, msg.RadiusMeters) || !c.canSee(ctx, msg, viewerID) {
			continue
		}
		view := NearbyMessageView{NearbyMessage: *msg, DistanceMeters: d}
		if msg.IsAnonymous {
			view.SenderID = ""
		} else {
			senderIDs = append(senderIDs, msg.SenderID)
		}
		kept = append(kept, view)
	}

	if len(senderIDs) > 0 {
		profiles, err := c.profiles.Summaries(ctx, uniqueIDs(senderIDs))
		if err != nil {
			log.Warn().Err(err).Msg("Failed to load sender profiles")
		}
		for i := range kept {
			if p, ok := profiles[kept[i].SenderID]; ok {
				kept[i].Sender = &p
			}
		}
	}

	return kept, nil
}

// PresignMedia returns an upload URL for an attachment of senderID
func (c *NearbyBroadcastChannel) PresignMedia(ctx context.Context, senderID, contentType string) (*MediaUploadResponse, error) {
	if c.media == nil {
		return nil, fmt.Errorf("%w: media uploads are disabled", ErrInvalidMessage)
	}
	return c.media.PresignUpload(ctx, senderID, contentType)
}

// Purge deletes messages older than the retention window
func (c *NearbyBroadcastChannel) Purge(ctx context.Context) (int64, error) {
	n, err := c.repo.DeleteOlderThan(ctx, c.clock.Now().Add(-c.cfg.Retention))
	if err != nil {
		return 0, fmt.Errorf("failed to purge nearby messages: %w", err)
	}
	if n > 0 {
		log.Info().Int64("deleted", n).Msg("Purged expired nearby messages")
	}
	return n, nil
}
