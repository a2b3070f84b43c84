package services

import (
	"context"
	"fmt"
	"time"

	"nearby-safety-backend/internal/models"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	minRadiusMeters  = 50
	settingsCacheTTL = 5 * time.Minute
)

// SettingsService serves proximity settings with a read-through cache
type SettingsService struct {
	repo          SettingsRepository
	cache         *gocache.Cache
	flight        singleflight.Group
	defaultRadius float64
	maxRadius     float64
	clock         Clock
}

// NewSettingsService creates a new settings service
func NewSettingsService(repo SettingsRepository, defaultRadius, maxRadius float64, clock Clock) *SettingsService {
	return &SettingsService{
		repo:          repo,
		cache:         gocache.New(settingsCacheTTL, 2*settingsCacheTTL),
		defaultRadius: defaultRadius,
		maxRadius:     maxRadius,
		clock:         clock,
	}
}

// Defaults returns the settings of a user who never changed them
func (s *SettingsService) Defaults(userID string) *models.ProximitySettings {
	return &models.ProximitySettings{
		UserID:           userID,
		RadiusMeters:     s.defaultRadius,
		AlertFrequency:   models.AlertImmediate,
		SoundEnabled:     true,
		VibrationEnabled: true,
		ShowOnMap:        true,
	}
}

// Get returns a copy of the user's settings
func (s *SettingsService) Get(ctx context.Context, userID string) (*models.ProximitySettings, error) {
	if v, ok := s.cache.Get(userID); ok {
		cp := v.(models.ProximitySettings)
		return &cp, nil
	}

	v, err, _ := s.flight.Do(userID, func() (interface{}, error) {
		stored, err := s.repo.Get(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to get proximity settings: %w", err)
		}
		if stored == nil {
			stored = s.Defaults(userID)
		}
		s.cache.SetDefault(userID, *stored)
		return *stored, nil
	})
	if err != nil {
		return nil, err
	}

	cp := v.(models.ProximitySettings)
	return &cp, nil
}

// Update validates and stores new settings
func (s *SettingsService) Update(ctx context.Context, settings *models.ProximitySettings) (*models.ProximitySettings, error) {
	if settings.RadiusMeters < minRadiusMeters || settings.RadiusMeters > s.maxRadius {
		return nil, fmt.Errorf("%w: radius must be between %d and %.0f meters", ErrInvalidRadius, minRadiusMeters, s.maxRadius)
	}
	if !settings.AlertFrequency.Valid() {
		return nil, fmt.Errorf("%w: unknown alert frequency %q", ErrInvalidSettings, settings.AlertFrequency)
	}

	settings.UpdatedAt = s.clock.Now()
	if err := s.repo.Upsert(ctx, settings); err != nil {
		return nil, fmt.Errorf("failed to update proximity settings: %w", err)
	}

	s.cache.SetDefault(settings.UserID, *settings)
	cp := *settings
	return &cp, nil
}

// Frequency returns the alert frequency of a user, immediate when unknown
func (s *SettingsService) Frequency(userID string) models.AlertFrequency {
	settings, err := s.Get(context.Background(), userID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Falling back to immediate alert frequency")
		return models.AlertImmediate
	}
	return settings.AlertFrequency
}
