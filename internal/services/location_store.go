package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"nearby-safety-backend/internal/metrics"
	"nearby-safety-backend/internal/models"

	"github.com/rs/zerolog/log"
)

// LocationListener is called after a user's position or sharing flag changes
type LocationListener func(loc models.UserLocation)

// LocationStore holds the latest position and sharing flag per user and
// keeps the proximity index in step with it.
type LocationStore struct {
	repo       LocationRepository
	index      *ProximityIndex
	clock      Clock
	staleAfter time.Duration
	metrics    *metrics.Metrics

	mu        sync.RWMutex
	locations map[string]models.UserLocation

	listenersMu sync.RWMutex
	listeners   []LocationListener
}

// NewLocationStore creates a new location store
func NewLocationStore(repo LocationRepository, index *ProximityIndex, clock Clock, staleAfter time.Duration, m *metrics.Metrics) *LocationStore {
	return &LocationStore{
		repo:       repo,
		index:      index,
		clock:      clock,
		staleAfter: staleAfter,
		metrics:    m,
		locations:  make(map[string]models.UserLocation),
	}
}

// OnChange registers a listener for location changes
func (s *LocationStore) OnChange(fn LocationListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *LocationStore) notify(loc models.UserLocation) {
	s.listenersMu.RLock()
	listeners := s.listeners
	s.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(loc)
	}
}

// Update records a new position for userID
func (s *LocationStore) Update(ctx context.Context, userID string, point models.GeoPoint, sharing bool) (*models.UserLocation, error) {
	if !ValidCoordinates(point.Latitude, point.Longitude) {
		return nil, ErrInvalidLocation
	}

	loc := models.UserLocation{
		UserID:    userID,
		Latitude:  point.Latitude,
		Longitude: point.Longitude,
		Accuracy:  point.Accuracy,
		IsSharing: sharing,
		UpdatedAt: s.clock.Now(),
	}

	if err := s.repo.Upsert(ctx, &loc); err != nil {
		return nil, fmt.Errorf("failed to store location: %w", err)
	}

	s.mu.Lock()
	s.locations[userID] = loc
	s.mu.Unlock()

	s.index.Upsert(userID, loc.Latitude, loc.Longitude, sharing)
	s.metrics.SharingUsers.Set(float64(s.index.Len()))
	s.notify(loc)

	return &loc, nil
}

// Get returns the last known location of a user
func (s *LocationStore) Get(userID string) (*models.UserLocation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, ok := s.locations[userID]
	if !ok {
		return nil, false
	}
	return &loc, true
}

// Fresh returns the last known position if it is newer than the staleness window
func (s *LocationStore) Fresh(userID string) (*models.GeoPoint, bool) {
	loc, ok := s.Get(userID)
	if !ok || s.clock.Now().Sub(loc.UpdatedAt) > s.staleAfter {
		return nil, false
	}
	p := loc.Point()
	return &p, true
}

// ExpireStale flips sharing off for users without a recent update
func (s *LocationStore) ExpireStale(ctx context.Context) ([]string, error) {
	cutoff := s.clock.Now().Add(-s.staleAfter)

	var expired []models.UserLocation
	s.mu.Lock()
	for id, loc := range s.locations {
		if loc.IsSharing && loc.UpdatedAt.Before(cutoff) {
			loc.IsSharing = false
			s.locations[id] = loc
			expired = append(expired, loc)
		}
	}
	s.mu.Unlock()

	if len(expired) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(expired))
	for _, loc := range expired {
		s.index.Remove(loc.UserID)
		ids = append(ids, loc.UserID)
	}
	s.metrics.SharingUsers.Set(float64(s.index.Len()))

	for _, loc := range expired {
		s.notify(loc)
	}

	log.Info().Int("count", len(ids)).Msg("Expired stale location sharing")

	if err := s.repo.StopSharing(ctx, ids); err != nil {
		return ids, fmt.Errorf("failed to persist stale sharing: %w", err)
	}
	return ids, nil
}

// Warm loads sharing users from the repository into memory and the index
func (s *LocationStore) Warm(ctx context.Context) error {
	locs, err := s.repo.ListSharing(ctx)
	if err != nil {
		return fmt.Errorf("failed to load sharing locations: %w", err)
	}

	cutoff := s.clock.Now().Add(-s.staleAfter)
	loaded := 0
	s.mu.Lock()
	for _, loc := range locs {
		if loc.UpdatedAt.Before(cutoff) {
			continue
		}
		s.locations[loc.UserID] = *loc
		loaded++
	}
	s.mu.Unlock()

	for _, loc := range locs {
		if !loc.UpdatedAt.Before(cutoff) {
			s.index.Upsert(loc.UserID, loc.Latitude, loc.Longitude, true)
		}
	}
	s.metrics.SharingUsers.Set(float64(s.index.Len()))

	log.Info().Int("loaded", loaded).Msg("Location store warmed")
	return nil
}
