package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nearby-safety-backend/internal/metrics"
	"nearby-safety-backend/internal/middleware"
	"nearby-safety-backend/internal/models"
	"nearby-safety-backend/internal/services"

	"github.com/stretchr/testify/require"
)

type memLocations struct {
	mu   sync.Mutex
	rows map[string]models.UserLocation
}

func (r *memLocations) Upsert(ctx context.Context, loc *models.UserLocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[loc.UserID] = *loc
	return nil
}

func (r *memLocations) ListSharing(ctx context.Context) ([]*models.UserLocation, error) {
	return nil, nil
}

func (r *memLocations) StopSharing(ctx context.Context, userIDs []string) error {
	return nil
}

type memSettings struct {
	mu   sync.Mutex
	rows map[string]models.ProximitySettings
}

func (r *memSettings) Get(ctx context.Context, userID string) (*models.ProximitySettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[userID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (r *memSettings) Upsert(ctx context.Context, s *models.ProximitySettings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[s.UserID] = *s
	return nil
}

type memContacts struct {
	mu   sync.Mutex
	rows map[string][]*models.TrustedContact
}

func (r *memContacts) Add(ctx context.Context, contact *models.TrustedContact, limit int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.rows[contact.OwnerID]) >= limit {
		return services.ErrLimitExceeded
	}
	cp := *contact
	r.rows[contact.OwnerID] = append(r.rows[contact.OwnerID], &cp)
	return nil
}

func (r *memContacts) Remove(ctx context.Context, ownerID, contactUserID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.rows[ownerID] {
		if c.ContactUserID == contactUserID {
			r.rows[ownerID] = append(r.rows[ownerID][:i], r.rows[ownerID][i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (r *memContacts) List(ctx context.Context, ownerID string) ([]*models.TrustedContact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.TrustedContact, 0, len(r.rows[ownerID]))
	for _, c := range r.rows[ownerID] {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memContacts) TouchNearby(ctx context.Context, ownerID, contactUserID string, at time.Time) error {
	return nil
}

type memIncidents struct {
	mu   sync.Mutex
	rows []*models.SOSIncident
}

func (r *memIncidents) Create(ctx context.Context, inc *models.SOSIncident) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, inc.Clone())
	return nil
}

func (r *memIncidents) Update(ctx context.Context, inc *models.SOSIncident) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, row := range r.rows {
		if row.ID == inc.ID {
			r.rows[i] = inc.Clone()
		}
	}
	return nil
}

func (r *memIncidents) GetOpen(ctx context.Context, userID string) (*models.SOSIncident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.UserID == userID && !row.State.Terminal() {
			return row.Clone(), nil
		}
	}
	return nil, nil
}

func (r *memIncidents) ListOpen(ctx context.Context) ([]*models.SOSIncident, error) {
	return nil, nil
}

func (r *memIncidents) ListByUser(ctx context.Context, userID string, limit int) ([]*models.SOSIncident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.SOSIncident
	for i := len(r.rows) - 1; i >= 0 && len(out) < limit; i-- {
		if r.rows[i].UserID == userID {
			out = append(out, r.rows[i].Clone())
		}
	}
	return out, nil
}

type memCheckIns struct {
	mu   sync.Mutex
	rows map[string]models.SafetyCheckIn
}

func (r *memCheckIns) Save(ctx context.Context, c *models.SafetyCheckIn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[c.UserID] = *c
	return nil
}

func (r *memCheckIns) Delete(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, userID)
	return nil
}

func (r *memCheckIns) ListActive(ctx context.Context) ([]*models.SafetyCheckIn, error) {
	return nil, nil
}

type memMessages struct {
	mu   sync.Mutex
	rows []*models.NearbyMessage
}

func (r *memMessages) Create(ctx context.Context, msg *models.NearbyMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *msg
	r.rows = append(r.rows, &cp)
	return nil
}

func (r *memMessages) ListSince(ctx context.Context, since time.Time, origin models.GeoPoint, radiusMeters float64) ([]*models.NearbyMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.NearbyMessage
	for i := len(r.rows) - 1; i >= 0; i-- {
		if r.rows[i].CreatedAt.Before(since) || services.HaversineMeters(origin, r.rows[i].Origin) > radiusMeters {
			continue
		}
		cp := *r.rows[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memMessages) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

type noRelations struct{}

func (noRelations) BlockedWith(ctx context.Context, userID string) (map[string]bool, error) {
	return map[string]bool{}, nil
}

func (noRelations) IsFollower(ctx context.Context, followerID, followeeID string) (bool, error) {
	return false, nil
}

func (noRelations) IsCloseFriend(ctx context.Context, ownerID, friendID string) (bool, error) {
	return false, nil
}

type stubProfiles struct{}

func (stubProfiles) Summaries(ctx context.Context, userIDs []string) (map[string]models.ProfileSummary, error) {
	out := make(map[string]models.ProfileSummary, len(userIDs))
	for _, id := range userIDs {
		out[id] = models.ProfileSummary{UserID: id, Username: "user_" + id}
	}
	return out, nil
}

func (stubProfiles) PushTargets(ctx context.Context, userIDs []string) (map[string]models.PushTarget, error) {
	return map[string]models.PushTarget{}, nil
}

// onlineSession is a connected client that accepts every frame
type onlineSession struct {
	id, userID string
}

func (s onlineSession) ID() string               { return s.id }
func (s onlineSession) UserID() string           { return s.userID }
func (s onlineSession) Enqueue(data []byte) bool { return true }
func (s onlineSession) Close()                   {}

func (s *server) connect(userIDs ...string) {
	for _, id := range userIDs {
		s.hub.Register(onlineSession{id: "session-" + id, userID: id})
	}
}

// server wires the services behind the handlers with in-memory storage
type server struct {
	hub       *services.SessionHub
	locations *services.LocationStore
	settings  *services.SettingsService
	contacts  *services.TrustedContactRegistry
	engine    *services.ProximityEngine
	sos       *services.SOSStateMachine
	watchdog  *services.SafetyTimerWatchdog
	nearby    *services.NearbyBroadcastChannel
}

func newServer(t *testing.T) *server {
	t.Helper()
	return newServerWithCountdown(t, 0)
}

func newServerWithCountdown(t *testing.T, countdown time.Duration) *server {
	t.Helper()
	clock := services.RealClock()
	m := metrics.New()
	hub := services.NewSessionHub(m)
	dispatcher := services.NewAlertDispatcher(hub, nil, nil, stubProfiles{}, clock, m, services.DispatcherConfig{
		PushWorkers:   1,
		PushQueueSize: 4,
	})
	dispatcher.Start()
	t.Cleanup(dispatcher.Stop)

	index := services.NewProximityIndex(0.01)
	s := &server{
		hub:       hub,
		locations: services.NewLocationStore(&memLocations{rows: map[string]models.UserLocation{}}, index, clock, 10*time.Minute, m),
		settings:  services.NewSettingsService(&memSettings{rows: map[string]models.ProximitySettings{}}, 1000, 5000, clock),
		contacts:  services.NewTrustedContactRegistry(&memContacts{rows: map[string][]*models.TrustedContact{}}, clock),
	}
	limiter := services.NewAlertRateLimiter(time.Hour, time.Hour, time.Hour, s.settings.Frequency)
	s.engine = services.NewProximityEngine(services.ProximityDeps{
		Index:      index,
		Locations:  s.locations,
		Settings:   s.settings,
		Contacts:   s.contacts,
		Relations:  noRelations{},
		Profiles:   stubProfiles{},
		Limiter:    limiter,
		Dispatcher: dispatcher,
		Metrics:    m,
	}, 5000, 1)
	s.sos = services.NewSOSStateMachine(services.SOSDeps{
		Incidents:  &memIncidents{},
		Contacts:   s.contacts,
		Locations:  s.locations,
		Profiles:   stubProfiles{},
		Dispatcher: dispatcher,
		Clock:      clock,
		Metrics:    m,
	}, countdown)
	t.Cleanup(s.sos.Stop)

	s.watchdog = services.NewSafetyTimerWatchdog(&memCheckIns{rows: map[string]models.SafetyCheckIn{}}, s.sos, dispatcher, clock, m, time.Minute, 24*time.Hour)
	t.Cleanup(s.watchdog.Stop)

	s.nearby = services.NewNearbyBroadcastChannel(services.NearbyDeps{
		Repo:       &memMessages{},
		Locations:  s.locations,
		Index:      index,
		Contacts:   s.contacts,
		Relations:  noRelations{},
		Profiles:   stubProfiles{},
		Dispatcher: dispatcher,
		Clock:      clock,
		Metrics:    m,
	}, services.NearbyConfig{Retention: time.Hour, MaxRadiusM: 5000, MaxTextLength: 500})
	return s
}

// request builds an authenticated request for userID
func request(t *testing.T, method, target, body, userID string, admin bool) *http.Request {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	req.Header.Set("Content-Type", "application/json")
	return req.WithContext(middleware.WithClaims(req.Context(), &services.Claims{UserID: userID, Admin: admin}))
}

func (s *server) share(t *testing.T, userID string, lat, lon float64) {
	t.Helper()
	_, err := s.locations.Update(context.Background(), userID, models.GeoPoint{Latitude: lat, Longitude: lon}, true)
	require.NoError(t, err)
}
