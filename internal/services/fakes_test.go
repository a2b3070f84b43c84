package services

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"nearby-safety-backend/internal/metrics"
	"nearby-safety-backend/internal/models"

	"github.com/stretchr/testify/require"
)

// fakeClock only moves when Advance is called
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward and runs every timer that became due, in deadline order
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.fn()
	}
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// fakeSession records everything queued on it
type fakeSession struct {
	id     string
	userID string

	mu     sync.Mutex
	full   bool
	closed bool
	frames [][]byte
}

func newFakeSession(id, userID string) *fakeSession {
	return &fakeSession{id: id, userID: userID}
}

func (s *fakeSession) ID() string     { return s.id }
func (s *fakeSession) UserID() string { return s.userID }

func (s *fakeSession) Enqueue(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full || s.closed {
		return false
	}
	s.frames = append(s.frames, data)
	return true
}

func (s *fakeSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

type receivedMessage struct {
	Type     string                 `json:"type"`
	Message  string                 `json:"message"`
	Location *models.GeoPoint       `json:"location"`
	Data     map[string]interface{} `json:"data"`
}

func (s *fakeSession) messages(t *testing.T) []receivedMessage {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]receivedMessage, 0, len(s.frames))
	for _, f := range s.frames {
		var m receivedMessage
		require.NoError(t, json.Unmarshal(f, &m))
		out = append(out, m)
	}
	return out
}

func (s *fakeSession) ofType(t *testing.T, msgType string) []receivedMessage {
	t.Helper()
	var out []receivedMessage
	for _, m := range s.messages(t) {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

// fakeNotifier records push deliveries
type fakeNotifier struct {
	mu    sync.Mutex
	err   error
	sent  []models.PushTarget
	calls int
}

func (n *fakeNotifier) Notify(ctx context.Context, target models.PushTarget, note PushNotification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, target)
	return nil
}

func (n *fakeNotifier) sentCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

// in-memory repositories

type memLocationRepo struct {
	mu   sync.Mutex
	rows map[string]models.UserLocation
}

func newMemLocationRepo() *memLocationRepo {
	return &memLocationRepo{rows: make(map[string]models.UserLocation)}
}

func (r *memLocationRepo) Upsert(ctx context.Context, loc *models.UserLocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[loc.UserID] = *loc
	return nil
}

func (r *memLocationRepo) ListSharing(ctx context.Context) ([]*models.UserLocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.UserLocation
	for _, loc := range r.rows {
		if loc.IsSharing {
			l := loc
			out = append(out, &l)
		}
	}
	return out, nil
}

func (r *memLocationRepo) StopSharing(ctx context.Context, userIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range userIDs {
		loc := r.rows[id]
		loc.IsSharing = false
		r.rows[id] = loc
	}
	return nil
}

type memSettingsRepo struct {
	mu   sync.Mutex
	rows map[string]models.ProximitySettings
}

func newMemSettingsRepo() *memSettingsRepo {
	return &memSettingsRepo{rows: make(map[string]models.ProximitySettings)}
}

func (r *memSettingsRepo) Get(ctx context.Context, userID string) (*models.ProximitySettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[userID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (r *memSettingsRepo) Upsert(ctx context.Context, s *models.ProximitySettings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[s.UserID] = *s
	return nil
}

type memContactRepo struct {
	mu   sync.Mutex
	rows map[string][]models.TrustedContact
}

func newMemContactRepo() *memContactRepo {
	return &memContactRepo{rows: make(map[string][]models.TrustedContact)}
}

func (r *memContactRepo) Add(ctx context.Context, contact *models.TrustedContact, limit int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.rows[contact.OwnerID]
	for _, c := range list {
		if c.ContactUserID == contact.ContactUserID {
			return nil
		}
	}
	if len(list) >= limit {
		return ErrLimitExceeded
	}
	r.rows[contact.OwnerID] = append(list, *contact)
	return nil
}

func (r *memContactRepo) Remove(ctx context.Context, ownerID, contactUserID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.rows[ownerID]
	for i, c := range list {
		if c.ContactUserID == contactUserID {
			r.rows[ownerID] = append(list[:i:i], list[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (r *memContactRepo) List(ctx context.Context, ownerID string) ([]*models.TrustedContact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.TrustedContact, 0, len(r.rows[ownerID]))
	for _, c := range r.rows[ownerID] {
		cp := c
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memContactRepo) TouchNearby(ctx context.Context, ownerID, contactUserID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.rows[ownerID] {
		if c.ContactUserID == contactUserID {
			ts := at
			r.rows[ownerID][i].LastNearbyAt = &ts
		}
	}
	return nil
}

type memIncidentRepo struct {
	mu   sync.Mutex
	rows map[string]*models.SOSIncident
	seq  []string
}

func newMemIncidentRepo() *memIncidentRepo {
	return &memIncidentRepo{rows: make(map[string]*models.SOSIncident)}
}

func (r *memIncidentRepo) Create(ctx context.Context, inc *models.SOSIncident) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.openLocked(inc.UserID) != nil {
		return ErrOpenIncidentExists
	}
	r.rows[inc.ID] = inc.Clone()
	r.seq = append(r.seq, inc.ID)
	return nil
}

func (r *memIncidentRepo) Update(ctx context.Context, inc *models.SOSIncident) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[inc.ID] = inc.Clone()
	return nil
}

func (r *memIncidentRepo) openLocked(userID string) *models.SOSIncident {
	for _, id := range r.seq {
		if inc := r.rows[id]; inc.UserID == userID && !inc.State.Terminal() {
			return inc
		}
	}
	return nil
}

func (r *memIncidentRepo) GetOpen(ctx context.Context, userID string) (*models.SOSIncident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openLocked(userID).Clone(), nil
}

func (r *memIncidentRepo) ListOpen(ctx context.Context) ([]*models.SOSIncident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.SOSIncident
	for _, id := range r.seq {
		if inc := r.rows[id]; !inc.State.Terminal() {
			out = append(out, inc.Clone())
		}
	}
	return out, nil
}

func (r *memIncidentRepo) ListByUser(ctx context.Context, userID string, limit int) ([]*models.SOSIncident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.SOSIncident
	for i := len(r.seq) - 1; i >= 0 && len(out) < limit; i-- {
		if inc := r.rows[r.seq[i]]; inc.UserID == userID {
			out = append(out, inc.Clone())
		}
	}
	return out, nil
}

func (r *memIncidentRepo) all() []*models.SOSIncident {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.SOSIncident, 0, len(r.seq))
	for _, id := range r.seq {
		out = append(out, r.rows[id].Clone())
	}
	return out
}

type memCheckInRepo struct {
	mu   sync.Mutex
	rows map[string]models.SafetyCheckIn
}

func newMemCheckInRepo() *memCheckInRepo {
	return &memCheckInRepo{rows: make(map[string]models.SafetyCheckIn)}
}

func (r *memCheckInRepo) Save(ctx context.Context, c *models.SafetyCheckIn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[c.UserID] = *c
	return nil
}

func (r *memCheckInRepo) Delete(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, userID)
	return nil
}

func (r *memCheckInRepo) ListActive(ctx context.Context) ([]*models.SafetyCheckIn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.SafetyCheckIn
	for _, c := range r.rows {
		cp := c
		out = append(out, &cp)
	}
	return out, nil
}

type memMessageRepo struct {
	mu   sync.Mutex
	rows []*models.NearbyMessage
}

func (r *memMessageRepo) Create(ctx context.Context, msg *models.NearbyMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *msg
	r.rows = append(r.rows, &cp)
	return nil
}

func (r *memMessageRepo) ListSince(ctx context.Context, since time.Time, origin models.GeoPoint, radiusMeters float64) ([]*models.NearbyMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.NearbyMessage
	for i := len(r.rows) - 1; i >= 0; i-- {
		m := r.rows[i]
		if m.CreatedAt.Before(since) || HaversineMeters(origin, m.Origin) > radiusMeters {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memMessageRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.rows[:0]
	var n int64
	for _, m := range r.rows {
		if m.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, m)
	}
	r.rows = kept
	return n, nil
}

type userPair struct{ a, b string }

type memRelations struct {
	mu           sync.Mutex
	blocks       map[userPair]bool
	follows      map[userPair]bool
	closeFriends map[userPair]bool
	err          error
}

func newMemRelations() *memRelations {
	return &memRelations{
		blocks:       make(map[userPair]bool),
		follows:      make(map[userPair]bool),
		closeFriends: make(map[userPair]bool),
	}
}

func (r *memRelations) block(a, b string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocks[userPair{a, b}] = true
}

func (r *memRelations) follow(follower, followee string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.follows[userPair{follower, followee}] = true
}

func (r *memRelations) closeFriend(owner, friend string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFriends[userPair{owner, friend}] = true
}

func (r *memRelations) BlockedWith(ctx context.Context, userID string) (map[string]bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	out := make(map[string]bool)
	for p := range r.blocks {
		if p.a == userID {
			out[p.b] = true
		}
		if p.b == userID {
			out[p.a] = true
		}
	}
	return out, nil
}

func (r *memRelations) IsFollower(ctx context.Context, followerID, followeeID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.follows[userPair{followerID, followeeID}], nil
}

func (r *memRelations) IsCloseFriend(ctx context.Context, ownerID, friendID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeFriends[userPair{ownerID, friendID}], nil
}

type memProfiles struct {
	mu      sync.Mutex
	targets map[string]models.PushTarget
}

func newMemProfiles() *memProfiles {
	return &memProfiles{targets: make(map[string]models.PushTarget)}
}

func (p *memProfiles) register(userID, token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targets[userID] = models.PushTarget{UserID: userID, DeviceToken: token, SOSPushEnabled: true}
}

func (p *memProfiles) Summaries(ctx context.Context, userIDs []string) (map[string]models.ProfileSummary, error) {
	out := make(map[string]models.ProfileSummary, len(userIDs))
	for _, id := range userIDs {
		out[id] = models.ProfileSummary{UserID: id, Username: "user_" + id, DisplayName: "User " + id}
	}
	return out, nil
}

func (p *memProfiles) PushTargets(ctx context.Context, userIDs []string) (map[string]models.PushTarget, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]models.PushTarget)
	for _, id := range userIDs {
		if t, ok := p.targets[id]; ok {
			out[id] = t
		}
	}
	return out, nil
}

// testEnv wires every component against in-memory collaborators
type testEnv struct {
	clock     *fakeClock
	metrics   *metrics.Metrics
	hub       *SessionHub
	notifier  *fakeNotifier
	profiles  *memProfiles
	relations *memRelations
	incidents *memIncidentRepo
	checkIns  *memCheckInRepo
	messages  *memMessageRepo

	dispatcher *AlertDispatcher
	index      *ProximityIndex
	locations  *LocationStore
	settings   *SettingsService
	contacts   *TrustedContactRegistry
	limiter    *AlertRateLimiter
	engine     *ProximityEngine
	sos        *SOSStateMachine
	watchdog   *SafetyTimerWatchdog
	nearby     *NearbyBroadcastChannel
}

type envOption func(*envConfig)

type envConfig struct {
	countdown time.Duration
	notifier  *fakeNotifier
	media     *MediaService
}

func withCountdown(d time.Duration) envOption {
	return func(c *envConfig) { c.countdown = d }
}

func withNotifier(n *fakeNotifier) envOption {
	return func(c *envConfig) { c.notifier = n }
}

func withMedia(m *MediaService) envOption {
	return func(c *envConfig) { c.media = m }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	var cfg envConfig
	for _, o := range opts {
		o(&cfg)
	}

	env := &testEnv{
		clock:     newFakeClock(),
		metrics:   metrics.New(),
		notifier:  cfg.notifier,
		profiles:  newMemProfiles(),
		relations: newMemRelations(),
		incidents: newMemIncidentRepo(),
		checkIns:  newMemCheckInRepo(),
		messages:  &memMessageRepo{},
	}
	env.hub = NewSessionHub(env.metrics)

	var notifier OfflineNotifier
	if cfg.notifier != nil {
		notifier = cfg.notifier
	}
	env.dispatcher = NewAlertDispatcher(env.hub, nil, notifier, env.profiles, env.clock, env.metrics, DispatcherConfig{
		PushWorkers:   1,
		PushQueueSize: 16,
		PushRetries:   1,
		RetryBackoff:  time.Millisecond,
	})
	env.dispatcher.Start()
	t.Cleanup(env.dispatcher.Stop)

	env.index = NewProximityIndex(0.01)
	env.locations = NewLocationStore(newMemLocationRepo(), env.index, env.clock, 10*time.Minute, env.metrics)
	env.settings = NewSettingsService(newMemSettingsRepo(), 1000, 5000, env.clock)
	env.contacts = NewTrustedContactRegistry(newMemContactRepo(), env.clock)
	env.limiter = NewAlertRateLimiter(time.Hour, time.Hour, time.Hour, env.settings.Frequency)

	env.engine = NewProximityEngine(ProximityDeps{
		Index:      env.index,
		Locations:  env.locations,
		Settings:   env.settings,
		Contacts:   env.contacts,
		Relations:  env.relations,
		Profiles:   env.profiles,
		Limiter:    env.limiter,
		Dispatcher: env.dispatcher,
		Metrics:    env.metrics,
	}, 5000, 1)

	env.sos = NewSOSStateMachine(SOSDeps{
		Incidents:  env.incidents,
		Contacts:   env.contacts,
		Locations:  env.locations,
		Profiles:   env.profiles,
		Dispatcher: env.dispatcher,
		Clock:      env.clock,
		Metrics:    env.metrics,
	}, cfg.countdown)

	env.watchdog = NewSafetyTimerWatchdog(env.checkIns, env.sos, env.dispatcher, env.clock, env.metrics, time.Minute, 24*time.Hour)

	env.nearby = NewNearbyBroadcastChannel(NearbyDeps{
		Repo:       env.messages,
		Locations:  env.locations,
		Index:      env.index,
		Contacts:   env.contacts,
		Relations:  env.relations,
		Profiles:   env.profiles,
		Dispatcher: env.dispatcher,
		Media:      cfg.media,
		Clock:      env.clock,
		Metrics:    env.metrics,
	}, NearbyConfig{Retention: time.Hour, MaxRadiusM: 5000, MaxTextLength: 500})

	return env
}

// connect registers a recording session for userID
func (e *testEnv) connect(userID string) *fakeSession {
	s := newFakeSession("session-"+userID, userID)
	e.hub.Register(s)
	return s
}

func (e *testEnv) share(t *testing.T, userID string, lat, lon float64) {
	t.Helper()
	_, err := e.locations.Update(context.Background(), userID, models.GeoPoint{Latitude: lat, Longitude: lon}, true)
	require.NoError(t, err)
}

func (e *testEnv) addContacts(t *testing.T, ownerID string, contactIDs ...string) {
	t.Helper()
	for _, id := range contactIDs {
		_, _, err := e.contacts.Add(context.Background(), ownerID, id)
		require.NoError(t, err)
	}
}

func (e *testEnv) updateSettings(t *testing.T, userID string, mutate func(s *models.ProximitySettings)) {
	t.Helper()
	s, err := e.settings.Get(context.Background(), userID)
	require.NoError(t, err)
	mutate(s)
	_, err = e.settings.Update(context.Background(), s)
	require.NoError(t, err)
}
