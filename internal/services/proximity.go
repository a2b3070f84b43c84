package services

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"nearby-safety-backend/internal/metrics"
	"nearby-safety-backend/internal/models"

	"github.com/rs/zerolog/log"
)

// ProximityEngine recomputes who is near whom after location changes and
// turns new matches into rate limited alerts.
type ProximityEngine struct {
	index      *ProximityIndex
	locations  *LocationStore
	settings   *SettingsService
	contacts   *TrustedContactRegistry
	relations  RelationshipDirectory
	profiles   ProfileDirectory
	limiter    *AlertRateLimiter
	dispatcher *AlertDispatcher
	metrics    *metrics.Metrics
	maxRadius  float64
	workers    int

	tracker *proximityTracker
	queue   *recomputeQueue
	locks   *keyedMutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ProximityDeps groups the collaborators of the engine
type ProximityDeps struct {
	Index      *ProximityIndex
	Locations  *LocationStore
	Settings   *SettingsService
	Contacts   *TrustedContactRegistry
	Relations  RelationshipDirectory
	Profiles   ProfileDirectory
	Limiter    *AlertRateLimiter
	Dispatcher *AlertDispatcher
	Metrics    *metrics.Metrics
}

// NewProximityEngine creates the engine and subscribes it to location changes
func NewProximityEngine(deps ProximityDeps, maxRadius float64, workers int) *ProximityEngine {
	if workers < 1 {
		workers = 1
	}
	e := &ProximityEngine{
		index:      deps.Index,
		locations:  deps.Locations,
		settings:   deps.Settings,
		contacts:   deps.Contacts,
		relations:  deps.Relations,
		profiles:   deps.Profiles,
		limiter:    deps.Limiter,
		dispatcher: deps.Dispatcher,
		metrics:    deps.Metrics,
		maxRadius:  maxRadius,
		workers:    workers,
		tracker:    newProximityTracker(),
		queue:      newRecomputeQueue(),
		locks:      newKeyedMutex(),
	}
	deps.Locations.OnChange(func(loc models.UserLocation) {
		e.Enqueue(loc.UserID)
	})
	return e
}

// Start launches the recompute workers
func (e *ProximityEngine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	log.Info().Int("workers", e.workers).Msg("Proximity workers started")
}

// Stop stops the workers and waits for them to exit
func (e *ProximityEngine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Enqueue schedules a recompute for userID. Repeated calls before the
// recompute runs collapse into one.
func (e *ProximityEngine) Enqueue(userID string) {
	e.queue.push(userID)
}

func (e *ProximityEngine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		userID, ok := e.queue.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-e.queue.signal:
				continue
			}
		}
		if err := e.Recompute(ctx, userID); err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("Proximity recompute failed")
		}
	}
}

// Nearby returns users within radiusMeters of originUserID that the origin
// may see, nearest first. A radius of zero uses the origin's setting.
func (e *ProximityEngine) Nearby(ctx context.Context, originUserID string, radiusMeters float64) ([]ProximityMatch, error) {
	origin, ok := e.index.Position(originUserID)
	if !ok {
		fresh, found := e.locations.Fresh(originUserID)
		if !found {
			return []ProximityMatch{}, nil
		}
		origin = *fresh
	}

	settings, err := e.settings.Get(ctx, originUserID)
	if err != nil {
		return nil, err
	}
	if radiusMeters <= 0 {
		radiusMeters = settings.RadiusMeters
	}
	if radiusMeters > e.maxRadius {
		radiusMeters = e.maxRadius
	}

	blocked, err := e.relations.BlockedWith(ctx, originUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load blocks: %w", err)
	}

	matches := e.index.Query(origin, originUserID, radiusMeters, func(candidateID string) bool {
		return !blocked[candidateID] && e.visible(ctx, originUserID, settings, candidateID)
	})
	return matches, nil
}

// visible applies the privacy settings of both users. blocked pairs are
// handled by the caller.
func (e *ProximityEngine) visible(ctx context.Context, viewerID string, viewer *models.ProximitySettings, candidateID string) bool {
	candidate, err := e.settings.Get(ctx, candidateID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", candidateID).Msg("Hiding candidate with unreadable settings")
		return false
	}
	if !candidate.ShowOnMap {
		return false
	}
	if !viewer.OnlyTrustedContacts && !candidate.OnlyTrustedContacts {
		return true
	}
	mutual, err := e.contacts.IsMutual(ctx, viewerID, candidateID)
	if err != nil {
		log.Warn().Err(err).Str("viewer_id", viewerID).Str("user_id", candidateID).Msg("Failed to check trusted contacts")
		return false
	}
	return mutual
}

// Recompute refreshes userID's own matches and the matches of every sharing
// user who could see userID, alerting where the rate limiter allows.
func (e *ProximityEngine) Recompute(ctx context.Context, userID string) error {
	unlock := e.locks.Lock(userID)
	defer unlock()

	origin, sharing := e.index.Position(userID)
	if !sharing {
		asViewer, asCandidate := e.tracker.drop(userID)
		for _, c := range asViewer {
			e.limiter.Leave(userID, c)
		}
		for _, v := range asCandidate {
			e.limiter.Leave(v, userID)
		}
		return nil
	}

	// own view
	settings, err := e.settings.Get(ctx, userID)
	if err != nil {
		return err
	}
	own, err := e.Nearby(ctx, userID, settings.RadiusMeters)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(own))
	for _, m := range own {
		ids = append(ids, m.UserID)
	}
	for _, left := range e.tracker.replace(userID, ids) {
		e.limiter.Leave(userID, left)
	}
	e.alert(ctx, userID, settings, own)

	// everyone who could see userID
	blocked, err := e.relations.BlockedWith(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load blocks: %w", err)
	}
	around := e.index.Query(origin, userID, e.maxRadius, nil)
	seen := make(map[string]bool, len(around))
	for _, m := range around {
		viewerID := m.UserID
		seen[viewerID] = true

		viewer, err := e.settings.Get(ctx, viewerID)
		if err != nil {
			log.Warn().Err(err).Str("user_id", viewerID).Msg("Skipping viewer with unreadable settings")
			continue
		}
		if m.DistanceMeters > viewer.RadiusMeters || blocked[viewerID] || !e.visible(ctx, viewerID, viewer, userID) {
			if e.tracker.remove(viewerID, userID) {
				e.limiter.Leave(viewerID, userID)
			}
			continue
		}

		e.tracker.add(viewerID, userID)
		e.alert(ctx, viewerID, viewer, []ProximityMatch{{UserID: userID, DistanceMeters: m.DistanceMeters, Point: origin}})
	}

	for _, viewerID := range e.tracker.viewersOf(userID) {
		if !seen[viewerID] && e.tracker.remove(viewerID, userID) {
			e.limiter.Leave(viewerID, userID)
		}
	}

	return nil
}

// alert sends proximity alerts to viewerID for the matches the limiter selects
func (e *ProximityEngine) alert(ctx context.Context, viewerID string, settings *models.ProximitySettings, matches []ProximityMatch) {
	if len(matches) == 0 {
		return
	}

	distances := make(map[string]float64, len(matches))
	for _, m := range matches {
		distances[m.UserID] = m.DistanceMeters
	}

	var candidates []string
	if settings.AlertFrequency == models.AlertPeriodic {
		// the periodic pick is drawn from everyone currently in radius
		candidates = e.tracker.candidatesOf(viewerID)
		viewerPos, ok := e.index.Position(viewerID)
		for _, c := range candidates {
			if _, known := distances[c]; known || !ok {
				continue
			}
			if p, found := e.index.Position(c); found {
				distances[c] = HaversineMeters(viewerPos, p)
			}
		}
	} else {
		for _, m := range matches {
			candidates = append(candidates, m.UserID)
		}
	}

	selected := e.limiter.Select(viewerID, settings.AlertFrequency, candidates)
	if len(selected) == 0 {
		return
	}

	profiles, err := e.profiles.Summaries(ctx, selected)
	if err != nil {
		log.Warn().Err(err).Str("user_id", viewerID).Msg("Failed to load profiles for proximity alert")
		profiles = map[string]models.ProfileSummary{}
	}

	for _, candidateID := range selected {
		profile, ok := profiles[candidateID]
		if !ok {
			profile = models.ProfileSummary{UserID: candidateID}
		}
		e.dispatcher.Publish(ctx, ProximityAlertEvent(viewerID, profile, distances[candidateID]))
		e.metrics.ProximityAlerts.WithLabelValues(string(settings.AlertFrequency)).Inc()

		log.Debug().
			Str("user_id", viewerID).
			Str("nearby_user_id", candidateID).
			Float64("distance", distances[candidateID]).
			Msg("Proximity alert sent")

		if isContact, err := e.contacts.IsContact(ctx, viewerID, candidateID); err == nil && isContact {
			if err := e.contacts.TouchNearby(ctx, viewerID, candidateID); err != nil {
				log.Warn().Err(err).Str("user_id", viewerID).Msg("Failed to record last nearby time")
			}
		}
	}
}

// proximityTracker remembers which pairs are currently within radius
type proximityTracker struct {
	mu       sync.Mutex
	inRadius map[string]map[string]bool
	viewers  map[string]map[string]bool
}

func newProximityTracker() *proximityTracker {
	return &proximityTracker{
		inRadius: make(map[string]map[string]bool),
		viewers:  make(map[string]map[string]bool),
	}
}

func (t *proximityTracker) add(viewerID, candidateID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addLocked(viewerID, candidateID)
}

func (t *proximityTracker) addLocked(viewerID, candidateID string) bool {
	set, ok := t.inRadius[viewerID]
	if !ok {
		set = make(map[string]bool)
		t.inRadius[viewerID] = set
	}
	if set[candidateID] {
		return false
	}
	set[candidateID] = true

	vs, ok := t.viewers[candidateID]
	if !ok {
		vs = make(map[string]bool)
		t.viewers[candidateID] = vs
	}
	vs[viewerID] = true
	return true
}

func (t *proximityTracker) remove(viewerID, candidateID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(viewerID, candidateID)
}

func (t *proximityTracker) removeLocked(viewerID, candidateID string) bool {
	set, ok := t.inRadius[viewerID]
	if !ok || !set[candidateID] {
		return false
	}
	delete(set, candidateID)
	if len(set) == 0 {
		delete(t.inRadius, viewerID)
	}
	if vs, ok := t.viewers[candidateID]; ok {
		delete(vs, viewerID)
		if len(vs) == 0 {
			delete(t.viewers, candidateID)
		}
	}
	return true
}

// replace sets the viewer's in-radius set and returns the candidates that left
func (t *proximityTracker) replace(viewerID string, candidates []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		next[c] = true
	}

	var left []string
	for c := range t.inRadius[viewerID] {
		if !next[c] {
			left = append(left, c)
		}
	}
	for _, c := range left {
		t.removeLocked(viewerID, c)
	}
	for _, c := range candidates {
		t.addLocked(viewerID, c)
	}
	sort.Strings(left)
	return left
}

// drop forgets every pair involving userID
func (t *proximityTracker) drop(userID string) (asViewer, asCandidate []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for c := range t.inRadius[userID] {
		asViewer = append(asViewer, c)
	}
	for v := range t.viewers[userID] {
		asCandidate = append(asCandidate, v)
	}
	for _, c := range asViewer {
		t.removeLocked(userID, c)
	}
	for _, v := range asCandidate {
		t.removeLocked(v, userID)
	}
	return asViewer, asCandidate
}

func (t *proximityTracker) candidatesOf(viewerID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.inRadius[viewerID]))
	for c := range t.inRadius[viewerID] {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (t *proximityTracker) viewersOf(candidateID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.viewers[candidateID]))
	for v := range t.viewers[candidateID] {
		out = append(out, v)
	}
	return out
}

// recomputeQueue is a FIFO of user ids that ignores ids already pending
type recomputeQueue struct {
	mu      sync.Mutex
	pending map[string]bool
	order   []string
	signal  chan struct{}
}

func newRecomputeQueue() *recomputeQueue {
	return &recomputeQueue{
		pending: make(map[string]bool),
		signal:  make(chan struct{}, 1),
	}
}

func (q *recomputeQueue) push(userID string) {
	q.mu.Lock()
	if q.pending[userID] {
		q.mu.Unlock()
		return
	}
	q.pending[userID] = true
	q.order = append(q.order, userID)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *recomputeQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return "", false
	}
	userID := q.order[0]
	q.order = q.order[1:]
	delete(q.pending, userID)
	return userID, true
}

func (q *recomputeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}
