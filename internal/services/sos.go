package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"nearby-safety-backend/internal/metrics"
	"nearby-safety-backend/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DistressTrigger is a discrete request to raise an SOS for a user. Every
// trigger source (HTTP, realtime, safety timer, voice detector) produces one.
type DistressTrigger struct {
	UserID   string
	Source   models.TriggerSource
	Reason   string
	Location *models.GeoPoint
}

// ActivationResult is the outcome of a successful trigger
type ActivationResult struct {
	Incident *models.SOSIncident
	// Reused is set when the trigger matched an incident still arming
	Reused bool
	// PartialFailure is set when some trusted contacts could not be reached
	PartialFailure bool
}

// TriggerSink accepts distress triggers
type TriggerSink interface {
	Emit(ctx context.Context, t DistressTrigger) (*ActivationResult, error)
}

// CancelRequest cancels the open incident of UserID on behalf of ActorID
type CancelRequest struct {
	UserID  string
	ActorID string
	Admin   bool
}

// ResolveRequest closes an active incident with an acknowledgement
type ResolveRequest struct {
	UserID     string
	IncidentID string
	ActorID    string
	Admin      bool
	Ack        string
}

// supersededBy marks a dry run closed because a real trigger arrived
const supersededBy = "system:superseded"

type openIncident struct {
	incident *models.SOSIncident
	timer    Timer
}

// SOSStateMachine owns the incident lifecycle of every user:
// idle -> arming -> active -> cancelled | resolved. A user has at most one
// open (arming or active) incident at a time.
type SOSStateMachine struct {
	incidents  IncidentRepository
	contacts   *TrustedContactRegistry
	locations  *LocationStore
	profiles   ProfileDirectory
	dispatcher *AlertDispatcher
	clock      Clock
	metrics    *metrics.Metrics
	countdown  time.Duration

	locks *keyedMutex
	mu    sync.RWMutex
	open  map[string]*openIncident
}

// SOSDeps groups the collaborators of the state machine
type SOSDeps struct {
	Incidents  IncidentRepository
	Contacts   *TrustedContactRegistry
	Locations  *LocationStore
	Profiles   ProfileDirectory
	Dispatcher *AlertDispatcher
	Clock      Clock
	Metrics    *metrics.Metrics
}

// NewSOSStateMachine creates the state machine. A zero countdown activates immediately.
func NewSOSStateMachine(deps SOSDeps, countdown time.Duration) *SOSStateMachine {
	s := &SOSStateMachine{
		incidents:  deps.Incidents,
		contacts:   deps.Contacts,
		locations:  deps.Locations,
		profiles:   deps.Profiles,
		dispatcher: deps.Dispatcher,
		clock:      deps.Clock,
		metrics:    deps.Metrics,
		countdown:  countdown,
		locks:      newKeyedMutex(),
		open:       make(map[string]*openIncident),
	}
	deps.Locations.OnChange(s.forwardLocation)
	return s
}

// Emit implements TriggerSink
func (s *SOSStateMachine) Emit(ctx context.Context, t DistressTrigger) (*ActivationResult, error) {
	return s.Activate(ctx, t)
}

// Activate opens an incident for the trigger's user. A trigger arriving while
// an incident is arming returns that incident; one arriving while an incident
// is active fails with *AlreadyActiveError. A real trigger always replaces an
// open dry run.
func (s *SOSStateMachine) Activate(ctx context.Context, t DistressTrigger) (*ActivationResult, error) {
	if t.UserID == "" || !t.Source.Valid() {
		return nil, ErrInvalidTrigger
	}

	unlock := s.locks.Lock(t.UserID)
	defer unlock()

	if oi := s.get(t.UserID); oi != nil {
		switch {
		case oi.incident.DryRun && t.Source != models.TriggerTest:
			s.supersedeLocked(ctx, oi, t.Source)
		case oi.incident.State == models.IncidentArming:
			log.Info().
				Str("user_id", t.UserID).
				Str("incident_id", oi.incident.ID).
				Str("trigger", string(t.Source)).
				Msg("Trigger joined arming incident")
			return &ActivationResult{Incident: oi.incident.Clone(), Reused: true}, nil
		default:
			return nil, &AlreadyActiveError{Incident: oi.incident.Clone()}
		}
	}

	now := s.clock.Now()
	inc := &models.SOSIncident{
		ID:          uuid.New().String(),
		UserID:      t.UserID,
		State:       models.IncidentArming,
		TriggeredBy: t.Source,
		Reason:      t.Reason,
		DryRun:      t.Source == models.TriggerTest,
		CreatedAt:   now,
	}
	inc.TriggerLocation, inc.LocationSource = s.resolveLocation(t)

	if res, err := s.create(ctx, inc, t.Source); res != nil || err != nil {
		return res, err
	}

	oi := &openIncident{incident: inc}
	s.put(t.UserID, oi)

	s.metrics.SOSActivations.WithLabelValues(string(t.Source)).Inc()
	s.metrics.ActiveIncidents.Inc()

	log.Warn().
		Str("user_id", t.UserID).
		Str("incident_id", inc.ID).
		Str("trigger", string(t.Source)).
		Str("location_source", string(inc.LocationSource)).
		Bool("dry_run", inc.DryRun).
		Msg("SOS triggered")

	if s.countdown > 0 && t.Source != models.TriggerTimerExpiry {
		s.metrics.SOSTransitions.WithLabelValues(string(models.IncidentArming)).Inc()
		incidentID := inc.ID
		oi.timer = s.clock.AfterFunc(s.countdown, func() {
			s.promote(t.UserID, incidentID)
		})
		s.notifyOwner(ctx, inc)
		return &ActivationResult{Incident: inc.Clone()}, nil
	}

	partial := s.activateLocked(ctx, oi)
	return &ActivationResult{Incident: inc.Clone(), PartialFailure: partial}, nil
}

// create stores a new incident. When storage already holds an open incident
// for the user (opened by another instance) it answers for that incident
// instead, so contacts are never alerted twice. A nil result and nil error
// mean the caller owns the new incident.
func (s *SOSStateMachine) create(ctx context.Context, inc *models.SOSIncident, source models.TriggerSource) (*ActivationResult, error) {
	for attempt := 0; attempt < 2; attempt++ {
		err := s.incidents.Create(ctx, inc)
		if err == nil {
			return nil, nil
		}
		if !errors.Is(err, ErrOpenIncidentExists) {
			s.persistFailed("create", inc, err)
			return nil, nil
		}

		existing, err := s.incidents.GetOpen(ctx, inc.UserID)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to load stored incident: %v", ErrAlreadyActive, err)
		}
		if existing == nil {
			continue
		}

		if existing.DryRun && source != models.TriggerTest {
			now := s.clock.Now()
			existing.State = models.IncidentCancelled
			existing.CancelledAt = &now
			existing.CancelledBy = supersededBy
			if err := s.incidents.Update(ctx, existing); err != nil {
				s.persistFailed("supersede", existing, err)
			}
			continue
		}

		log.Info().
			Str("user_id", inc.UserID).
			Str("incident_id", existing.ID).
			Str("trigger", string(source)).
			Msg("Trigger matched an incident opened elsewhere")
		if existing.State == models.IncidentArming {
			return &ActivationResult{Incident: existing, Reused: true}, nil
		}
		return nil, &AlreadyActiveError{Incident: existing}
	}

	log.Warn().Str("user_id", inc.UserID).Str("incident_id", inc.ID).Msg("Opening SOS without a stored row")
	return nil, nil
}

// supersedeLocked closes an open dry run so a real trigger can take its
// place. The caller holds the user lock.
func (s *SOSStateMachine) supersedeLocked(ctx context.Context, oi *openIncident, source models.TriggerSource) {
	if oi.timer != nil {
		oi.timer.Stop()
	}

	inc := oi.incident
	now := s.clock.Now()
	inc.State = models.IncidentCancelled
	inc.CancelledAt = &now
	inc.CancelledBy = supersededBy
	s.remove(inc.UserID)

	if err := s.incidents.Update(ctx, inc); err != nil {
		s.persistFailed("supersede", inc, err)
	}
	s.metrics.ActiveIncidents.Dec()
	s.metrics.SOSTransitions.WithLabelValues(string(models.IncidentCancelled)).Inc()

	log.Warn().
		Str("user_id", inc.UserID).
		Str("incident_id", inc.ID).
		Str("trigger", string(source)).
		Msg("Dry run superseded by a real trigger")
}

func (s *SOSStateMachine) resolveLocation(t DistressTrigger) (*models.GeoPoint, models.LocationSource) {
	if t.Location != nil {
		if ValidCoordinates(t.Location.Latitude, t.Location.Longitude) {
			loc := *t.Location
			return &loc, models.LocationFromRequest
		}
		log.Warn().Str("user_id", t.UserID).Msg("Ignoring invalid trigger location")
	}
	if p, ok := s.locations.Fresh(t.UserID); ok {
		return p, models.LocationFromLastKnown
	}
	return nil, models.LocationAbsent
}

// promote moves an arming incident to active once its countdown ends
func (s *SOSStateMachine) promote(userID, incidentID string) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	oi := s.get(userID)
	if oi == nil || oi.incident.ID != incidentID || oi.incident.State != models.IncidentArming {
		return
	}
	s.activateLocked(context.Background(), oi)
}

// activateLocked dispatches to trusted contacts and records the count.
// The caller holds the user lock.
func (s *SOSStateMachine) activateLocked(ctx context.Context, oi *openIncident) bool {
	inc := oi.incident
	now := s.clock.Now()
	inc.State = models.IncidentActive
	inc.ActivatedAt = &now
	oi.timer = nil

	partial := false
	if !inc.DryRun {
		contactIDs, err := s.contacts.ContactIDs(ctx, inc.UserID)
		if err != nil {
			log.Error().Err(err).Str("user_id", inc.UserID).Str("incident_id", inc.ID).Msg("Failed to load trusted contacts for SOS")
		}

		owner := models.ProfileSummary{UserID: inc.UserID}
		if profiles, err := s.profiles.Summaries(ctx, []string{inc.UserID}); err == nil {
			if p, ok := profiles[inc.UserID]; ok {
				owner = p
			}
		}

		receipt := s.dispatcher.Publish(ctx, SOSActivatedEvent(inc, owner, contactIDs))
		inc.ContactsNotified = receipt.Reached
		inc.NotifiedContactIDs = receipt.ReachedIDs
		partial = receipt.PartialFailure()
		inc.PartialFailure = partial
		if partial {
			log.Warn().
				Str("incident_id", inc.ID).
				Int("targeted", receipt.Targeted).
				Int("reached", receipt.Reached).
				Strs("unreachable", receipt.Failed).
				Msg("SOS reached only part of the trusted contacts")
		}
	}

	if err := s.incidents.Update(ctx, inc); err != nil {
		s.persistFailed("activate", inc, err)
	}
	s.metrics.SOSTransitions.WithLabelValues(string(models.IncidentActive)).Inc()
	s.notifyOwner(ctx, inc)

	log.Warn().
		Str("user_id", inc.UserID).
		Str("incident_id", inc.ID).
		Int("contacts_notified", inc.ContactsNotified).
		Bool("dry_run", inc.DryRun).
		Msg("SOS active")

	return partial
}

// Cancel closes the open incident. Contacts that were notified receive
// sos_cancelled; cancelling while arming notifies nobody.
func (s *SOSStateMachine) Cancel(ctx context.Context, req CancelRequest) (*models.SOSIncident, error) {
	if req.UserID != req.ActorID && !req.Admin {
		return nil, ErrForbidden
	}

	unlock := s.locks.Lock(req.UserID)
	defer unlock()

	oi := s.get(req.UserID)
	if oi == nil {
		return nil, ErrNoActiveIncident
	}
	if oi.timer != nil {
		oi.timer.Stop()
	}

	inc := oi.incident
	now := s.clock.Now()
	inc.State = models.IncidentCancelled
	inc.CancelledAt = &now
	inc.CancelledBy = req.ActorID
	s.remove(req.UserID)

	if err := s.incidents.Update(ctx, inc); err != nil {
		s.persistFailed("cancel", inc, err)
	}
	s.metrics.ActiveIncidents.Dec()
	s.metrics.SOSTransitions.WithLabelValues(string(models.IncidentCancelled)).Inc()

	if len(inc.NotifiedContactIDs) > 0 {
		s.dispatcher.Publish(ctx, SOSCancelledEvent(inc))
	}
	s.notifyOwner(ctx, inc)

	log.Info().
		Str("user_id", inc.UserID).
		Str("incident_id", inc.ID).
		Str("cancelled_by", req.ActorID).
		Msg("SOS cancelled")

	return inc.Clone(), nil
}

// Resolve closes an active incident with the responder's acknowledgement
func (s *SOSStateMachine) Resolve(ctx context.Context, req ResolveRequest) (*models.SOSIncident, error) {
	if req.UserID != req.ActorID && !req.Admin {
		return nil, ErrForbidden
	}

	unlock := s.locks.Lock(req.UserID)
	defer unlock()

	oi := s.get(req.UserID)
	if oi == nil || oi.incident.State != models.IncidentActive {
		return nil, ErrNoActiveIncident
	}
	if req.IncidentID != "" && req.IncidentID != oi.incident.ID {
		return nil, ErrNotFound
	}

	inc := oi.incident
	now := s.clock.Now()
	inc.State = models.IncidentResolved
	inc.ResolvedAt = &now
	inc.ResolutionAck = req.Ack
	s.remove(req.UserID)

	if err := s.incidents.Update(ctx, inc); err != nil {
		s.persistFailed("resolve", inc, err)
	}
	s.metrics.ActiveIncidents.Dec()
	s.metrics.SOSTransitions.WithLabelValues(string(models.IncidentResolved)).Inc()

	if len(inc.NotifiedContactIDs) > 0 {
		s.dispatcher.Publish(ctx, SOSResolvedEvent(inc))
	}
	s.notifyOwner(ctx, inc)

	log.Info().
		Str("user_id", inc.UserID).
		Str("incident_id", inc.ID).
		Str("resolved_by", req.ActorID).
		Msg("SOS resolved")

	return inc.Clone(), nil
}

// Status returns the open incident of a user, or nil when idle
func (s *SOSStateMachine) Status(userID string) *models.SOSIncident {
	oi := s.get(userID)
	if oi == nil {
		return nil
	}
	unlock := s.locks.Lock(userID)
	defer unlock()
	return oi.incident.Clone()
}

// History returns the user's most recent incidents
func (s *SOSStateMachine) History(ctx context.Context, userID string, limit int) ([]*models.SOSIncident, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	incidents, err := s.incidents.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	return incidents, nil
}

// Recover reloads open incidents. Incidents left arming are activated.
func (s *SOSStateMachine) Recover(ctx context.Context) error {
	incidents, err := s.incidents.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("failed to load open incidents: %w", err)
	}

	for _, inc := range incidents {
		unlock := s.locks.Lock(inc.UserID)
		if s.get(inc.UserID) != nil {
			unlock()
			continue
		}
		oi := &openIncident{incident: inc}
		s.put(inc.UserID, oi)
		s.metrics.ActiveIncidents.Inc()
		if inc.State == models.IncidentArming {
			s.activateLocked(ctx, oi)
		}
		unlock()
	}

	log.Info().Int("count", len(incidents)).Msg("Open SOS incidents recovered")
	return nil
}

// Watchers returns the contacts following the user's live location while
// an incident is active
func (s *SOSStateMachine) Watchers(userID string) (incidentID string, contactIDs []string, ok bool) {
	oi := s.get(userID)
	if oi == nil {
		return "", nil, false
	}
	unlock := s.locks.Lock(userID)
	defer unlock()
	inc := oi.incident
	if inc.State != models.IncidentActive || inc.DryRun || len(inc.NotifiedContactIDs) == 0 {
		return "", nil, false
	}
	return inc.ID, append([]string(nil), inc.NotifiedContactIDs...), true
}

func (s *SOSStateMachine) forwardLocation(loc models.UserLocation) {
	incidentID, watchers, ok := s.Watchers(loc.UserID)
	if !ok {
		return
	}
	s.dispatcher.Publish(context.Background(), LocationUpdatedEvent(loc.UserID, loc.Point(), incidentID, watchers))
}

// Stop cancels pending countdowns
func (s *SOSStateMachine) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, oi := range s.open {
		if oi.timer != nil {
			oi.timer.Stop()
		}
	}
}

func (s *SOSStateMachine) notifyOwner(ctx context.Context, inc *models.SOSIncident) {
	s.dispatcher.Publish(ctx, Event{
		Targets: []string{inc.UserID},
		Message: SOSStatusMessage(inc),
	})
}

func (s *SOSStateMachine) persistFailed(op string, inc *models.SOSIncident, err error) {
	s.metrics.PersistFailures.WithLabelValues("incident_" + op).Inc()
	log.Error().
		Err(err).
		Str("op", op).
		Str("user_id", inc.UserID).
		Str("incident_id", inc.ID).
		Str("trigger", string(inc.TriggeredBy)).
		Msg("Failed to persist SOS incident")
}

func (s *SOSStateMachine) get(userID string) *openIncident {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.open[userID]
}

func (s *SOSStateMachine) put(userID string, oi *openIncident) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open[userID] = oi
}

func (s *SOSStateMachine) remove(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.open, userID)
}

// SOSStatusMessage is the realtime snapshot of a user's incident state
func SOSStatusMessage(inc *models.SOSIncident) WSMessage {
	if inc == nil {
		return WSMessage{Type: EventSOSStatus, Data: map[string]interface{}{"isActive": false}}
	}
	data := map[string]interface{}{
		"isActive":         !inc.State.Terminal(),
		"incidentId":       inc.ID,
		"state":            inc.State,
		"triggeredBy":      inc.TriggeredBy,
		"dryRun":           inc.DryRun,
		"contactsNotified": inc.ContactsNotified,
		"partialFailure":   inc.PartialFailure,
	}
	if inc.ActivatedAt != nil {
		data["activatedAt"] = inc.ActivatedAt
	}
	return WSMessage{Type: EventSOSStatus, Data: data}
}
