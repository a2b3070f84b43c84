package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"nearby-safety-backend/internal/metrics"
	"nearby-safety-backend/internal/models"

	"github.com/rs/zerolog/log"
)

type pendingCheckIn struct {
	checkIn models.SafetyCheckIn
	gen     uint64
	timer   Timer
}

// SafetyTimerWatchdog raises a timer-expiry distress trigger when a user
// misses their check-in deadline.
type SafetyTimerWatchdog struct {
	repo       CheckInRepository
	sink       TriggerSink
	dispatcher *AlertDispatcher
	clock      Clock
	metrics    *metrics.Metrics
	min        time.Duration
	max        time.Duration

	locks   *keyedMutex
	mu      sync.Mutex
	pending map[string]*pendingCheckIn
	gen     uint64
}

// NewSafetyTimerWatchdog creates a watchdog emitting into sink
func NewSafetyTimerWatchdog(repo CheckInRepository, sink TriggerSink, dispatcher *AlertDispatcher, clock Clock, m *metrics.Metrics, min, max time.Duration) *SafetyTimerWatchdog {
	return &SafetyTimerWatchdog{
		repo:       repo,
		sink:       sink,
		dispatcher: dispatcher,
		clock:      clock,
		metrics:    m,
		min:        min,
		max:        max,
		locks:      newKeyedMutex(),
		pending:    make(map[string]*pendingCheckIn),
	}
}

// Arm starts a check-in timer, replacing any pending one
func (w *SafetyTimerWatchdog) Arm(ctx context.Context, userID string, d time.Duration) (*models.SafetyCheckIn, error) {
	if d < w.min || d > w.max {
		return nil, fmt.Errorf("%w: must be between %s and %s", ErrInvalidDuration, w.min, w.max)
	}

	unlock := w.locks.Lock(userID)
	defer unlock()

	now := w.clock.Now()
	c := models.SafetyCheckIn{
		UserID:   userID,
		Deadline: now.Add(d),
		Duration: d,
		ArmedAt:  now,
		Active:   true,
	}
	w.armLocked(c, d)

	if err := w.repo.Save(ctx, &c); err != nil {
		w.metrics.PersistFailures.WithLabelValues("checkin_save").Inc()
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to persist safety timer")
	}
	w.metrics.SafetyTimerEvents.WithLabelValues("armed").Inc()
	w.notifyOwner(ctx, userID, &c)

	log.Info().Str("user_id", userID).Time("deadline", c.Deadline).Msg("Safety timer armed")
	return &c, nil
}

// armLocked schedules c to fire after d. The caller holds the user lock.
func (w *SafetyTimerWatchdog) armLocked(c models.SafetyCheckIn, d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if old, ok := w.pending[c.UserID]; ok {
		old.timer.Stop()
	}
	w.gen++
	gen := w.gen
	userID := c.UserID
	w.pending[userID] = &pendingCheckIn{
		checkIn: c,
		gen:     gen,
		timer: w.clock.AfterFunc(d, func() {
			w.fire(userID, gen)
		}),
	}
}

// CheckIn disarms the pending timer. It reports false when nothing was pending.
func (w *SafetyTimerWatchdog) CheckIn(ctx context.Context, userID string) (bool, error) {
	return w.disarm(ctx, userID, "checked_in")
}

// Cancel disarms the pending timer without a check-in
func (w *SafetyTimerWatchdog) Cancel(ctx context.Context, userID string) (bool, error) {
	return w.disarm(ctx, userID, "cancelled")
}

func (w *SafetyTimerWatchdog) disarm(ctx context.Context, userID, event string) (bool, error) {
	unlock := w.locks.Lock(userID)
	defer unlock()

	p := w.take(userID, 0)
	if p == nil {
		return false, nil
	}
	if p.timer != nil {
		p.timer.Stop()
	}

	w.metrics.SafetyTimerEvents.WithLabelValues(event).Inc()
	w.notifyOwner(ctx, userID, nil)
	log.Info().Str("user_id", userID).Str("event", event).Msg("Safety timer disarmed")

	if err := w.repo.Delete(ctx, userID); err != nil {
		w.metrics.PersistFailures.WithLabelValues("checkin_delete").Inc()
		return true, fmt.Errorf("failed to delete safety timer: %w", err)
	}
	return true, nil
}

// take removes the pending entry of userID. A non-zero gen only matches
// that generation.
func (w *SafetyTimerWatchdog) take(userID string, gen uint64) *pendingCheckIn {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.pending[userID]
	if !ok || (gen != 0 && p.gen != gen) {
		return nil
	}
	delete(w.pending, userID)
	return p
}

func (w *SafetyTimerWatchdog) fire(userID string, gen uint64) {
	unlock := w.locks.Lock(userID)
	p := w.take(userID, gen)
	unlock()
	if p == nil {
		return
	}

	ctx := context.Background()
	w.metrics.SafetyTimerEvents.WithLabelValues("expired").Inc()
	if err := w.repo.Delete(ctx, userID); err != nil {
		w.metrics.PersistFailures.WithLabelValues("checkin_delete").Inc()
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to delete expired safety timer")
	}

	log.Warn().Str("user_id", userID).Time("deadline", p.checkIn.Deadline).Msg("Safety timer expired without check-in")

	res, err := w.sink.Emit(ctx, DistressTrigger{
		UserID: userID,
		Source: models.TriggerTimerExpiry,
		Reason: "safety timer expired",
	})
	switch {
	case errors.Is(err, ErrAlreadyActive):
		log.Info().Str("user_id", userID).Msg("Safety timer expired during an active SOS")
	case err != nil:
		log.Error().Err(err).Str("user_id", userID).Str("trigger", string(models.TriggerTimerExpiry)).Msg("Failed to raise SOS from safety timer")
	default:
		log.Info().Str("user_id", userID).Str("incident_id", res.Incident.ID).Msg("SOS raised from safety timer")
	}
	w.notifyOwner(ctx, userID, nil)
}

// Status returns the pending check-in of a user, or nil
func (w *SafetyTimerWatchdog) Status(userID string) *models.SafetyCheckIn {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.pending[userID]
	if !ok {
		return nil
	}
	c := p.checkIn
	return &c
}

// Recover re-arms persisted timers. Deadlines that passed while the
// process was down fire right away.
func (w *SafetyTimerWatchdog) Recover(ctx context.Context) error {
	checkIns, err := w.repo.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to load safety timers: %w", err)
	}

	now := w.clock.Now()
	for _, c := range checkIns {
		remaining := c.Deadline.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		unlock := w.locks.Lock(c.UserID)
		w.armLocked(*c, remaining)
		unlock()
	}

	log.Info().Int("count", len(checkIns)).Msg("Safety timers recovered")
	return nil
}

// Stop cancels every pending timer without firing it
func (w *SafetyTimerWatchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range w.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
}

func (w *SafetyTimerWatchdog) notifyOwner(ctx context.Context, userID string, c *models.SafetyCheckIn) {
	if w.dispatcher == nil {
		return
	}
	w.dispatcher.Publish(ctx, Event{Targets: []string{userID}, Message: SafetyTimerMessage(c)})
}

// SafetyTimerMessage is the realtime snapshot of a user's safety timer
func SafetyTimerMessage(c *models.SafetyCheckIn) WSMessage {
	if c == nil {
		return WSMessage{Type: EventSafetyTimer, Data: map[string]interface{}{"active": false}}
	}
	return WSMessage{
		Type: EventSafetyTimer,
		Data: map[string]interface{}{
			"active":   true,
			"deadline": c.Deadline,
			"armedAt":  c.ArmedAt,
		},
	}
}
