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

// PushNotification is an offline notification for a single device
type PushNotification struct {
	Title    string
	Body     string
	Category string
	Data     map[string]interface{}
}

// OfflineNotifier delivers notifications to users without a live session
type OfflineNotifier interface {
	Notify(ctx context.Context, target models.PushTarget, n PushNotification) error
}

// Relay forwards realtime messages to sessions held by other instances
type Relay interface {
	Publish(ctx context.Context, userID string, msg WSMessage) error
}

// Event is one message addressed to a set of users. Push is only set for
// events that must also reach users who are offline.
type Event struct {
	Targets []string
	Message WSMessage
	Push    *PushNotification
}

// DispatchReceipt summarizes how many targets at least one channel accepted
type DispatchReceipt struct {
	Targeted   int
	Reached    int
	ReachedIDs []string
	Failed     []string
}

// PartialFailure reports whether some targets could not be reached
func (r DispatchReceipt) PartialFailure() bool {
	return r.Reached < r.Targeted
}

type pushJob struct {
	target       models.PushTarget
	notification PushNotification
}

// DispatcherConfig tunes the push worker pool
type DispatcherConfig struct {
	PushWorkers   int
	PushQueueSize int
	PushRetries   int
	RetryBackoff  time.Duration
}

// AlertDispatcher delivers events to realtime sessions and offline push
type AlertDispatcher struct {
	hub      *SessionHub
	relay    Relay
	notifier OfflineNotifier
	profiles ProfileDirectory
	clock    Clock
	metrics  *metrics.Metrics
	cfg      DispatcherConfig

	jobs     chan pushJob
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewAlertDispatcher creates a dispatcher. relay and notifier may be nil.
func NewAlertDispatcher(hub *SessionHub, relay Relay, notifier OfflineNotifier, profiles ProfileDirectory, clock Clock, m *metrics.Metrics, cfg DispatcherConfig) *AlertDispatcher {
	if cfg.PushWorkers < 1 {
		cfg.PushWorkers = 1
	}
	if cfg.PushQueueSize < 1 {
		cfg.PushQueueSize = 64
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	return &AlertDispatcher{
		hub:      hub,
		relay:    relay,
		notifier: notifier,
		profiles: profiles,
		clock:    clock,
		metrics:  m,
		cfg:      cfg,
		jobs:     make(chan pushJob, cfg.PushQueueSize),
		done:     make(chan struct{}),
	}
}

// Start launches the push workers
func (d *AlertDispatcher) Start() {
	if d.notifier == nil {
		return
	}
	for i := 0; i < d.cfg.PushWorkers; i++ {
		d.wg.Add(1)
		go d.pushWorker()
	}
	log.Info().Int("workers", d.cfg.PushWorkers).Msg("Push workers started")
}

// Stop stops the push workers and waits for in-flight deliveries
func (d *AlertDispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
	d.wg.Wait()
}

// Publish hands an event to every channel of every target. Each target is
// handled independently; a failure for one never blocks the others.
func (d *AlertDispatcher) Publish(ctx context.Context, ev Event) DispatchReceipt {
	targets := uniqueIDs(ev.Targets)
	receipt := DispatchReceipt{Targeted: len(targets)}
	if len(targets) == 0 {
		return receipt
	}

	msg := ev.Message
	if msg.Timestamp == 0 {
		msg.Timestamp = d.clock.Now().UnixMilli()
	}

	var pushTargets map[string]models.PushTarget
	if ev.Push != nil && d.notifier != nil && d.profiles != nil {
		var err error
		pushTargets, err = d.profiles.PushTargets(ctx, targets)
		if err != nil {
			log.Error().Err(err).Str("type", msg.Type).Msg("Failed to load push targets")
			d.metrics.DispatchFailures.WithLabelValues("push_lookup").Inc()
		}
	}

	for _, userID := range targets {
		reached := d.hub.SendToUser(userID, msg) > 0

		if d.relay != nil {
			if err := d.relay.Publish(ctx, userID, msg); err != nil {
				log.Warn().Err(err).Str("user_id", userID).Str("type", msg.Type).Msg("Failed to relay realtime message")
				d.metrics.DispatchFailures.WithLabelValues("relay").Inc()
			}
		}

		if ev.Push != nil {
			if target, ok := pushTargets[userID]; ok && target.SOSPushEnabled && target.DeviceToken != "" {
				if d.enqueuePush(pushJob{target: target, notification: *ev.Push}) {
					reached = true
				} else {
					d.metrics.DispatchFailures.WithLabelValues("push_queue").Inc()
				}
			}
		}

		if reached {
			receipt.Reached++
			receipt.ReachedIDs = append(receipt.ReachedIDs, userID)
		} else {
			receipt.Failed = append(receipt.Failed, userID)
			d.metrics.DispatchFailures.WithLabelValues("unreachable").Inc()
		}
	}

	log.Debug().
		Str("type", msg.Type).
		Int("targeted", receipt.Targeted).
		Int("reached", receipt.Reached).
		Msg("Event dispatched")

	return receipt
}

func (d *AlertDispatcher) enqueuePush(job pushJob) bool {
	select {
	case <-d.done:
		return false
	default:
	}
	select {
	case d.jobs <- job:
		return true
	default:
		log.Warn().Str("user_id", job.target.UserID).Msg("Push queue full")
		return false
	}
}

func (d *AlertDispatcher) pushWorker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case job := <-d.jobs:
			d.deliver(job)
		}
	}
}

func (d *AlertDispatcher) deliver(job pushJob) {
	backoff := d.cfg.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= d.cfg.PushRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-d.done:
				d.metrics.PushDeliveries.WithLabelValues("aborted").Inc()
				return
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		lastErr = d.notifier.Notify(ctx, job.target, job.notification)
		cancel()
		if lastErr == nil {
			d.metrics.PushDeliveries.WithLabelValues("sent").Inc()
			return
		}
		d.metrics.PushDeliveries.WithLabelValues("retry").Inc()
	}

	d.metrics.PushDeliveries.WithLabelValues("failed").Inc()
	log.Error().Err(lastErr).Str("user_id", job.target.UserID).Msg("Push delivery failed")
}

// ProximityAlertEvent tells viewerID that candidate is distanceMeters away
func ProximityAlertEvent(viewerID string, candidate models.ProfileSummary, distanceMeters float64) Event {
	return Event{
		Targets: []string{viewerID},
		Message: WSMessage{
			Type: EventProximityAlert,
			Data: map[string]interface{}{
				"userId":   candidate.UserID,
				"username": candidate.Username,
				"distance": distanceMeters,
			},
		},
	}
}

// SOSActivatedEvent notifies trusted contacts of an active incident
func SOSActivatedEvent(inc *models.SOSIncident, owner models.ProfileSummary, contactIDs []string) Event {
	name := owner.DisplayName
	if name == "" {
		name = owner.Username
	}
	data := map[string]interface{}{
		"incidentId": inc.ID,
		"userId":     inc.UserID,
		"userName":   name,
	}
	return Event{
		Targets: contactIDs,
		Message: WSMessage{
			Type:        EventSOSAlert,
			TriggeredBy: string(inc.TriggeredBy),
			Reason:      inc.Reason,
			Location:    inc.TriggerLocation,
			Message:     fmt.Sprintf("%s needs help", name),
			Data:        data,
		},
		Push: &PushNotification{
			Title:    "SOS",
			Body:     fmt.Sprintf("%s activated an emergency alert", name),
			Category: EventSOSAlert,
			Data:     data,
		},
	}
}

// SOSCancelledEvent tells previously notified contacts that the incident ended
func SOSCancelledEvent(inc *models.SOSIncident) Event {
	data := map[string]interface{}{"incidentId": inc.ID, "userId": inc.UserID}
	return Event{
		Targets: inc.NotifiedContactIDs,
		Message: WSMessage{Type: EventSOSCancelled, Data: data},
		Push: &PushNotification{
			Title:    "SOS cancelled",
			Body:     "The emergency alert was cancelled",
			Category: EventSOSCancelled,
			Data:     data,
		},
	}
}

// SOSResolvedEvent tells previously notified contacts that the incident was resolved
func SOSResolvedEvent(inc *models.SOSIncident) Event {
	return Event{
		Targets: inc.NotifiedContactIDs,
		Message: WSMessage{
			Type:    EventSOSResolved,
			Message: inc.ResolutionAck,
			Data:    map[string]interface{}{"incidentId": inc.ID, "userId": inc.UserID},
		},
	}
}

// LocationUpdatedEvent forwards the owner's live position to watchers
func LocationUpdatedEvent(ownerID string, loc models.GeoPoint, incidentID string, watchers []string) Event {
	return Event{
		Targets: watchers,
		Message: WSMessage{
			Type:     EventLocationUpdate,
			Location: &loc,
			Data:     map[string]interface{}{"userId": ownerID, "incidentId": incidentID},
		},
	}
}

// NearbyMessageEvent delivers a nearby message to one recipient
func NearbyMessageEvent(recipientID string, msg *models.NearbyMessage, sender *models.ProfileSummary, distanceMeters float64) Event {
	data := map[string]interface{}{
		"messageId": msg.ID,
		"message":   msg.Text,
		"distance":  distanceMeters,
		"anonymous": msg.IsAnonymous,
	}
	if msg.MediaRef != "" {
		data["mediaRef"] = msg.MediaRef
	}
	if sender != nil {
		data["sender"] = sender
	}
	return Event{
		Targets: []string{recipientID},
		Message: WSMessage{Type: EventNearbyMessage, Data: data},
	}
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
