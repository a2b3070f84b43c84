package services

import (
	"math/rand"
	"time"

	"nearby-safety-backend/internal/models"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// AlertRateLimiter decides which proximity matches turn into alerts.
//
// immediate: one alert per (user, candidate) pair per cooldown.
// periodic: one alert per interval per user, picked at random among the
// candidates currently in radius.
// once: one alert per pair until the candidate leaves the radius. Every
// Select that sees the pair again extends the session key.
type AlertRateLimiter struct {
	cache       *gocache.Cache
	cooldown    time.Duration
	interval    time.Duration
	onceTTL     time.Duration
	frequencyOf func(userID string) models.AlertFrequency
	pick        func(n int) int
}

// NewAlertRateLimiter creates a limiter. frequencyOf backs ShouldAlert.
func NewAlertRateLimiter(cooldown, interval, onceTTL time.Duration, frequencyOf func(userID string) models.AlertFrequency) *AlertRateLimiter {
	return &AlertRateLimiter{
		cache:       gocache.New(onceTTL, time.Minute),
		cooldown:    cooldown,
		interval:    interval,
		onceTTL:     onceTTL,
		frequencyOf: frequencyOf,
		pick:        rand.Intn,
	}
}

func immediateKey(userID, candidateID string) string { return "imm:" + userID + ":" + candidateID }
func onceKey(userID, candidateID string) string      { return "once:" + userID + ":" + candidateID }
func periodicKey(userID string) string               { return "per:" + userID }

// ShouldAlert applies the user's current policy to a single candidate
func (l *AlertRateLimiter) ShouldAlert(userID, candidateID string) bool {
	freq := models.AlertImmediate
	if l.frequencyOf != nil {
		freq = l.frequencyOf(userID)
	}
	return len(l.Select(userID, freq, []string{candidateID})) == 1
}

// Select returns the candidates that should produce an alert now. For
// periodic users candidates must be everyone currently in radius.
func (l *AlertRateLimiter) Select(userID string, freq models.AlertFrequency, candidates []string) []string {
	if len(candidates) == 0 {
		return nil
	}

	switch freq {
	case models.AlertOnce:
		var out []string
		for _, c := range candidates {
			key := onceKey(userID, c)
			if l.cache.Add(key, struct{}{}, l.onceTTL) == nil {
				out = append(out, c)
				continue
			}
			// still in radius: the session lasts as long as the pair stays tracked
			l.cache.Set(key, struct{}{}, l.onceTTL)
		}
		return out

	case models.AlertPeriodic:
		if !l.periodicLimiter(userID).Allow() {
			return nil
		}
		return []string{candidates[l.pick(len(candidates))]}

	default:
		var out []string
		for _, c := range candidates {
			if l.cache.Add(immediateKey(userID, c), struct{}{}, l.cooldown) == nil {
				out = append(out, c)
			}
		}
		return out
	}
}

func (l *AlertRateLimiter) periodicLimiter(userID string) *rate.Limiter {
	key := periodicKey(userID)
	if v, ok := l.cache.Get(key); ok {
		return v.(*rate.Limiter)
	}
	lim := rate.NewLimiter(rate.Every(l.interval), 1)
	if err := l.cache.Add(key, lim, l.onceTTL); err != nil {
		if v, ok := l.cache.Get(key); ok {
			return v.(*rate.Limiter)
		}
	}
	return lim
}

// Leave ends the proximity session of a pair so once-policy alerts can fire again
func (l *AlertRateLimiter) Leave(userID, candidateID string) {
	l.cache.Delete(onceKey(userID, candidateID))
}
