package services

import (
	"testing"
	"time"

	"nearby-safety-backend/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestAlertRateLimiterImmediate(t *testing.T) {
	l := NewAlertRateLimiter(50*time.Millisecond, time.Hour, time.Hour, nil)

	assert.Equal(t, []string{"b", "c"}, l.Select("a", models.AlertImmediate, []string{"b", "c"}))
	assert.Empty(t, l.Select("a", models.AlertImmediate, []string{"b", "c"}))
	// pairs are independent
	assert.Equal(t, []string{"a"}, l.Select("b", models.AlertImmediate, []string{"a"}))

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, []string{"b"}, l.Select("a", models.AlertImmediate, []string{"b"}))
}

func TestAlertRateLimiterOnce(t *testing.T) {
	l := NewAlertRateLimiter(time.Millisecond, time.Hour, time.Hour, nil)

	assert.Equal(t, []string{"b"}, l.Select("a", models.AlertOnce, []string{"b"}))
	for i := 0; i < 5; i++ {
		assert.Empty(t, l.Select("a", models.AlertOnce, []string{"b"}))
	}

	// a new proximity session starts after the candidate left
	l.Leave("a", "b")
	assert.Equal(t, []string{"b"}, l.Select("a", models.AlertOnce, []string{"b"}))
}

func TestAlertRateLimiterOnceOutlivesKeyTTL(t *testing.T) {
	l := NewAlertRateLimiter(time.Millisecond, time.Hour, 60*time.Millisecond, nil)

	assert.Equal(t, []string{"b"}, l.Select("a", models.AlertOnce, []string{"b"}))
	// recompute ticks keep arriving for several key lifetimes
	for i := 0; i < 10; i++ {
		time.Sleep(20 * time.Millisecond)
		assert.Empty(t, l.Select("a", models.AlertOnce, []string{"b"}))
	}
}

func TestAlertRateLimiterPeriodic(t *testing.T) {
	l := NewAlertRateLimiter(time.Millisecond, 60*time.Millisecond, time.Hour, nil)
	l.pick = func(n int) int { return n - 1 }

	assert.Equal(t, []string{"d"}, l.Select("a", models.AlertPeriodic, []string{"b", "c", "d"}))
	assert.Empty(t, l.Select("a", models.AlertPeriodic, []string{"b", "c", "d"}))
	assert.Empty(t, l.Select("a", models.AlertPeriodic, nil))

	time.Sleep(90 * time.Millisecond)
	assert.Len(t, l.Select("a", models.AlertPeriodic, []string{"b", "c"}), 1)
}

func TestAlertRateLimiterShouldAlert(t *testing.T) {
	freqs := map[string]models.AlertFrequency{"a": models.AlertOnce}
	l := NewAlertRateLimiter(time.Hour, time.Hour, time.Hour, func(userID string) models.AlertFrequency {
		if f, ok := freqs[userID]; ok {
			return f
		}
		return models.AlertImmediate
	})

	assert.True(t, l.ShouldAlert("a", "b"))
	assert.False(t, l.ShouldAlert("a", "b"))
	assert.True(t, l.ShouldAlert("z", "b"))
	assert.False(t, l.ShouldAlert("z", "b"))
}
