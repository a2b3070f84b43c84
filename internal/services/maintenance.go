package services

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Maintenance runs periodic sweeps: stale location sharing and expired nearby messages
type Maintenance struct {
	c         *cron.Cron
	locations *LocationStore
	nearby    *NearbyBroadcastChannel
}

// NewMaintenance creates the scheduler and registers the sweeps
func NewMaintenance(locations *LocationStore, nearby *NearbyBroadcastChannel) (*Maintenance, error) {
	m := &Maintenance{
		c:         cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.Recover(cron.DefaultLogger))),
		locations: locations,
		nearby:    nearby,
	}

	if _, err := m.c.AddFunc("@every 1m", func() { m.ExpireStale(context.Background()) }); err != nil {
		return nil, fmt.Errorf("failed to schedule stale sweep: %w", err)
	}
	if _, err := m.c.AddFunc("@every 5m", func() { m.PurgeMessages(context.Background()) }); err != nil {
		return nil, fmt.Errorf("failed to schedule message purge: %w", err)
	}
	return m, nil
}

func (m *Maintenance) Start() { m.c.Start() }
func (m *Maintenance) Stop()  { ctx := m.c.Stop(); <-ctx.Done() }

// ExpireStale turns off sharing for users who stopped sending updates
func (m *Maintenance) ExpireStale(ctx context.Context) {
	if _, err := m.locations.ExpireStale(ctx); err != nil {
		log.Error().Err(err).Msg("Stale location sweep failed")
	}
}

// PurgeMessages drops nearby messages past retention
func (m *Maintenance) PurgeMessages(ctx context.Context) {
	if _, err := m.nearby.Purge(ctx); err != nil {
		log.Error().Err(err).Msg("Nearby message purge failed")
	}
}
