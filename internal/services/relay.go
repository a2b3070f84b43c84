package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type relayEnvelope struct {
	Origin  string    `json:"origin"`
	UserID  string    `json:"user_id"`
	Message WSMessage `json:"message"`
}

// RedisRelay fans realtime messages out to every instance through a Redis channel.
// Each instance delivers received messages to its own sessions only.
type RedisRelay struct {
	client     *redis.Client
	channel    string
	instanceID string
	hub        *SessionHub
}

// NewRedisClient connects to Redis and checks the connection
func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisRelay creates a relay delivering into hub
func NewRedisRelay(client *redis.Client, channel string, hub *SessionHub) *RedisRelay {
	return &RedisRelay{
		client:     client,
		channel:    channel,
		instanceID: uuid.New().String(),
		hub:        hub,
	}
}

// Publish sends msg for userID to the other instances
func (r *RedisRelay) Publish(ctx context.Context, userID string, msg WSMessage) error {
	data, err := json.Marshal(relayEnvelope{Origin: r.instanceID, UserID: userID, Message: msg})
	if err != nil {
		return fmt.Errorf("failed to marshal relay envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish relay message: %w", err)
	}
	return nil
}

// Run consumes the relay channel until ctx is done
func (r *RedisRelay) Run(ctx context.Context) {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	log.Info().Str("channel", r.channel).Str("instance_id", r.instanceID).Msg("Realtime relay subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			r.handle(m.Payload)
		}
	}
}

func (r *RedisRelay) handle(payload string) {
	var env relayEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		log.Warn().Err(err).Msg("Dropping malformed relay message")
		return
	}
	if env.Origin == r.instanceID {
		return
	}
	r.hub.SendToUser(env.UserID, env.Message)
}
