package services

import (
	"context"
	"fmt"

	"nearby-safety-backend/internal/models"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
)

// APNSNotifier sends offline notifications through Apple push
type APNSNotifier struct {
	client *apns2.Client
	topic  string
}

// NewAPNSNotifier creates a token-authenticated APNs client
func NewAPNSNotifier(keyFile, keyID, teamID, topic string, production bool) (*APNSNotifier, error) {
	authKey, err := token.AuthKeyFromFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load apns key: %w", err)
	}

	client := apns2.NewTokenClient(&token.Token{
		AuthKey: authKey,
		KeyID:   keyID,
		TeamID:  teamID,
	})
	if production {
		client = client.Production()
	} else {
		client = client.Development()
	}

	return &APNSNotifier{client: client, topic: topic}, nil
}

// Notify pushes a single notification. Rejected tokens are returned as errors.
func (n *APNSNotifier) Notify(ctx context.Context, target models.PushTarget, note PushNotification) error {
	p := payload.NewPayload().
		AlertTitle(note.Title).
		AlertBody(note.Body).
		Sound("default").
		Category(note.Category)
	for k, v := range note.Data {
		p = p.Custom(k, v)
	}

	res, err := n.client.PushWithContext(ctx, &apns2.Notification{
		DeviceToken: target.DeviceToken,
		Topic:       n.topic,
		Payload:     p,
		Priority:    apns2.PriorityHigh,
		PushType:    apns2.PushTypeAlert,
	})
	if err != nil {
		return fmt.Errorf("failed to send push: %w", err)
	}
	if !res.Sent() {
		return fmt.Errorf("push rejected: %d %s", res.StatusCode, res.Reason)
	}
	return nil
}
