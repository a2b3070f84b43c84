package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

const maxPushTokenLength = 200

// UserService handles the notification preferences this engine owns
type UserService struct {
	userRepo PushTokenRepository
}

// NewUserService creates a new user service
func NewUserService(userRepo PushTokenRepository) *UserService {
	return &UserService{userRepo: userRepo}
}

// UpdatePushToken registers the device token used for offline SOS alerts.
// An empty token unregisters the device.
func (s *UserService) UpdatePushToken(ctx context.Context, userID, token string) error {
	token = strings.TrimSpace(token)
	if len(token) > maxPushTokenLength {
		return fmt.Errorf("push token too long")
	}

	if err := s.userRepo.UpdatePushToken(ctx, userID, token); err != nil {
		return fmt.Errorf("failed to update push token: %w", err)
	}

	log.Info().Str("user_id", userID).Bool("registered", token != "").Msg("Push token updated")
	return nil
}

// SetSOSPushEnabled toggles offline push for SOS events addressed to userID
func (s *UserService) SetSOSPushEnabled(ctx context.Context, userID string, enabled bool) error {
	if err := s.userRepo.SetSOSPushEnabled(ctx, userID, enabled); err != nil {
		return fmt.Errorf("failed to update sos push preference: %w", err)
	}
	return nil
}
