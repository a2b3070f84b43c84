package repository

import (
	"context"
	"fmt"

	"nearby-safety-backend/internal/models"

	"github.com/jackc/pgx/v5/pgxpool"
)

// UserRepository reads profiles and stores push preferences
type UserRepository struct {
	db *pgxpool.Pool
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *pgxpool.Pool) *UserRepository {
	return &UserRepository{db: db}
}

// Summaries retrieves public profile data for the given users
func (r *UserRepository) Summaries(ctx context.Context, userIDs []string) (map[string]models.ProfileSummary, error) {
	query := `
		SELECT id, username, display_name, avatar_url
		FROM users
		WHERE id = ANY($1)
	`
	rows, err := r.db.Query(ctx, query, userIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to get profiles: %w", err)
	}
	defer rows.Close()

	profiles := make(map[string]models.ProfileSummary, len(userIDs))
	for rows.Next() {
		var p models.ProfileSummary
		if err := rows.Scan(&p.UserID, &p.Username, &p.DisplayName, &p.AvatarURL); err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		profiles[p.UserID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating profiles: %w", err)
	}
	return profiles, nil
}

// PushTargets retrieves registered devices for the given users
func (r *UserRepository) PushTargets(ctx context.Context, userIDs []string) (map[string]models.PushTarget, error) {
	query := `
		SELECT id, push_token, sos_push_enabled
		FROM users
		WHERE id = ANY($1) AND push_token IS NOT NULL AND push_token <> ''
	`
	rows, err := r.db.Query(ctx, query, userIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to get push targets: %w", err)
	}
	defer rows.Close()

	targets := make(map[string]models.PushTarget, len(userIDs))
	for rows.Next() {
		var t models.PushTarget
		if err := rows.Scan(&t.UserID, &t.DeviceToken, &t.SOSPushEnabled); err != nil {
			return nil, fmt.Errorf("failed to scan push target: %w", err)
		}
		targets[t.UserID] = t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating push targets: %w", err)
	}
	return targets, nil
}

// UpdatePushToken updates the push token for a user. An empty token clears it.
func (r *UserRepository) UpdatePushToken(ctx context.Context, userID, pushToken string) error {
	var token *string
	if pushToken != "" {
		token = &pushToken
	}
	query := `UPDATE users SET push_token = $1 WHERE id = $2`
	result, err := r.db.Exec(ctx, query, token, userID)
	if err != nil {
		return fmt.Errorf("failed to update push token: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("user not found")
	}
	return nil
}

// SetSOSPushEnabled toggles offline SOS push for a user
func (r *UserRepository) SetSOSPushEnabled(ctx context.Context, userID string, enabled bool) error {
	query := `UPDATE users SET sos_push_enabled = $1 WHERE id = $2`
	_, err := r.db.Exec(ctx, query, enabled, userID)
	if err != nil {
		return fmt.Errorf("failed to update sos push preference: %w", err)
	}
	return nil
}
