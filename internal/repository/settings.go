package repository

import (
	"context"
	"errors"
	"fmt"

	"nearby-safety-backend/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SettingsRepository handles database operations for proximity settings
type SettingsRepository struct {
	db *pgxpool.Pool
}

// NewSettingsRepository creates a new settings repository
func NewSettingsRepository(db *pgxpool.Pool) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Get retrieves the settings of a user, nil when never saved
func (r *SettingsRepository) Get(ctx context.Context, userID string) (*models.ProximitySettings, error) {
	query := `
		SELECT user_id, radius_meters, alert_frequency, only_trusted_contacts,
		       sound_enabled, vibration_enabled, show_on_map, updated_at
		FROM proximity_settings
		WHERE user_id = $1
	`
	var s models.ProximitySettings
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&s.UserID, &s.RadiusMeters, &s.AlertFrequency, &s.OnlyTrustedContacts,
		&s.SoundEnabled, &s.VibrationEnabled, &s.ShowOnMap, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	return &s, nil
}

// Upsert stores the settings of a user
func (r *SettingsRepository) Upsert(ctx context.Context, s *models.ProximitySettings) error {
	query := `
		INSERT INTO proximity_settings (user_id, radius_meters, alert_frequency, only_trusted_contacts,
		                                sound_enabled, vibration_enabled, show_on_map, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			radius_meters = EXCLUDED.radius_meters,
			alert_frequency = EXCLUDED.alert_frequency,
			only_trusted_contacts = EXCLUDED.only_trusted_contacts,
			sound_enabled = EXCLUDED.sound_enabled,
			vibration_enabled = EXCLUDED.vibration_enabled,
			show_on_map = EXCLUDED.show_on_map,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.Exec(ctx, query, s.UserID, s.RadiusMeters, s.AlertFrequency, s.OnlyTrustedContacts,
		s.SoundEnabled, s.VibrationEnabled, s.ShowOnMap, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert settings: %w", err)
	}
	return nil
}
