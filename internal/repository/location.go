package repository

import (
	"context"
	"fmt"

	"nearby-safety-backend/internal/models"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LocationRepository handles database operations for user locations
type LocationRepository struct {
	db *pgxpool.Pool
}

// NewLocationRepository creates a new location repository
func NewLocationRepository(db *pgxpool.Pool) *LocationRepository {
	return &LocationRepository{db: db}
}

// Upsert stores the latest location of a user
func (r *LocationRepository) Upsert(ctx context.Context, loc *models.UserLocation) error {
	query := `
		INSERT INTO user_locations (user_id, latitude, longitude, accuracy, is_sharing, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			accuracy = EXCLUDED.accuracy,
			is_sharing = EXCLUDED.is_sharing,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.Exec(ctx, query, loc.UserID, loc.Latitude, loc.Longitude, loc.Accuracy, loc.IsSharing, loc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert location: %w", err)
	}
	return nil
}

// ListSharing retrieves every user currently sharing
func (r *LocationRepository) ListSharing(ctx context.Context) ([]*models.UserLocation, error) {
	query := `
		SELECT user_id, latitude, longitude, accuracy, is_sharing, updated_at
		FROM user_locations
		WHERE is_sharing
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sharing locations: %w", err)
	}
	defer rows.Close()

	var locs []*models.UserLocation
	for rows.Next() {
		var loc models.UserLocation
		if err := rows.Scan(&loc.UserID, &loc.Latitude, &loc.Longitude, &loc.Accuracy, &loc.IsSharing, &loc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan location: %w", err)
		}
		locs = append(locs, &loc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating locations: %w", err)
	}
	return locs, nil
}

// StopSharing turns sharing off for the given users
func (r *LocationRepository) StopSharing(ctx context.Context, userIDs []string) error {
	query := `UPDATE user_locations SET is_sharing = FALSE WHERE user_id = ANY($1)`
	_, err := r.db.Exec(ctx, query, userIDs)
	if err != nil {
		return fmt.Errorf("failed to stop sharing: %w", err)
	}
	return nil
}
