package repository

import (
	"context"
	"fmt"
	"math"
	"time"

	"nearby-safety-backend/internal/models"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NearbyMessageRepository handles database operations for nearby messages
type NearbyMessageRepository struct {
	db *pgxpool.Pool
}

// NewNearbyMessageRepository creates a new nearby message repository
func NewNearbyMessageRepository(db *pgxpool.Pool) *NearbyMessageRepository {
	return &NearbyMessageRepository{db: db}
}

// Create stores a message
func (r *NearbyMessageRepository) Create(ctx context.Context, msg *models.NearbyMessage) error {
	query := `
		INSERT INTO nearby_messages (id, sender_id, text, media_ref, latitude, longitude,
		                             radius_meters, visibility, is_anonymous, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.Exec(ctx, query, msg.ID, msg.SenderID, msg.Text, msg.MediaRef,
		msg.Origin.Latitude, msg.Origin.Longitude, msg.RadiusMeters, msg.Visibility, msg.IsAnonymous, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create nearby message: %w", err)
	}
	return nil
}

// ListSince retrieves messages created after since whose origin lies in the
// bounding box of radiusMeters around origin, newest first. Callers apply
// the exact distance.
func (r *NearbyMessageRepository) ListSince(ctx context.Context, since time.Time, origin models.GeoPoint, radiusMeters float64) ([]*models.NearbyMessage, error) {
	dLat := radiusMeters / 111320.0
	dLon := 360.0
	if c := math.Cos(origin.Latitude * math.Pi / 180); c > 1e-6 {
		dLon = dLat / c
	}

	query := `
		SELECT id, sender_id, text, media_ref, latitude, longitude, radius_meters,
		       visibility, is_anonymous, created_at
		FROM nearby_messages
		WHERE created_at >= $1
		  AND latitude BETWEEN $2 AND $3
		  AND ($6 OR longitude BETWEEN $4 AND $5)
		ORDER BY created_at DESC
		LIMIT 500
	`
	wrap := origin.Longitude-dLon < -180 || origin.Longitude+dLon > 180
	rows, err := r.db.Query(ctx, query, since,
		origin.Latitude-dLat, origin.Latitude+dLat,
		origin.Longitude-dLon, origin.Longitude+dLon, wrap)
	if err != nil {
		return nil, fmt.Errorf("failed to list nearby messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*models.NearbyMessage, 0)
	for rows.Next() {
		var m models.NearbyMessage
		err := rows.Scan(&m.ID, &m.SenderID, &m.Text, &m.MediaRef, &m.Origin.Latitude, &m.Origin.Longitude,
			&m.RadiusMeters, &m.Visibility, &m.IsAnonymous, &m.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan nearby message: %w", err)
		}
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nearby messages: %w", err)
	}
	return messages, nil
}

// DeleteOlderThan removes messages created before the cutoff
func (r *NearbyMessageRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.Exec(ctx, `DELETE FROM nearby_messages WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge nearby messages: %w", err)
	}
	return result.RowsAffected(), nil
}
