package repository

import (
	"context"
	"fmt"
	"time"

	"nearby-safety-backend/internal/models"

	"github.com/jackc/pgx/v5/pgxpool"
)

// CheckInRepository handles database operations for safety timers
type CheckInRepository struct {
	db *pgxpool.Pool
}

// NewCheckInRepository creates a new check-in repository
func NewCheckInRepository(db *pgxpool.Pool) *CheckInRepository {
	return &CheckInRepository{db: db}
}

// Save stores the pending timer of a user, replacing any previous one
func (r *CheckInRepository) Save(ctx context.Context, c *models.SafetyCheckIn) error {
	query := `
		INSERT INTO safety_checkins (user_id, deadline, duration_s, armed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			deadline = EXCLUDED.deadline,
			duration_s = EXCLUDED.duration_s,
			armed_at = EXCLUDED.armed_at
	`
	_, err := r.db.Exec(ctx, query, c.UserID, c.Deadline, int64(c.Duration/time.Second), c.ArmedAt)
	if err != nil {
		return fmt.Errorf("failed to save check-in: %w", err)
	}
	return nil
}

// Delete removes the pending timer of a user
func (r *CheckInRepository) Delete(ctx context.Context, userID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM safety_checkins WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete check-in: %w", err)
	}
	return nil
}

// ListActive retrieves every pending timer
func (r *CheckInRepository) ListActive(ctx context.Context) ([]*models.SafetyCheckIn, error) {
	rows, err := r.db.Query(ctx, `SELECT user_id, deadline, duration_s, armed_at FROM safety_checkins`)
	if err != nil {
		return nil, fmt.Errorf("failed to list check-ins: %w", err)
	}
	defer rows.Close()

	var checkIns []*models.SafetyCheckIn
	for rows.Next() {
		var (
			c       models.SafetyCheckIn
			seconds int64
		)
		if err := rows.Scan(&c.UserID, &c.Deadline, &seconds, &c.ArmedAt); err != nil {
			return nil, fmt.Errorf("failed to scan check-in: %w", err)
		}
		c.Duration = time.Duration(seconds) * time.Second
		c.Active = true
		checkIns = append(checkIns, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating check-ins: %w", err)
	}
	return checkIns, nil
}
