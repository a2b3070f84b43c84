package repository

import (
	"context"
	"errors"
	"fmt"

	"nearby-safety-backend/internal/models"
	"nearby-safety-backend/internal/services"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// IncidentRepository handles database operations for SOS incidents
type IncidentRepository struct {
	db *pgxpool.Pool
}

// NewIncidentRepository creates a new incident repository
func NewIncidentRepository(db *pgxpool.Pool) *IncidentRepository {
	return &IncidentRepository{db: db}
}

const incidentColumns = `
	id, user_id, state, triggered_by, reason, latitude, longitude, accuracy, location_source,
	dry_run, created_at, activated_at, contacts_notified, partial_failure, notified_contact_ids,
	cancelled_at, cancelled_by, resolved_at, resolution_ack
`

// Create inserts a new incident
func (r *IncidentRepository) Create(ctx context.Context, inc *models.SOSIncident) error {
	lat, lon, acc := incidentLocation(inc)
	query := `INSERT INTO sos_incidents (` + incidentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`
	_, err := r.db.Exec(ctx, query,
		inc.ID, inc.UserID, inc.State, inc.TriggeredBy, inc.Reason, lat, lon, acc, inc.LocationSource,
		inc.DryRun, inc.CreatedAt, inc.ActivatedAt, inc.ContactsNotified, inc.PartialFailure, notifiedIDs(inc),
		inc.CancelledAt, inc.CancelledBy, inc.ResolvedAt, inc.ResolutionAck,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == "idx_sos_incidents_open" {
		return services.ErrOpenIncidentExists
	}
	if err != nil {
		return fmt.Errorf("failed to create incident: %w", err)
	}
	return nil
}

// Update writes the mutable fields of an incident. Closed incidents are never modified.
func (r *IncidentRepository) Update(ctx context.Context, inc *models.SOSIncident) error {
	query := `
		UPDATE sos_incidents SET
			state = $2,
			activated_at = $3,
			contacts_notified = $4,
			partial_failure = $5,
			notified_contact_ids = $6,
			cancelled_at = $7,
			cancelled_by = $8,
			resolved_at = $9,
			resolution_ack = $10
		WHERE id = $1 AND state IN ('arming', 'active')
	`
	result, err := r.db.Exec(ctx, query,
		inc.ID, inc.State, inc.ActivatedAt, inc.ContactsNotified, inc.PartialFailure, notifiedIDs(inc),
		inc.CancelledAt, inc.CancelledBy, inc.ResolvedAt, inc.ResolutionAck,
	)
	if err != nil {
		return fmt.Errorf("failed to update incident: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("incident %s not found or already closed", inc.ID)
	}
	return nil
}

// GetOpen retrieves the arming or active incident of a user, or nil
func (r *IncidentRepository) GetOpen(ctx context.Context, userID string) (*models.SOSIncident, error) {
	query := `SELECT ` + incidentColumns + ` FROM sos_incidents WHERE user_id = $1 AND state IN ('arming', 'active')`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get open incident: %w", err)
	}
	incidents, err := scanIncidents(rows)
	if err != nil {
		return nil, err
	}
	if len(incidents) == 0 {
		return nil, nil
	}
	return incidents[0], nil
}

// ListOpen retrieves every arming or active incident
func (r *IncidentRepository) ListOpen(ctx context.Context) ([]*models.SOSIncident, error) {
	query := `SELECT ` + incidentColumns + ` FROM sos_incidents WHERE state IN ('arming', 'active')`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list open incidents: %w", err)
	}
	return scanIncidents(rows)
}

// ListByUser retrieves a user's incidents, newest first
func (r *IncidentRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*models.SOSIncident, error) {
	query := `SELECT ` + incidentColumns + ` FROM sos_incidents WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	return scanIncidents(rows)
}

func scanIncidents(rows pgx.Rows) ([]*models.SOSIncident, error) {
	defer rows.Close()

	incidents := make([]*models.SOSIncident, 0)
	for rows.Next() {
		var (
			inc           models.SOSIncident
			lat, lon, acc *float64
		)
		err := rows.Scan(
			&inc.ID, &inc.UserID, &inc.State, &inc.TriggeredBy, &inc.Reason, &lat, &lon, &acc, &inc.LocationSource,
			&inc.DryRun, &inc.CreatedAt, &inc.ActivatedAt, &inc.ContactsNotified, &inc.PartialFailure, &inc.NotifiedContactIDs,
			&inc.CancelledAt, &inc.CancelledBy, &inc.ResolvedAt, &inc.ResolutionAck,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		if lat != nil && lon != nil {
			inc.TriggerLocation = &models.GeoPoint{Latitude: *lat, Longitude: *lon}
			if acc != nil {
				inc.TriggerLocation.Accuracy = *acc
			}
		}
		incidents = append(incidents, &inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating incidents: %w", err)
	}
	return incidents, nil
}

func incidentLocation(inc *models.SOSIncident) (lat, lon, acc *float64) {
	if inc.TriggerLocation == nil {
		return nil, nil, nil
	}
	return &inc.TriggerLocation.Latitude, &inc.TriggerLocation.Longitude, &inc.TriggerLocation.Accuracy
}

func notifiedIDs(inc *models.SOSIncident) []string {
	if inc.NotifiedContactIDs == nil {
		return []string{}
	}
	return inc.NotifiedContactIDs
}
