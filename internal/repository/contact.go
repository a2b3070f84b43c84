package repository

import (
	"context"
	"fmt"
	"time"

	"nearby-safety-backend/internal/models"
	"nearby-safety-backend/internal/services"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ContactRepository handles database operations for trusted contacts
type ContactRepository struct {
	db *pgxpool.Pool
}

// NewContactRepository creates a new contact repository
func NewContactRepository(db *pgxpool.Pool) *ContactRepository {
	return &ContactRepository{db: db}
}

// Add inserts a contact unless the owner already has limit contacts. The
// count and insert run under a per-owner advisory lock.
func (r *ContactRepository) Add(ctx context.Context, contact *models.TrustedContact, limit int) error {
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "trusted_contacts:"+contact.OwnerID); err != nil {
			return fmt.Errorf("failed to lock contact list: %w", err)
		}

		var count int
		err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM trusted_contacts WHERE owner_id = $1`, contact.OwnerID).Scan(&count)
		if err != nil {
			return fmt.Errorf("failed to count contacts: %w", err)
		}
		if count >= limit {
			return services.ErrLimitExceeded
		}

		query := `
			INSERT INTO trusted_contacts (owner_id, contact_user_id, added_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (owner_id, contact_user_id) DO NOTHING
		`
		if _, err := tx.Exec(ctx, query, contact.OwnerID, contact.ContactUserID, contact.AddedAt); err != nil {
			return fmt.Errorf("failed to add contact: %w", err)
		}
		return nil
	})
}

// Remove deletes a contact and reports whether it existed
func (r *ContactRepository) Remove(ctx context.Context, ownerID, contactUserID string) (bool, error) {
	query := `DELETE FROM trusted_contacts WHERE owner_id = $1 AND contact_user_id = $2`
	result, err := r.db.Exec(ctx, query, ownerID, contactUserID)
	if err != nil {
		return false, fmt.Errorf("failed to remove contact: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// List retrieves an owner's contacts, oldest first
func (r *ContactRepository) List(ctx context.Context, ownerID string) ([]*models.TrustedContact, error) {
	query := `
		SELECT owner_id, contact_user_id, added_at, last_nearby_at
		FROM trusted_contacts
		WHERE owner_id = $1
		ORDER BY added_at ASC
	`
	rows, err := r.db.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	defer rows.Close()

	var contacts []*models.TrustedContact
	for rows.Next() {
		var c models.TrustedContact
		if err := rows.Scan(&c.OwnerID, &c.ContactUserID, &c.AddedAt, &c.LastNearbyAt); err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}
		contacts = append(contacts, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating contacts: %w", err)
	}
	return contacts, nil
}

// TouchNearby records when a contact was last seen nearby
func (r *ContactRepository) TouchNearby(ctx context.Context, ownerID, contactUserID string, at time.Time) error {
	query := `UPDATE trusted_contacts SET last_nearby_at = $3 WHERE owner_id = $1 AND contact_user_id = $2`
	_, err := r.db.Exec(ctx, query, ownerID, contactUserID, at)
	if err != nil {
		return fmt.Errorf("failed to touch contact: %w", err)
	}
	return nil
}
