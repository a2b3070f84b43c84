package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RelationshipRepository reads block, follow and close-friend edges
type RelationshipRepository struct {
	db *pgxpool.Pool
}

// NewRelationshipRepository creates a new relationship repository
func NewRelationshipRepository(db *pgxpool.Pool) *RelationshipRepository {
	return &RelationshipRepository{db: db}
}

// BlockedWith retrieves users that blocked userID or that userID blocked
func (r *RelationshipRepository) BlockedWith(ctx context.Context, userID string) (map[string]bool, error) {
	query := `
		SELECT blocked_id FROM user_blocks WHERE blocker_id = $1
		UNION
		SELECT blocker_id FROM user_blocks WHERE blocked_id = $1
	`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get blocks: %w", err)
	}
	defer rows.Close()

	blocked := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		blocked[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blocks: %w", err)
	}
	return blocked, nil
}

// IsFollower checks if followerID follows followeeID
func (r *RelationshipRepository) IsFollower(ctx context.Context, followerID, followeeID string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM user_follows WHERE follower_id = $1 AND followee_id = $2)`
	var exists bool
	if err := r.db.QueryRow(ctx, query, followerID, followeeID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check follow: %w", err)
	}
	return exists, nil
}

// IsCloseFriend checks if friendID is on ownerID's close friends list
func (r *RelationshipRepository) IsCloseFriend(ctx context.Context, ownerID, friendID string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM close_friends WHERE owner_id = $1 AND friend_id = $2)`
	var exists bool
	if err := r.db.QueryRow(ctx, query, ownerID, friendID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check close friend: %w", err)
	}
	return exists, nil
}
