package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nearby-safety-backend/internal/models"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// MaxTrustedContacts is the per-owner cap, shared by every account type
const MaxTrustedContacts = 5

const contactsCacheTTL = 2 * time.Minute

// TrustedContactRegistry manages each owner's bounded list of trusted contacts
type TrustedContactRegistry struct {
	repo   ContactRepository
	cache  *gocache.Cache
	flight singleflight.Group
	locks  *keyedMutex
	clock  Clock
	limit  int
}

// NewTrustedContactRegistry creates a new registry
func NewTrustedContactRegistry(repo ContactRepository, clock Clock) *TrustedContactRegistry {
	return &TrustedContactRegistry{
		repo:  repo,
		cache: gocache.New(contactsCacheTTL, 2*contactsCacheTTL),
		locks: newKeyedMutex(),
		clock: clock,
		limit: MaxTrustedContacts,
	}
}

// Add adds contactUserID to the owner's list. Adding an existing contact is a
// no-op that returns the stored row with created=false.
func (r *TrustedContactRegistry) Add(ctx context.Context, ownerID, contactUserID string) (*models.TrustedContact, bool, error) {
	if ownerID == contactUserID {
		return nil, false, ErrSelfContact
	}

	unlock := r.locks.Lock(ownerID)
	defer unlock()

	current, err := r.List(ctx, ownerID)
	if err != nil {
		return nil, false, err
	}
	for _, c := range current {
		if c.ContactUserID == contactUserID {
			return c, false, nil
		}
	}
	if len(current) >= r.limit {
		return nil, false, ErrLimitExceeded
	}

	contact := &models.TrustedContact{
		OwnerID:       ownerID,
		ContactUserID: contactUserID,
		AddedAt:       r.clock.Now(),
	}
	err = r.repo.Add(ctx, contact, r.limit)
	r.cache.Delete(ownerID)
	if err != nil {
		if errors.Is(err, ErrLimitExceeded) {
			return nil, false, ErrLimitExceeded
		}
		return nil, false, fmt.Errorf("failed to add trusted contact: %w", err)
	}

	return contact, true, nil
}

// Remove deletes a contact. The change applies to the next proximity query and SOS activation.
func (r *TrustedContactRegistry) Remove(ctx context.Context, ownerID, contactUserID string) error {
	unlock := r.locks.Lock(ownerID)
	defer unlock()

	removed, err := r.repo.Remove(ctx, ownerID, contactUserID)
	r.cache.Delete(ownerID)
	if err != nil {
		return fmt.Errorf("failed to remove trusted contact: %w", err)
	}
	if !removed {
		return ErrNotFound
	}
	return nil
}

// List returns the owner's contacts, oldest first
func (r *TrustedContactRegistry) List(ctx context.Context, ownerID string) ([]*models.TrustedContact, error) {
	if v, ok := r.cache.Get(ownerID); ok {
		return copyContacts(v.([]models.TrustedContact)), nil
	}

	v, err, _ := r.flight.Do(ownerID, func() (interface{}, error) {
		rows, err := r.repo.List(ctx, ownerID)
		if err != nil {
			return nil, fmt.Errorf("failed to list trusted contacts: %w", err)
		}
		list := make([]models.TrustedContact, 0, len(rows))
		for _, c := range rows {
			list = append(list, *c)
		}
		r.cache.SetDefault(ownerID, list)
		return list, nil
	})
	if err != nil {
		return nil, err
	}
	return copyContacts(v.([]models.TrustedContact)), nil
}

// ContactIDs returns the user ids on the owner's list
func (r *TrustedContactRegistry) ContactIDs(ctx context.Context, ownerID string) ([]string, error) {
	list, err := r.List(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(list))
	for _, c := range list {
		ids = append(ids, c.ContactUserID)
	}
	return ids, nil
}

// IsContact reports whether contactUserID is on the owner's list
func (r *TrustedContactRegistry) IsContact(ctx context.Context, ownerID, contactUserID string) (bool, error) {
	list, err := r.List(ctx, ownerID)
	if err != nil {
		return false, err
	}
	for _, c := range list {
		if c.ContactUserID == contactUserID {
			return true, nil
		}
	}
	return false, nil
}

// IsMutual reports whether both users list each other
func (r *TrustedContactRegistry) IsMutual(ctx context.Context, a, b string) (bool, error) {
	ok, err := r.IsContact(ctx, a, b)
	if err != nil || !ok {
		return false, err
	}
	return r.IsContact(ctx, b, a)
}

// TouchNearby records that a contact was last seen nearby
func (r *TrustedContactRegistry) TouchNearby(ctx context.Context, ownerID, contactUserID string) error {
	if err := r.repo.TouchNearby(ctx, ownerID, contactUserID, r.clock.Now()); err != nil {
		return fmt.Errorf("failed to touch trusted contact: %w", err)
	}
	r.cache.Delete(ownerID)
	return nil
}

func copyContacts(list []models.TrustedContact) []*models.TrustedContact {
	out := make([]*models.TrustedContact, 0, len(list))
	for i := range list {
		c := list[i]
		out = append(out, &c)
	}
	return out
}
