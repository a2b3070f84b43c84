package services

import (
	"errors"
	"fmt"

	"nearby-safety-backend/internal/models"
)

var (
	// ErrAlreadyActive is returned when a user already has an active incident.
	ErrAlreadyActive = errors.New("sos incident already active")
	// ErrLimitExceeded is returned when the trusted contact list is full.
	ErrLimitExceeded = errors.New("trusted contact limit reached")
	// ErrInvalidDuration is returned for safety timers outside the allowed range.
	ErrInvalidDuration = errors.New("safety timer duration out of range")
	// ErrLocationUnavailable is returned when an operation needs a position the user never sent.
	ErrLocationUnavailable = errors.New("location unavailable")
	// ErrOpenIncidentExists is returned by incident storage when the user already has an open row.
	ErrOpenIncidentExists = errors.New("open sos incident already stored")

	ErrNoActiveIncident = errors.New("no active sos incident")
	ErrForbidden        = errors.New("not allowed")
	ErrInvalidLocation  = errors.New("invalid coordinates")
	ErrInvalidRadius    = errors.New("invalid radius")
	ErrInvalidSettings  = errors.New("invalid proximity settings")
	ErrInvalidTrigger   = errors.New("invalid trigger")
	ErrSelfContact      = errors.New("cannot add yourself as a trusted contact")
	ErrNotFound         = errors.New("not found")
	ErrInvalidMessage   = errors.New("invalid nearby message")
)

// AlreadyActiveError carries the incident the caller should reconcile to
type AlreadyActiveError struct {
	Incident *models.SOSIncident
}

func (e *AlreadyActiveError) Error() string {
	return fmt.Sprintf("%s: %s", ErrAlreadyActive.Error(), e.Incident.ID)
}

func (e *AlreadyActiveError) Is(target error) bool {
	return target == ErrAlreadyActive
}
