package service

import (
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/careops/clinicflow/internal/domain"
)

var (
	ErrForbidden = errors.New("forbidden: insufficient permissions")

	// ErrActorNotStaff rejects a caller whose token carries no staff
	// profile. Flow actions are always recorded against a staff identity,
	// never a bare login user id.
	ErrActorNotStaff = errors.New("actor has no staff profile")
)

type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Fields, "; ")
}

// Actor identifies who is performing an operation, resolved from the
// request's JWT claims by the boundary layer.
type Actor struct {
	UserID   uuid.UUID
	StaffID  *uuid.UUID
	Role     domain.Role
	ClinicID uuid.UUID
	IP       string
}

// Staff returns the actor's staff-profile id, or ErrActorNotStaff.
func (a Actor) Staff() (uuid.UUID, error) {
	if a.StaffID == nil || *a.StaffID == uuid.Nil {
		return uuid.Nil, ErrActorNotStaff
	}
	return *a.StaffID, nil
}

type AuditEntry struct {
	ClinicID     uuid.UUID
	UserID       uuid.UUID
	UserRole     string
	Action       domain.AuditAction
	ResourceType string
	ResourceID   string
	IPAddress    string
	RequestID    string
	Details      string
}
