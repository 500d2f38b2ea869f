package occupancy

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository is the single source of truth for "is this chair free". All
// chair state changes go through its conditional operations; nothing
// else writes chair status.
type Repository interface {
	// GetByChair loads the chair's row. A free chair may have no row at
	// all, in which case (nil, nil) is returned.
	GetByChair(ctx context.Context, clinicID, chairID uuid.UUID) (*Occupancy, error)

	// TryOccupy claims the chair for the appointment: it succeeds when
	// the chair is free or already held by the same appointment
	// (idempotent re-seat), setting status occupied and sub-stage
	// ready_for_doctor. Any other occupant yields an *UnavailableError.
	TryOccupy(ctx context.Context, clinicID, chairID, appointmentID, patientID, staffID uuid.UUID) (*Occupancy, error)

	// SetSubStage updates the sub-stage, its start time, and the
	// assigned staff without touching status. A chair that is not
	// currently occupied makes this a silent no-op.
	SetSubStage(ctx context.Context, clinicID, chairID uuid.UUID, sub SubStage, staffID uuid.UUID) error

	// Release frees the chair only if it is held by the given
	// appointment; a stale or racing release of someone else's chair is
	// a no-op.
	Release(ctx context.Context, clinicID, chairID, appointmentID uuid.UUID) error

	// Block takes the chair out of service independent of any
	// appointment. Fails with *UnavailableError if a patient holds it.
	Block(ctx context.Context, clinicID, chairID uuid.UUID, status Status, reason string, until *time.Time, staffID uuid.UUID) (*Occupancy, error)

	// Unblock returns a blocked or maintenance chair to available.
	Unblock(ctx context.Context, clinicID, chairID uuid.UUID) error

	// StartCleaning marks a free chair as being cleaned.
	StartCleaning(ctx context.Context, clinicID, chairID, staffID uuid.UUID) (*Occupancy, error)

	// FinishCleaning returns a cleaning chair, or an occupied chair in
	// the cleaning sub-stage, to available.
	FinishCleaning(ctx context.Context, clinicID, chairID uuid.UUID) error

	// ListByClinic returns every chair row in the clinic, for the
	// occupancy board.
	ListByClinic(ctx context.Context, clinicID uuid.UUID) ([]*Occupancy, error)

	// CountByStatus rolls up chair rows per status across all clinics,
	// feeding the chairs-by-status gauge.
	CountByStatus(ctx context.Context) ([]StatusCount, error)
}
