package flow

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// Create persists a new flow state. Returns ErrAlreadyCheckedIn when
	// a non-terminal state already exists for the appointment.
	Create(ctx context.Context, fs *PatientFlowState) error

	// GetActiveByAppointment loads the one non-terminal flow state for an
	// appointment. Returns ErrFlowStateNotFound when the patient is not
	// checked in (a normal condition, not a fault).
	GetActiveByAppointment(ctx context.Context, clinicID, appointmentID uuid.UUID) (*PatientFlowState, error)

	// GetByID loads a flow state regardless of stage, terminal included.
	GetByID(ctx context.Context, clinicID, id uuid.UUID) (*PatientFlowState, error)

	// GetLatestByAppointment loads the appointment's most recent flow
	// state, terminal included. Revert loads through this so an
	// accidental check-out can still be undone.
	GetLatestByAppointment(ctx context.Context, clinicID, appointmentID uuid.UUID) (*PatientFlowState, error)

	// Transition applies patch only if the stored stage still equals
	// expected at write time; otherwise it returns
	// ErrConcurrentModification and leaves the row untouched. This is the
	// optimistic-concurrency guard against two staff members acting on
	// the same patient at once.
	Transition(ctx context.Context, clinicID, id uuid.UUID, expected Stage, patch Patch) (*PatientFlowState, error)
}

type HistoryRepository interface {
	// OpenInterval inserts a new ledger row with a nil exited_at.
	OpenInterval(ctx context.Context, h *FlowStageHistory) error

	// CloseOpenInterval closes the open row for (flowStateID, stage),
	// freezing its duration, and returns that duration in seconds. It
	// reports false when no matching open row exists; callers treat that
	// as non-fatal and proceed.
	CloseOpenInterval(ctx context.Context, clinicID, flowStateID uuid.UUID, stage Stage, exitedAt time.Time) (bool, int64, error)

	// ListByFlowState returns the full interval ledger, oldest first.
	ListByFlowState(ctx context.Context, clinicID, flowStateID uuid.UUID) ([]*FlowStageHistory, error)
}
