package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/careops/clinicflow/internal/domain/flow"
)

type FlowStateRepository struct {
	db *gorm.DB
}

func NewFlowStateRepository(db *gorm.DB) *FlowStateRepository {
	return &FlowStateRepository{db: db}
}

func (r *FlowStateRepository) Create(ctx context.Context, fs *flow.PatientFlowState) error {
	err := handle(ctx, r.db).Create(fs).Error
	if err != nil {
		// The partial unique index on (clinic_id, appointment_id) for
		// non-terminal stages turns a racing double check-in into a
		// duplicate-key error.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return flow.ErrAlreadyCheckedIn
		}
		return fmt.Errorf("creating flow state: %w", err)
	}
	return nil
}

func (r *FlowStateRepository) GetActiveByAppointment(ctx context.Context, clinicID, appointmentID uuid.UUID) (*flow.PatientFlowState, error) {
	var fs flow.PatientFlowState
	err := handle(ctx, r.db).
		Where("clinic_id = ? AND appointment_id = ? AND stage <> ?", clinicID, appointmentID, flow.StageCheckedOut).
		First(&fs).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, flow.ErrFlowStateNotFound
		}
		return nil, fmt.Errorf("loading flow state: %w", err)
	}
	return &fs, nil
}

func (r *FlowStateRepository) GetByID(ctx context.Context, clinicID, id uuid.UUID) (*flow.PatientFlowState, error) {
	var fs flow.PatientFlowState
	err := handle(ctx, r.db).
		Where("clinic_id = ? AND id = ?", clinicID, id).
		First(&fs).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, flow.ErrFlowStateNotFound
		}
		return nil, fmt.Errorf("loading flow state: %w", err)
	}
	return &fs, nil
}

func (r *FlowStateRepository) GetLatestByAppointment(ctx context.Context, clinicID, appointmentID uuid.UUID) (*flow.PatientFlowState, error) {
	var fs flow.PatientFlowState
	err := handle(ctx, r.db).
		Where("clinic_id = ? AND appointment_id = ?", clinicID, appointmentID).
		Order("created_at DESC").
		First(&fs).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, flow.ErrFlowStateNotFound
		}
		return nil, fmt.Errorf("loading flow state: %w", err)
	}
	return &fs, nil
}

func (r *FlowStateRepository) Transition(ctx context.Context, clinicID, id uuid.UUID, expected flow.Stage, patch flow.Patch) (*flow.PatientFlowState, error) {
	h := handle(ctx, r.db)

	res := h.Model(&flow.PatientFlowState{}).
		Where("id = ? AND clinic_id = ? AND stage = ?", id, clinicID, expected).
		Updates(map[string]any(patch))
	if res.Error != nil {
		return nil, fmt.Errorf("applying transition: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Someone else moved the patient since the caller's read.
		return nil, flow.ErrConcurrentModification
	}

	var fs flow.PatientFlowState
	if err := h.Where("id = ? AND clinic_id = ?", id, clinicID).First(&fs).Error; err != nil {
		return nil, fmt.Errorf("reloading flow state: %w", err)
	}
	return &fs, nil
}
