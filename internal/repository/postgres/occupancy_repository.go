package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/careops/clinicflow/internal/domain/occupancy"
)

type OccupancyRepository struct {
	db *gorm.DB
}

func NewOccupancyRepository(db *gorm.DB) *OccupancyRepository {
	return &OccupancyRepository{db: db}
}

func (r *OccupancyRepository) GetByChair(ctx context.Context, clinicID, chairID uuid.UUID) (*occupancy.Occupancy, error) {
	var occ occupancy.Occupancy
	err := handle(ctx, r.db).
		Where("clinic_id = ? AND chair_id = ?", clinicID, chairID).
		First(&occ).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// No row means the chair is free.
			return nil, nil
		}
		return nil, fmt.Errorf("loading occupancy: %w", err)
	}
	return &occ, nil
}

func (r *OccupancyRepository) TryOccupy(ctx context.Context, clinicID, chairID, appointmentID, patientID, staffID uuid.UUID) (*occupancy.Occupancy, error) {
	h := handle(ctx, r.db)
	now := time.Now()
	sub := occupancy.SubStageReadyForDoctor

	claim := map[string]any{
		"status":               occupancy.StatusOccupied,
		"appointment_id":       appointmentID,
		"patient_id":           patientID,
		"occupied_at":          now,
		"activity_sub_stage":   sub,
		"sub_stage_started_at": now,
		"assigned_staff_id":    staffID,
		"block_reason":         "",
		"blocked_until":        nil,
	}

	// 1. Flip an available row to occupied, conditionally.
	res := h.Model(&occupancy.Occupancy{}).
		Where("clinic_id = ? AND chair_id = ? AND status = ?", clinicID, chairID, occupancy.StatusAvailable).
		Updates(claim)
	if res.Error != nil {
		return nil, fmt.Errorf("claiming chair: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return r.GetByChair(ctx, clinicID, chairID)
	}

	// 2. No row yet: insert one, losing gracefully to a concurrent claim.
	occ := &occupancy.Occupancy{
		ClinicID:          clinicID,
		ChairID:           chairID,
		Status:            occupancy.StatusOccupied,
		AppointmentID:     &appointmentID,
		PatientID:         &patientID,
		OccupiedAt:        &now,
		ActivitySubStage:  &sub,
		SubStageStartedAt: &now,
		AssignedStaffID:   &staffID,
	}
	ins := h.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "clinic_id"}, {Name: "chair_id"}},
		DoNothing: true,
	}).Create(occ)
	if ins.Error != nil {
		return nil, fmt.Errorf("claiming chair: %w", ins.Error)
	}
	if ins.RowsAffected > 0 {
		return occ, nil
	}

	// 3. Chair has an occupant. The same appointment re-seating is fine.
	existing, err := r.GetByChair(ctx, clinicID, chairID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		// Row vanished between insert and read; treat as contention.
		return nil, &occupancy.UnavailableError{ChairID: chairID, Status: occupancy.StatusOccupied}
	}
	if existing.ClaimableBy(appointmentID) {
		return existing, nil
	}
	return nil, existing.Unavailable()
}

func (r *OccupancyRepository) SetSubStage(ctx context.Context, clinicID, chairID uuid.UUID, sub occupancy.SubStage, staffID uuid.UUID) error {
	res := handle(ctx, r.db).Model(&occupancy.Occupancy{}).
		Where("clinic_id = ? AND chair_id = ? AND status = ?", clinicID, chairID, occupancy.StatusOccupied).
		Updates(map[string]any{
			"activity_sub_stage":   sub,
			"sub_stage_started_at": time.Now(),
			"assigned_staff_id":    staffID,
		})
	if res.Error != nil {
		return fmt.Errorf("setting sub-stage: %w", res.Error)
	}
	// Zero rows means the chair is not occupied: a silent no-op.
	return nil
}

func (r *OccupancyRepository) Release(ctx context.Context, clinicID, chairID, appointmentID uuid.UUID) error {
	res := handle(ctx, r.db).Model(&occupancy.Occupancy{}).
		Where("clinic_id = ? AND chair_id = ? AND appointment_id = ?", clinicID, chairID, appointmentID).
		Updates(freedColumns())
	if res.Error != nil {
		return fmt.Errorf("releasing chair: %w", res.Error)
	}
	// Zero rows means another appointment holds the chair now; a stale
	// release must not free it.
	return nil
}

func (r *OccupancyRepository) Block(ctx context.Context, clinicID, chairID uuid.UUID, status occupancy.Status, reason string, until *time.Time, staffID uuid.UUID) (*occupancy.Occupancy, error) {
	h := handle(ctx, r.db)

	res := h.Model(&occupancy.Occupancy{}).
		Where("clinic_id = ? AND chair_id = ? AND status IN ?", clinicID, chairID,
			[]occupancy.Status{occupancy.StatusAvailable, occupancy.StatusBlocked, occupancy.StatusMaintenance}).
		Updates(map[string]any{
			"status":            status,
			"block_reason":      reason,
			"blocked_until":     until,
			"assigned_staff_id": staffID,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("blocking chair: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return r.GetByChair(ctx, clinicID, chairID)
	}

	occ := &occupancy.Occupancy{
		ClinicID:        clinicID,
		ChairID:         chairID,
		Status:          status,
		BlockReason:     reason,
		BlockedUntil:    until,
		AssignedStaffID: &staffID,
	}
	ins := h.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "clinic_id"}, {Name: "chair_id"}},
		DoNothing: true,
	}).Create(occ)
	if ins.Error != nil {
		return nil, fmt.Errorf("blocking chair: %w", ins.Error)
	}
	if ins.RowsAffected > 0 {
		return occ, nil
	}

	// A patient (or cleaner) holds the chair.
	existing, err := r.GetByChair(ctx, clinicID, chairID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, &occupancy.UnavailableError{ChairID: chairID, Status: occupancy.StatusOccupied}
	}
	return nil, existing.Unavailable()
}

func (r *OccupancyRepository) Unblock(ctx context.Context, clinicID, chairID uuid.UUID) error {
	res := handle(ctx, r.db).Model(&occupancy.Occupancy{}).
		Where("clinic_id = ? AND chair_id = ? AND status IN ?", clinicID, chairID,
			[]occupancy.Status{occupancy.StatusBlocked, occupancy.StatusMaintenance}).
		Updates(freedColumns())
	if res.Error != nil {
		return fmt.Errorf("unblocking chair: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return occupancy.ErrNotBlocked
	}
	return nil
}

func (r *OccupancyRepository) StartCleaning(ctx context.Context, clinicID, chairID, staffID uuid.UUID) (*occupancy.Occupancy, error) {
	h := handle(ctx, r.db)
	now := time.Now()
	sub := occupancy.SubStageCleaning

	res := h.Model(&occupancy.Occupancy{}).
		Where("clinic_id = ? AND chair_id = ? AND status = ?", clinicID, chairID, occupancy.StatusAvailable).
		Updates(map[string]any{
			"status":               occupancy.StatusCleaning,
			"activity_sub_stage":   sub,
			"sub_stage_started_at": now,
			"assigned_staff_id":    staffID,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("starting cleaning: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return r.GetByChair(ctx, clinicID, chairID)
	}

	occ := &occupancy.Occupancy{
		ClinicID:          clinicID,
		ChairID:           chairID,
		Status:            occupancy.StatusCleaning,
		ActivitySubStage:  &sub,
		SubStageStartedAt: &now,
		AssignedStaffID:   &staffID,
	}
	ins := h.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "clinic_id"}, {Name: "chair_id"}},
		DoNothing: true,
	}).Create(occ)
	if ins.Error != nil {
		return nil, fmt.Errorf("starting cleaning: %w", ins.Error)
	}
	if ins.RowsAffected > 0 {
		return occ, nil
	}

	existing, err := r.GetByChair(ctx, clinicID, chairID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, &occupancy.UnavailableError{ChairID: chairID, Status: occupancy.StatusOccupied}
	}
	return nil, existing.Unavailable()
}

func (r *OccupancyRepository) FinishCleaning(ctx context.Context, clinicID, chairID uuid.UUID) error {
	res := handle(ctx, r.db).Model(&occupancy.Occupancy{}).
		Where("clinic_id = ? AND chair_id = ?", clinicID, chairID).
		Where("status = ? OR (status = ? AND activity_sub_stage = ?)",
			occupancy.StatusCleaning, occupancy.StatusOccupied, occupancy.SubStageCleaning).
		Updates(freedColumns())
	if res.Error != nil {
		return fmt.Errorf("finishing cleaning: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	existing, err := r.GetByChair(ctx, clinicID, chairID)
	if err != nil {
		return err
	}
	if existing.IsFree() {
		// Already released; finishing twice is harmless.
		return nil
	}
	return existing.Unavailable()
}

func (r *OccupancyRepository) ListByClinic(ctx context.Context, clinicID uuid.UUID) ([]*occupancy.Occupancy, error) {
	var rows []*occupancy.Occupancy
	err := handle(ctx, r.db).
		Where("clinic_id = ?", clinicID).
		Order("chair_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing occupancy: %w", err)
	}
	return rows, nil
}

func (r *OccupancyRepository) CountByStatus(ctx context.Context) ([]occupancy.StatusCount, error) {
	var rows []occupancy.StatusCount
	err := handle(ctx, r.db).
		Model(&occupancy.Occupancy{}).
		Select("status, count(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("counting occupancy by status: %w", err)
	}
	return rows, nil
}

// freedColumns resets a row to available, clearing every occupant and
// block field.
func freedColumns() map[string]any {
	return map[string]any{
		"status":               occupancy.StatusAvailable,
		"appointment_id":       nil,
		"patient_id":           nil,
		"occupied_at":          nil,
		"expected_free_at":     nil,
		"activity_sub_stage":   nil,
		"sub_stage_started_at": nil,
		"assigned_staff_id":    nil,
		"procedure_notes":      "",
		"block_reason":         "",
		"blocked_until":        nil,
	}
}
