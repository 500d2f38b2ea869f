package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/careops/clinicflow/internal/domain/appointment"
)

// AppointmentLookup is the read-only appointment collaborator; the flow
// engine never writes this table.
type AppointmentLookup struct {
	db *gorm.DB
}

func NewAppointmentLookup(db *gorm.DB) *AppointmentLookup {
	return &AppointmentLookup{db: db}
}

func (r *AppointmentLookup) GetByID(ctx context.Context, clinicID, id uuid.UUID) (*appointment.Appointment, error) {
	var apt appointment.Appointment
	err := handle(ctx, r.db).
		Where("clinic_id = ? AND id = ?", clinicID, id).
		First(&apt).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, appointment.ErrAppointmentNotFound
		}
		return nil, fmt.Errorf("loading appointment: %w", err)
	}
	return &apt, nil
}
