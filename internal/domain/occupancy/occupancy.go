package occupancy

import (
	"time"

	"github.com/google/uuid"
)

// Status is a chair's allocation state. A chair with no row, or a row in
// StatusAvailable, is free to allocate.
type Status string

const (
	StatusAvailable   Status = "available"
	StatusOccupied    Status = "occupied"
	StatusCleaning    Status = "cleaning"
	StatusBlocked     Status = "blocked"
	StatusMaintenance Status = "maintenance"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusAvailable, StatusOccupied, StatusCleaning, StatusBlocked, StatusMaintenance:
		return true
	}
	return false
}

// SubStage is a finer phase within an occupied chair. It tracks the
// patient's flow stage loosely but is stored and updated independently.
type SubStage string

const (
	SubStageReadyForDoctor SubStage = "ready_for_doctor"
	SubStageDoctorChecking SubStage = "doctor_checking"
	SubStageCleaning       SubStage = "cleaning"
)

func (s SubStage) IsValid() bool {
	switch s {
	case SubStageReadyForDoctor, SubStageDoctorChecking, SubStageCleaning:
		return true
	}
	return false
}

// Occupancy binds a chair to at most one active appointment, or to an
// administrative state (blocked, maintenance, standalone cleaning). One
// row per chair; status available means free.
type Occupancy struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	ClinicID uuid.UUID `gorm:"column:clinic_id;type:uuid;not null;uniqueIndex:idx_chair_occupancy_chair" json:"clinic_id"`
	ChairID  uuid.UUID `gorm:"column:chair_id;type:uuid;not null;uniqueIndex:idx_chair_occupancy_chair" json:"chair_id"`

	Status Status `gorm:"column:status;type:varchar(20);not null;index" json:"status"`

	AppointmentID *uuid.UUID `gorm:"column:appointment_id;type:uuid;index" json:"appointment_id,omitempty"`
	PatientID     *uuid.UUID `gorm:"column:patient_id;type:uuid" json:"patient_id,omitempty"`

	OccupiedAt     *time.Time `gorm:"column:occupied_at" json:"occupied_at,omitempty"`
	ExpectedFreeAt *time.Time `gorm:"column:expected_free_at" json:"expected_free_at,omitempty"`

	ActivitySubStage  *SubStage  `gorm:"column:activity_sub_stage;type:varchar(30)" json:"activity_sub_stage,omitempty"`
	SubStageStartedAt *time.Time `gorm:"column:sub_stage_started_at" json:"sub_stage_started_at,omitempty"`

	AssignedStaffID *uuid.UUID `gorm:"column:assigned_staff_id;type:uuid" json:"assigned_staff_id,omitempty"`
	ProcedureNotes  string     `gorm:"column:procedure_notes;type:text" json:"procedure_notes,omitempty"`

	BlockReason  string     `gorm:"column:block_reason;type:text" json:"block_reason,omitempty"`
	BlockedUntil *time.Time `gorm:"column:blocked_until" json:"blocked_until,omitempty"`
}

func (Occupancy) TableName() string {
	return "clinical.chair_occupancy"
}

// StatusCount is one row of the chairs-by-status rollup.
type StatusCount struct {
	Status Status `gorm:"column:status"`
	Count  int64  `gorm:"column:count"`
}

// IsFree reports whether the chair may be allocated to a new occupant.
func (o *Occupancy) IsFree() bool {
	return o == nil || o.Status == StatusAvailable
}

// ClaimableBy reports whether the given appointment may take the chair:
// free chairs always, plus the idempotent re-seat of the appointment
// that already holds it (seat must be safely retryable).
func (o *Occupancy) ClaimableBy(appointmentID uuid.UUID) bool {
	if o.IsFree() {
		return true
	}
	return o.Status == StatusOccupied && o.AppointmentID != nil && *o.AppointmentID == appointmentID
}

// Unavailable builds the error describing why the chair cannot be
// claimed, carrying the blocking reason when one exists.
func (o *Occupancy) Unavailable() *UnavailableError {
	e := &UnavailableError{ChairID: o.ChairID, Status: o.Status}
	if o.Status == StatusBlocked || o.Status == StatusMaintenance {
		e.BlockReason = o.BlockReason
	}
	return e
}
