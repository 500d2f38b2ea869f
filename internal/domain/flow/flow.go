package flow

import (
	"time"

	"github.com/google/uuid"
)

// Stage is a named phase of a patient's in-progress visit.
type Stage string

const (
	StageCheckedIn  Stage = "checked_in"
	StageWaiting    Stage = "waiting"
	StageCalled     Stage = "called"
	StageInChair    Stage = "in_chair"
	StageCompleted  Stage = "completed"
	StageCheckedOut Stage = "checked_out"
)

func (s Stage) IsValid() bool {
	switch s {
	case StageCheckedIn, StageWaiting, StageCalled, StageInChair, StageCompleted, StageCheckedOut:
		return true
	}
	return false
}

// IsTerminal reports whether the stage ends the visit. A terminal flow
// state is retained for history but no longer counts as active.
func (s Stage) IsTerminal() bool {
	return s == StageCheckedOut
}

// PatientFlowState is the live record of one in-progress visit. At most
// one non-terminal state exists per appointment (enforced by a partial
// unique index plus the repository's Create guard).
type PatientFlowState struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	ClinicID      uuid.UUID `gorm:"column:clinic_id;type:uuid;not null;index" json:"clinic_id"`
	AppointmentID uuid.UUID `gorm:"column:appointment_id;type:uuid;not null;index" json:"appointment_id"`
	PatientID     uuid.UUID `gorm:"column:patient_id;type:uuid;not null;index" json:"patient_id"`
	ProviderID    uuid.UUID `gorm:"column:provider_id;type:uuid;not null;index" json:"provider_id"`

	Stage Stage `gorm:"column:stage;type:varchar(20);not null;index" json:"stage"`

	// ChairID is non-nil only while the stage implies chair occupancy.
	// The orchestrator keeps this consistent; storage does not assume it.
	ChairID *uuid.UUID `gorm:"column:chair_id;type:uuid" json:"chair_id,omitempty"`

	CheckedInAt  time.Time  `gorm:"column:checked_in_at;not null" json:"checked_in_at"`
	CalledAt     *time.Time `gorm:"column:called_at" json:"called_at,omitempty"`
	SeatedAt     *time.Time `gorm:"column:seated_at" json:"seated_at,omitempty"`
	CompletedAt  *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CheckedOutAt *time.Time `gorm:"column:checked_out_at" json:"checked_out_at,omitempty"`

	// CurrentWaitStartedAt marks the start of the current waiting
	// interval, not a cumulative total. Reset on every revert, cleared
	// when the patient is called.
	CurrentWaitStartedAt *time.Time `gorm:"column:current_wait_started_at" json:"current_wait_started_at,omitempty"`

	Notes     string    `gorm:"column:notes;type:text" json:"notes,omitempty"`
	UpdatedBy uuid.UUID `gorm:"column:updated_by;type:uuid;not null" json:"updated_by"`
}

func (PatientFlowState) TableName() string {
	return "clinical.patient_flow_states"
}

// WaitingSeconds returns the age of the current wait clock, or 0 if no
// wait is in progress.
func (f *PatientFlowState) WaitingSeconds(now time.Time) int64 {
	if f.CurrentWaitStartedAt == nil {
		return 0
	}
	secs := int64(now.Sub(*f.CurrentWaitStartedAt) / time.Second)
	if secs < 0 {
		return 0
	}
	return secs
}

// FlowStageHistory is one interval of the append-only stage ledger.
// Closing an open row is the only mutation ever applied; everything else
// is an insert.
type FlowStageHistory struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`

	ClinicID    uuid.UUID `gorm:"column:clinic_id;type:uuid;not null;index" json:"clinic_id"`
	FlowStateID uuid.UUID `gorm:"column:flow_state_id;type:uuid;not null;index" json:"flow_state_id"`

	Stage     Stage      `gorm:"column:stage;type:varchar(20);not null" json:"stage"`
	EnteredAt time.Time  `gorm:"column:entered_at;not null" json:"entered_at"`
	ExitedAt  *time.Time `gorm:"column:exited_at" json:"exited_at,omitempty"`

	// DurationSeconds is computed once, when the interval closes, and
	// never recomputed afterwards.
	DurationSeconds *int64 `gorm:"column:duration_seconds" json:"duration_seconds,omitempty"`

	TriggeredBy uuid.UUID `gorm:"column:triggered_by;type:uuid;not null" json:"triggered_by"`
	Notes       string    `gorm:"column:notes;type:text" json:"notes,omitempty"`
}

func (FlowStageHistory) TableName() string {
	return "clinical.flow_stage_history"
}

// IsOpen reports whether the interval has not been closed yet.
func (h *FlowStageHistory) IsOpen() bool {
	return h.ExitedAt == nil
}

// IntervalSeconds computes a closed interval's duration in whole
// seconds, floored. Negative spans (clock skew, manual edits) clamp to 0.
func IntervalSeconds(enteredAt, exitedAt time.Time) int64 {
	secs := int64(exitedAt.Sub(enteredAt) / time.Second)
	if secs < 0 {
		return 0
	}
	return secs
}
