package appointment

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusNoShow     Status = "no_show"
)

// Appointment is the read-only view the flow engine needs: enough to
// verify an arrival belongs to a real, still-valid booking. The booking
// workflow itself lives elsewhere.
type Appointment struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	ClinicID   uuid.UUID `gorm:"column:clinic_id;type:uuid;not null;index" json:"clinic_id"`
	PatientID  uuid.UUID `gorm:"column:patient_id;type:uuid;not null;index" json:"patient_id"`
	ProviderID uuid.UUID `gorm:"column:provider_id;type:uuid;not null;index" json:"provider_id"`

	ScheduledAt  time.Time `gorm:"column:scheduled_at;not null;index" json:"scheduled_at"`
	DurationMins int       `gorm:"column:duration_mins;not null;default:30" json:"duration_mins"`
	Status       Status    `gorm:"column:status;type:varchar(30);not null;index" json:"status"`

	ChiefComplaint string `gorm:"column:chief_complaint;type:text" json:"chief_complaint,omitempty"`
}

func (Appointment) TableName() string {
	return "clinical.appointments"
}

func (a *Appointment) EndsAt() time.Time {
	return a.ScheduledAt.Add(time.Duration(a.DurationMins) * time.Minute)
}

// Admittable reports whether the patient may be checked in against this
// appointment.
func (a *Appointment) Admittable() bool {
	switch a.Status {
	case StatusCancelled, StatusNoShow, StatusCompleted:
		return false
	}
	return true
}
