package appointment

import (
	"context"

	"github.com/google/uuid"
)

// Lookup is the read-only collaborator the flow engine consults before
// admitting a patient.
type Lookup interface {
	// GetByID retrieves an appointment scoped to the clinic. Returns
	// ErrAppointmentNotFound if it does not exist there.
	GetByID(ctx context.Context, clinicID, id uuid.UUID) (*Appointment, error)
}
