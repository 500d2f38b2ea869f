package appointment

import "errors"

var (
	ErrAppointmentNotFound      = errors.New("appointment not found")
	ErrAppointmentNotAdmittable = errors.New("appointment is cancelled or already finished")
)
