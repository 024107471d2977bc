package appointment

import (
	"errors"
	"fmt"
)

var (
	ErrPatientNotFound         = errors.New("patient not found")
	ErrDoctorNotFound          = errors.New("doctor not found")
	ErrAppointmentTypeNotFound = errors.New("appointment type not found")
	ErrAppointmentNotFound     = errors.New("appointment not found")
	ErrDoctorInactive          = errors.New("doctor is not taking appointments")

	ErrInvalidRange      = errors.New("invalid date range")
	ErrInvalidSlot       = errors.New("requested time is not a bookable slot")
	ErrSlotConflict      = errors.New("slot overlaps an existing appointment")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrBookingTimeout    = errors.New("timed out waiting for the doctor's schedule, please retry")
	ErrPersistence       = errors.New("persistence failure")
)

func persistenceError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

// Retryable reports whether a booking failure may succeed if the whole
// transaction is attempted again.
func Retryable(err error) bool {
	return errors.Is(err, ErrPersistence) || errors.Is(err, ErrBookingTimeout)
}
