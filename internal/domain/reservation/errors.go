package reservation

import "errors"

var (
	ErrSlotNotFound        = errors.New("slot not found")
	ErrSlotTaken           = errors.New("slot already taken")
	ErrInvalidTransition   = errors.New("invalid slot transition")
	ErrSlotInUse           = errors.New("slot is held or booked")
	ErrSlotChanged         = errors.New("slot changed since it was read")
	ErrTableNotFound       = errors.New("table not found")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrStaleReservation    = errors.New("reservation changed concurrently")
	ErrNoAvailability      = errors.New("no availability")
	ErrInvalidIntent       = errors.New("invalid booking intent")
)
