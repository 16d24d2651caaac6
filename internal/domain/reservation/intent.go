package reservation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type IntentKind string

const (
	IntentBook   IntentKind = "book"
	IntentModify IntentKind = "modify"
	IntentCancel IntentKind = "cancel"
)

// BookingIntent is the structured request delivered by an input adapter.
// For modify, zero At, Duration or PartySize keep the current value.
type BookingIntent struct {
	Kind          IntentKind
	RestaurantID  string
	CustomerID    string
	CustomerName  string
	CustomerPhone string
	At            time.Time
	Duration      time.Duration
	PartySize     int
	ReservationID string
}

func (i BookingIntent) Validate() error {
	switch i.Kind {
	case IntentBook:
		if i.RestaurantID == "" {
			return fmt.Errorf("restaurant_id required")
		}
		if i.CustomerID == "" && i.CustomerName == "" && i.CustomerPhone == "" {
			return fmt.Errorf("customer required")
		}
		if i.At.IsZero() {
			return fmt.Errorf("time required")
		}
		if i.PartySize < 1 {
			return fmt.Errorf("party_size must be >= 1")
		}
	case IntentModify:
		if i.ReservationID == "" {
			return fmt.Errorf("reservation_id required")
		}
		if i.At.IsZero() && i.PartySize == 0 && i.Duration == 0 {
			return fmt.Errorf("nothing to modify")
		}
		if i.PartySize < 0 {
			return fmt.Errorf("party_size must be >= 1")
		}
	case IntentCancel:
		if i.ReservationID == "" {
			return fmt.Errorf("reservation_id required")
		}
	default:
		return fmt.Errorf("unknown intent kind %q", i.Kind)
	}
	if i.Duration < 0 {
		return fmt.Errorf("duration must not be negative")
	}
	return nil
}

type Outcome string

const (
	OutcomeConfirmed           Outcome = "CONFIRMED"
	OutcomeCancelled           Outcome = "CANCELLED"
	OutcomeNoAvailability      Outcome = "NO_AVAILABILITY"
	OutcomeReservationNotFound Outcome = "RESERVATION_NOT_FOUND"
	OutcomeInvalidState        Outcome = "INVALID_STATE"
	OutcomeBookingFailed       Outcome = "BOOKING_FAILED"
	OutcomeSystemError         Outcome = "SYSTEM_ERROR"
	OutcomeInvalidRequest      Outcome = "INVALID_REQUEST"
)

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool {
	return o == OutcomeConfirmed || o == OutcomeCancelled
}

// OutcomeFor maps ledger and store errors onto result codes. Anything not
// recognised is a system error.
func OutcomeFor(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeConfirmed
	case errors.Is(err, ErrNoAvailability):
		return OutcomeNoAvailability
	case errors.Is(err, ErrReservationNotFound):
		return OutcomeReservationNotFound
	case errors.Is(err, ErrStaleReservation):
		return OutcomeInvalidState
	case errors.Is(err, ErrInvalidIntent):
		return OutcomeInvalidRequest
	default:
		return OutcomeSystemError
	}
}

// BookingResult is consumed by output adapters.
type BookingResult struct {
	Outcome     Outcome
	Reservation *Reservation
	Slot        *Slot
	Detail      string
}

// Message renders the result as a sentence for display or speech.
func (r BookingResult) Message() string {
	switch r.Outcome {
	case OutcomeConfirmed:
		if r.Reservation == nil {
			return "Booking confirmed!"
		}
		res := r.Reservation
		table := res.TableID
		if r.Slot != nil {
			table = r.Slot.TableID
		}
		return fmt.Sprintf("Booking confirmed! Reservation %s: table %s for %d on %s.",
			res.ID, table, res.PartySize, res.Start.Format("Mon Jan 2 15:04"))
	case OutcomeCancelled:
		return "Booking cancelled."
	case OutcomeNoAvailability:
		return "Sorry, no available tables at the requested time."
	case OutcomeReservationNotFound:
		return "Booking not found."
	case OutcomeInvalidState:
		if r.Detail != "" {
			return "That booking can't be changed: " + r.Detail + "."
		}
		return "That booking can't be changed."
	case OutcomeBookingFailed:
		return "Sorry, we couldn't complete your booking. Please try again."
	case OutcomeInvalidRequest:
		if r.Detail != "" {
			return "Sorry, I didn't understand that: " + r.Detail + "."
		}
		return "Sorry, I didn't understand that."
	default:
		return "Sorry, something went wrong. Please try again later."
	}
}

var whenLayouts = []string{"2006-01-02 15:04", "2006-01-02T15:04", "2006-01-02 15:04:05"}

// ParseWhen reads an RFC 3339 timestamp, or a local "YYYY-MM-DD HH:MM" in loc.
func ParseWhen(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range whenLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q (want YYYY-MM-DD HH:MM)", v)
}
