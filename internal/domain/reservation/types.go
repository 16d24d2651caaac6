package reservation

import "time"

type SlotStatus string

const (
	SlotFree   SlotStatus = "FREE"
	SlotHeld   SlotStatus = "HELD"
	SlotBooked SlotStatus = "BOOKED"
)

// Occupied reports whether the status blocks overlapping slots on the same table.
func (s SlotStatus) Occupied() bool {
	return s == SlotHeld || s == SlotBooked
}

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusModified  Status = "MODIFIED"
	StatusCancelled Status = "CANCELLED"
)

// Table is managed by staff and never changes once created.
type Table struct {
	ID           string
	RestaurantID string
	Name         string
	Capacity     int
	CreatedAt    time.Time
}

// Slot is the unit of the availability ledger. RestaurantID and Capacity are
// copied from the owning table so candidate searches never need a join.
type Slot struct {
	ID           string
	TableID      string
	RestaurantID string
	Capacity     int

	Start    time.Time
	Duration time.Duration

	Status    SlotStatus
	Version   int64
	UpdatedAt time.Time
}

func (s Slot) End() time.Time {
	return s.Start.Add(s.Duration)
}

// Overlaps uses half-open intervals: a slot ending at 20:00 does not overlap
// one starting at 20:00.
func (s Slot) Overlaps(o Slot) bool {
	if s.TableID != o.TableID {
		return false
	}
	return s.Start.Before(o.End()) && o.Start.Before(s.End())
}

type Reservation struct {
	ID            string
	CustomerID    string
	CustomerName  string
	CustomerPhone string

	RestaurantID string
	TableID      string
	SlotID       string
	Start        time.Time
	Duration     time.Duration
	PartySize    int

	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StatusUpdate describes a status transition. Slot and PartySize are only
// applied when set, which is how a modification swaps the slot reference.
type StatusUpdate struct {
	Status    Status
	Slot      *Slot
	PartySize int
}

// Apply returns r with the update applied and UpdatedAt set to now.
func (u StatusUpdate) Apply(r Reservation, now time.Time) Reservation {
	r.Status = u.Status
	if u.Slot != nil {
		r.SlotID = u.Slot.ID
		r.TableID = u.Slot.TableID
		r.Start = u.Slot.Start
		r.Duration = u.Slot.Duration
	}
	if u.PartySize > 0 {
		r.PartySize = u.PartySize
	}
	r.UpdatedAt = now
	return r
}

// ListFilter selects reservations for the staff dashboard. A zero Day lists
// every reservation of the restaurant.
type ListFilter struct {
	RestaurantID string
	Day          time.Time
}

// DayBounds returns the [start, end) range of the calendar day containing t,
// in t's location.
func DayBounds(t time.Time) (time.Time, time.Time) {
	y, m, d := t.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	return start, start.AddDate(0, 0, 1)
}
