package reservation

import (
	"context"
	"iter"
	"time"
)

// Ledger is the authoritative record of slot status. Hold is the only
// compare-and-swap point; it succeeds or fails immediately.
type Ledger interface {
	// FindCandidates yields FREE slots matching q, best first. The sequence is
	// lazy and may be ranged over more than once.
	FindCandidates(ctx context.Context, q CandidateQuery) iter.Seq2[Slot, error]
	Hold(ctx context.Context, slotID string) (Slot, error)
	Commit(ctx context.Context, slotID string) (Slot, error)
	// Release moves a HELD or BOOKED slot to FREE, but only while its version
	// is still the one the caller last saw; otherwise it returns
	// ErrSlotChanged and leaves the slot alone. Releasing a FREE slot is a no-op.
	Release(ctx context.Context, slotID string, version int64) (Slot, error)
	Slot(ctx context.Context, slotID string) (Slot, error)
}

// Inventory is the staff entry point into the ledger. It bypasses the
// coordinator and is trusted.
type Inventory interface {
	AddTable(ctx context.Context, t Table) (Table, error)
	Tables(ctx context.Context, restaurantID string) ([]Table, error)
	OpenSlot(ctx context.Context, s Slot) (Slot, error)
	// CloseSlot removes a FREE slot, taking the table out of service for that time.
	CloseSlot(ctx context.Context, slotID string) error
	Slots(ctx context.Context, restaurantID string, day time.Time) ([]Slot, error)
	// StaleSlots lists slots in status that were last touched before the cutoff.
	StaleSlots(ctx context.Context, status SlotStatus, before time.Time, limit int) ([]Slot, error)
}

type Store interface {
	Create(ctx context.Context, r Reservation) (string, error)
	Get(ctx context.Context, id string) (Reservation, error)
	// UpdateStatus applies u only if the reservation is still in status from.
	UpdateStatus(ctx context.Context, id string, from Status, u StatusUpdate) (Reservation, error)
	ListByRestaurant(ctx context.Context, f ListFilter) ([]Reservation, error)
	// FindBySlot returns the non-cancelled reservation referencing slotID.
	FindBySlot(ctx context.Context, slotID string) (Reservation, error)
	// Stuck lists reservations left in status since before the cutoff.
	Stuck(ctx context.Context, status Status, before time.Time, limit int) ([]Reservation, error)
}
