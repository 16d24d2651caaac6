package usecases

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/tablebook/internal/domain/reservation"
	"go.uber.org/zap"
)

const (
	DefaultMaxHoldAttempts = 3
	DefaultSearchWindow    = time.Hour
	DefaultDuration        = 90 * time.Minute
)

// Coordinator is the only writer to both the ledger and the store. Every
// operation returns a result value; failures part-way through are either
// compensated or reported with state unchanged.
type Coordinator struct {
	Ledger reservation.Ledger
	Store  reservation.Store
	Log    *zap.Logger

	SearchWindow    time.Duration
	DefaultDuration time.Duration
	MaxHoldAttempts int
}

// Change is a modification request. Zero fields keep the current value.
type Change struct {
	At        time.Time
	Duration  time.Duration
	PartySize int
}

func (c Coordinator) log() *zap.Logger {
	if c.Log == nil {
		return zap.NewNop()
	}
	return c.Log
}

func (c Coordinator) window() time.Duration {
	if c.SearchWindow <= 0 {
		return DefaultSearchWindow
	}
	return c.SearchWindow
}

func (c Coordinator) duration(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	if c.DefaultDuration > 0 {
		return c.DefaultDuration
	}
	return DefaultDuration
}

func (c Coordinator) maxAttempts() int {
	if c.MaxHoldAttempts < 1 {
		return DefaultMaxHoldAttempts
	}
	return c.MaxHoldAttempts
}

// Handle dispatches an intent from an input adapter.
func (c Coordinator) Handle(ctx context.Context, in reservation.BookingIntent) reservation.BookingResult {
	if err := in.Validate(); err != nil {
		return reservation.BookingResult{Outcome: reservation.OutcomeInvalidRequest, Detail: err.Error()}
	}
	switch in.Kind {
	case reservation.IntentBook:
		return c.BookTable(ctx, in)
	case reservation.IntentModify:
		return c.ModifyReservation(ctx, in.ReservationID, Change{At: in.At, Duration: in.Duration, PartySize: in.PartySize})
	default:
		return c.CancelReservation(ctx, in.ReservationID)
	}
}

func (c Coordinator) BookTable(ctx context.Context, in reservation.BookingIntent) reservation.BookingResult {
	in.Kind = reservation.IntentBook
	if err := in.Validate(); err != nil {
		return reservation.BookingResult{Outcome: reservation.OutcomeInvalidRequest, Detail: err.Error()}
	}
	log := c.log().With(zap.String("restaurant_id", in.RestaurantID), zap.Time("at", in.At), zap.Int("party_size", in.PartySize))

	slot, err := c.acquire(ctx, reservation.CandidateQuery{
		RestaurantID: in.RestaurantID,
		At:           in.At,
		Window:       c.window(),
		Duration:     c.duration(in.Duration),
		PartySize:    in.PartySize,
	})
	if err != nil {
		return c.failure(log, "book", err)
	}

	customerID := in.CustomerID
	if customerID == "" {
		customerID = in.CustomerPhone
	}
	if customerID == "" {
		customerID = in.CustomerName
	}
	r := reservation.Reservation{
		CustomerID:    customerID,
		CustomerName:  in.CustomerName,
		CustomerPhone: in.CustomerPhone,
		RestaurantID:  slot.RestaurantID,
		TableID:       slot.TableID,
		SlotID:        slot.ID,
		Start:         slot.Start,
		Duration:      slot.Duration,
		PartySize:     in.PartySize,
	}
	id, err := c.Store.Create(ctx, r)
	if err != nil {
		log.Error("store create failed after commit, releasing slot", zap.String("slot_id", slot.ID), zap.Error(err))
		if _, rerr := c.Ledger.Release(ctx, slot.ID, slot.Version); rerr != nil {
			log.Error("compensating release failed", zap.String("slot_id", slot.ID), zap.Error(rerr))
		}
		return reservation.BookingResult{Outcome: reservation.OutcomeBookingFailed, Detail: err.Error()}
	}

	created, err := c.Store.Get(ctx, id)
	if err != nil {
		r.ID = id
		r.Status = reservation.StatusActive
		created = r
	}
	log.Info("reservation confirmed", zap.String("reservation_id", id), zap.String("slot_id", slot.ID), zap.String("table_id", slot.TableID))
	return reservation.BookingResult{Outcome: reservation.OutcomeConfirmed, Reservation: &created, Slot: &slot}
}

func (c Coordinator) ModifyReservation(ctx context.Context, id string, ch Change) reservation.BookingResult {
	log := c.log().With(zap.String("reservation_id", id))

	cur, err := c.Store.Get(ctx, id)
	if err != nil {
		return c.failure(log, "modify", err)
	}
	if cur.Status != reservation.StatusActive {
		return reservation.BookingResult{
			Outcome:     reservation.OutcomeInvalidState,
			Reservation: &cur,
			Detail:      fmt.Sprintf("reservation is %s", cur.Status),
		}
	}

	q := reservation.CandidateQuery{
		RestaurantID: cur.RestaurantID,
		At:           cur.Start,
		Window:       c.window(),
		Duration:     cur.Duration,
		PartySize:    cur.PartySize,
	}
	if !ch.At.IsZero() {
		q.At = ch.At
	}
	if ch.Duration > 0 {
		q.Duration = ch.Duration
	}
	if ch.PartySize > 0 {
		q.PartySize = ch.PartySize
	}

	// The new slot is booked before the old one is released.
	next, err := c.acquire(ctx, q)
	if err != nil {
		return c.failure(log, "modify", err)
	}
	undo := func(reason string) {
		if _, rerr := c.Ledger.Release(ctx, next.ID, next.Version); rerr != nil {
			log.Error("compensating release failed", zap.String("slot_id", next.ID), zap.String("reason", reason), zap.Error(rerr))
		}
	}

	// The slot to free comes from the record we marked, not the earlier read:
	// while MODIFIED nobody else can swap it.
	marked, err := c.Store.UpdateStatus(ctx, id, reservation.StatusActive, reservation.StatusUpdate{Status: reservation.StatusModified})
	if err != nil {
		undo("mark modified")
		return c.failure(log, "modify", err)
	}
	restore := func() {
		if _, rerr := c.Store.UpdateStatus(ctx, id, reservation.StatusModified, reservation.StatusUpdate{Status: reservation.StatusActive}); rerr != nil {
			log.Error("restore reservation failed", zap.Error(rerr))
		}
	}

	// Read while the reservation still references the old slot; the version
	// stays put until we release it.
	prev, err := c.Ledger.Slot(ctx, marked.SlotID)
	if err != nil {
		restore()
		undo("read previous slot")
		return c.failure(log, "modify", err)
	}

	updated, err := c.Store.UpdateStatus(ctx, id, reservation.StatusModified, reservation.StatusUpdate{
		Status:    reservation.StatusActive,
		Slot:      &next,
		PartySize: q.PartySize,
	})
	if err != nil {
		log.Error("slot swap failed, restoring reservation", zap.String("slot_id", next.ID), zap.Error(err))
		restore()
		undo("swap")
		return reservation.BookingResult{Outcome: reservation.OutcomeBookingFailed, Detail: err.Error()}
	}

	if _, err := c.Ledger.Release(ctx, prev.ID, prev.Version); err != nil {
		// The reservation already points at the new slot. Either the
		// reconciler frees the orphaned old one, or it already did and the
		// slot has been booked again.
		log.Warn("release of previous slot failed", zap.String("slot_id", marked.SlotID), zap.Error(err))
	}

	log.Info("reservation modified", zap.String("old_slot_id", marked.SlotID), zap.String("slot_id", next.ID))
	return reservation.BookingResult{Outcome: reservation.OutcomeConfirmed, Reservation: &updated, Slot: &next}
}

// CancelReservation is idempotent. The status flips first so that a
// concurrent modification loses its compare-and-swap; the slot is released
// afterwards. Once the reservation is CANCELLED the reconciler may free the
// slot and a new booking may take it, so the release is conditional on the
// version read while the reservation still referenced the slot.
func (c Coordinator) CancelReservation(ctx context.Context, id string) reservation.BookingResult {
	log := c.log().With(zap.String("reservation_id", id))

	cur, err := c.Store.Get(ctx, id)
	if err != nil {
		return c.failure(log, "cancel", err)
	}
	switch cur.Status {
	case reservation.StatusCancelled:
		return reservation.BookingResult{Outcome: reservation.OutcomeCancelled, Reservation: &cur}
	case reservation.StatusModified:
		return reservation.BookingResult{Outcome: reservation.OutcomeInvalidState, Reservation: &cur, Detail: "a modification is in progress"}
	}

	// A missing slot still lets the reservation cancel; there is nothing to free.
	slot, err := c.Ledger.Slot(ctx, cur.SlotID)
	if err != nil && !errors.Is(err, reservation.ErrSlotNotFound) {
		return c.failure(log, "cancel", err)
	}

	updated, err := c.Store.UpdateStatus(ctx, id, reservation.StatusActive, reservation.StatusUpdate{Status: reservation.StatusCancelled})
	if errors.Is(err, reservation.ErrStaleReservation) {
		// Someone else moved it on. Report what it is now.
		latest, gerr := c.Store.Get(ctx, id)
		if gerr == nil && latest.Status == reservation.StatusCancelled {
			return reservation.BookingResult{Outcome: reservation.OutcomeCancelled, Reservation: &latest}
		}
		return c.failure(log, "cancel", err)
	}
	if err != nil {
		return c.failure(log, "cancel", err)
	}

	if updated.SlotID != slot.ID {
		// A modification swapped slots between our read and the flip, or the
		// read found nothing. A swapped-in slot was committed moments ago,
		// well inside the reconciler's grace period.
		if slot, err = c.Ledger.Slot(ctx, updated.SlotID); err != nil {
			log.Warn("read slot after cancel failed", zap.String("slot_id", updated.SlotID), zap.Error(err))
			return reservation.BookingResult{Outcome: reservation.OutcomeCancelled, Reservation: &updated}
		}
	}
	if _, err := c.Ledger.Release(ctx, slot.ID, slot.Version); err != nil {
		log.Warn("release after cancel failed", zap.String("slot_id", slot.ID), zap.Error(err))
	}
	log.Info("reservation cancelled", zap.String("slot_id", updated.SlotID))
	return reservation.BookingResult{Outcome: reservation.OutcomeCancelled, Reservation: &updated}
}

// acquire holds and commits the best candidate, moving on to the next one
// when a hold loses a race. It gives up after maxAttempts holds.
func (c Coordinator) acquire(ctx context.Context, q reservation.CandidateQuery) (reservation.Slot, error) {
	attempts := 0
	for cand, err := range c.Ledger.FindCandidates(ctx, q) {
		if err != nil {
			return reservation.Slot{}, fmt.Errorf("find candidates: %w", err)
		}
		if attempts >= c.maxAttempts() {
			break
		}
		attempts++

		held, err := c.Ledger.Hold(ctx, cand.ID)
		if errors.Is(err, reservation.ErrSlotTaken) || errors.Is(err, reservation.ErrSlotNotFound) {
			c.log().Debug("hold lost", zap.String("slot_id", cand.ID), zap.Int("attempt", attempts))
			continue
		}
		if err != nil {
			return reservation.Slot{}, fmt.Errorf("hold %s: %w", cand.ID, err)
		}

		booked, err := c.Ledger.Commit(ctx, held.ID)
		if err != nil {
			if _, rerr := c.Ledger.Release(ctx, held.ID, held.Version); rerr != nil {
				c.log().Error("release after failed commit", zap.String("slot_id", held.ID), zap.Error(rerr))
			}
			return reservation.Slot{}, fmt.Errorf("commit %s: %w", held.ID, err)
		}
		return booked, nil
	}
	return reservation.Slot{}, reservation.ErrNoAvailability
}

func (c Coordinator) failure(log *zap.Logger, op string, err error) reservation.BookingResult {
	out := reservation.OutcomeFor(err)
	if out == reservation.OutcomeConfirmed {
		out = reservation.OutcomeSystemError
	}
	if out == reservation.OutcomeSystemError {
		log.Error(op+" failed", zap.Error(err))
	} else {
		log.Info(op+" rejected", zap.String("outcome", string(out)), zap.Error(err))
	}
	return reservation.BookingResult{Outcome: out, Detail: err.Error()}
}
