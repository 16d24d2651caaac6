package usecases

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/tablebook/internal/domain/reservation"
	"github.com/example/tablebook/internal/infrastructure/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

var (
	day   = time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC)
	seven = day.Add(19 * time.Hour)
	eight = day.Add(20 * time.Hour)
)

func newTestLogger(t *testing.T) *zap.Logger {
	t.Helper()
	return zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
}

type fixture struct {
	ledger *memory.Ledger
	store  *memory.Store
	coord  Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	l := memory.NewLedger()
	s := memory.NewStore()
	return &fixture{
		ledger: l,
		store:  s,
		coord: Coordinator{
			Ledger:          l,
			Store:           s,
			Log:             newTestLogger(t),
			SearchWindow:    time.Hour,
			DefaultDuration: time.Hour,
		},
	}
}

func (f *fixture) table(t *testing.T, id string, capacity int) {
	t.Helper()
	_, err := f.ledger.AddTable(context.Background(), reservation.Table{ID: id, RestaurantID: "R", Name: id, Capacity: capacity})
	require.NoError(t, err)
}

func (f *fixture) slot(t *testing.T, table string, start time.Time, d time.Duration) reservation.Slot {
	t.Helper()
	s, err := f.ledger.OpenSlot(context.Background(), reservation.Slot{TableID: table, Start: start, Duration: d})
	require.NoError(t, err)
	return s
}

func (f *fixture) status(t *testing.T, slotID string) reservation.SlotStatus {
	t.Helper()
	s, err := f.ledger.Slot(context.Background(), slotID)
	require.NoError(t, err)
	return s.Status
}

// assertConsistent checks that BOOKED slots are exactly the slots referenced
// by ACTIVE reservations.
func (f *fixture) assertConsistent(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	slots, err := f.ledger.Slots(ctx, "R", day)
	require.NoError(t, err)
	res, err := f.store.ListByRestaurant(ctx, reservation.ListFilter{RestaurantID: "R"})
	require.NoError(t, err)

	booked := map[string]bool{}
	for _, s := range slots {
		assert.NotEqual(t, reservation.SlotHeld, s.Status, "no slot may be left HELD")
		if s.Status == reservation.SlotBooked {
			booked[s.ID] = true
		}
	}
	referenced := map[string]bool{}
	for _, r := range res {
		assert.NotEqual(t, reservation.StatusModified, r.Status, "no reservation may be left MODIFIED")
		if r.Status == reservation.StatusActive {
			assert.False(t, referenced[r.SlotID], "slot %s referenced twice", r.SlotID)
			referenced[r.SlotID] = true
		}
	}
	assert.Equal(t, booked, referenced)
}

func bookIntent(at time.Time, party int) reservation.BookingIntent {
	return reservation.BookingIntent{
		Kind:          reservation.IntentBook,
		RestaurantID:  "R",
		CustomerName:  "Ada",
		CustomerPhone: "555-0100",
		At:            at,
		PartySize:     party,
	}
}

func TestBookTable_Confirmed(t *testing.T) {
	f := newFixture(t)
	f.table(t, "T1", 4)
	s := f.slot(t, "T1", seven, time.Hour)

	res := f.coord.BookTable(context.Background(), bookIntent(seven, 2))

	require.Equal(t, reservation.OutcomeConfirmed, res.Outcome, res.Detail)
	require.NotNil(t, res.Reservation)
	assert.Equal(t, s.ID, res.Reservation.SlotID)
	assert.Equal(t, "555-0100", res.Reservation.CustomerID)
	assert.Equal(t, reservation.StatusActive, res.Reservation.Status)
	assert.Equal(t, reservation.SlotBooked, f.status(t, s.ID))
	f.assertConsistent(t)
}

func TestBookTable_NoAvailability(t *testing.T) {
	f := newFixture(t)
	f.table(t, "T1", 2)
	f.slot(t, "T1", seven, time.Hour)

	res := f.coord.BookTable(context.Background(), bookIntent(seven, 6))
	assert.Equal(t, reservation.OutcomeNoAvailability, res.Outcome)

	res = f.coord.BookTable(context.Background(), bookIntent(seven.Add(3*time.Hour), 2))
	assert.Equal(t, reservation.OutcomeNoAvailability, res.Outcome, "outside the search window")
	f.assertConsistent(t)
}

func TestBookTable_ConcurrentSingleSlot(t *testing.T) {
	f := newFixture(t)
	f.table(t, "T1", 4)
	f.slot(t, "T1", seven, time.Hour)

	results := make([]reservation.BookingResult, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.coord.BookTable(context.Background(), bookIntent(seven, 2))
		}(i)
	}
	wg.Wait()

	outcomes := []reservation.Outcome{results[0].Outcome, results[1].Outcome}
	assert.ElementsMatch(t, []reservation.Outcome{reservation.OutcomeConfirmed, reservation.OutcomeNoAvailability}, outcomes)
	f.assertConsistent(t)
}

func TestBookTable_NoDoubleBookingUnderLoad(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("T%d", i)
		f.table(t, id, 4)
		f.slot(t, id, seven, 90*time.Minute)
		// Overlaps the 19:00 slot on the same table.
		f.slot(t, id, seven.Add(30*time.Minute), 90*time.Minute)
	}

	var confirmed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := f.coord.BookTable(context.Background(), bookIntent(seven, 2))
			switch res.Outcome {
			case reservation.OutcomeConfirmed:
				confirmed.Add(1)
			case reservation.OutcomeNoAvailability:
			default:
				t.Errorf("unexpected outcome %s: %s", res.Outcome, res.Detail)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, confirmed.Load(), int32(4), "one booking per table at most")
	f.assertConsistent(t)

	res, err := f.store.ListByRestaurant(context.Background(), reservation.ListFilter{RestaurantID: "R"})
	require.NoError(t, err)
	perTable := map[string]int{}
	for _, r := range res {
		perTable[r.TableID]++
	}
	for table, n := range perTable {
		assert.Equal(t, 1, n, "table %s double booked", table)
	}
}

func TestModifyReservation_MovesToNewSlot(t *testing.T) {
	f := newFixture(t)
	f.table(t, "T1", 4)
	old := f.slot(t, "T1", seven, time.Hour)
	next := f.slot(t, "T1", eight, time.Hour)
	ctx := context.Background()

	booked := f.coord.BookTable(ctx, bookIntent(seven, 2))
	require.Equal(t, reservation.OutcomeConfirmed, booked.Outcome)

	res := f.coord.ModifyReservation(ctx, booked.Reservation.ID, Change{At: eight})

	require.Equal(t, reservation.OutcomeConfirmed, res.Outcome, res.Detail)
	assert.Equal(t, reservation.SlotFree, f.status(t, old.ID))
	assert.Equal(t, reservation.SlotBooked, f.status(t, next.ID))

	got, err := f.store.Get(ctx, booked.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusActive, got.Status)
	assert.Equal(t, next.ID, got.SlotID)
	assert.True(t, got.Start.Equal(eight))
	assert.Equal(t, booked.Reservation.ID, got.ID, "updated in place")
	f.assertConsistent(t)
}

func TestModifyReservation_PartySizeMovesTable(t *testing.T) {
	f := newFixture(t)
	f.table(t, "small", 2)
	f.table(t, "big", 6)
	f.slot(t, "small", seven, time.Hour)
	big := f.slot(t, "big", seven, time.Hour)
	ctx := context.Background()

	booked := f.coord.BookTable(ctx, bookIntent(seven, 2))
	require.Equal(t, reservation.OutcomeConfirmed, booked.Outcome)
	assert.Equal(t, "small", booked.Reservation.TableID)

	res := f.coord.ModifyReservation(ctx, booked.Reservation.ID, Change{PartySize: 5})
	require.Equal(t, reservation.OutcomeConfirmed, res.Outcome, res.Detail)
	assert.Equal(t, big.ID, res.Reservation.SlotID)
	assert.Equal(t, 5, res.Reservation.PartySize)
	f.assertConsistent(t)
}

func TestModifyReservation_NoAvailabilityLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	f.table(t, "T1", 4)
	old := f.slot(t, "T1", seven, time.Hour)
	ctx := context.Background()

	booked := f.coord.BookTable(ctx, bookIntent(seven, 2))
	require.Equal(t, reservation.OutcomeConfirmed, booked.Outcome)

	res := f.coord.ModifyReservation(ctx, booked.Reservation.ID, Change{At: eight})
	assert.Equal(t, reservation.OutcomeNoAvailability, res.Outcome)

	got, err := f.store.Get(ctx, booked.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusActive, got.Status)
	assert.Equal(t, old.ID, got.SlotID)
	assert.Equal(t, reservation.SlotBooked, f.status(t, old.ID))
	f.assertConsistent(t)
}

func TestModifyReservation_NotFoundAndInvalidState(t *testing.T) {
	f := newFixture(t)
	f.table(t, "T1", 4)
	f.slot(t, "T1", seven, time.Hour)
	f.slot(t, "T1", eight, time.Hour)
	ctx := context.Background()

	res := f.coord.ModifyReservation(ctx, "missing", Change{At: eight})
	assert.Equal(t, reservation.OutcomeReservationNotFound, res.Outcome)

	booked := f.coord.BookTable(ctx, bookIntent(seven, 2))
	require.Equal(t, reservation.OutcomeConfirmed, booked.Outcome)
	require.Equal(t, reservation.OutcomeCancelled, f.coord.CancelReservation(ctx, booked.Reservation.ID).Outcome)

	res = f.coord.ModifyReservation(ctx, booked.Reservation.ID, Change{At: eight})
	assert.Equal(t, reservation.OutcomeInvalidState, res.Outcome)
	f.assertConsistent(t)
}

func TestCancelReservation_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.table(t, "T1", 4)
	s := f.slot(t, "T1", seven, time.Hour)
	ctx := context.Background()

	booked := f.coord.BookTable(ctx, bookIntent(seven, 2))
	require.Equal(t, reservation.OutcomeConfirmed, booked.Outcome)

	first := f.coord.CancelReservation(ctx, booked.Reservation.ID)
	assert.Equal(t, reservation.OutcomeCancelled, first.Outcome)
	assert.Equal(t, reservation.SlotFree, f.status(t, s.ID))

	// Rebook the freed slot; a second cancel must not touch it.
	rebooked := f.coord.BookTable(ctx, bookIntent(seven, 2))
	require.Equal(t, reservation.OutcomeConfirmed, rebooked.Outcome)

	second := f.coord.CancelReservation(ctx, booked.Reservation.ID)
	assert.Equal(t, reservation.OutcomeCancelled, second.Outcome)
	assert.Equal(t, reservation.SlotBooked, f.status(t, s.ID))

	assert.Equal(t, reservation.OutcomeReservationNotFound, f.coord.CancelReservation(ctx, "missing").Outcome)
	f.assertConsistent(t)
}

type failingStore struct {
	*memory.Store
	createErr error
}

func (s failingStore) Create(ctx context.Context, r reservation.Reservation) (string, error) {
	return "", s.createErr
}

func TestBookTable_StoreFailureReleasesSlot(t *testing.T) {
	f := newFixture(t)
	f.table(t, "T1", 4)
	s := f.slot(t, "T1", seven, time.Hour)
	f.coord.Store = failingStore{Store: f.store, createErr: errors.New("disk full")}

	res := f.coord.BookTable(context.Background(), bookIntent(seven, 2))

	assert.Equal(t, reservation.OutcomeBookingFailed, res.Outcome)
	assert.Equal(t, reservation.SlotFree, f.status(t, s.ID))
	f.assertConsistent(t)
}

// racyLedger makes the first lose holds fail as if another request won.
type racyLedger struct {
	*memory.Ledger
	lose  int32
	holds atomic.Int32
}

func (l *racyLedger) Hold(ctx context.Context, id string) (reservation.Slot, error) {
	if l.holds.Add(1) <= l.lose {
		return reservation.Slot{}, reservation.ErrSlotTaken
	}
	return l.Ledger.Hold(ctx, id)
}

func TestBookTable_RetriesNextCandidate(t *testing.T) {
	f := newFixture(t)
	f.table(t, "T1", 2)
	f.table(t, "T2", 4)
	f.slot(t, "T1", seven, time.Hour)
	second := f.slot(t, "T2", seven, time.Hour)
	l := &racyLedger{Ledger: f.ledger, lose: 1}
	f.coord.Ledger = l

	res := f.coord.BookTable(context.Background(), bookIntent(seven, 2))

	require.Equal(t, reservation.OutcomeConfirmed, res.Outcome, res.Detail)
	assert.Equal(t, second.ID, res.Reservation.SlotID)
	assert.Equal(t, int32(2), l.holds.Load())
}

func TestBookTable_BoundedHoldAttempts(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("T%d", i)
		f.table(t, id, 4)
		f.slot(t, id, seven, time.Hour)
	}
	l := &racyLedger{Ledger: f.ledger, lose: 100}
	f.coord.Ledger = l

	res := f.coord.BookTable(context.Background(), bookIntent(seven, 2))

	assert.Equal(t, reservation.OutcomeNoAvailability, res.Outcome)
	assert.Equal(t, int32(DefaultMaxHoldAttempts), l.holds.Load())
	f.assertConsistent(t)
}

type brokenLedger struct{ *memory.Ledger }

func (brokenLedger) FindCandidates(ctx context.Context, q reservation.CandidateQuery) iter.Seq2[reservation.Slot, error] {
	return func(yield func(reservation.Slot, error) bool) {
		yield(reservation.Slot{}, errors.New("connection refused"))
	}
}

func TestBookTable_StorageFailureIsSystemError(t *testing.T) {
	f := newFixture(t)
	f.coord.Ledger = brokenLedger{f.ledger}

	res := f.coord.BookTable(context.Background(), bookIntent(seven, 2))
	assert.Equal(t, reservation.OutcomeSystemError, res.Outcome)
}

func TestHandle_Dispatch(t *testing.T) {
	f := newFixture(t)
	f.table(t, "T1", 4)
	f.slot(t, "T1", seven, time.Hour)
	ctx := context.Background()

	res := f.coord.Handle(ctx, reservation.BookingIntent{Kind: reservation.IntentBook, RestaurantID: "R"})
	assert.Equal(t, reservation.OutcomeInvalidRequest, res.Outcome)

	booked := f.coord.Handle(ctx, bookIntent(seven, 2))
	require.Equal(t, reservation.OutcomeConfirmed, booked.Outcome)

	cancelled := f.coord.Handle(ctx, reservation.BookingIntent{Kind: reservation.IntentCancel, ReservationID: booked.Reservation.ID})
	assert.Equal(t, reservation.OutcomeCancelled, cancelled.Outcome)
}

func TestCoordinator_MixedConcurrentOperationsStayConsistent(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("T%d", i)
		f.table(t, id, 4)
		f.slot(t, id, seven, time.Hour)
		f.slot(t, id, eight, time.Hour)
	}
	ctx := context.Background()

	var ids sync.Map
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := f.coord.BookTable(ctx, bookIntent(seven, 2))
			if res.Outcome != reservation.OutcomeConfirmed {
				return
			}
			ids.Store(res.Reservation.ID, true)
			switch i % 3 {
			case 0:
				f.coord.CancelReservation(ctx, res.Reservation.ID)
			case 1:
				f.coord.ModifyReservation(ctx, res.Reservation.ID, Change{At: eight})
			}
		}(i)
	}
	// Cancel whatever is around while bookings are still landing.
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids.Range(func(k, _ any) bool {
				f.coord.CancelReservation(ctx, k.(string))
				return false
			})
		}()
	}
	wg.Wait()

	f.assertConsistent(t)
}
