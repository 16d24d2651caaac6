package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/tablebook/internal/domain/reservation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var seven = time.Date(2026, 10, 20, 19, 0, 0, 0, time.UTC)

func newLedgerWithTable(t *testing.T, capacity int) (*Ledger, reservation.Table) {
	t.Helper()
	l := NewLedger()
	tbl, err := l.AddTable(context.Background(), reservation.Table{ID: "t1", RestaurantID: "r1", Name: "T1", Capacity: capacity})
	require.NoError(t, err)
	return l, tbl
}

func openSlot(t *testing.T, l *Ledger, table string, start time.Time) reservation.Slot {
	t.Helper()
	s, err := l.OpenSlot(context.Background(), reservation.Slot{TableID: table, Start: start, Duration: 90 * time.Minute})
	require.NoError(t, err)
	return s
}

func TestLedger_HoldCommitRelease(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedgerWithTable(t, 4)
	s := openSlot(t, l, "t1", seven)
	assert.Equal(t, "r1", s.RestaurantID)
	assert.Equal(t, 4, s.Capacity)

	_, err := l.Commit(ctx, s.ID)
	assert.ErrorIs(t, err, reservation.ErrInvalidTransition, "commit is only legal from HELD")

	held, err := l.Hold(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.SlotHeld, held.Status)

	_, err = l.Hold(ctx, s.ID)
	assert.ErrorIs(t, err, reservation.ErrSlotTaken)

	booked, err := l.Commit(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.SlotBooked, booked.Status)
	assert.Greater(t, booked.Version, held.Version)

	_, err = l.Release(ctx, s.ID, held.Version)
	assert.ErrorIs(t, err, reservation.ErrSlotChanged)
	cur, err := l.Slot(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.SlotBooked, cur.Status, "a stale release leaves the slot alone")

	freed, err := l.Release(ctx, s.ID, booked.Version)
	require.NoError(t, err)
	assert.Equal(t, reservation.SlotFree, freed.Status)

	again, err := l.Release(ctx, s.ID, booked.Version)
	require.NoError(t, err)
	assert.Equal(t, freed.Version, again.Version, "releasing a FREE slot changes nothing")
}

func TestLedger_StaleReleaseSparesRebookedSlot(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedgerWithTable(t, 4)
	s := openSlot(t, l, "t1", seven)

	_, err := l.Hold(ctx, s.ID)
	require.NoError(t, err)
	first, err := l.Commit(ctx, s.ID)
	require.NoError(t, err)

	// freed by someone else, then booked again
	_, err = l.Release(ctx, s.ID, first.Version)
	require.NoError(t, err)
	_, err = l.Hold(ctx, s.ID)
	require.NoError(t, err)
	second, err := l.Commit(ctx, s.ID)
	require.NoError(t, err)

	_, err = l.Release(ctx, s.ID, first.Version)
	require.ErrorIs(t, err, reservation.ErrSlotChanged)

	cur, err := l.Slot(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.SlotBooked, cur.Status)
	assert.Equal(t, second.Version, cur.Version)
}

func TestLedger_HoldRejectsOverlapOnSameTable(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedgerWithTable(t, 4)
	a := openSlot(t, l, "t1", seven)
	b := openSlot(t, l, "t1", seven.Add(45*time.Minute))
	c := openSlot(t, l, "t1", seven.Add(90*time.Minute))

	_, err := l.Hold(ctx, a.ID)
	require.NoError(t, err)

	_, err = l.Hold(ctx, b.ID)
	assert.ErrorIs(t, err, reservation.ErrSlotTaken)

	_, err = l.Hold(ctx, c.ID)
	assert.NoError(t, err, "back-to-back slots do not overlap")
}

func TestLedger_ConcurrentHoldHasOneWinner(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedgerWithTable(t, 4)
	s := openSlot(t, l, "t1", seven)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Hold(ctx, s.ID); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestLedger_FindCandidatesIsRestartable(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedgerWithTable(t, 4)
	_, err := l.AddTable(ctx, reservation.Table{ID: "t2", RestaurantID: "r1", Name: "T2", Capacity: 2})
	require.NoError(t, err)
	openSlot(t, l, "t1", seven)
	openSlot(t, l, "t2", seven)

	seq := l.FindCandidates(ctx, reservation.CandidateQuery{RestaurantID: "r1", At: seven, Window: time.Hour, PartySize: 2})

	collect := func() []string {
		var ids []string
		for s, err := range seq {
			require.NoError(t, err)
			ids = append(ids, s.TableID)
		}
		return ids
	}
	assert.Equal(t, []string{"t2", "t1"}, collect(), "smallest sufficient table first")
	assert.Equal(t, []string{"t2", "t1"}, collect())
}

func TestLedger_CloseSlot(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedgerWithTable(t, 4)
	s := openSlot(t, l, "t1", seven)
	busy := openSlot(t, l, "t1", seven.Add(3*time.Hour))
	_, err := l.Hold(ctx, busy.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, l.CloseSlot(ctx, busy.ID), reservation.ErrSlotInUse)
	require.NoError(t, l.CloseSlot(ctx, s.ID))

	_, err = l.Slot(ctx, s.ID)
	assert.ErrorIs(t, err, reservation.ErrSlotNotFound)

	slots, err := l.Slots(ctx, "r1", seven)
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, busy.ID, slots[0].ID)
}

func TestLedger_OpenSlotUnknownTable(t *testing.T) {
	l := NewLedger()
	_, err := l.OpenSlot(context.Background(), reservation.Slot{TableID: "nope", Start: seven, Duration: time.Hour})
	assert.ErrorIs(t, err, reservation.ErrTableNotFound)
}

func TestLedger_StaleSlots(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedgerWithTable(t, 4)
	now := seven.Add(-24 * time.Hour)
	l.Now = func() time.Time { return now }

	s := openSlot(t, l, "t1", seven)
	_, err := l.Hold(ctx, s.ID)
	require.NoError(t, err)

	stale, err := l.StaleSlots(ctx, reservation.SlotHeld, now.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	stale, err = l.StaleSlots(ctx, reservation.SlotHeld, now, 10)
	require.NoError(t, err)
	assert.Empty(t, stale)
}
