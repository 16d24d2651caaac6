package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/example/tablebook/internal/domain/reservation"
	"github.com/example/tablebook/internal/infrastructure/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

var t0 = time.Date(2026, 10, 20, 12, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func TestReconciler_Sweep(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: t0}
	l := memory.NewLedger()
	l.Now = clk.Now
	s := memory.NewStore()
	s.Now = clk.Now

	_, err := l.AddTable(ctx, reservation.Table{ID: "T1", RestaurantID: "R", Name: "T1", Capacity: 4})
	require.NoError(t, err)
	open := func(hour int) reservation.Slot {
		sl, err := l.OpenSlot(ctx, reservation.Slot{TableID: "T1", Start: t0.Add(time.Duration(hour) * time.Hour), Duration: time.Hour})
		require.NoError(t, err)
		return sl
	}
	book := func(sl reservation.Slot) {
		_, err := l.Hold(ctx, sl.ID)
		require.NoError(t, err)
		_, err = l.Commit(ctx, sl.ID)
		require.NoError(t, err)
	}

	abandoned := open(1)
	_, err = l.Hold(ctx, abandoned.ID)
	require.NoError(t, err)

	orphan := open(2)
	book(orphan)

	live := open(3)
	book(live)
	_, err = s.Create(ctx, reservation.Reservation{RestaurantID: "R", TableID: "T1", SlotID: live.ID, Start: live.Start, PartySize: 2})
	require.NoError(t, err)

	// A modification that died after booking its new slot.
	old := open(4)
	book(old)
	stuckID, err := s.Create(ctx, reservation.Reservation{RestaurantID: "R", TableID: "T1", SlotID: old.ID, Start: old.Start, PartySize: 2})
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, stuckID, reservation.StatusActive, reservation.StatusUpdate{Status: reservation.StatusModified})
	require.NoError(t, err)
	swapTarget := open(5)
	book(swapTarget)

	clk.now = t0.Add(9 * time.Minute)
	fresh := open(6)
	_, err = l.Hold(ctx, fresh.ID)
	require.NoError(t, err)

	clk.now = t0.Add(10 * time.Minute)
	r := &Reconciler{
		Ledger:    l,
		Inventory: l,
		Store:     s,
		Log:       zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel)),
		Grace:     5 * time.Minute,
		Now:       clk.Now,
	}

	rep, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Restored: 1, ReleasedHeld: 1, ReleasedOrphans: 2}, rep)

	status := func(sl reservation.Slot) reservation.SlotStatus {
		got, err := l.Slot(ctx, sl.ID)
		require.NoError(t, err)
		return got.Status
	}
	assert.Equal(t, reservation.SlotFree, status(abandoned))
	assert.Equal(t, reservation.SlotFree, status(orphan))
	assert.Equal(t, reservation.SlotBooked, status(live))
	assert.Equal(t, reservation.SlotBooked, status(old))
	assert.Equal(t, reservation.SlotFree, status(swapTarget))
	assert.Equal(t, reservation.SlotHeld, status(fresh), "inside the grace period")

	restored, err := s.Get(ctx, stuckID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusActive, restored.Status)
	assert.Equal(t, old.ID, restored.SlotID)

	rep, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{}, rep, "second sweep finds nothing to do")
}

func TestReconciler_RunStopsOnContextCancel(t *testing.T) {
	r := &Reconciler{
		Ledger:    memory.NewLedger(),
		Inventory: memory.NewLedger(),
		Store:     memory.NewStore(),
		Interval:  time.Hour,
		Grace:     time.Minute,
	}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop on context cancel")
	}
}

// scanInventory answers StaleSlots from a snapshot taken earlier.
type scanInventory struct {
	*memory.Ledger
	snapshot []reservation.Slot
}

func (s scanInventory) StaleSlots(ctx context.Context, status reservation.SlotStatus, before time.Time, limit int) ([]reservation.Slot, error) {
	var out []reservation.Slot
	for _, sl := range s.snapshot {
		if sl.Status == status {
			out = append(out, sl)
		}
	}
	return out, nil
}

func TestReconciler_SkipsSlotsThatMovedSinceTheScan(t *testing.T) {
	ctx := context.Background()
	l := memory.NewLedger()
	s := memory.NewStore()
	_, err := l.AddTable(ctx, reservation.Table{ID: "T1", RestaurantID: "R", Name: "T1", Capacity: 4})
	require.NoError(t, err)

	a, err := l.OpenSlot(ctx, reservation.Slot{TableID: "T1", Start: t0, Duration: time.Hour})
	require.NoError(t, err)
	heldA, err := l.Hold(ctx, a.ID)
	require.NoError(t, err)

	b, err := l.OpenSlot(ctx, reservation.Slot{TableID: "T1", Start: t0.Add(2 * time.Hour), Duration: time.Hour})
	require.NoError(t, err)
	_, err = l.Hold(ctx, b.ID)
	require.NoError(t, err)
	bookedB, err := l.Commit(ctx, b.ID)
	require.NoError(t, err)

	// Both were abandoned at scan time, then a booking finished.
	snapshot := []reservation.Slot{heldA, bookedB}
	_, err = l.Commit(ctx, a.ID)
	require.NoError(t, err)
	_, err = s.Create(ctx, reservation.Reservation{RestaurantID: "R", TableID: "T1", SlotID: a.ID, Start: a.Start, PartySize: 2})
	require.NoError(t, err)
	_, err = l.Release(ctx, b.ID, bookedB.Version)
	require.NoError(t, err)
	_, err = l.Hold(ctx, b.ID)
	require.NoError(t, err)
	_, err = l.Commit(ctx, b.ID)
	require.NoError(t, err)

	r := &Reconciler{
		Ledger:    l,
		Inventory: scanInventory{Ledger: l, snapshot: snapshot},
		Store:     s,
		Log:       zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel)),
		Grace:     time.Minute,
	}
	rep, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{}, rep)

	for _, id := range []string{a.ID, b.ID} {
		got, err := l.Slot(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, reservation.SlotBooked, got.Status, id)
	}
}
