package memory

import (
	"context"
	"testing"
	"time"

	"github.com/example/tablebook/internal/domain/reservation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_CreateGetUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	id, err := s.Create(ctx, reservation.Reservation{
		CustomerID: "c1", RestaurantID: "r1", TableID: "t1", SlotID: "s1",
		Start: seven, Duration: 90 * time.Minute, PartySize: 2,
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusActive, got.Status)
	assert.False(t, got.CreatedAt.IsZero())

	newSlot := reservation.Slot{ID: "s2", TableID: "t1", Start: seven.Add(time.Hour), Duration: 90 * time.Minute}
	_, err = s.UpdateStatus(ctx, id, reservation.StatusActive, reservation.StatusUpdate{Status: reservation.StatusModified})
	require.NoError(t, err)
	upd, err := s.UpdateStatus(ctx, id, reservation.StatusModified, reservation.StatusUpdate{Status: reservation.StatusActive, Slot: &newSlot, PartySize: 3})
	require.NoError(t, err)
	assert.Equal(t, "s2", upd.SlotID)
	assert.Equal(t, 3, upd.PartySize)
	assert.True(t, upd.Start.Equal(seven.Add(time.Hour)))

	_, err = s.UpdateStatus(ctx, id, reservation.StatusModified, reservation.StatusUpdate{Status: reservation.StatusCancelled})
	assert.ErrorIs(t, err, reservation.ErrStaleReservation)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, reservation.ErrReservationNotFound)
	_, err = s.UpdateStatus(ctx, "missing", reservation.StatusActive, reservation.StatusUpdate{Status: reservation.StatusCancelled})
	assert.ErrorIs(t, err, reservation.ErrReservationNotFound)
}

func TestStore_ListAndFindBySlot(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	mk := func(slot string, start time.Time) string {
		id, err := s.Create(ctx, reservation.Reservation{CustomerID: "c", RestaurantID: "r1", SlotID: slot, Start: start, PartySize: 2})
		require.NoError(t, err)
		return id
	}
	late := mk("s-late", seven.Add(time.Hour))
	early := mk("s-early", seven)
	mk("s-tomorrow", seven.Add(24*time.Hour))

	day, err := s.ListByRestaurant(ctx, reservation.ListFilter{RestaurantID: "r1", Day: seven})
	require.NoError(t, err)
	require.Len(t, day, 2)
	assert.Equal(t, early, day[0].ID)
	assert.Equal(t, late, day[1].ID)

	all, err := s.ListByRestaurant(ctx, reservation.ListFilter{RestaurantID: "r1"})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	found, err := s.FindBySlot(ctx, "s-early")
	require.NoError(t, err)
	assert.Equal(t, early, found.ID)

	_, err = s.UpdateStatus(ctx, early, reservation.StatusActive, reservation.StatusUpdate{Status: reservation.StatusCancelled})
	require.NoError(t, err)
	_, err = s.FindBySlot(ctx, "s-early")
	assert.ErrorIs(t, err, reservation.ErrReservationNotFound)
}
