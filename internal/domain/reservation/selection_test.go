package reservation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var seven = time.Date(2026, 10, 20, 19, 0, 0, 0, time.UTC)

func slot(id, table string, capacity int, start time.Time, status SlotStatus) Slot {
	return Slot{
		ID:           id,
		TableID:      table,
		RestaurantID: "r1",
		Capacity:     capacity,
		Start:        start,
		Duration:     90 * time.Minute,
		Status:       status,
	}
}

func TestSlot_Overlaps(t *testing.T) {
	a := slot("a", "t1", 4, seven, SlotFree)

	assert.True(t, a.Overlaps(slot("b", "t1", 4, seven.Add(30*time.Minute), SlotFree)))
	assert.False(t, a.Overlaps(slot("c", "t1", 4, seven.Add(90*time.Minute), SlotFree)), "touching intervals do not overlap")
	assert.False(t, a.Overlaps(slot("d", "t2", 4, seven, SlotFree)), "different tables never overlap")
}

func TestCandidateQuery_SelectOrdersByDistanceThenCapacity(t *testing.T) {
	q := CandidateQuery{RestaurantID: "r1", At: seven, Window: time.Hour, PartySize: 2}
	slots := []Slot{
		slot("big-exact", "t6", 6, seven, SlotFree),
		slot("small-exact", "t2", 2, seven, SlotFree),
		slot("later", "t4", 4, seven.Add(30*time.Minute), SlotFree),
		slot("earlier", "t3", 4, seven.Add(-15*time.Minute), SlotFree),
		slot("too-small", "t1", 1, seven, SlotFree),
		slot("too-far", "t5", 4, seven.Add(2*time.Hour), SlotFree),
	}

	got := q.Select(slots)

	var ids []string
	for _, s := range got {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"small-exact", "big-exact", "earlier", "later"}, ids)
}

func TestCandidateQuery_SelectSkipsSlotsOverlappingOccupiedSiblings(t *testing.T) {
	q := CandidateQuery{RestaurantID: "r1", At: seven, Window: time.Hour, PartySize: 2}
	slots := []Slot{
		slot("booked", "t1", 4, seven.Add(-30*time.Minute), SlotBooked),
		slot("blocked", "t1", 4, seven, SlotFree),
		slot("clear", "t1", 4, seven.Add(time.Hour), SlotFree),
		slot("other-table", "t2", 4, seven, SlotFree),
	}

	got := q.Select(slots)

	require.Len(t, got, 2)
	assert.Equal(t, "other-table", got[0].ID)
	assert.Equal(t, "clear", got[1].ID)
}

func TestCandidateQuery_MatchesDuration(t *testing.T) {
	q := CandidateQuery{RestaurantID: "r1", At: seven, Window: time.Hour, PartySize: 2, Duration: 2 * time.Hour}

	assert.False(t, q.Matches(slot("short", "t1", 4, seven, SlotFree)))

	long := slot("long", "t1", 4, seven, SlotFree)
	long.Duration = 2 * time.Hour
	assert.True(t, q.Matches(long))

	long.Status = SlotHeld
	assert.False(t, q.Matches(long))
}

func TestCandidateQuery_Validate(t *testing.T) {
	assert.Error(t, CandidateQuery{At: seven, PartySize: 2}.Validate())
	assert.Error(t, CandidateQuery{RestaurantID: "r1", PartySize: 2}.Validate())
	assert.Error(t, CandidateQuery{RestaurantID: "r1", At: seven}.Validate())
	assert.NoError(t, CandidateQuery{RestaurantID: "r1", At: seven, PartySize: 2}.Validate())
}
