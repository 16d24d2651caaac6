package reservation

import (
	"fmt"
	"sort"
	"time"
)

// CandidateQuery describes the slots a booking may land on: FREE slots of the
// restaurant that seat PartySize, start within Window of At and last at least
// Duration.
type CandidateQuery struct {
	RestaurantID string
	At           time.Time
	Window       time.Duration
	Duration     time.Duration
	PartySize    int
}

func (q CandidateQuery) Validate() error {
	if q.RestaurantID == "" {
		return fmt.Errorf("restaurant required")
	}
	if q.At.IsZero() {
		return fmt.Errorf("time required")
	}
	if q.PartySize < 1 {
		return fmt.Errorf("party size must be >= 1")
	}
	if q.Window < 0 || q.Duration < 0 {
		return fmt.Errorf("window and duration must not be negative")
	}
	return nil
}

// From and To bound the start times a candidate may have.
func (q CandidateQuery) From() time.Time { return q.At.Add(-q.Window) }
func (q CandidateQuery) To() time.Time   { return q.At.Add(q.Window) }

// Matches checks a single slot in isolation. Overlap with siblings is checked
// by Select.
func (q CandidateQuery) Matches(s Slot) bool {
	if s.Status != SlotFree || s.RestaurantID != q.RestaurantID {
		return false
	}
	if s.Capacity < q.PartySize || s.Duration < q.Duration {
		return false
	}
	return !s.Start.Before(q.From()) && !s.Start.After(q.To())
}

// Select filters slots down to ranked candidates. slots must contain every
// slot of the tables involved so that FREE slots overlapping a HELD or BOOKED
// sibling can be excluded.
func (q CandidateQuery) Select(slots []Slot) []Slot {
	occupied := make(map[string][]Slot)
	for _, s := range slots {
		if s.Status.Occupied() {
			occupied[s.TableID] = append(occupied[s.TableID], s)
		}
	}

	var out []Slot
	for _, s := range slots {
		if !q.Matches(s) {
			continue
		}
		blocked := false
		for _, o := range occupied[s.TableID] {
			if o.ID != s.ID && s.Overlaps(o) {
				blocked = true
				break
			}
		}
		if !blocked {
			out = append(out, s)
		}
	}
	Rank(out, q.At)
	return out
}

// Rank orders slots closest to at first, then by smallest sufficient
// capacity. Remaining ties break on start, table and slot id so the order is
// stable across calls.
func Rank(slots []Slot, at time.Time) {
	sort.SliceStable(slots, func(i, j int) bool {
		a, b := slots[i], slots[j]
		da, db := absDuration(a.Start.Sub(at)), absDuration(b.Start.Sub(at))
		if da != db {
			return da < db
		}
		if a.Capacity != b.Capacity {
			return a.Capacity < b.Capacity
		}
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if a.TableID != b.TableID {
			return a.TableID < b.TableID
		}
		return a.ID < b.ID
	})
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
