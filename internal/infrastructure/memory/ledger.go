// Package memory holds process-local ledger, store and user backends. They
// are used for demos and tests and follow the same contracts as the
// Postgres and Redis backends.
package memory

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/example/tablebook/internal/domain/reservation"
	"github.com/google/uuid"
)

// Ledger serialises work per table. There is no lock spanning tables.
type Ledger struct {
	tables      sync.Map // table id -> *tableEntry
	slotIndex   sync.Map // slot id -> *tableEntry
	restaurants sync.Map // restaurant id -> *restaurantEntry

	Now func() time.Time
}

type tableEntry struct {
	mu    sync.Mutex
	table reservation.Table
	slots map[string]*reservation.Slot
}

type restaurantEntry struct {
	mu     sync.RWMutex
	tables []*tableEntry
}

func NewLedger() *Ledger {
	return &Ledger{Now: time.Now}
}

func (l *Ledger) now() time.Time {
	if l.Now == nil {
		return time.Now().UTC()
	}
	return l.Now().UTC()
}

func (l *Ledger) restaurant(id string) *restaurantEntry {
	v, _ := l.restaurants.LoadOrStore(id, &restaurantEntry{})
	return v.(*restaurantEntry)
}

func (l *Ledger) entryForSlot(slotID string) (*tableEntry, error) {
	v, ok := l.slotIndex.Load(slotID)
	if !ok {
		return nil, fmt.Errorf("slot %s: %w", slotID, reservation.ErrSlotNotFound)
	}
	return v.(*tableEntry), nil
}

func (l *Ledger) AddTable(ctx context.Context, t reservation.Table) (reservation.Table, error) {
	if t.RestaurantID == "" || t.Capacity < 1 {
		return reservation.Table{}, fmt.Errorf("table needs a restaurant and capacity >= 1")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = l.now()
	}
	e := &tableEntry{table: t, slots: map[string]*reservation.Slot{}}
	if _, loaded := l.tables.LoadOrStore(t.ID, e); loaded {
		return reservation.Table{}, fmt.Errorf("table %s already exists", t.ID)
	}
	r := l.restaurant(t.RestaurantID)
	r.mu.Lock()
	r.tables = append(r.tables, e)
	r.mu.Unlock()
	return t, nil
}

func (l *Ledger) Tables(ctx context.Context, restaurantID string) ([]reservation.Table, error) {
	r := l.restaurant(restaurantID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]reservation.Table, 0, len(r.tables))
	for _, e := range r.tables {
		out = append(out, e.table)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (l *Ledger) OpenSlot(ctx context.Context, s reservation.Slot) (reservation.Slot, error) {
	v, ok := l.tables.Load(s.TableID)
	if !ok {
		return reservation.Slot{}, fmt.Errorf("table %s: %w", s.TableID, reservation.ErrTableNotFound)
	}
	if s.Duration <= 0 || s.Start.IsZero() {
		return reservation.Slot{}, fmt.Errorf("slot needs a start and a positive duration")
	}
	e := v.(*tableEntry)
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.RestaurantID = e.table.RestaurantID
	s.Capacity = e.table.Capacity
	s.Status = reservation.SlotFree
	s.Version = 1
	s.UpdatedAt = l.now()

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.slots[s.ID]; exists {
		return reservation.Slot{}, fmt.Errorf("slot %s already exists", s.ID)
	}
	stored := s
	e.slots[s.ID] = &stored
	l.slotIndex.Store(s.ID, e)
	return s, nil
}

func (l *Ledger) CloseSlot(ctx context.Context, slotID string) error {
	e, err := l.entryForSlot(slotID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.slots[slotID]
	if !ok {
		return fmt.Errorf("slot %s: %w", slotID, reservation.ErrSlotNotFound)
	}
	if s.Status != reservation.SlotFree {
		return fmt.Errorf("close slot %s: %w", slotID, reservation.ErrSlotInUse)
	}
	delete(e.slots, slotID)
	l.slotIndex.Delete(slotID)
	return nil
}

func (l *Ledger) Slots(ctx context.Context, restaurantID string, day time.Time) ([]reservation.Slot, error) {
	from, to := reservation.DayBounds(day)
	var out []reservation.Slot
	for _, s := range l.snapshot(restaurantID) {
		if !s.Start.Before(from) && s.Start.Before(to) {
			out = append(out, s)
		}
	}
	sortByStart(out)
	return out, nil
}

func (l *Ledger) StaleSlots(ctx context.Context, status reservation.SlotStatus, before time.Time, limit int) ([]reservation.Slot, error) {
	var out []reservation.Slot
	l.tables.Range(func(_, v any) bool {
		e := v.(*tableEntry)
		e.mu.Lock()
		for _, s := range e.slots {
			if s.Status == status && s.UpdatedAt.Before(before) {
				out = append(out, *s)
			}
		}
		e.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// snapshot copies every slot of the restaurant, taking one table lock at a time.
func (l *Ledger) snapshot(restaurantID string) []reservation.Slot {
	r := l.restaurant(restaurantID)
	r.mu.RLock()
	entries := append([]*tableEntry(nil), r.tables...)
	r.mu.RUnlock()

	var out []reservation.Slot
	for _, e := range entries {
		e.mu.Lock()
		for _, s := range e.slots {
			out = append(out, *s)
		}
		e.mu.Unlock()
	}
	return out
}

func (l *Ledger) FindCandidates(ctx context.Context, q reservation.CandidateQuery) iter.Seq2[reservation.Slot, error] {
	return func(yield func(reservation.Slot, error) bool) {
		if err := q.Validate(); err != nil {
			yield(reservation.Slot{}, fmt.Errorf("%w: %v", reservation.ErrInvalidIntent, err))
			return
		}
		for _, s := range q.Select(l.snapshot(q.RestaurantID)) {
			if err := ctx.Err(); err != nil {
				yield(reservation.Slot{}, err)
				return
			}
			if !yield(s, nil) {
				return
			}
		}
	}
}

func (l *Ledger) Slot(ctx context.Context, slotID string) (reservation.Slot, error) {
	e, err := l.entryForSlot(slotID)
	if err != nil {
		return reservation.Slot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.slots[slotID]
	if !ok {
		return reservation.Slot{}, fmt.Errorf("slot %s: %w", slotID, reservation.ErrSlotNotFound)
	}
	return *s, nil
}

func (l *Ledger) Hold(ctx context.Context, slotID string) (reservation.Slot, error) {
	return l.transition(slotID, func(e *tableEntry, s *reservation.Slot) (bool, error) {
		if s.Status != reservation.SlotFree {
			return false, fmt.Errorf("hold %s: %w", slotID, reservation.ErrSlotTaken)
		}
		for _, o := range e.slots {
			if o.ID != s.ID && o.Status.Occupied() && s.Overlaps(*o) {
				return false, fmt.Errorf("hold %s: overlaps %s: %w", slotID, o.ID, reservation.ErrSlotTaken)
			}
		}
		s.Status = reservation.SlotHeld
		return true, nil
	})
}

func (l *Ledger) Commit(ctx context.Context, slotID string) (reservation.Slot, error) {
	return l.transition(slotID, func(_ *tableEntry, s *reservation.Slot) (bool, error) {
		if s.Status != reservation.SlotHeld {
			return false, fmt.Errorf("commit %s from %s: %w", slotID, s.Status, reservation.ErrInvalidTransition)
		}
		s.Status = reservation.SlotBooked
		return true, nil
	})
}

func (l *Ledger) Release(ctx context.Context, slotID string, version int64) (reservation.Slot, error) {
	return l.transition(slotID, func(_ *tableEntry, s *reservation.Slot) (bool, error) {
		if s.Status == reservation.SlotFree {
			return false, nil
		}
		if s.Version != version {
			return false, fmt.Errorf("release %s: at version %d, want %d: %w", slotID, s.Version, version, reservation.ErrSlotChanged)
		}
		s.Status = reservation.SlotFree
		return true, nil
	})
}

// transition runs fn under the table lock and bumps the version when fn
// reports a change.
func (l *Ledger) transition(slotID string, fn func(*tableEntry, *reservation.Slot) (bool, error)) (reservation.Slot, error) {
	e, err := l.entryForSlot(slotID)
	if err != nil {
		return reservation.Slot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.slots[slotID]
	if !ok {
		return reservation.Slot{}, fmt.Errorf("slot %s: %w", slotID, reservation.ErrSlotNotFound)
	}
	changed, err := fn(e, s)
	if err != nil {
		return reservation.Slot{}, err
	}
	if changed {
		s.Version++
		s.UpdatedAt = l.now()
	}
	return *s, nil
}

func sortByStart(slots []reservation.Slot) {
	sort.Slice(slots, func(i, j int) bool {
		if !slots[i].Start.Equal(slots[j].Start) {
			return slots[i].Start.Before(slots[j].Start)
		}
		return slots[i].TableID < slots[j].TableID
	})
}
