package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/tablebook/internal/domain/reservation"
	"github.com/google/uuid"
)

// Store keeps one lock per reservation.
type Store struct {
	entries sync.Map // reservation id -> *storeEntry

	Now func() time.Time
}

type storeEntry struct {
	mu sync.Mutex
	r  reservation.Reservation
}

func NewStore() *Store {
	return &Store{Now: time.Now}
}

func (s *Store) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *Store) Create(ctx context.Context, r reservation.Reservation) (string, error) {
	if r.SlotID == "" {
		return "", fmt.Errorf("reservation must reference a slot")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := s.now()
	r.Status = reservation.StatusActive
	r.CreatedAt = now
	r.UpdatedAt = now
	if _, loaded := s.entries.LoadOrStore(r.ID, &storeEntry{r: r}); loaded {
		return "", fmt.Errorf("reservation %s already exists", r.ID)
	}
	return r.ID, nil
}

func (s *Store) Get(ctx context.Context, id string) (reservation.Reservation, error) {
	v, ok := s.entries.Load(id)
	if !ok {
		return reservation.Reservation{}, fmt.Errorf("reservation %s: %w", id, reservation.ErrReservationNotFound)
	}
	e := v.(*storeEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.r, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, from reservation.Status, u reservation.StatusUpdate) (reservation.Reservation, error) {
	v, ok := s.entries.Load(id)
	if !ok {
		return reservation.Reservation{}, fmt.Errorf("reservation %s: %w", id, reservation.ErrReservationNotFound)
	}
	e := v.(*storeEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.r.Status != from {
		return reservation.Reservation{}, fmt.Errorf("reservation %s is %s, want %s: %w", id, e.r.Status, from, reservation.ErrStaleReservation)
	}
	e.r = u.Apply(e.r, s.now())
	return e.r, nil
}

func (s *Store) all(keep func(reservation.Reservation) bool) []reservation.Reservation {
	var out []reservation.Reservation
	s.entries.Range(func(_, v any) bool {
		e := v.(*storeEntry)
		e.mu.Lock()
		r := e.r
		e.mu.Unlock()
		if keep(r) {
			out = append(out, r)
		}
		return true
	})
	return out
}

func (s *Store) ListByRestaurant(ctx context.Context, f reservation.ListFilter) ([]reservation.Reservation, error) {
	from, to := reservation.DayBounds(f.Day)
	out := s.all(func(r reservation.Reservation) bool {
		if r.RestaurantID != f.RestaurantID {
			return false
		}
		if f.Day.IsZero() {
			return true
		}
		return !r.Start.Before(from) && r.Start.Before(to)
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) FindBySlot(ctx context.Context, slotID string) (reservation.Reservation, error) {
	out := s.all(func(r reservation.Reservation) bool {
		return r.SlotID == slotID && r.Status != reservation.StatusCancelled
	})
	if len(out) == 0 {
		return reservation.Reservation{}, fmt.Errorf("slot %s: %w", slotID, reservation.ErrReservationNotFound)
	}
	return out[0], nil
}

func (s *Store) Stuck(ctx context.Context, status reservation.Status, before time.Time, limit int) ([]reservation.Reservation, error) {
	out := s.all(func(r reservation.Reservation) bool {
		return r.Status == status && r.UpdatedAt.Before(before)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
