package usecases

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/example/tablebook/internal/domain/reservation"
	"go.uber.org/zap"
)

// StaffService is the dashboard's entry point. Availability changes go
// straight to the inventory without passing through the Coordinator.
type StaffService struct {
	Inventory reservation.Inventory
	Store     reservation.Store
	Location  *time.Location
	Log       *zap.Logger
}

func (s StaffService) loc() *time.Location {
	if s.Location == nil {
		return time.UTC
	}
	return s.Location
}

func (s StaffService) log() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

func (s StaffService) AddTable(ctx context.Context, restaurantID, name string, capacity int) (reservation.Table, error) {
	if restaurantID == "" {
		return reservation.Table{}, fmt.Errorf("restaurant_id required")
	}
	if strings.TrimSpace(name) == "" {
		return reservation.Table{}, fmt.Errorf("name required")
	}
	if capacity < 1 {
		return reservation.Table{}, fmt.Errorf("capacity must be >= 1")
	}
	t, err := s.Inventory.AddTable(ctx, reservation.Table{RestaurantID: restaurantID, Name: strings.TrimSpace(name), Capacity: capacity})
	if err != nil {
		return reservation.Table{}, err
	}
	s.log().Info("table added", zap.String("table_id", t.ID), zap.String("restaurant_id", restaurantID), zap.Int("capacity", capacity))
	return t, nil
}

func (s StaffService) Tables(ctx context.Context, restaurantID string) ([]reservation.Table, error) {
	return s.Inventory.Tables(ctx, restaurantID)
}

// OpenSlots opens one FREE slot per start time on the table.
func (s StaffService) OpenSlots(ctx context.Context, tableID string, starts []time.Time, d time.Duration) ([]reservation.Slot, error) {
	if len(starts) == 0 {
		return nil, fmt.Errorf("at least one start time required")
	}
	if d <= 0 {
		return nil, fmt.Errorf("duration must be positive")
	}
	out := make([]reservation.Slot, 0, len(starts))
	for _, st := range starts {
		sl, err := s.Inventory.OpenSlot(ctx, reservation.Slot{TableID: tableID, Start: st.UTC(), Duration: d})
		if err != nil {
			return out, fmt.Errorf("open slot at %s: %w", st.In(s.loc()).Format("2006-01-02 15:04"), err)
		}
		out = append(out, sl)
	}
	s.log().Info("slots opened", zap.String("table_id", tableID), zap.Int("count", len(out)))
	return out, nil
}

// CloseSlot takes a table out of service for one slot. Held or booked slots
// cannot be closed.
func (s StaffService) CloseSlot(ctx context.Context, slotID string) error {
	if err := s.Inventory.CloseSlot(ctx, slotID); err != nil {
		return err
	}
	s.log().Info("slot closed", zap.String("slot_id", slotID))
	return nil
}

func (s StaffService) Slots(ctx context.Context, restaurantID string, day time.Time) ([]reservation.Slot, error) {
	return s.Inventory.Slots(ctx, restaurantID, day.In(s.loc()))
}

// Reservations lists a restaurant's reservations, optionally for one day.
func (s StaffService) Reservations(ctx context.Context, restaurantID string, day time.Time) ([]reservation.Reservation, error) {
	f := reservation.ListFilter{RestaurantID: restaurantID}
	if !day.IsZero() {
		f.Day = day.In(s.loc())
	}
	return s.Store.ListByRestaurant(ctx, f)
}

func (s StaffService) Reservation(ctx context.Context, id string) (reservation.Reservation, error) {
	return s.Store.Get(ctx, id)
}

// ParseDay reads YYYY-MM-DD in the service location. Empty means today.
func (s StaffService) ParseDay(v string, now time.Time) (time.Time, error) {
	if strings.TrimSpace(v) == "" {
		start, _ := reservation.DayBounds(now.In(s.loc()))
		return start, nil
	}
	d, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(v), s.loc())
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", v)
	}
	return d, nil
}

// ParseStarts turns "18:00,19:30" into start times on day.
func (s StaffService) ParseStarts(day time.Time, csv string) ([]time.Time, error) {
	var out []time.Time
	for _, p := range strings.Split(csv, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		t, err := time.ParseInLocation("2006-01-02 15:04", day.In(s.loc()).Format("2006-01-02")+" "+p, s.loc())
		if err != nil {
			return nil, fmt.Errorf("invalid time %q (want HH:MM)", p)
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one start time required")
	}
	return out, nil
}

// SeedDemo creates a small restaurant with evening slots for the next days,
// for trying the system out against the in-memory backends.
func (s StaffService) SeedDemo(ctx context.Context, restaurantID string, from time.Time, days int) error {
	tables := []struct {
		name     string
		capacity int
	}{
		{"Window 1", 2}, {"Window 2", 2}, {"Booth 1", 4}, {"Booth 2", 4}, {"Patio", 6}, {"Chef's Table", 8},
	}
	start, _ := reservation.DayBounds(from.In(s.loc()))
	for _, tt := range tables {
		t, err := s.AddTable(ctx, restaurantID, tt.name, tt.capacity)
		if err != nil {
			return err
		}
		for d := 0; d < days; d++ {
			day := start.AddDate(0, 0, d)
			starts, err := s.ParseStarts(day, "17:00,18:30,20:00,21:30")
			if err != nil {
				return err
			}
			if _, err := s.OpenSlots(ctx, t.ID, starts, 90*time.Minute); err != nil {
				return err
			}
		}
	}
	return nil
}
