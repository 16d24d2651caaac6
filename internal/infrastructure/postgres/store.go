package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/tablebook/internal/db"
	"github.com/example/tablebook/internal/domain/reservation"
	"github.com/example/tablebook/internal/infrastructure/crypto"
	"github.com/google/uuid"
)

const reservationCols = `id, customer_id, customer_name, customer_phone, restaurant_id, table_id, slot_id, start_at, duration_seconds, party_size, status, created_at, updated_at`

// Store keeps reservations in Postgres. Status changes are a conditional
// UPDATE on the current status, so each reservation is its own unit of
// serialisation. When AEAD is set, customer phone numbers are encrypted at rest.
type Store struct {
	db   *db.DB
	AEAD *crypto.AEAD
	Now  func() time.Time
}

func NewStore(d *db.DB, aead *crypto.AEAD) *Store {
	return &Store{db: d, AEAD: aead, Now: time.Now}
}

func (s *Store) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *Store) sealPhone(phone string) (string, error) {
	if s.AEAD == nil || phone == "" {
		return phone, nil
	}
	return s.AEAD.EncryptToString(phone)
}

func (s *Store) openPhone(phone string) string {
	if s.AEAD == nil || phone == "" {
		return phone
	}
	if v, err := s.AEAD.DecryptString(phone); err == nil {
		return v
	}
	// rows written before a key was configured
	return phone
}

func (s *Store) scan(row db.Row) (reservation.Reservation, error) {
	var r reservation.Reservation
	var secs int64
	var status string
	if err := row.Scan(&r.ID, &r.CustomerID, &r.CustomerName, &r.CustomerPhone, &r.RestaurantID, &r.TableID, &r.SlotID,
		&r.Start, &secs, &r.PartySize, &status, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return reservation.Reservation{}, err
	}
	r.Duration = time.Duration(secs) * time.Second
	r.Status = reservation.Status(status)
	r.CustomerPhone = s.openPhone(r.CustomerPhone)
	r.Start = r.Start.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func (s *Store) collect(rows db.Rows, err error) ([]reservation.Reservation, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []reservation.Reservation
	for rows.Next() {
		r, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func notFound(id string, err error) error {
	err = db.WrapNotFound(err)
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("reservation %s: %w", id, reservation.ErrReservationNotFound)
	}
	return fmt.Errorf("reservation %s: %w", id, err)
}

func (s *Store) Create(ctx context.Context, r reservation.Reservation) (string, error) {
	if r.SlotID == "" {
		return "", fmt.Errorf("reservation must reference a slot")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	phone, err := s.sealPhone(r.CustomerPhone)
	if err != nil {
		return "", fmt.Errorf("encrypt phone: %w", err)
	}
	now := s.now()
	err = s.db.Exec(ctx, `
INSERT INTO reservations (`+reservationCols+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,'ACTIVE',$11,$11)`,
		r.ID, r.CustomerID, r.CustomerName, phone, r.RestaurantID, r.TableID, r.SlotID,
		r.Start, int64(r.Duration/time.Second), r.PartySize, now)
	if err != nil {
		return "", fmt.Errorf("create reservation: %w", err)
	}
	return r.ID, nil
}

func (s *Store) Get(ctx context.Context, id string) (reservation.Reservation, error) {
	r, err := s.scan(s.db.QueryRow(ctx, `SELECT `+reservationCols+` FROM reservations WHERE id=$1`, id))
	if err != nil {
		return reservation.Reservation{}, notFound(id, err)
	}
	return r, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, from reservation.Status, u reservation.StatusUpdate) (reservation.Reservation, error) {
	var slotID, tableID *string
	var start *time.Time
	var secs *int64
	if u.Slot != nil {
		slotID, tableID, start = &u.Slot.ID, &u.Slot.TableID, &u.Slot.Start
		d := int64(u.Slot.Duration / time.Second)
		secs = &d
	}
	var party *int
	if u.PartySize > 0 {
		party = &u.PartySize
	}

	r, err := s.scan(s.db.QueryRow(ctx, `
UPDATE reservations SET
  status=$3,
  slot_id=COALESCE($4, slot_id),
  table_id=COALESCE($5, table_id),
  start_at=COALESCE($6, start_at),
  duration_seconds=COALESCE($7, duration_seconds),
  party_size=COALESCE($8, party_size),
  updated_at=$9
WHERE id=$1 AND status=$2
RETURNING `+reservationCols,
		id, string(from), string(u.Status), slotID, tableID, start, secs, party, s.now()))
	if err == nil {
		return r, nil
	}
	if !db.IsNotFound(err) {
		return reservation.Reservation{}, fmt.Errorf("update reservation %s: %w", id, err)
	}
	cur, err := s.Get(ctx, id)
	if err != nil {
		return reservation.Reservation{}, err
	}
	return reservation.Reservation{}, fmt.Errorf("reservation %s is %s, want %s: %w", id, cur.Status, from, reservation.ErrStaleReservation)
}

func (s *Store) ListByRestaurant(ctx context.Context, f reservation.ListFilter) ([]reservation.Reservation, error) {
	if f.Day.IsZero() {
		return s.collect(s.db.Query(ctx, `
SELECT `+reservationCols+` FROM reservations
WHERE restaurant_id=$1
ORDER BY start_at, id`, f.RestaurantID))
	}
	from, to := reservation.DayBounds(f.Day)
	return s.collect(s.db.Query(ctx, `
SELECT `+reservationCols+` FROM reservations
WHERE restaurant_id=$1 AND start_at >= $2 AND start_at < $3
ORDER BY start_at, id`, f.RestaurantID, from, to))
}

func (s *Store) FindBySlot(ctx context.Context, slotID string) (reservation.Reservation, error) {
	r, err := s.scan(s.db.QueryRow(ctx, `
SELECT `+reservationCols+` FROM reservations
WHERE slot_id=$1 AND status<>'CANCELLED'
LIMIT 1`, slotID))
	if err != nil {
		if db.IsNotFound(err) {
			return reservation.Reservation{}, fmt.Errorf("slot %s: %w", slotID, reservation.ErrReservationNotFound)
		}
		return reservation.Reservation{}, err
	}
	return r, nil
}

func (s *Store) Stuck(ctx context.Context, status reservation.Status, before time.Time, limit int) ([]reservation.Reservation, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	return s.collect(s.db.Query(ctx, `
SELECT `+reservationCols+` FROM reservations
WHERE status=$1 AND updated_at < $2
ORDER BY updated_at
LIMIT $3`, string(status), before, lim))
}
