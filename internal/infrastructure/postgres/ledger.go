package postgres

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/example/tablebook/internal/db"
	"github.com/example/tablebook/internal/domain/reservation"
	"github.com/google/uuid"
)

const slotCols = `id, table_id, restaurant_id, capacity, start_at, end_at, status, version, updated_at`

// candidatePage is how many candidates FindCandidates reads per query.
const candidatePage = 8

// Ledger stores slots in Postgres. Hold takes the owning table's row lock so
// that the overlap check and the status flip happen as one step per table.
type Ledger struct {
	db  *db.DB
	Now func() time.Time
}

func NewLedger(d *db.DB) *Ledger { return &Ledger{db: d, Now: time.Now} }

func (l *Ledger) now() time.Time {
	if l.Now == nil {
		return time.Now().UTC()
	}
	return l.Now().UTC()
}

func scanSlot(row db.Row) (reservation.Slot, error) {
	var s reservation.Slot
	var end time.Time
	var status string
	if err := row.Scan(&s.ID, &s.TableID, &s.RestaurantID, &s.Capacity, &s.Start, &end, &status, &s.Version, &s.UpdatedAt); err != nil {
		return reservation.Slot{}, err
	}
	s.Status = reservation.SlotStatus(status)
	s.Duration = end.Sub(s.Start)
	s.Start = s.Start.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return s, nil
}

func collectSlots(rows db.Rows, err error) ([]reservation.Slot, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []reservation.Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func slotNotFound(id string, err error) error {
	err = db.WrapNotFound(err)
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("slot %s: %w", id, reservation.ErrSlotNotFound)
	}
	return fmt.Errorf("slot %s: %w", id, err)
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
	err := l.db.Exec(ctx,
		`INSERT INTO dining_tables (id, restaurant_id, name, capacity, created_at) VALUES ($1,$2,$3,$4,$5)`,
		t.ID, t.RestaurantID, t.Name, t.Capacity, t.CreatedAt)
	if err != nil {
		return reservation.Table{}, fmt.Errorf("add table: %w", err)
	}
	return t, nil
}

func (l *Ledger) Tables(ctx context.Context, restaurantID string) ([]reservation.Table, error) {
	rows, err := l.db.Query(ctx,
		`SELECT id, restaurant_id, name, capacity, created_at FROM dining_tables WHERE restaurant_id=$1 ORDER BY name, id`,
		restaurantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []reservation.Table
	for rows.Next() {
		var t reservation.Table
		if err := rows.Scan(&t.ID, &t.RestaurantID, &t.Name, &t.Capacity, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (l *Ledger) OpenSlot(ctx context.Context, s reservation.Slot) (reservation.Slot, error) {
	if s.Duration <= 0 || s.Start.IsZero() {
		return reservation.Slot{}, fmt.Errorf("slot needs a start and a positive duration")
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	err := l.db.QueryRow(ctx, `SELECT restaurant_id, capacity FROM dining_tables WHERE id=$1`, s.TableID).
		Scan(&s.RestaurantID, &s.Capacity)
	if err != nil {
		if db.IsNotFound(err) {
			return reservation.Slot{}, fmt.Errorf("table %s: %w", s.TableID, reservation.ErrTableNotFound)
		}
		return reservation.Slot{}, err
	}
	row := l.db.QueryRow(ctx, `
INSERT INTO slots (id, table_id, restaurant_id, capacity, start_at, end_at, status, version, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,'FREE',1,$7)
RETURNING `+slotCols,
		s.ID, s.TableID, s.RestaurantID, s.Capacity, s.Start, s.End(), l.now())
	return scanSlot(row)
}

func (l *Ledger) CloseSlot(ctx context.Context, slotID string) error {
	var id string
	err := l.db.QueryRow(ctx, `DELETE FROM slots WHERE id=$1 AND status='FREE' RETURNING id`, slotID).Scan(&id)
	if err == nil {
		return nil
	}
	if !db.IsNotFound(err) {
		return fmt.Errorf("close slot %s: %w", slotID, err)
	}
	if _, err := l.Slot(ctx, slotID); err != nil {
		return err
	}
	return fmt.Errorf("close slot %s: %w", slotID, reservation.ErrSlotInUse)
}

func (l *Ledger) Slots(ctx context.Context, restaurantID string, day time.Time) ([]reservation.Slot, error) {
	from, to := reservation.DayBounds(day)
	return collectSlots(l.db.Query(ctx, `
SELECT `+slotCols+` FROM slots
WHERE restaurant_id=$1 AND start_at >= $2 AND start_at < $3
ORDER BY start_at, table_id`, restaurantID, from, to))
}

func (l *Ledger) StaleSlots(ctx context.Context, status reservation.SlotStatus, before time.Time, limit int) ([]reservation.Slot, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	return collectSlots(l.db.Query(ctx, `
SELECT `+slotCols+` FROM slots
WHERE status=$1 AND updated_at < $2
ORDER BY updated_at
LIMIT $3`, string(status), before, lim))
}

func (l *Ledger) Slot(ctx context.Context, slotID string) (reservation.Slot, error) {
	s, err := scanSlot(l.db.QueryRow(ctx, `SELECT `+slotCols+` FROM slots WHERE id=$1`, slotID))
	if err != nil {
		return reservation.Slot{}, slotNotFound(slotID, err)
	}
	return s, nil
}

// FindCandidates pages through matching slots so that only a handful of rows
// are read when the first candidates win their holds.
// candidateKey is the sort position of the last candidate read; the next
// page starts strictly after it. dist is the distance from the requested
// time in microseconds.
type candidateKey struct {
	set      bool
	dist     int64
	capacity int
	start    time.Time
	tableID  string
	id       string
}

// distRow scans the trailing dist column after the slot columns.
type distRow struct {
	db.Row
	dist *int64
}

func (r distRow) Scan(dest ...any) error {
	return r.Row.Scan(append(dest, r.dist)...)
}

// FindCandidates pages through matching slots by keyset rather than offset,
// so slots that are held between pages cannot shift the window and hide a
// candidate.
func (l *Ledger) FindCandidates(ctx context.Context, q reservation.CandidateQuery) iter.Seq2[reservation.Slot, error] {
	return func(yield func(reservation.Slot, error) bool) {
		if err := q.Validate(); err != nil {
			yield(reservation.Slot{}, fmt.Errorf("%w: %v", reservation.ErrInvalidIntent, err))
			return
		}
		var after candidateKey
		for {
			page, err := l.candidates(ctx, q, after)
			if err != nil {
				yield(reservation.Slot{}, fmt.Errorf("find candidates: %w", err))
				return
			}
			for _, c := range page {
				if !yield(c.slot, nil) {
					return
				}
			}
			if len(page) < candidatePage {
				return
			}
			last := page[len(page)-1]
			after = candidateKey{
				set:      true,
				dist:     last.dist,
				capacity: last.slot.Capacity,
				start:    last.slot.Start,
				tableID:  last.slot.TableID,
				id:       last.slot.ID,
			}
		}
	}
}

type candidate struct {
	slot reservation.Slot
	dist int64
}

func (l *Ledger) candidates(ctx context.Context, q reservation.CandidateQuery, after candidateKey) ([]candidate, error) {
	rows, err := l.db.Query(ctx, `
SELECT `+slotColsPrefixed("c")+`, c.dist FROM (
  SELECT s.*, abs(round(extract(epoch FROM s.start_at - $6::timestamptz) * 1000000))::bigint AS dist
  FROM slots s
  WHERE s.restaurant_id=$1
    AND s.status='FREE'
    AND s.capacity >= $2
    AND s.start_at BETWEEN $3 AND $4
    AND extract(epoch FROM s.end_at - s.start_at) >= $5
    AND NOT EXISTS (
      SELECT 1 FROM slots o
      WHERE o.table_id=s.table_id AND o.id<>s.id
        AND o.status IN ('HELD','BOOKED')
        AND o.start_at < s.end_at AND s.start_at < o.end_at)
) c
WHERE NOT $8::boolean
   OR (c.dist, c.capacity, c.start_at, c.table_id, c.id) > ($9::bigint, $10::integer, $11::timestamptz, $12::text, $13::text)
ORDER BY c.dist, c.capacity, c.start_at, c.table_id, c.id
LIMIT $7`,
		q.RestaurantID, q.PartySize, q.From(), q.To(), q.Duration.Seconds(), q.At, candidatePage,
		after.set, after.dist, after.capacity, after.start, after.tableID, after.id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []candidate
	for rows.Next() {
		var c candidate
		s, err := scanSlot(distRow{Row: rows, dist: &c.dist})
		if err != nil {
			return nil, err
		}
		c.slot = s
		out = append(out, c)
	}
	return out, rows.Err()
}

func (l *Ledger) Hold(ctx context.Context, slotID string) (reservation.Slot, error) {
	var out reservation.Slot
	err := l.db.WithTx(ctx, func(q db.Querier) error {
		var tableID string
		if err := q.QueryRow(ctx, `SELECT table_id FROM slots WHERE id=$1`, slotID).Scan(&tableID); err != nil {
			return slotNotFound(slotID, err)
		}
		if err := q.Exec(ctx, `SELECT id FROM dining_tables WHERE id=$1 FOR UPDATE`, tableID); err != nil {
			return err
		}
		s, err := scanSlot(q.QueryRow(ctx, `
UPDATE slots s SET status='HELD', version=s.version+1, updated_at=$2
WHERE s.id=$1 AND s.status='FREE'
  AND NOT EXISTS (
    SELECT 1 FROM slots o
    WHERE o.table_id=s.table_id AND o.id<>s.id
      AND o.status IN ('HELD','BOOKED')
      AND o.start_at < s.end_at AND s.start_at < o.end_at)
RETURNING `+slotColsPrefixed("s"), slotID, l.now()))
		if db.IsNotFound(err) {
			return fmt.Errorf("hold %s: %w", slotID, reservation.ErrSlotTaken)
		}
		if err != nil {
			return err
		}
		out = s
		return nil
	})
	return out, err
}

func (l *Ledger) Commit(ctx context.Context, slotID string) (reservation.Slot, error) {
	s, err := scanSlot(l.db.QueryRow(ctx, `
UPDATE slots SET status='BOOKED', version=version+1, updated_at=$2
WHERE id=$1 AND status='HELD'
RETURNING `+slotCols, slotID, l.now()))
	if err == nil {
		return s, nil
	}
	if !db.IsNotFound(err) {
		return reservation.Slot{}, fmt.Errorf("commit %s: %w", slotID, err)
	}
	cur, err := l.Slot(ctx, slotID)
	if err != nil {
		return reservation.Slot{}, err
	}
	return reservation.Slot{}, fmt.Errorf("commit %s from %s: %w", slotID, cur.Status, reservation.ErrInvalidTransition)
}

func (l *Ledger) Release(ctx context.Context, slotID string, version int64) (reservation.Slot, error) {
	s, err := scanSlot(l.db.QueryRow(ctx, `
UPDATE slots SET status='FREE', version=version+1, updated_at=$2
WHERE id=$1 AND status<>'FREE' AND version=$3
RETURNING `+slotCols, slotID, l.now(), version))
	if err == nil {
		return s, nil
	}
	if !db.IsNotFound(err) {
		return reservation.Slot{}, fmt.Errorf("release %s: %w", slotID, err)
	}
	// Already FREE, moved on, or gone.
	cur, err := l.Slot(ctx, slotID)
	if err != nil {
		return reservation.Slot{}, err
	}
	if cur.Status != reservation.SlotFree {
		return reservation.Slot{}, fmt.Errorf("release %s: at version %d, want %d: %w", slotID, cur.Version, version, reservation.ErrSlotChanged)
	}
	return cur, nil
}

func slotColsPrefixed(alias string) string {
	cols := strings.Split(slotCols, ", ")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}
