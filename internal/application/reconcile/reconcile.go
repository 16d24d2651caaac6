// Package reconcile repairs ledger and store state left behind by a process
// that died part-way through a coordinator operation.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/tablebook/internal/domain/reservation"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	batchSize = 25
	workers   = 8
)

// Reconciler periodically:
//   - returns reservations stuck in MODIFIED to ACTIVE on their old slot,
//   - frees HELD slots nobody committed,
//   - frees BOOKED slots no live reservation references.
//
// Only state older than Grace is touched, so in-flight operations are left alone.
type Reconciler struct {
	Ledger    reservation.Ledger
	Inventory reservation.Inventory
	Store     reservation.Store
	Log       *zap.Logger

	Interval time.Duration
	Grace    time.Duration
	Now      func() time.Time
}

// Report counts the repairs done by one sweep.
type Report struct {
	Restored        int
	ReleasedHeld    int
	ReleasedOrphans int
	Errors          int
}

func (r *Reconciler) log() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

func (r *Reconciler) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now().UTC()
}

func (r *Reconciler) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	// kick immediately
	r.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.tick(ctx)
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	rep, err := r.Sweep(ctx)
	if err != nil {
		r.log().Error("reconcile sweep failed", zap.Error(err))
		return
	}
	if rep != (Report{}) {
		r.log().Info("reconcile sweep",
			zap.Int("restored", rep.Restored),
			zap.Int("released_held", rep.ReleasedHeld),
			zap.Int("released_orphans", rep.ReleasedOrphans),
			zap.Int("errors", rep.Errors))
	}
}

// Sweep runs one pass. Stuck reservations are restored before slots are
// examined so that their old slot is referenced again by the time the orphan
// check runs.
func (r *Reconciler) Sweep(ctx context.Context) (Report, error) {
	cutoff := r.now().Add(-r.Grace)
	var rep Report

	stuck, err := r.Store.Stuck(ctx, reservation.StatusModified, cutoff, batchSize)
	if err != nil {
		return rep, err
	}
	r.each(len(stuck), &rep, func(i int) (func(*Report), error) {
		_, err := r.Store.UpdateStatus(ctx, stuck[i].ID, reservation.StatusModified, reservation.StatusUpdate{Status: reservation.StatusActive})
		if errors.Is(err, reservation.ErrStaleReservation) {
			return nil, nil
		}
		return func(rp *Report) { rp.Restored++ }, err
	})

	held, err := r.Inventory.StaleSlots(ctx, reservation.SlotHeld, cutoff, batchSize)
	if err != nil {
		return rep, err
	}
	r.each(len(held), &rep, func(i int) (func(*Report), error) {
		_, err := r.Ledger.Release(ctx, held[i].ID, held[i].Version)
		if errors.Is(err, reservation.ErrSlotChanged) {
			// committed or freed since the scan
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return func(rp *Report) { rp.ReleasedHeld++ }, nil
	})

	booked, err := r.Inventory.StaleSlots(ctx, reservation.SlotBooked, cutoff, 0)
	if err != nil {
		return rep, err
	}
	r.each(len(booked), &rep, func(i int) (func(*Report), error) {
		_, err := r.Store.FindBySlot(ctx, booked[i].ID)
		if err == nil {
			return nil, nil
		}
		if !errors.Is(err, reservation.ErrReservationNotFound) {
			return nil, err
		}
		_, err = r.Ledger.Release(ctx, booked[i].ID, booked[i].Version)
		if errors.Is(err, reservation.ErrSlotChanged) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		r.log().Warn("released orphaned booked slot", zap.String("slot_id", booked[i].ID), zap.String("table_id", booked[i].TableID))
		return func(rp *Report) { rp.ReleasedOrphans++ }, nil
	})

	return rep, ctx.Err()
}

// each runs fn for n items on a few workers and folds the results into rep.
// Failures are counted and logged rather than aborting the sweep.
func (r *Reconciler) each(n int, rep *Report, fn func(i int) (func(*Report), error)) {
	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(workers)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			apply, err := fn(i)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rep.Errors++
				r.log().Error("reconcile repair failed", zap.Error(err))
				return nil
			}
			if apply != nil {
				apply(rep)
			}
			return nil
		})
	}
	_ = g.Wait()
}
