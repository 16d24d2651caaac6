package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/example/tablebook/internal/db"
	"github.com/example/tablebook/internal/domain/reservation"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
)

func TestNotFoundMapping(t *testing.T) {
	noRows := fmt.Errorf("scan: %w", pgx.ErrNoRows)
	broken := errors.New("conn closed")

	err := slotNotFound("s1", noRows)
	assert.ErrorIs(t, err, reservation.ErrSlotNotFound)
	assert.NotErrorIs(t, err, pgx.ErrNoRows)

	err = slotNotFound("s1", broken)
	assert.ErrorIs(t, err, broken)
	assert.NotErrorIs(t, err, reservation.ErrSlotNotFound)
	assert.Contains(t, err.Error(), "slot s1: db: conn closed")

	err = notFound("r1", noRows)
	assert.ErrorIs(t, err, reservation.ErrReservationNotFound)

	err = notFound("r1", broken)
	assert.ErrorIs(t, err, broken)
	assert.NotErrorIs(t, err, reservation.ErrReservationNotFound)

	assert.ErrorIs(t, slotNotFound("s1", db.ErrNotFound), reservation.ErrSlotNotFound)
}
