package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"

	"ms-landmarket/internal/errs"
	"ms-landmarket/internal/models"
)

// DB is the storage layer of the inventory ledger. It accepts a bun.IDB so
// the same queries run against the pooled connection or inside a
// settlement transaction.
type DB struct {
	Bun bun.IDB
}

// WithTx returns a copy of the layer bound to tx.
func (d *DB) WithTx(tx bun.Tx) *DB {
	return &DB{Bun: tx}
}

// ListCandidates returns slots that can be locked right now: AVAILABLE, or
// LOCKED with an expired lock. Ordered by ascending sequence so concurrent
// allocators walk the grid in the same direction and converge on disjoint
// ranges instead of thrashing on the same slot.
func (d *DB) ListCandidates(ctx context.Context, region, area string, limit int, now time.Time) ([]models.LandSlot, error) {
	var slots []models.LandSlot
	err := d.Bun.NewSelect().
		Model(&slots).
		Where("region = ?", region).
		Where("area = ?", area).
		Where("status = ? OR (status = ? AND lock_expires_at < ?)",
			models.SlotAvailable, models.SlotLocked, now).
		Order("sequence ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return slots, nil
}

// TryLock is the allocation compare-and-set. The update only succeeds if
// the slot is still AVAILABLE or holds an expired lock; the returned bool
// tells the caller whether this call won the slot.
func (d *DB) TryLock(ctx context.Context, slotID, reservationID string, expiresAt, now time.Time) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.LandSlot)(nil)).
		Set("status = ?", models.SlotLocked).
		Set("locked_by = ?", reservationID).
		Set("lock_expires_at = ?", expiresAt).
		Where("slot_id = ?", slotID).
		Where("status = ? OR (status = ? AND lock_expires_at < ?)",
			models.SlotAvailable, models.SlotLocked, now).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// Release puts slots back to AVAILABLE and clears their lock fields. It is
// idempotent and must never overwrite a SOLD slot, hence the explicit
// status guard.
func (d *DB) Release(ctx context.Context, slotIDs []string) error {
	if len(slotIDs) == 0 {
		return nil
	}
	_, err := d.Bun.NewUpdate().
		Model((*models.LandSlot)(nil)).
		Set("status = ?", models.SlotAvailable).
		Set("locked_by = NULL").
		Set("lock_expires_at = NULL").
		Where("slot_id IN (?)", bun.In(slotIDs)).
		Where("status <> ?", models.SlotSold).
		Exec(ctx)
	return err
}

// VerifyLocked checks that every slot is still LOCKED by the given
// reservation with an unexpired lock. Used inside settlement before
// anything irreversible happens.
func (d *DB) VerifyLocked(ctx context.Context, slotIDs []string, reservationID string, now time.Time) error {
	count, err := d.Bun.NewSelect().
		Model((*models.LandSlot)(nil)).
		Where("slot_id IN (?)", bun.In(slotIDs)).
		Where("status = ?", models.SlotLocked).
		Where("locked_by = ?", reservationID).
		Where("lock_expires_at >= ?", now).
		Count(ctx)
	if err != nil {
		return err
	}
	if count != len(slotIDs) {
		return errs.Internal("slot lock verification failed", nil)
	}
	return nil
}

// MarkSold transitions slots LOCKED -> SOLD, but only while they are still
// locked by the settling reservation. A shortfall means a lock expired and
// was reassigned mid-settlement; the caller must abort the transaction.
func (d *DB) MarkSold(ctx context.Context, slotIDs []string, reservationID, ownerID string, now time.Time) error {
	res, err := d.Bun.NewUpdate().
		Model((*models.LandSlot)(nil)).
		Set("status = ?", models.SlotSold).
		Set("sold_to = ?", ownerID).
		Set("locked_by = NULL").
		Set("lock_expires_at = NULL").
		Where("slot_id IN (?)", bun.In(slotIDs)).
		Where("status = ?", models.SlotLocked).
		Where("locked_by = ?", reservationID).
		Where("lock_expires_at >= ?", now).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows != int64(len(slotIDs)) {
		return errs.Internal("slot no longer locked by reservation", nil)
	}
	return nil
}

// IncrementSoldCount bumps the area counter by the settled quantity.
func (d *DB) IncrementSoldCount(ctx context.Context, region, area string, n int) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.Area)(nil)).
		Set("sold_count = sold_count + ?", n).
		Where("region = ?", region).
		Where("code = ?", area).
		Exec(ctx)
	return err
}

func (d *DB) GetSlot(ctx context.Context, slotID string) (*models.LandSlot, error) {
	var slot models.LandSlot
	err := d.Bun.NewSelect().
		Model(&slot).
		Where("slot_id = ?", slotID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("slot %s not found", slotID)
	}
	if err != nil {
		return nil, err
	}
	return &slot, nil
}

func (d *DB) GetArea(ctx context.Context, region, code string) (*models.Area, error) {
	var area models.Area
	err := d.Bun.NewSelect().
		Model(&area).
		Where("region = ?", region).
		Where("code = ?", code).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("area %s/%s not found", region, code)
	}
	if err != nil {
		return nil, err
	}
	return &area, nil
}

func (d *DB) ListAreas(ctx context.Context, region string) ([]models.Area, error) {
	var areas []models.Area
	err := d.Bun.NewSelect().
		Model(&areas).
		Where("region = ?", region).
		Order("code ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return areas, nil
}
