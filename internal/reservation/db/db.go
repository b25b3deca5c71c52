package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"

	"ms-landmarket/internal/errs"
	"ms-landmarket/internal/models"
)

// DB is the reservation storage layer. Status changes are expressed as
// conditional updates so concurrent callers (handlers, the sweep, admin
// retries) serialize on the row instead of on an application mutex.
type DB struct {
	Bun bun.IDB
}

func (d *DB) WithTx(tx bun.Tx) *DB {
	return &DB{Bun: tx}
}

func (d *DB) Create(ctx context.Context, r *models.Reservation) error {
	_, err := d.Bun.NewInsert().Model(r).Exec(ctx)
	return err
}

func (d *DB) GetByID(ctx context.Context, id string) (*models.Reservation, error) {
	var r models.Reservation
	err := d.Bun.NewSelect().
		Model(&r).
		Where("reservation_id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("reservation %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (d *DB) ListByOwner(ctx context.Context, ownerID string) ([]models.Reservation, error) {
	var reservations []models.Reservation
	err := d.Bun.NewSelect().
		Model(&reservations).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return reservations, nil
}

// ListExpiredPending feeds the optional sweep. The lazy expire-on-access
// path and the sweep both funnel into MarkExpired, so racing is harmless.
func (d *DB) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error) {
	var reservations []models.Reservation
	err := d.Bun.NewSelect().
		Model(&reservations).
		Where("status = ?", models.ReservationPending).
		Where("expires_at < ?", now).
		Order("expires_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return reservations, nil
}

// MarkExpired performs the PENDING -> EXPIRED transition. Returns true
// only for the caller that won the conditional update; everyone else sees
// false and must not release slots again.
func (d *DB) MarkExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Reservation)(nil)).
		Set("status = ?", models.ReservationExpired).
		Where("reservation_id = ?", id).
		Where("status = ?", models.ReservationPending).
		Where("expires_at < ?", now).
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

// MarkFailed performs the PENDING -> FAILED transition.
func (d *DB) MarkFailed(ctx context.Context, id, reason string) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Reservation)(nil)).
		Set("status = ?", models.ReservationFailed).
		Set("failure_reason = ?", reason).
		Where("reservation_id = ?", id).
		Where("status = ?", models.ReservationPending).
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

// MarkPaid performs the PENDING -> PAID transition inside the settlement
// transaction, recording what was actually paid.
func (d *DB) MarkPaid(ctx context.Context, id, txHash string, paidAmount decimal.Decimal, confirmations int, paidAt time.Time) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Reservation)(nil)).
		Set("status = ?", models.ReservationPaid).
		Set("tx_hash = ?", txHash).
		Set("paid_amount = ?", paidAmount).
		Set("confirmations = ?", confirmations).
		Set("paid_at = ?", paidAt).
		Where("reservation_id = ?", id).
		Where("status = ?", models.ReservationPending).
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

// SetPaymentReference stores a buyer-submitted tx hash on a PENDING
// reservation so the matcher can prefer it during verification.
func (d *DB) SetPaymentReference(ctx context.Context, id, txHash string) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Reservation)(nil)).
		Set("tx_hash = ?", txHash).
		Where("reservation_id = ?", id).
		Where("status = ?", models.ReservationPending).
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

// SetConfirmations persists the current confirmation count for polling
// visibility while the payment is below threshold.
func (d *DB) SetConfirmations(ctx context.Context, id, txHash string, confirmations int) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.Reservation)(nil)).
		Set("tx_hash = ?", txHash).
		Set("confirmations = ?", confirmations).
		Where("reservation_id = ?", id).
		Where("status = ?", models.ReservationPending).
		Exec(ctx)
	return err
}

// AttachReferral locks the referral snapshot onto a PENDING reservation.
// The "referrer not yet set" guard makes two concurrent attach calls
// resolve to exactly one winner.
func (d *DB) AttachReferral(ctx context.Context, id, referrerID string, rate, discount, final decimal.Decimal) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Reservation)(nil)).
		Set("referrer_id = ?", referrerID).
		Set("commission_rate = ?", rate).
		Set("discount_amount = ?", discount).
		Set("final_amount = ?", final).
		Where("reservation_id = ?", id).
		Where("status = ?", models.ReservationPending).
		Where("referrer_id IS NULL").
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

// GetPaidByTxHash returns the PAID reservation bound to a tx hash, or nil.
// Used by the settlement double-spend check.
func (d *DB) GetPaidByTxHash(ctx context.Context, txHash string) (*models.Reservation, error) {
	var r models.Reservation
	err := d.Bun.NewSelect().
		Model(&r).
		Where("tx_hash = ?", txHash).
		Where("status = ?", models.ReservationPaid).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
