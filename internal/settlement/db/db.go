package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"

	"ms-landmarket/internal/errs"
	"ms-landmarket/internal/models"
)

// DB persists the settlement side of a sale: payment records, ownership
// records, referral earnings and referrer aggregates. The tx-hash primary
// key and the per-reservation earning uniqueness are the serialization
// points for concurrent settlement attempts.
type DB struct {
	Bun bun.IDB
}

func (d *DB) WithTx(tx bun.Tx) *DB {
	return &DB{Bun: tx}
}

// InsertPayment records the matched transfer. A second settlement attempt
// on the same transfer hits the primary key and gets Conflict, which
// aborts its transaction cleanly.
func (d *DB) InsertPayment(ctx context.Context, p *models.PaymentRecord) error {
	_, err := d.Bun.NewInsert().Model(p).Exec(ctx)
	if err != nil {
		if errs.IsUniqueViolation(err) {
			return errs.Conflict("transfer %s already recorded", p.TxHash)
		}
		return err
	}
	return nil
}

func (d *DB) GetPayment(ctx context.Context, txHash string) (*models.PaymentRecord, error) {
	var p models.PaymentRecord
	err := d.Bun.NewSelect().
		Model(&p).
		Where("tx_hash = ?", txHash).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// InsertOwnerships grants one record per slot. The unique index on
// slot_id backs up the inventory checks: a slot can never be owned twice.
func (d *DB) InsertOwnerships(ctx context.Context, records []models.Ownership) error {
	if len(records) == 0 {
		return nil
	}
	_, err := d.Bun.NewInsert().Model(&records).Exec(ctx)
	if err != nil {
		if errs.IsUniqueViolation(err) {
			return errs.Conflict("slot already owned")
		}
		return err
	}
	return nil
}

func (d *DB) ListOwnershipsByReservation(ctx context.Context, reservationID string) ([]models.Ownership, error) {
	var records []models.Ownership
	err := d.Bun.NewSelect().
		Model(&records).
		Where("reservation_id = ?", reservationID).
		Order("slot_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (d *DB) ListUnmintedOwnerships(ctx context.Context, limit int) ([]models.Ownership, error) {
	var records []models.Ownership
	err := d.Bun.NewSelect().
		Model(&records).
		Where("asset_ref IS NULL OR asset_ref = ''").
		Order("created_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return records, nil
}

// SetAssetRef binds a minted asset to an ownership record, only once.
func (d *DB) SetAssetRef(ctx context.Context, ownershipID, assetRef string) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Ownership)(nil)).
		Set("asset_ref = ?", assetRef).
		Where("id = ?", ownershipID).
		Where("asset_ref IS NULL OR asset_ref = ''").
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

// EarningExists is the idempotency guard for referral commissions.
func (d *DB) EarningExists(ctx context.Context, reservationID string) (bool, error) {
	count, err := d.Bun.NewSelect().
		Model((*models.ReferralEarning)(nil)).
		Where("reservation_id = ?", reservationID).
		Count(ctx)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (d *DB) InsertEarning(ctx context.Context, e *models.ReferralEarning) error {
	_, err := d.Bun.NewInsert().Model(e).Exec(ctx)
	if err != nil {
		if errs.IsUniqueViolation(err) {
			return errs.Conflict("referral earning already exists for reservation %s", e.ReservationID)
		}
		return err
	}
	return nil
}

// CreditReferrer adds a commission to the referrer's cached totals,
// creating the aggregate row on first earning.
func (d *DB) CreditReferrer(ctx context.Context, referrerID string, amount decimal.Decimal) error {
	ref := models.Referrer{
		UserID:        referrerID,
		Role:          models.RoleMember,
		TotalEarned:   amount,
		ReferralCount: 1,
	}
	_, err := d.Bun.NewInsert().
		Model(&ref).
		On("CONFLICT (user_id) DO UPDATE").
		Set("total_earned = total_earned + EXCLUDED.total_earned").
		Set("referral_count = referral_count + 1").
		Exec(ctx)
	return err
}

// PromoteReferrer elevates the referrer's role. A no-op when already
// elevated, so settlement retries never observe a difference.
func (d *DB) PromoteReferrer(ctx context.Context, referrerID string) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.Referrer)(nil)).
		Set("role = ?", models.RoleAmbassador).
		Where("user_id = ?", referrerID).
		Where("role = ?", models.RoleMember).
		Exec(ctx)
	return err
}

func (d *DB) GetReferrer(ctx context.Context, referrerID string) (*models.Referrer, error) {
	var ref models.Referrer
	err := d.Bun.NewSelect().
		Model(&ref).
		Where("user_id = ?", referrerID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("referrer %s not found", referrerID)
	}
	if err != nil {
		return nil, err
	}
	return &ref, nil
}
