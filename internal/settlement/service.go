package settlement

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"

	"ms-landmarket/internal/errs"
	invdb "ms-landmarket/internal/inventory/db"
	"ms-landmarket/internal/logger"
	"ms-landmarket/internal/models"
	"ms-landmarket/internal/payment"
	"ms-landmarket/internal/reservation"
	resdb "ms-landmarket/internal/reservation/db"
	setdb "ms-landmarket/internal/settlement/db"
)

type Result string

const (
	ResultPaid                  Result = "PAID"
	ResultExpired               Result = "EXPIRED"
	ResultAwaitingConfirmations Result = "AWAITING_CONFIRMATIONS"
	ResultFailed                Result = "FAILED"
)

// Outcome is what Finalize reports back. AwaitingConfirmations and an
// indexer outage are states to poll through, not failures.
type Outcome struct {
	Result        Result          `json:"result"`
	TxHash        string          `json:"tx_hash,omitempty"`
	Confirmations int             `json:"confirmations"`
	Surplus       decimal.Decimal `json:"surplus"`
	Reason        string          `json:"reason,omitempty"`
}

type MatcherAPI interface {
	FindTransfer(ctx context.Context, r *models.Reservation) (*payment.Match, error)
}

// Minter creates the external asset record per slot after commit. It must
// be idempotent per slot since it runs outside the transaction.
type Minter interface {
	MintReservation(ctx context.Context, reservationID string)
}

type Publisher interface {
	PublishSettlementCompleted(r models.Reservation) error
	PublishReservationFailed(r models.Reservation) error
	PublishReferralEarned(e models.ReferralEarning) error
}

// Service finalizes paid reservations. All settlement writes happen in
// one transaction; the payment record's tx-hash key and the one-earning-
// per-reservation constraint make concurrent Finalize calls collapse to
// a single winner.
type Service struct {
	Bun          *bun.DB
	Reservations *resdb.DB
	Inventory    *invdb.DB
	Store        *setdb.DB
	Lifecycle    *reservation.Service
	Matcher      MatcherAPI
	Minting      Minter
	Kafka        Publisher
	Logger       *logger.Logger
}

func NewService(bunDB *bun.DB, lifecycle *reservation.Service, matcher MatcherAPI, minting Minter, kafka Publisher, log *logger.Logger) *Service {
	return &Service{
		Bun:          bunDB,
		Reservations: &resdb.DB{Bun: bunDB},
		Inventory:    &invdb.DB{Bun: bunDB},
		Store:        &setdb.DB{Bun: bunDB},
		Lifecycle:    lifecycle,
		Matcher:      matcher,
		Minting:      minting,
		Kafka:        kafka,
		Logger:       log,
	}
}

// Finalize drives a reservation to its terminal state. Safe to call any
// number of times: a committed settlement short-circuits to PAID with the
// same payment record, and everything before the transaction is read-only.
func (s *Service) Finalize(ctx context.Context, reservationID string) (*Outcome, error) {
	r, err := s.Reservations.GetByID(ctx, reservationID)
	if err != nil {
		return nil, err
	}

	switch r.Status {
	case models.ReservationPaid:
		return s.paidOutcome(ctx, r), nil
	case models.ReservationExpired:
		return &Outcome{Result: ResultExpired, Surplus: decimal.Zero}, nil
	case models.ReservationFailed:
		return &Outcome{Result: ResultFailed, Reason: r.FailureReason, Surplus: decimal.Zero}, nil
	}

	if _, err := s.Lifecycle.ExpireIfDue(ctx, r); err != nil {
		return nil, err
	}
	if r.Status == models.ReservationExpired {
		return &Outcome{Result: ResultExpired, Surplus: decimal.Zero}, nil
	}
	if r.Status == models.ReservationPaid {
		return s.paidOutcome(ctx, r), nil
	}

	match, err := s.Matcher.FindTransfer(ctx, r)
	if err != nil {
		return nil, err
	}
	if match == nil {
		return &Outcome{Result: ResultAwaitingConfirmations, Surplus: decimal.Zero}, nil
	}
	if !match.Confirmed {
		// Persist the count so polling clients see progress.
		if err := s.Reservations.SetConfirmations(ctx, r.ReservationID, match.Transfer.TxHash, match.Confirmations); err != nil {
			s.Logger.Warn("SETTLEMENT", fmt.Sprintf("persist confirmations for %s: %v", r.ReservationID, err))
		}
		return &Outcome{
			Result:        ResultAwaitingConfirmations,
			TxHash:        match.Transfer.TxHash,
			Confirmations: match.Confirmations,
			Surplus:       decimal.Zero,
		}, nil
	}

	// Double-spend: the transfer may already have settled another order.
	other, err := s.Reservations.GetPaidByTxHash(ctx, match.Transfer.TxHash)
	if err != nil {
		return nil, err
	}
	if other != nil && other.ReservationID != r.ReservationID {
		return s.fail(ctx, r, fmt.Sprintf("transfer %s already settled reservation %s", match.Transfer.TxHash, other.ReservationID))
	}

	if err := s.commit(ctx, r, match); err != nil {
		if errs.IsKind(err, errs.KindConflict) {
			// Lost the race; whoever won has the answer.
			return s.Finalize(ctx, reservationID)
		}
		return nil, err
	}

	s.Logger.LogSettlement("FINALIZE", r.ReservationID,
		fmt.Sprintf("paid %s via %s, %d slots sold", match.Transfer.Amount, match.Transfer.TxHash, len(r.SlotIDs)))

	if s.Kafka != nil {
		if err := s.Kafka.PublishSettlementCompleted(*r); err != nil {
			s.Logger.Warn("KAFKA", fmt.Sprintf("publish settlement completed: %v", err))
		}
	}
	if s.Minting != nil {
		s.Minting.MintReservation(ctx, r.ReservationID)
	}

	return &Outcome{
		Result:        ResultPaid,
		TxHash:        match.Transfer.TxHash,
		Confirmations: match.Confirmations,
		Surplus:       match.Surplus,
	}, nil
}

// commit runs the all-or-nothing settlement transaction. On abort no
// partial state is visible and the reservation stays PENDING for retry.
func (s *Service) commit(ctx context.Context, r *models.Reservation, match *payment.Match) error {
	var earned *models.ReferralEarning

	err := s.Bun.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		now := time.Now().UTC()
		resTx := s.Reservations.WithTx(tx)
		invTx := s.Inventory.WithTx(tx)
		storeTx := s.Store.WithTx(tx)

		record := models.PaymentRecord{
			TxHash:        match.Transfer.TxHash,
			ReservationID: r.ReservationID,
			Sender:        match.Transfer.From,
			Recipient:     match.Transfer.To,
			TokenContract: match.Transfer.TokenContract,
			Amount:        match.Transfer.Amount,
			Surplus:       match.Surplus,
			BlockTime:     match.Transfer.BlockTime,
			Confirmations: match.Confirmations,
			RawPayload:    []byte(match.Transfer.Raw),
			CreatedAt:     now,
		}
		if err := storeTx.InsertPayment(ctx, &record); err != nil {
			return err
		}

		if err := invTx.VerifyLocked(ctx, r.SlotIDs, r.ReservationID, now); err != nil {
			return err
		}

		won, err := resTx.MarkPaid(ctx, r.ReservationID, match.Transfer.TxHash, match.Transfer.Amount, match.Confirmations, now)
		if err != nil {
			return err
		}
		if !won {
			return errs.Conflict("reservation %s already left PENDING", r.ReservationID)
		}

		if err := invTx.MarkSold(ctx, r.SlotIDs, r.ReservationID, r.OwnerID, now); err != nil {
			return err
		}
		if err := invTx.IncrementSoldCount(ctx, r.Region, r.Area, len(r.SlotIDs)); err != nil {
			return err
		}

		records := make([]models.Ownership, 0, len(r.SlotIDs))
		for _, slotID := range r.SlotIDs {
			records = append(records, models.Ownership{
				ID:            uuid.NewString(),
				SlotID:        slotID,
				OwnerID:       r.OwnerID,
				ReservationID: r.ReservationID,
				CreatedAt:     now,
			})
		}
		if err := storeTx.InsertOwnerships(ctx, records); err != nil {
			return err
		}

		if r.ReferrerID != "" {
			exists, err := storeTx.EarningExists(ctx, r.ReservationID)
			if err != nil {
				return err
			}
			if !exists {
				commission := r.CommissionRate.Mul(match.Transfer.Amount)
				earning := models.ReferralEarning{
					EarningID:     uuid.NewString(),
					ReservationID: r.ReservationID,
					ReferrerID:    r.ReferrerID,
					ReferredID:    r.OwnerID,
					Amount:        commission,
					Status:        models.EarningEarned,
					CreatedAt:     now,
				}
				if err := storeTx.InsertEarning(ctx, &earning); err != nil {
					return err
				}
				if err := storeTx.CreditReferrer(ctx, r.ReferrerID, commission); err != nil {
					return err
				}
				earned = &earning
			}
			if err := storeTx.PromoteReferrer(ctx, r.ReferrerID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.Status = models.ReservationPaid
	r.TxHash = match.Transfer.TxHash
	r.PaidAmount = match.Transfer.Amount
	r.Confirmations = match.Confirmations

	if earned != nil && s.Kafka != nil {
		if err := s.Kafka.PublishReferralEarned(*earned); err != nil {
			s.Logger.Warn("KAFKA", fmt.Sprintf("publish referral earned: %v", err))
		}
	}
	return nil
}

// fail moves the reservation to FAILED and frees its slots for resale.
func (s *Service) fail(ctx context.Context, r *models.Reservation, reason string) (*Outcome, error) {
	won, err := s.Reservations.MarkFailed(ctx, r.ReservationID, reason)
	if err != nil {
		return nil, err
	}
	if won {
		if err := s.Lifecycle.Inventory.Release(ctx, r.SlotIDs, r.ReservationID); err != nil {
			s.Logger.Error("SETTLEMENT", fmt.Sprintf("release slots of failed %s: %v", r.ReservationID, err))
		}
		r.Status = models.ReservationFailed
		r.FailureReason = reason
		s.Logger.LogSettlement("FAIL", r.ReservationID, reason)
		if s.Kafka != nil {
			if err := s.Kafka.PublishReservationFailed(*r); err != nil {
				s.Logger.Warn("KAFKA", fmt.Sprintf("publish reservation failed: %v", err))
			}
		}
		return &Outcome{Result: ResultFailed, Reason: reason, Surplus: decimal.Zero}, nil
	}
	// Someone else transitioned it; report their verdict.
	return s.Finalize(ctx, r.ReservationID)
}

// paidOutcome rebuilds the original outcome for an idempotent retry.
func (s *Service) paidOutcome(ctx context.Context, r *models.Reservation) *Outcome {
	out := &Outcome{
		Result:        ResultPaid,
		TxHash:        r.TxHash,
		Confirmations: r.Confirmations,
		Surplus:       decimal.Zero,
	}
	if r.TxHash != "" {
		if p, err := s.Store.GetPayment(ctx, r.TxHash); err == nil && p != nil {
			out.Surplus = p.Surplus
		}
	}
	return out
}
