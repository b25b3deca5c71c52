package reservation

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ms-landmarket/internal/errs"
	"ms-landmarket/internal/logger"
	"ms-landmarket/internal/models"
	"ms-landmarket/internal/pricing"
)

type DBLayer interface {
	Create(ctx context.Context, r *models.Reservation) error
	GetByID(ctx context.Context, id string) (*models.Reservation, error)
	ListByOwner(ctx context.Context, ownerID string) ([]models.Reservation, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error)
	MarkExpired(ctx context.Context, id string, now time.Time) (bool, error)
	SetPaymentReference(ctx context.Context, id, txHash string) (bool, error)
	AttachReferral(ctx context.Context, id, referrerID string, rate, discount, final decimal.Decimal) (bool, error)
}

type InventoryAPI interface {
	Allocate(ctx context.Context, region, area string, quantity int, reservationID string) ([]string, time.Time, error)
	Release(ctx context.Context, slotIDs []string, reservationID string) error
}

// Publisher is the best-effort audit sink. Publish failures are logged
// and never fail the primary operation.
type Publisher interface {
	PublishReservationCreated(r models.Reservation) error
	PublishReservationExpired(r models.Reservation) error
}

type QRGenerator interface {
	PaymentQR(recipient string, amount decimal.Decimal, reference string) ([]byte, error)
}

// Service owns the reservation lifecycle: PENDING -> PAID | EXPIRED |
// FAILED, one-directional. Expiry is checked lazily on every access; the
// optional sweep reuses the same transition.
type Service struct {
	DB        DBLayer
	Inventory InventoryAPI
	Pricing   pricing.Calculator
	Kafka     Publisher
	QR        QRGenerator
	Logger    *logger.Logger
	Recipient string
}

func NewService(db DBLayer, inv InventoryAPI, calc pricing.Calculator, kafka Publisher, qr QRGenerator, log *logger.Logger, recipient string) *Service {
	return &Service{
		DB:        db,
		Inventory: inv,
		Pricing:   calc,
		Kafka:     kafka,
		QR:        qr,
		Logger:    log,
		Recipient: recipient,
	}
}

var txHashPattern = regexp.MustCompile(`^(0x)?[0-9a-fA-F]{16,128}$`)

// CreateReservation allocates slots and opens a PENDING reservation whose
// expiry matches the slot lock TTL.
func (s *Service) CreateReservation(ctx context.Context, ownerID string, req models.ReservationRequest) (*models.ReservationResponse, error) {
	if ownerID == "" {
		return nil, errs.Invalid("owner id is required")
	}
	if req.Region == "" || req.Area == "" {
		return nil, errs.Invalid("region and area are required")
	}

	quote, err := s.Pricing.Quote(req.Quantity, false)
	if err != nil {
		return nil, err
	}

	reservationID := uuid.NewString()
	slotIDs, expiresAt, err := s.Inventory.Allocate(ctx, req.Region, req.Area, req.Quantity, reservationID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	r := models.Reservation{
		ReservationID:    reservationID,
		OwnerID:          ownerID,
		Region:           req.Region,
		Area:             req.Area,
		SlotIDs:          slotIDs,
		Quantity:         req.Quantity,
		Status:           models.ReservationPending,
		BaseAmount:       quote.BaseAmount,
		DiscountAmount:   quote.DiscountAmount,
		FinalAmount:      quote.FinalAmount,
		RecipientAddress: s.Recipient,
		CreatedAt:        now,
		ExpiresAt:        expiresAt,
	}

	if err := s.DB.Create(ctx, &r); err != nil {
		// The reservation never existed, so hand the slots back.
		_ = s.Inventory.Release(ctx, slotIDs, reservationID)
		return nil, fmt.Errorf("create reservation: %w", err)
	}

	s.Logger.LogReservation("CREATE", reservationID,
		fmt.Sprintf("%d slots in %s/%s for %s, due %s", req.Quantity, req.Region, req.Area, r.FinalAmount, expiresAt.Format(time.RFC3339)))

	if s.Kafka != nil {
		if err := s.Kafka.PublishReservationCreated(r); err != nil {
			s.Logger.Warn("KAFKA", fmt.Sprintf("publish reservation created: %v", err))
		}
	}

	resp := &models.ReservationResponse{
		ReservationID: reservationID,
		SlotIDs:       slotIDs,
		FinalAmount:   r.FinalAmount,
		Recipient:     s.Recipient,
		ExpiresAt:     expiresAt,
	}
	if s.QR != nil {
		png, err := s.QR.PaymentQR(s.Recipient, r.FinalAmount, reservationID)
		if err != nil {
			s.Logger.Warn("QR", fmt.Sprintf("payment qr for %s: %v", reservationID, err))
		} else {
			resp.PaymentQR = png
		}
	}
	return resp, nil
}

// GetReservation loads a reservation, expiring it first when its deadline
// has passed. The caller sees the EXPIRED status, not a stale PENDING.
func (s *Service) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	r, err := s.DB.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.ExpireIfDue(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Service) ListReservationsByOwner(ctx context.Context, ownerID string) ([]models.Reservation, error) {
	reservations, err := s.DB.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	for i := range reservations {
		if _, err := s.ExpireIfDue(ctx, &reservations[i]); err != nil {
			return nil, err
		}
	}
	return reservations, nil
}

// SubmitPaymentReference records a buyer-submitted tx hash. Terminal
// reservations report their state instead of re-running any logic.
func (s *Service) SubmitPaymentReference(ctx context.Context, id, txHash string) (*models.Reservation, error) {
	if !txHashPattern.MatchString(txHash) {
		return nil, errs.Invalid("malformed transaction hash")
	}

	r, err := s.DB.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.ExpireIfDue(ctx, r); err != nil {
		return nil, err
	}
	if r.Status != models.ReservationPending {
		return r, errs.Conflict("reservation is %s", r.Status)
	}

	ok, err := s.DB.SetPaymentReference(ctx, id, txHash)
	if err != nil {
		return nil, fmt.Errorf("set payment reference: %w", err)
	}
	if !ok {
		// Lost a race against expiry or settlement; re-read and report.
		return s.GetReservation(ctx, id)
	}
	r.TxHash = txHash
	s.Logger.LogReservation("PAYMENT_REF", id, "tx hash "+txHash)
	return r, nil
}

// ApplyReferral locks a referral onto a PENDING reservation at most once
// and re-prices it with the referral discount. The conditional update is
// what stops two concurrent calls from both counting.
func (s *Service) ApplyReferral(ctx context.Context, id, referrerID string) (*models.Reservation, error) {
	if referrerID == "" {
		return nil, errs.Invalid("referrer id is required")
	}

	r, err := s.DB.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if referrerID == r.OwnerID {
		return nil, errs.Invalid("cannot refer yourself")
	}
	if _, err := s.ExpireIfDue(ctx, r); err != nil {
		return nil, err
	}
	if r.Status != models.ReservationPending {
		return r, errs.Conflict("reservation is %s", r.Status)
	}
	if r.ReferrerID != "" {
		return r, errs.Conflict("referral already applied")
	}

	quote, err := s.Pricing.Quote(r.Quantity, true)
	if err != nil {
		return nil, err
	}

	ok, err := s.DB.AttachReferral(ctx, id, referrerID, s.Pricing.CommissionRate, quote.DiscountAmount, quote.FinalAmount)
	if err != nil {
		return nil, fmt.Errorf("attach referral: %w", err)
	}
	if !ok {
		return r, errs.Conflict("referral already applied")
	}

	r.ReferrerID = referrerID
	r.CommissionRate = s.Pricing.CommissionRate
	r.DiscountAmount = quote.DiscountAmount
	r.FinalAmount = quote.FinalAmount
	s.Logger.LogReservation("REFERRAL", id, "referrer "+referrerID)
	return r, nil
}

// ExpireIfDue applies the lazy PENDING -> EXPIRED transition when the
// deadline has passed, releasing exactly this reservation's slots. Safe
// to race: only the conditional-update winner releases. The reservation
// is updated in place so callers report the expiry.
func (s *Service) ExpireIfDue(ctx context.Context, r *models.Reservation) (bool, error) {
	now := time.Now().UTC()
	if r.Status != models.ReservationPending || !now.After(r.ExpiresAt) {
		return false, nil
	}

	won, err := s.DB.MarkExpired(ctx, r.ReservationID, now)
	if err != nil {
		return false, fmt.Errorf("expire reservation: %w", err)
	}
	r.Status = models.ReservationExpired
	if !won {
		// Someone else transitioned it first; reflect whatever they did.
		fresh, err := s.DB.GetByID(ctx, r.ReservationID)
		if err != nil {
			return false, err
		}
		*r = *fresh
		return false, nil
	}

	if err := s.Inventory.Release(ctx, r.SlotIDs, r.ReservationID); err != nil {
		s.Logger.Error("RESERVATION", fmt.Sprintf("release on expiry of %s: %v", r.ReservationID, err))
	}
	s.Logger.LogReservation("EXPIRE", r.ReservationID, fmt.Sprintf("released %d slots", len(r.SlotIDs)))

	if s.Kafka != nil {
		if err := s.Kafka.PublishReservationExpired(*r); err != nil {
			s.Logger.Warn("KAFKA", fmt.Sprintf("publish reservation expired: %v", err))
		}
	}
	return true, nil
}

// ExpireDue is the periodic sweep counterpart of the lazy path. Both
// converge on ExpireIfDue, so double-processing is impossible.
func (s *Service) ExpireDue(ctx context.Context, limit int) (int, error) {
	stale, err := s.DB.ListExpiredPending(ctx, time.Now().UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("list expired: %w", err)
	}
	expired := 0
	for i := range stale {
		won, err := s.ExpireIfDue(ctx, &stale[i])
		if err != nil {
			s.Logger.Error("RESERVATION", fmt.Sprintf("sweep expire %s: %v", stale[i].ReservationID, err))
			continue
		}
		if won {
			expired++
		}
	}
	return expired, nil
}

// RunSweeper expires stale reservations on a ticker until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.ExpireDue(ctx, 100); err != nil {
				s.Logger.Error("RESERVATION", fmt.Sprintf("sweep: %v", err))
			} else if n > 0 {
				s.Logger.LogReservation("SWEEP", "-", fmt.Sprintf("expired %d reservations", n))
			}
		}
	}
}
