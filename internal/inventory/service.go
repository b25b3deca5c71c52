package inventory

import (
	"context"
	"fmt"
	"time"

	"ms-landmarket/internal/errs"
	"ms-landmarket/internal/logger"
	"ms-landmarket/internal/models"
)

// allocSlack is how many extra candidates each round fetches beyond the
// remaining quantity, so a few lost compare-and-sets do not force another
// round trip.
const allocSlack = 8

type DBLayer interface {
	ListCandidates(ctx context.Context, region, area string, limit int, now time.Time) ([]models.LandSlot, error)
	TryLock(ctx context.Context, slotID, reservationID string, expiresAt, now time.Time) (bool, error)
	Release(ctx context.Context, slotIDs []string) error
	GetArea(ctx context.Context, region, code string) (*models.Area, error)
	ListAreas(ctx context.Context, region string) ([]models.Area, error)
}

// SlotLock is the optional redis front filter. The database
// compare-and-set stays authoritative; a filter failure only costs a
// wasted update attempt.
type SlotLock interface {
	TryLock(ctx context.Context, slotID, reservationID string) (bool, error)
	Unlock(ctx context.Context, slotID, reservationID string) error
}

// Service is the inventory ledger. All slot status changes go through it.
type Service struct {
	DB      DBLayer
	Locks   SlotLock
	Logger  *logger.Logger
	LockTTL time.Duration
}

func NewService(db DBLayer, locks SlotLock, log *logger.Logger, lockTTL time.Duration) *Service {
	return &Service{DB: db, Locks: locks, Logger: log, LockTTL: lockTTL}
}

// Allocate locks quantity slots in the area for a reservation and returns
// their ids plus the lock expiry. Slots are claimed one at a time through
// the conditional update; when the pool runs out before quantity is
// reached, everything claimed in this call is released and a Conflict is
// returned. There is no global lock anywhere in this path.
func (s *Service) Allocate(ctx context.Context, region, area string, quantity int, reservationID string) ([]string, time.Time, error) {
	if quantity < 1 {
		return nil, time.Time{}, errs.Invalid("quantity must be positive, got %d", quantity)
	}

	now := time.Now().UTC()
	expiresAt := now.Add(s.LockTTL)

	acquired := make([]string, 0, quantity)
	skipped := make(map[string]bool)

	for len(acquired) < quantity {
		batch, err := s.DB.ListCandidates(ctx, region, area, quantity-len(acquired)+allocSlack, now)
		if err != nil {
			s.rollback(ctx, acquired, reservationID)
			return nil, time.Time{}, fmt.Errorf("list candidates: %w", err)
		}

		progressed := false
		for _, slot := range batch {
			if len(acquired) == quantity {
				break
			}
			if skipped[slot.SlotID] {
				continue
			}

			if s.Locks != nil {
				ok, err := s.Locks.TryLock(ctx, slot.SlotID, reservationID)
				if err != nil {
					s.Logger.Warn("INVENTORY", fmt.Sprintf("redis filter error on %s: %v", slot.SlotID, err))
				} else if !ok {
					skipped[slot.SlotID] = true
					continue
				}
			}

			won, err := s.DB.TryLock(ctx, slot.SlotID, reservationID, expiresAt, now)
			if err != nil {
				s.rollback(ctx, acquired, reservationID)
				return nil, time.Time{}, fmt.Errorf("lock slot %s: %w", slot.SlotID, err)
			}
			if !won {
				// Lost the race for this slot; leave it to its winner.
				skipped[slot.SlotID] = true
				if s.Locks != nil {
					_ = s.Locks.Unlock(ctx, slot.SlotID, reservationID)
				}
				continue
			}

			acquired = append(acquired, slot.SlotID)
			progressed = true
		}

		if len(acquired) == quantity {
			break
		}
		if !progressed {
			s.rollback(ctx, acquired, reservationID)
			return nil, time.Time{}, errs.Conflict(
				"area %s/%s exhausted: wanted %d slots, only %d lockable", region, area, quantity, len(acquired))
		}
	}

	s.Logger.LogInventory("ALLOCATE", region+"/"+area,
		fmt.Sprintf("locked %d slots for reservation %s until %s", quantity, reservationID, expiresAt.Format(time.RFC3339)))
	return acquired, expiresAt, nil
}

// Release returns slots to the pool. Idempotent; SOLD slots are never
// touched.
func (s *Service) Release(ctx context.Context, slotIDs []string, reservationID string) error {
	if len(slotIDs) == 0 {
		return nil
	}
	if err := s.DB.Release(ctx, slotIDs); err != nil {
		return fmt.Errorf("release slots: %w", err)
	}
	if s.Locks != nil {
		for _, slotID := range slotIDs {
			_ = s.Locks.Unlock(ctx, slotID, reservationID)
		}
	}
	s.Logger.LogInventory("RELEASE", reservationID, fmt.Sprintf("released %d slots", len(slotIDs)))
	return nil
}

func (s *Service) GetArea(ctx context.Context, region, code string) (*models.Area, error) {
	return s.DB.GetArea(ctx, region, code)
}

func (s *Service) ListAreas(ctx context.Context, region string) ([]models.Area, error) {
	return s.DB.ListAreas(ctx, region)
}

// rollback releases partially acquired slots. Failures are logged, not
// returned: no reservation exists yet and the locks self-expire.
func (s *Service) rollback(ctx context.Context, acquired []string, reservationID string) {
	if len(acquired) == 0 {
		return
	}
	if err := s.DB.Release(ctx, acquired); err != nil {
		s.Logger.Error("INVENTORY", fmt.Sprintf("rollback release failed for reservation %s: %v", reservationID, err))
	}
	if s.Locks != nil {
		for _, slotID := range acquired {
			_ = s.Locks.Unlock(ctx, slotID, reservationID)
		}
	}
}
