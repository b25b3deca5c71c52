package minting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ms-landmarket/internal/errs"
	"ms-landmarket/internal/logger"
	"ms-landmarket/internal/models"
)

type Store interface {
	ListOwnershipsByReservation(ctx context.Context, reservationID string) ([]models.Ownership, error)
	ListUnmintedOwnerships(ctx context.Context, limit int) ([]models.Ownership, error)
	SetAssetRef(ctx context.Context, ownershipID, assetRef string) (bool, error)
}

// TokenSource supplies the service token for mint calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Service mints the external asset record behind each sold slot. Minting
// runs after the settlement commit, so every call is idempotent per slot:
// an ownership that already carries an asset ref is skipped, and failures
// are left for the reconciliation sweep instead of rolling anything back.
type Service struct {
	Store      Store
	Tokens     TokenSource
	serviceURL string
	client     *http.Client
	logger     *logger.Logger
}

func NewService(store Store, serviceURL string, timeout time.Duration, log *logger.Logger) *Service {
	return &Service{
		Store:      store,
		serviceURL: strings.TrimRight(serviceURL, "/"),
		client:     &http.Client{Timeout: timeout},
		logger:     log,
	}
}

type mintRequest struct {
	SlotID  string `json:"slot_id"`
	OwnerID string `json:"owner_id"`
}

type mintResponse struct {
	AssetRef string `json:"asset_ref"`
}

// MintReservation mints every slot of a settled reservation. Errors are
// logged, never returned: the payment already committed and the sweep
// picks up whatever is left.
func (s *Service) MintReservation(ctx context.Context, reservationID string) {
	records, err := s.Store.ListOwnershipsByReservation(ctx, reservationID)
	if err != nil {
		s.logger.Error("MINTING", fmt.Sprintf("list ownerships for %s: %v", reservationID, err))
		return
	}
	for i := range records {
		if records[i].AssetRef != "" {
			continue
		}
		if err := s.mintSlot(ctx, &records[i]); err != nil {
			s.logger.Error("MINTING", fmt.Sprintf("mint %s: %v", records[i].SlotID, err))
		}
	}
}

// mintSlot calls the mint service with the slot id as idempotency key and
// binds the returned asset ref. Losing the SetAssetRef race means another
// worker minted first, which is fine.
func (s *Service) mintSlot(ctx context.Context, o *models.Ownership) error {
	body, err := json.Marshal(mintRequest{SlotID: o.SlotID, OwnerID: o.OwnerID})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serviceURL+"/v1/assets", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", o.SlotID)
	if s.Tokens != nil {
		token, err := s.Tokens.Token(ctx)
		if err != nil {
			return errs.Unavailable("mint service token", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errs.Unavailable("mint service unreachable", err)
	}
	defer func(b io.ReadCloser) {
		if err := b.Close(); err != nil {
			s.logger.Error("MINTING", fmt.Sprintf("close mint response body: %v", err))
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return errs.Unavailable(fmt.Sprintf("mint service returned status %d", resp.StatusCode), nil)
	}

	var minted mintResponse
	if err := json.NewDecoder(resp.Body).Decode(&minted); err != nil {
		return err
	}
	if minted.AssetRef == "" {
		return errs.Internal("mint service returned empty asset ref", nil)
	}

	won, err := s.Store.SetAssetRef(ctx, o.ID, minted.AssetRef)
	if err != nil {
		return err
	}
	if won {
		o.AssetRef = minted.AssetRef
		s.logger.LogSettlement("MINT", o.ReservationID, fmt.Sprintf("slot %s minted as %s", o.SlotID, minted.AssetRef))
	}
	return nil
}

// Reconcile retries mints for ownerships still missing an asset ref.
func (s *Service) Reconcile(ctx context.Context, limit int) (int, error) {
	records, err := s.Store.ListUnmintedOwnerships(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list unminted: %w", err)
	}
	minted := 0
	for i := range records {
		if err := s.mintSlot(ctx, &records[i]); err != nil {
			s.logger.Error("MINTING", fmt.Sprintf("reconcile %s: %v", records[i].SlotID, err))
			continue
		}
		minted++
	}
	return minted, nil
}

// Run reconciles unminted slots on a ticker until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Reconcile(ctx, 100); err != nil {
				s.logger.Error("MINTING", fmt.Sprintf("reconcile sweep: %v", err))
			} else if n > 0 {
				s.logger.LogSettlement("RECONCILE", "-", fmt.Sprintf("minted %d pending slots", n))
			}
		}
	}
}
