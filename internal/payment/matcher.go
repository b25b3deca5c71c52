package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ms-landmarket/internal/logger"
	"ms-landmarket/internal/models"
	"ms-landmarket/internal/payment/indexer"
)

type IndexerAPI interface {
	Transfers(ctx context.Context, recipient string, since time.Time) ([]indexer.Transfer, error)
	ChainHeight(ctx context.Context) (int64, error)
}

// Match is a transfer that covers a reservation, with how deep it is
// buried and how much was overpaid.
type Match struct {
	Transfer      indexer.Transfer
	Confirmations int
	Surplus       decimal.Decimal
	Confirmed     bool
}

// Matcher decides whether an on-chain transfer pays for a reservation.
// A transfer qualifies when it targets the treasury address, moves the
// exact configured token and carries at least the final amount. Nothing
// here mutates state; settlement acts on the verdict.
type Matcher struct {
	Indexer               IndexerAPI
	TokenContract         string
	ConfirmationThreshold int
	BlockInterval         time.Duration
	Logger                *logger.Logger
}

func NewMatcher(idx IndexerAPI, tokenContract string, threshold int, blockInterval time.Duration, log *logger.Logger) *Matcher {
	return &Matcher{
		Indexer:               idx,
		TokenContract:         tokenContract,
		ConfirmationThreshold: threshold,
		BlockInterval:         blockInterval,
		Logger:                log,
	}
}

// FindTransfer scans transfers to the reservation's recipient address for
// one that covers the final amount. When the buyer submitted a tx hash it
// is preferred; otherwise the earliest qualifying transfer wins, with the
// tx hash as the deterministic tie-break for equal block times. Returns
// nil when no qualifying transfer exists yet.
func (m *Matcher) FindTransfer(ctx context.Context, r *models.Reservation) (*Match, error) {
	transfers, err := m.Indexer.Transfers(ctx, r.RecipientAddress, r.CreatedAt)
	if err != nil {
		return nil, err
	}

	var best *indexer.Transfer
	for i := range transfers {
		t := &transfers[i]
		if !m.qualifies(t, r) {
			continue
		}
		if r.TxHash != "" && strings.EqualFold(t.TxHash, r.TxHash) {
			best = t
			break
		}
		if best == nil || earlier(t, best) {
			best = t
		}
	}
	if best == nil {
		m.Logger.LogIndexer("MATCH", fmt.Sprintf("no qualifying transfer for %s yet", r.ReservationID))
		return nil, nil
	}

	confirmations := m.confirmations(ctx, best)
	match := &Match{
		Transfer:      *best,
		Confirmations: confirmations,
		Surplus:       best.Amount.Sub(r.FinalAmount),
		Confirmed:     confirmations >= m.ConfirmationThreshold,
	}
	m.Logger.LogIndexer("MATCH", fmt.Sprintf("reservation %s matched tx %s (%d/%d confirmations, surplus %s)",
		r.ReservationID, best.TxHash, confirmations, m.ConfirmationThreshold, match.Surplus))
	return match, nil
}

func (m *Matcher) qualifies(t *indexer.Transfer, r *models.Reservation) bool {
	if !strings.EqualFold(t.To, r.RecipientAddress) {
		return false
	}
	if !strings.EqualFold(t.TokenContract, m.TokenContract) {
		return false
	}
	// The since parameter asks the indexer for this already, but an indexer
	// that ignores it must not let a pre-reservation transfer settle here.
	if t.BlockTime.Before(r.CreatedAt) {
		return false
	}
	return t.Amount.GreaterThanOrEqual(r.FinalAmount)
}

func earlier(a, b *indexer.Transfer) bool {
	if !a.BlockTime.Equal(b.BlockTime) {
		return a.BlockTime.Before(b.BlockTime)
	}
	return strings.ToLower(a.TxHash) < strings.ToLower(b.TxHash)
}

// confirmations derives depth from the chain head. When the indexer
// cannot report a height, elapsed wall time divided by the block interval
// stands in so a healthy payment is not stuck forever.
func (m *Matcher) confirmations(ctx context.Context, t *indexer.Transfer) int {
	if t.BlockHeight > 0 {
		height, err := m.Indexer.ChainHeight(ctx)
		if err == nil && height >= t.BlockHeight {
			return int(height - t.BlockHeight)
		}
		if err != nil {
			m.Logger.Warn("INDEXER", fmt.Sprintf("chain height unavailable, falling back to wall clock: %v", err))
		}
	}
	elapsed := time.Since(t.BlockTime)
	if elapsed < 0 {
		return 0
	}
	return int(elapsed / m.BlockInterval)
}
