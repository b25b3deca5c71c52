package payment_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"ms-landmarket/internal/logger"
	"ms-landmarket/internal/models"
	"ms-landmarket/internal/payment"
	"ms-landmarket/internal/payment/indexer"
)

type MockIndexer struct {
	mock.Mock
}

func (m *MockIndexer) Transfers(ctx context.Context, recipient string, since time.Time) ([]indexer.Transfer, error) {
	args := m.Called(ctx, recipient, since)
	return args.Get(0).([]indexer.Transfer), args.Error(1)
}

func (m *MockIndexer) ChainHeight(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func testReservation() *models.Reservation {
	return &models.Reservation{
		ReservationID:    "res-1",
		RecipientAddress: "0xTREASURY",
		FinalAmount:      dec("100"),
		CreatedAt:        time.Now().UTC().Add(-10 * time.Minute),
	}
}

func newMatcher(idx *MockIndexer) *payment.Matcher {
	return payment.NewMatcher(idx, "0xUSDT", 12, 12*time.Second, logger.NewLogger())
}

func transfer(hash string, amount string, blockTime time.Time, height int64) indexer.Transfer {
	return indexer.Transfer{
		TxHash:        hash,
		From:          "0xBUYER",
		To:            "0xTREASURY",
		TokenContract: "0xUSDT",
		Amount:        dec(amount),
		BlockTime:     blockTime,
		BlockHeight:   height,
	}
}

func TestFindTransferExactAmount(t *testing.T) {
	idx := new(MockIndexer)
	r := testReservation()
	now := time.Now().UTC()

	idx.On("Transfers", mock.Anything, "0xTREASURY", r.CreatedAt).
		Return([]indexer.Transfer{transfer("0xaaa", "100", now.Add(-5*time.Minute), 500)}, nil)
	idx.On("ChainHeight", mock.Anything).Return(int64(520), nil)

	match, err := newMatcher(idx).FindTransfer(context.Background(), r)
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, "0xaaa", match.Transfer.TxHash)
	assert.Equal(t, 20, match.Confirmations)
	assert.True(t, match.Confirmed)
	assert.True(t, match.Surplus.IsZero())
}

func TestFindTransferRejectsWrongTokenAndUnderpayment(t *testing.T) {
	idx := new(MockIndexer)
	r := testReservation()
	now := time.Now().UTC()

	wrongToken := transfer("0xaaa", "100", now, 500)
	wrongToken.TokenContract = "0xFAKE"
	underpaid := transfer("0xbbb", "99.99", now, 501)
	otherRecipient := transfer("0xccc", "100", now, 502)
	otherRecipient.To = "0xSOMEONE"

	idx.On("Transfers", mock.Anything, "0xTREASURY", r.CreatedAt).
		Return([]indexer.Transfer{wrongToken, underpaid, otherRecipient}, nil)

	match, err := newMatcher(idx).FindTransfer(context.Background(), r)
	require.NoError(t, err)
	assert.Nil(t, match)
}

func TestFindTransferRejectsPreReservationTransfer(t *testing.T) {
	idx := new(MockIndexer)
	r := testReservation()

	// A transfer from before the reservation existed must never settle it,
	// even when the indexer hands it back despite the since bound. It may
	// belong to an earlier, expired order that never reached settlement.
	stale := transfer("0xstale", "100", r.CreatedAt.Add(-2*time.Hour), 400)
	idx.On("Transfers", mock.Anything, "0xTREASURY", r.CreatedAt).
		Return([]indexer.Transfer{stale}, nil)

	match, err := newMatcher(idx).FindTransfer(context.Background(), r)
	require.NoError(t, err)
	assert.Nil(t, match)
}

func TestFindTransferSurplusAccepted(t *testing.T) {
	idx := new(MockIndexer)
	r := testReservation()
	now := time.Now().UTC()

	idx.On("Transfers", mock.Anything, "0xTREASURY", r.CreatedAt).
		Return([]indexer.Transfer{transfer("0xaaa", "115.5", now.Add(-5*time.Minute), 500)}, nil)
	idx.On("ChainHeight", mock.Anything).Return(int64(600), nil)

	match, err := newMatcher(idx).FindTransfer(context.Background(), r)
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.True(t, match.Surplus.Equal(dec("15.5")))
}

func TestFindTransferEarliestWinsWithHashTieBreak(t *testing.T) {
	idx := new(MockIndexer)
	r := testReservation()
	base := time.Now().UTC().Add(-5 * time.Minute)

	idx.On("Transfers", mock.Anything, "0xTREASURY", r.CreatedAt).
		Return([]indexer.Transfer{
			transfer("0xccc", "100", base, 500),
			transfer("0xbbb", "120", base.Add(-time.Minute), 495),
			transfer("0xaaa", "100", base.Add(-time.Minute), 495),
		}, nil)
	idx.On("ChainHeight", mock.Anything).Return(int64(520), nil)

	match, err := newMatcher(idx).FindTransfer(context.Background(), r)
	require.NoError(t, err)
	require.NotNil(t, match)
	// 0xaaa and 0xbbb share the earliest block time; lowest hash wins.
	assert.Equal(t, "0xaaa", match.Transfer.TxHash)
}

func TestFindTransferPrefersSubmittedHash(t *testing.T) {
	idx := new(MockIndexer)
	r := testReservation()
	r.TxHash = "0xbbb"
	base := time.Now().UTC().Add(-5 * time.Minute)

	idx.On("Transfers", mock.Anything, "0xTREASURY", r.CreatedAt).
		Return([]indexer.Transfer{
			transfer("0xaaa", "100", base.Add(-time.Minute), 495),
			transfer("0xbbb", "100", base, 500),
		}, nil)
	idx.On("ChainHeight", mock.Anything).Return(int64(520), nil)

	match, err := newMatcher(idx).FindTransfer(context.Background(), r)
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, "0xbbb", match.Transfer.TxHash)
}

func TestFindTransferBelowThreshold(t *testing.T) {
	idx := new(MockIndexer)
	r := testReservation()
	now := time.Now().UTC()

	idx.On("Transfers", mock.Anything, "0xTREASURY", r.CreatedAt).
		Return([]indexer.Transfer{transfer("0xaaa", "100", now, 516)}, nil)
	idx.On("ChainHeight", mock.Anything).Return(int64(520), nil)

	match, err := newMatcher(idx).FindTransfer(context.Background(), r)
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, 4, match.Confirmations)
	assert.False(t, match.Confirmed)
}

func TestFindTransferWallClockFallback(t *testing.T) {
	idx := new(MockIndexer)
	r := testReservation()

	// No block height from the indexer; five minutes of 12s blocks.
	tr := transfer("0xaaa", "100", time.Now().UTC().Add(-5*time.Minute), 0)
	idx.On("Transfers", mock.Anything, "0xTREASURY", r.CreatedAt).
		Return([]indexer.Transfer{tr}, nil)

	match, err := newMatcher(idx).FindTransfer(context.Background(), r)
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.GreaterOrEqual(t, match.Confirmations, 24)
	assert.True(t, match.Confirmed)
}

func TestFindTransferIndexerErrorPropagates(t *testing.T) {
	idx := new(MockIndexer)
	r := testReservation()

	idx.On("Transfers", mock.Anything, "0xTREASURY", r.CreatedAt).
		Return([]indexer.Transfer(nil), assert.AnError)

	_, err := newMatcher(idx).FindTransfer(context.Background(), r)
	assert.Error(t, err)
}
