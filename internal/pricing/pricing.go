package pricing

import (
	"github.com/shopspring/decimal"

	"ms-landmarket/internal/errs"
)

const (
	MinQuantity = 1
	MaxQuantity = 100
)

// Quote is the pricing snapshot captured on a reservation.
type Quote struct {
	BaseAmount     decimal.Decimal
	DiscountAmount decimal.Decimal
	FinalAmount    decimal.Decimal
}

// Calculator maps (quantity, referral eligibility) to amounts. Per-tile
// price, the referral discount and the commission rate are injected
// configuration; the calculator itself holds no state.
type Calculator struct {
	TilePrice        decimal.Decimal
	ReferralDiscount decimal.Decimal
	CommissionRate   decimal.Decimal
}

func NewCalculator(tilePrice, referralDiscount, commissionRate decimal.Decimal) Calculator {
	return Calculator{
		TilePrice:        tilePrice,
		ReferralDiscount: referralDiscount,
		CommissionRate:   commissionRate,
	}
}

// Quote prices a purchase of quantity tiles. The referral discount is a
// flat amount applied once per order and never pushes the total below zero.
func (c Calculator) Quote(quantity int, referralEligible bool) (Quote, error) {
	if quantity < MinQuantity || quantity > MaxQuantity {
		return Quote{}, errs.Invalid("quantity must be between %d and %d, got %d", MinQuantity, MaxQuantity, quantity)
	}

	base := c.TilePrice.Mul(decimal.NewFromInt(int64(quantity)))
	discount := decimal.Zero
	if referralEligible {
		discount = c.ReferralDiscount
		if discount.GreaterThan(base) {
			discount = base
		}
	}

	return Quote{
		BaseAmount:     base,
		DiscountAmount: discount,
		FinalAmount:    base.Sub(discount),
	}, nil
}

// Commission computes the referrer's cut of a settled purchase. It is
// based on the amount actually paid, not the expected amount, so any
// accepted overpayment is commissioned too.
func (c Calculator) Commission(paidAmount decimal.Decimal) decimal.Decimal {
	return c.CommissionRate.Mul(paidAmount)
}
