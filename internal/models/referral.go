package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

type EarningStatus string

const (
	EarningEarned EarningStatus = "EARNED"
	EarningPaid   EarningStatus = "PAID"
)

// ReferralEarning is the commission credited to a referrer for one paid
// reservation. reservation_id is unique: at most one earning per order,
// which is what makes settlement retries safe.
type ReferralEarning struct {
	bun.BaseModel `bun:"table:referral_earnings"`

	EarningID     string          `bun:"earning_id,pk" json:"earning_id"`
	ReservationID string          `bun:"reservation_id,notnull,unique" json:"reservation_id"`
	ReferrerID    string          `bun:"referrer_id,notnull" json:"referrer_id"`
	ReferredID    string          `bun:"referred_id,notnull" json:"referred_id"`
	Amount        decimal.Decimal `bun:"amount,type:varchar(40)" json:"amount"`
	Status        EarningStatus   `bun:"status,notnull" json:"status"`
	CreatedAt     time.Time       `bun:"created_at,notnull" json:"created_at"`
}

const (
	RoleMember     = "member"
	RoleAmbassador = "ambassador"
)

// Referrer caches per-user referral totals so reports do not need to sum
// earnings. Promoted to ambassador on the first settled referral.
type Referrer struct {
	bun.BaseModel `bun:"table:referrers"`

	UserID        string          `bun:"user_id,pk" json:"user_id"`
	Role          string          `bun:"role,notnull" json:"role"`
	TotalEarned   decimal.Decimal `bun:"total_earned,type:varchar(40)" json:"total_earned"`
	ReferralCount int             `bun:"referral_count,notnull" json:"referral_count"`
}
