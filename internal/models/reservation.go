package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

type ReservationStatus string

const (
	ReservationPending ReservationStatus = "PENDING"
	ReservationPaid    ReservationStatus = "PAID"
	ReservationExpired ReservationStatus = "EXPIRED"
	ReservationFailed  ReservationStatus = "FAILED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s ReservationStatus) Terminal() bool {
	return s == ReservationPaid || s == ReservationExpired || s == ReservationFailed
}

// SlotIDList is stored as a JSON array so the same model works on both
// postgres and the sqlite test driver.
type SlotIDList []string

func (l SlotIDList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *SlotIDList) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, (*[]string)(l))
	case string:
		return json.Unmarshal([]byte(v), (*[]string)(l))
	default:
		return fmt.Errorf("unsupported slot id list type %T", src)
	}
}

// Reservation is a buyer's time-boxed claim on a set of slots plus the
// payment expected for them. The pricing snapshot is fixed at creation and
// only changes once, when a referral is locked in. Status transitions are
// one-directional: PENDING -> PAID | EXPIRED | FAILED.
type Reservation struct {
	bun.BaseModel `bun:"table:reservations"`

	ReservationID string            `bun:"reservation_id,pk" json:"reservation_id"`
	OwnerID       string            `bun:"owner_id,notnull" json:"owner_id"`
	Region        string            `bun:"region,notnull" json:"region"`
	Area          string            `bun:"area,notnull" json:"area"`
	SlotIDs       SlotIDList        `bun:"slot_ids,type:text" json:"slot_ids"`
	Quantity      int               `bun:"quantity,notnull" json:"quantity"`
	Status        ReservationStatus `bun:"status,notnull" json:"status"`

	// Pricing snapshot.
	BaseAmount     decimal.Decimal `bun:"base_amount,type:varchar(40)" json:"base_amount"`
	DiscountAmount decimal.Decimal `bun:"discount_amount,type:varchar(40)" json:"discount_amount"`
	FinalAmount    decimal.Decimal `bun:"final_amount,type:varchar(40)" json:"final_amount"`

	// Payment sub-record.
	RecipientAddress string          `bun:"recipient_address,notnull" json:"recipient_address"`
	TxHash           string          `bun:"tx_hash,nullzero" json:"tx_hash,omitempty"`
	Confirmations    int             `bun:"confirmations,nullzero" json:"confirmations,omitempty"`
	// No nullzero on decimal columns: decimal.Decimal cannot scan SQL NULL,
	// so zero amounts are stored as "0" rather than NULL.
	PaidAmount       decimal.Decimal `bun:"paid_amount,type:varchar(40)" json:"paid_amount,omitempty"`
	PaidAt           time.Time       `bun:"paid_at,nullzero" json:"paid_at,omitempty"`

	// Referral snapshot, captured once.
	ReferrerID     string          `bun:"referrer_id,nullzero" json:"referrer_id,omitempty"`
	CommissionRate decimal.Decimal `bun:"commission_rate,type:varchar(40)" json:"commission_rate,omitempty"`

	FailureReason string    `bun:"failure_reason,nullzero" json:"failure_reason,omitempty"`
	CreatedAt     time.Time `bun:"created_at,notnull" json:"created_at"`
	ExpiresAt     time.Time `bun:"expires_at,notnull" json:"expires_at"`
}

type ReservationRequest struct {
	Region   string `json:"region"`
	Area     string `json:"area"`
	Quantity int    `json:"quantity"`
}

type ReservationResponse struct {
	ReservationID string          `json:"reservation_id"`
	SlotIDs       []string        `json:"slot_ids"`
	FinalAmount   decimal.Decimal `json:"final_amount"`
	Recipient     string          `json:"recipient_address"`
	ExpiresAt     time.Time       `json:"expires_at"`
	PaymentQR     []byte          `json:"payment_qr,omitempty"`
}
