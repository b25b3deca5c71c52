package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

// PaymentRecord is one settled on-chain transfer. The tx hash is the
// primary key: a given transfer can settle at most one reservation, which
// is the double-spend guard. RawPayload keeps the indexer response for
// audit and is never interpreted after insertion.
type PaymentRecord struct {
	bun.BaseModel `bun:"table:payments"`

	TxHash        string          `bun:"tx_hash,pk" json:"tx_hash"`
	ReservationID string          `bun:"reservation_id,notnull" json:"reservation_id"`
	Sender        string          `bun:"sender,notnull" json:"sender"`
	Recipient     string          `bun:"recipient,notnull" json:"recipient"`
	TokenContract string          `bun:"token_contract,notnull" json:"token_contract"`
	Amount        decimal.Decimal `bun:"amount,type:varchar(40)" json:"amount"`
	Surplus       decimal.Decimal `bun:"surplus,type:varchar(40)" json:"surplus"`
	BlockTime     time.Time       `bun:"block_time,notnull" json:"block_time"`
	Confirmations int             `bun:"confirmations,notnull" json:"confirmations"`
	RawPayload    []byte          `bun:"raw_payload,nullzero" json:"-"`
	CreatedAt     time.Time       `bun:"created_at,notnull" json:"created_at"`
}
