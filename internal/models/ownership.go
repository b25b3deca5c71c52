package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Ownership records that a slot belongs to an owner. slot_id is unique (a
// slot is owned once); the (owner_id, slot_id) pair is unique as well,
// defence in depth. AssetRef stays empty until the external mint succeeds;
// the reconciliation sweep retries empty refs.
type Ownership struct {
	bun.BaseModel `bun:"table:ownerships"`

	ID            string    `bun:"id,pk" json:"id"`
	SlotID        string    `bun:"slot_id,notnull,unique:ownerships_slot,unique:ownerships_owner_slot" json:"slot_id"`
	OwnerID       string    `bun:"owner_id,notnull,unique:ownerships_owner_slot" json:"owner_id"`
	ReservationID string    `bun:"reservation_id,notnull" json:"reservation_id"`
	AssetRef      string    `bun:"asset_ref,nullzero" json:"asset_ref,omitempty"`
	CreatedAt     time.Time `bun:"created_at,notnull" json:"created_at"`
}
