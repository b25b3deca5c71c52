package models

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

type SlotStatus string

const (
	SlotAvailable SlotStatus = "AVAILABLE"
	SlotLocked    SlotStatus = "LOCKED"
	SlotSold      SlotStatus = "SOLD"
)

// LandSlot is one unit of sellable inventory. A slot is addressed by its
// (region, area, sequence) position and carries a globally unique slot_id.
// Status moves AVAILABLE -> LOCKED -> SOLD; a LOCKED slot whose lock has
// expired counts as available again, no sweep required.
type LandSlot struct {
	bun.BaseModel `bun:"table:land_slots"`

	SlotID        string     `bun:"slot_id,pk" json:"slot_id"`
	Region        string     `bun:"region,notnull" json:"region"`
	Area          string     `bun:"area,notnull" json:"area"`
	Sequence      int        `bun:"sequence,notnull" json:"sequence"`
	Status        SlotStatus `bun:"status,notnull" json:"status"`
	LockedBy      string     `bun:"locked_by,nullzero" json:"locked_by,omitempty"`
	LockExpiresAt time.Time  `bun:"lock_expires_at,nullzero" json:"lock_expires_at,omitempty"`
	SoldTo        string     `bun:"sold_to,nullzero" json:"sold_to,omitempty"`
}

// SlotID builds the canonical slot identifier for a grid position.
func MakeSlotID(region, area string, sequence int) string {
	return fmt.Sprintf("%s:%s:%05d", region, area, sequence)
}

// Area tracks the capacity and sold counter for one sellable area of a region.
type Area struct {
	bun.BaseModel `bun:"table:areas"`

	Region     string `bun:"region,pk" json:"region"`
	Code       string `bun:"code,pk" json:"code"`
	TotalSlots int    `bun:"total_slots,notnull" json:"total_slots"`
	SoldCount  int    `bun:"sold_count,notnull" json:"sold_count"`
}
