package db_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "github.com/uptrace/bun/driver/sqliteshim"

	invdb "ms-landmarket/internal/inventory/db"
	"ms-landmarket/internal/errs"
	"ms-landmarket/internal/models"
)

func setupTestDB(t *testing.T) (*invdb.DB, *bun.DB) {
	sqldb, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to connect to in-memory database: %v", err)
	}
	sqldb.SetMaxOpenConns(1)

	bunDB := bun.NewDB(sqldb, sqlitedialect.New())

	ctx := context.Background()
	_, err = bunDB.NewCreateTable().Model((*models.LandSlot)(nil)).Exec(ctx)
	require.NoError(t, err)
	_, err = bunDB.NewCreateTable().Model((*models.Area)(nil)).Exec(ctx)
	require.NoError(t, err)

	return &invdb.DB{Bun: bunDB}, bunDB
}

func seedArea(t *testing.T, bunDB *bun.DB, region, area string, slots int) {
	ctx := context.Background()
	for i := 1; i <= slots; i++ {
		slot := models.LandSlot{
			SlotID:   models.MakeSlotID(region, area, i),
			Region:   region,
			Area:     area,
			Sequence: i,
			Status:   models.SlotAvailable,
		}
		_, err := bunDB.NewInsert().Model(&slot).Exec(ctx)
		require.NoError(t, err)
	}
	a := models.Area{Region: region, Code: area, TotalSlots: slots}
	_, err := bunDB.NewInsert().Model(&a).Exec(ctx)
	require.NoError(t, err)
}

func TestTryLockClaimsAvailableSlot(t *testing.T) {
	d, bunDB := setupTestDB(t)
	defer bunDB.Close()
	seedArea(t, bunDB, "genesis", "X", 3)

	ctx := context.Background()
	now := time.Now().UTC()
	slotID := models.MakeSlotID("genesis", "X", 1)

	won, err := d.TryLock(ctx, slotID, "res-a", now.Add(15*time.Minute), now)
	assert.NoError(t, err)
	assert.True(t, won)

	slot, err := d.GetSlot(ctx, slotID)
	assert.NoError(t, err)
	assert.Equal(t, models.SlotLocked, slot.Status)
	assert.Equal(t, "res-a", slot.LockedBy)
}

func TestTryLockRefusesHeldLock(t *testing.T) {
	d, bunDB := setupTestDB(t)
	defer bunDB.Close()
	seedArea(t, bunDB, "genesis", "X", 1)

	ctx := context.Background()
	now := time.Now().UTC()
	slotID := models.MakeSlotID("genesis", "X", 1)

	won, err := d.TryLock(ctx, slotID, "res-a", now.Add(15*time.Minute), now)
	require.NoError(t, err)
	require.True(t, won)

	// Second reservation loses the compare-and-set while the lock lives.
	won, err = d.TryLock(ctx, slotID, "res-b", now.Add(15*time.Minute), now)
	assert.NoError(t, err)
	assert.False(t, won)

	slot, err := d.GetSlot(ctx, slotID)
	assert.NoError(t, err)
	assert.Equal(t, "res-a", slot.LockedBy)
}

func TestTryLockReclaimsExpiredLock(t *testing.T) {
	d, bunDB := setupTestDB(t)
	defer bunDB.Close()
	seedArea(t, bunDB, "genesis", "X", 1)

	ctx := context.Background()
	now := time.Now().UTC()
	slotID := models.MakeSlotID("genesis", "X", 1)

	won, err := d.TryLock(ctx, slotID, "res-a", now.Add(-time.Minute), now.Add(-16*time.Minute))
	require.NoError(t, err)
	require.True(t, won)

	// Expired lock counts as available, no sweep needed.
	won, err = d.TryLock(ctx, slotID, "res-b", now.Add(15*time.Minute), now)
	assert.NoError(t, err)
	assert.True(t, won)

	slot, err := d.GetSlot(ctx, slotID)
	assert.NoError(t, err)
	assert.Equal(t, "res-b", slot.LockedBy)
}

func TestReleaseIsIdempotentAndNeverOverwritesSold(t *testing.T) {
	d, bunDB := setupTestDB(t)
	defer bunDB.Close()
	seedArea(t, bunDB, "genesis", "X", 2)

	ctx := context.Background()
	now := time.Now().UTC()
	lockedID := models.MakeSlotID("genesis", "X", 1)
	soldID := models.MakeSlotID("genesis", "X", 2)

	won, err := d.TryLock(ctx, lockedID, "res-a", now.Add(15*time.Minute), now)
	require.NoError(t, err)
	require.True(t, won)
	won, err = d.TryLock(ctx, soldID, "res-b", now.Add(15*time.Minute), now)
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, d.MarkSold(ctx, []string{soldID}, "res-b", "owner-b", now))

	err = d.Release(ctx, []string{lockedID, soldID})
	assert.NoError(t, err)

	slot, err := d.GetSlot(ctx, lockedID)
	assert.NoError(t, err)
	assert.Equal(t, models.SlotAvailable, slot.Status)
	assert.Empty(t, slot.LockedBy)

	sold, err := d.GetSlot(ctx, soldID)
	assert.NoError(t, err)
	assert.Equal(t, models.SlotSold, sold.Status)
	assert.Equal(t, "owner-b", sold.SoldTo)

	// Releasing again is a no-op.
	assert.NoError(t, d.Release(ctx, []string{lockedID, soldID}))
}

func TestMarkSoldRequiresOwnedUnexpiredLock(t *testing.T) {
	d, bunDB := setupTestDB(t)
	defer bunDB.Close()
	seedArea(t, bunDB, "genesis", "X", 2)

	ctx := context.Background()
	now := time.Now().UTC()
	first := models.MakeSlotID("genesis", "X", 1)
	second := models.MakeSlotID("genesis", "X", 2)

	won, err := d.TryLock(ctx, first, "res-a", now.Add(15*time.Minute), now)
	require.NoError(t, err)
	require.True(t, won)

	// Wrong reservation must not be able to sell the slot.
	err = d.MarkSold(ctx, []string{first}, "res-b", "owner-b", now)
	assert.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindInternal))

	// A batch with one expired lock fails as a whole.
	won, err = d.TryLock(ctx, second, "res-a", now.Add(-time.Minute), now.Add(-16*time.Minute))
	require.NoError(t, err)
	require.True(t, won)
	err = d.MarkSold(ctx, []string{first, second}, "res-a", "owner-a", now)
	assert.Error(t, err)
}

func TestVerifyLockedDetectsReassignment(t *testing.T) {
	d, bunDB := setupTestDB(t)
	defer bunDB.Close()
	seedArea(t, bunDB, "genesis", "X", 2)

	ctx := context.Background()
	now := time.Now().UTC()
	first := models.MakeSlotID("genesis", "X", 1)
	second := models.MakeSlotID("genesis", "X", 2)

	for _, id := range []string{first, second} {
		won, err := d.TryLock(ctx, id, "res-a", now.Add(15*time.Minute), now)
		require.NoError(t, err)
		require.True(t, won)
	}
	assert.NoError(t, d.VerifyLocked(ctx, []string{first, second}, "res-a", now))

	// Simulate the lock expiring and being reassigned mid-settlement.
	require.NoError(t, d.Release(ctx, []string{second}))
	won, err := d.TryLock(ctx, second, "res-b", now.Add(15*time.Minute), now)
	require.NoError(t, err)
	require.True(t, won)

	err = d.VerifyLocked(ctx, []string{first, second}, "res-a", now)
	assert.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindInternal))
}

func TestListCandidatesIncludesExpiredLocksInSequenceOrder(t *testing.T) {
	d, bunDB := setupTestDB(t)
	defer bunDB.Close()
	seedArea(t, bunDB, "genesis", "X", 3)

	ctx := context.Background()
	now := time.Now().UTC()

	// Slot 2 holds an expired lock, slot 3 a live one.
	won, err := d.TryLock(ctx, models.MakeSlotID("genesis", "X", 2), "res-old", now.Add(-time.Minute), now.Add(-16*time.Minute))
	require.NoError(t, err)
	require.True(t, won)
	won, err = d.TryLock(ctx, models.MakeSlotID("genesis", "X", 3), "res-live", now.Add(15*time.Minute), now)
	require.NoError(t, err)
	require.True(t, won)

	candidates, err := d.ListCandidates(ctx, "genesis", "X", 10, now)
	assert.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, 1, candidates[0].Sequence)
	assert.Equal(t, 2, candidates[1].Sequence)
}

func TestIncrementSoldCount(t *testing.T) {
	d, bunDB := setupTestDB(t)
	defer bunDB.Close()
	seedArea(t, bunDB, "genesis", "X", 3)

	ctx := context.Background()
	assert.NoError(t, d.IncrementSoldCount(ctx, "genesis", "X", 2))

	area, err := d.GetArea(ctx, "genesis", "X")
	assert.NoError(t, err)
	assert.Equal(t, 2, area.SoldCount)
}
