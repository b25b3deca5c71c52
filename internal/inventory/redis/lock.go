package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"ms-landmarket/internal/logger"
)

// Locks is a best-effort soft-lock in front of the database
// compare-and-set. Holding the redis key does not grant the slot; it only
// keeps concurrent allocators from hammering the same rows. The TTL
// matches the reservation lock TTL so stale keys clean themselves up.
type Locks struct {
	Client *redis.Client
	Logger *logger.Logger
	TTL    time.Duration
}

func NewLocks(client *redis.Client, log *logger.Logger, ttl time.Duration) *Locks {
	return &Locks{Client: client, Logger: log, TTL: ttl}
}

func key(slotID string) string {
	return "slot_lock:" + slotID
}

// TryLock claims the slot key for a reservation. Returns false when
// another reservation already holds it.
func (l *Locks) TryLock(ctx context.Context, slotID, reservationID string) (bool, error) {
	return l.Client.SetNX(ctx, key(slotID), reservationID, l.TTL).Result()
}

// Unlock releases the slot key, but only if this reservation owns it.
func (l *Locks) Unlock(ctx context.Context, slotID, reservationID string) error {
	k := key(slotID)
	val, err := l.Client.Get(ctx, k).Result()
	if err == redis.Nil {
		return nil // already unlocked
	}
	if err != nil {
		return err
	}
	if val == reservationID {
		_, err := l.Client.Del(ctx, k).Result()
		return err
	}
	return nil
}

// UnlockAll releases a batch of slot keys, reporting the first error.
func (l *Locks) UnlockAll(ctx context.Context, slotIDs []string, reservationID string) error {
	var firstErr error
	for _, slotID := range slotIDs {
		if err := l.Unlock(ctx, slotID, reservationID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil && l.Logger != nil {
		l.Logger.Warn("REDIS", fmt.Sprintf("failed to unlock some slot keys: %v", firstErr))
	}
	return firstErr
}
