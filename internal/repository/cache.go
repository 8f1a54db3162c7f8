package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

var ErrCacheMiss = errors.New("balance not found in cache")

// BalanceCache keeps account balances in Redis so balance reads skip the
// database. Postgres stays authoritative: entries are primed on read misses
// and refreshed by the worker from committed transaction events.
type BalanceCache struct {
	rdb *redis.Client
}

func NewBalanceCache(rdb *redis.Client) *BalanceCache {
	return &BalanceCache{rdb: rdb}
}

func balanceKey(accountID int64) string {
	return fmt.Sprintf("balance:%d", accountID)
}

func (c *BalanceCache) Get(ctx context.Context, accountID int64) (int64, error) {
	val, err := c.rdb.Get(ctx, balanceKey(accountID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, ErrCacheMiss
	}
	if err != nil {
		return 0, fmt.Errorf("balance cache get: %w", err)
	}
	return val, nil
}

// Set stores the balance without a TTL; the cache is refreshed on every
// committed ledger event, not expired.
func (c *BalanceCache) Set(ctx context.Context, accountID, balanceCents int64) error {
	if err := c.rdb.Set(ctx, balanceKey(accountID), balanceCents, 0).Err(); err != nil {
		return fmt.Errorf("balance cache set: %w", err)
	}
	return nil
}
