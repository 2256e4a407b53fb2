package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

func Exists(ctx context.Context, rdb *redis.Client, key string) (bool, error) {
	n, err := rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// Cache is the Redis fast path for reconciliation. Redis being unavailable
// only costs a trip to Postgres, so errors are logged and swallowed.
type Cache struct {
	RDB     *redis.Client
	Service string // namespace for dedup keys
}

func (c *Cache) Reconciled(ctx context.Context, orderID string) bool {
	ok, err := Exists(ctx, c.RDB, fmt.Sprintf(KeyReconciled, orderID))
	if err != nil {
		log.Debug().Err(err).Str("order_id", orderID).Msg("redis: reconciled lookup failed")
	}
	return ok
}

func (c *Cache) SetReconciled(ctx context.Context, orderID string) {
	if err := c.RDB.Set(ctx, fmt.Sprintf(KeyReconciled, orderID), "1", TTLReconciled).Err(); err != nil {
		log.Debug().Err(err).Str("order_id", orderID).Msg("redis: set reconciled marker failed")
	}
}

func (c *Cache) SeenEvent(ctx context.Context, eventID string) bool {
	ok, err := Exists(ctx, c.RDB, fmt.Sprintf(KeyDedup, c.Service, eventID))
	if err != nil {
		log.Debug().Err(err).Str("event_id", eventID).Msg("redis: dedup lookup failed")
	}
	return ok
}

func (c *Cache) MarkEvent(ctx context.Context, eventID string) {
	if err := c.RDB.Set(ctx, fmt.Sprintf(KeyDedup, c.Service, eventID), "1", TTLDedup).Err(); err != nil {
		log.Debug().Err(err).Str("event_id", eventID).Msg("redis: set dedup key failed")
	}
}
