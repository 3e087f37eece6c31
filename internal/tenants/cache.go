package tenants

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const nameKeyPrefix = "didpool:tenant-name:"

// CachedDirectory fronts a Directory with Redis. Names change rarely and are
// display-only, so a stale name for up to ttl is acceptable. Redis failures fall
// through to the backing directory.
type CachedDirectory struct {
	next Directory
	rdb  *redis.Client
	ttl  time.Duration
	log  *slog.Logger
}

// NewCachedDirectory wraps next. A nil client disables caching.
func NewCachedDirectory(next Directory, rdb *redis.Client, ttl time.Duration, log *slog.Logger) *CachedDirectory {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &CachedDirectory{next: next, rdb: rdb, ttl: ttl, log: log}
}

func (c *CachedDirectory) Names(ctx context.Context, ids []string) (map[string]string, error) {
	if c.rdb == nil || len(ids) == 0 {
		return c.next.Names(ctx, ids)
	}

	out := make(map[string]string, len(ids))
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = nameKeyPrefix + id
	}

	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		c.log.Warn("tenant name cache read failed", "err", err)
		return c.next.Names(ctx, ids)
	}

	var missing []string
	for i, id := range ids {
		if i < len(vals) {
			if s, ok := vals[i].(string); ok {
				out[id] = s
				continue
			}
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := c.next.Names(ctx, missing)
	if err != nil {
		return nil, err
	}
	pipe := c.rdb.Pipeline()
	for id, name := range fetched {
		out[id] = name
		pipe.Set(ctx, nameKeyPrefix+id, name, c.ttl)
	}
	if len(fetched) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			c.log.Warn("tenant name cache write failed", "err", err)
		}
	}
	return out, nil
}
