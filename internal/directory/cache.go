package directory

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	cacheKeyPrefix = "directory:principal:"
	// generationTTL outlives any load, so an expired generation cannot match
	// a value read before an invalidation.
	generationTTL = 24 * time.Hour
)

var errStaleLoad = errors.New("directory cache: entry invalidated during load")

// Cache is a Redis read-through cache for single principals. A nil Cache, or
// one without a client, loads straight from the store. Redis faults never fail
// a read; they are logged and the store answers instead.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
	group  singleflight.Group
}

// NewCache instantiates the cache helper. A non-positive ttl disables caching.
func NewCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		client = nil
	}
	return &Cache{client: client, ttl: ttl, logger: logger}
}

func cacheKey(id uuid.UUID) string {
	return cacheKeyPrefix + id.String()
}

// generationKey counts invalidations of one principal. A load only stores its
// result when the count is unchanged since the load began.
func generationKey(id uuid.UUID) string {
	return cacheKey(id) + ":gen"
}

// Fetch returns the cached principal or loads it once across concurrent callers.
func (c *Cache) Fetch(ctx context.Context, id uuid.UUID, load func(context.Context) (Principal, error)) (Principal, error) {
	if c == nil || c.client == nil {
		return load(ctx)
	}
	key := cacheKey(id)
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var p Principal
		if err := json.Unmarshal(payload, &p); err == nil {
			return p, nil
		}
		c.logger.Warn("directory cache: discarding undecodable entry", slog.String("principal_id", id.String()))
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Warn("directory cache: get failed", slog.String("principal_id", id.String()), slog.Any("error", err))
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		// Waiters other than the first caller share this load.
		ctx := context.WithoutCancel(ctx)
		gen, genErr := c.client.Get(ctx, generationKey(id)).Result()
		if errors.Is(genErr, redis.Nil) {
			gen, genErr = "", nil
		}
		p, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if genErr != nil {
			c.logger.Warn("directory cache: generation read failed", slog.String("principal_id", id.String()), slog.Any("error", genErr))
			return p, nil
		}
		if raw, err := json.Marshal(p); err == nil {
			c.store(ctx, id, gen, raw)
		}
		return p, nil
	})
	select {
	case <-ctx.Done():
		return Principal{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Principal{}, res.Err
		}
		return res.Val.(Principal), nil
	}
}

// store writes raw under WATCH, skipping the write when the generation moved
// since gen was read.
func (c *Cache) store(ctx context.Context, id uuid.UUID, gen string, raw []byte) {
	genKey := generationKey(id)
	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != gen {
			return errStaleLoad
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, cacheKey(id), raw, c.ttl)
			return nil
		})
		return err
	}, genKey)
	switch {
	case err == nil:
	case errors.Is(err, errStaleLoad), errors.Is(err, redis.TxFailedErr):
		c.logger.Debug("directory cache: skipped stale entry", slog.String("principal_id", id.String()))
	default:
		c.logger.Warn("directory cache: set failed", slog.String("principal_id", id.String()), slog.Any("error", err))
	}
}

// Invalidate drops the given principals from the cache and bumps their
// generation so loads already in flight do not store what they read.
func (c *Cache) Invalidate(ctx context.Context, ids ...uuid.UUID) {
	if c == nil || c.client == nil || len(ids) == 0 {
		return
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Incr(ctx, generationKey(id))
			pipe.Expire(ctx, generationKey(id), generationTTL)
			pipe.Del(ctx, cacheKey(id))
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("directory cache: invalidate failed", slog.Int("keys", len(ids)), slog.Any("error", err))
	}
}
