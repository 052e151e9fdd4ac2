package targets

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/actiond/pkg/actionlog"
)

// CachedResolver fronts another Resolver with a Redis cache. Cache
// failures are logged and fall through to the inner resolver; unknown
// targets are never cached.
type CachedResolver struct {
	inner  Resolver
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedResolver wraps inner with a Redis cache at addr.
func NewCachedResolver(inner Resolver, addr string, ttl time.Duration) *CachedResolver {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return NewCachedResolverWithClient(inner, rdb, ttl)
}

func NewCachedResolverWithClient(inner Resolver, client *redis.Client, ttl time.Duration) *CachedResolver {
	return &CachedResolver{
		inner:  inner,
		client: client,
		ttl:    ttl,
		logger: slog.Default().With("component", "target_cache"),
	}
}

func cacheKey(ref actionlog.TargetRef) string {
	return fmt.Sprintf("actiond:target:%d:%d", ref.SourceID, ref.AdGroupID)
}

// Resolve implements Resolver.
func (c *CachedResolver) Resolve(ctx context.Context, ref actionlog.TargetRef) (*Target, error) {
	key := cacheKey(ref)
	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var t Target
		if jerr := json.Unmarshal(raw, &t); jerr == nil {
			return &t, nil
		}
		c.logger.Warn("discarding corrupt cache entry", "key", key)
	case err != redis.Nil:
		c.logger.Warn("target cache read failed", "key", key, "error", err)
	}

	t, err := c.inner.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(t); err == nil {
		if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			c.logger.Warn("target cache write failed", "key", key, "error", err)
		}
	}
	return t, nil
}

// Invalidate drops the cached entry for ref.
func (c *CachedResolver) Invalidate(ctx context.Context, ref actionlog.TargetRef) error {
	return c.client.Del(ctx, cacheKey(ref)).Err()
}

// Close releases the Redis connection pool.
func (c *CachedResolver) Close() error {
	return c.client.Close()
}
