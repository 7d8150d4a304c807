package authcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"family-assistant/internal/domain"
)

const (
	keyPrefix  = "family-assistant:principal:"
	DefaultTTL = 5 * time.Minute
)

// redisAPI is the subset of *redis.Client used by Cache.
type redisAPI interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Cache keeps token -> principal lookups in Redis. Keys are digests of the
// token so raw credentials never reach the cache.
type Cache struct {
	rdb redisAPI
	ttl time.Duration
}

func New(rdb redisAPI, ttl time.Duration) (*Cache, error) {
	if rdb == nil {
		return nil, errors.New("authcache: redis client must not be nil")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{rdb: rdb, ttl: ttl}, nil
}

func key(token string) string {
	sum := sha256.Sum256([]byte(token))
	return keyPrefix + hex.EncodeToString(sum[:])
}

func (c *Cache) Get(ctx context.Context, token string) (domain.Principal, bool, error) {
	raw, err := c.rdb.Get(ctx, key(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Principal{}, false, nil
		}
		return domain.Principal{}, false, fmt.Errorf("authcache: get: %w", err)
	}
	var p domain.Principal
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.Principal{}, false, fmt.Errorf("authcache: decode principal: %w", err)
	}
	if p.UserID == "" {
		return domain.Principal{}, false, nil
	}
	return p, true, nil
}

func (c *Cache) Set(ctx context.Context, token string, p domain.Principal) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("authcache: encode principal: %w", err)
	}
	if err := c.rdb.Set(ctx, key(token), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("authcache: set: %w", err)
	}
	return nil
}
