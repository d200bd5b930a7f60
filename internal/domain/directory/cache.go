package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

var errCacheMiss = errors.New("cache miss")

// Cache is the subset of a key/value store the lookup cache needs.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

type redisCache struct {
	client *redis.Client
}

// NewRedisCache adapts a go-redis client. Missing keys surface as a cache miss.
func NewRedisCache(client *redis.Client) Cache {
	return &redisCache{client: client}
}

func (r *redisCache) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", errCacheMiss
	}
	return v, err
}

func (r *redisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return r.client.Set(ctx, key, value, expiration).Err()
}

// CachedLookup serves entries from the cache and fills it from inner on a
// miss. Cache failures are logged and fall through to inner; absent entries
// are never cached.
type CachedLookup struct {
	inner  Lookup
	cache  Cache
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCachedLookup(inner Lookup, client *redis.Client, ttl time.Duration, logger zerolog.Logger) *CachedLookup {
	return NewCachedLookupWith(inner, NewRedisCache(client), ttl, logger)
}

func NewCachedLookupWith(inner Lookup, cache Cache, ttl time.Duration, logger zerolog.Logger) *CachedLookup {
	return &CachedLookup{inner: inner, cache: cache, ttl: ttl, logger: logger}
}

// CacheKey is dir:<kind>:<clinic>:<id>.
func CacheKey(kind Kind, clinicID string, id int64) string {
	return fmt.Sprintf("dir:%s:%s:%d", kind, clinicID, id)
}

func (c *CachedLookup) Patient(ctx context.Context, clinicID string, id int64) (*Entry, error) {
	return c.get(ctx, KindPatient, clinicID, id)
}

func (c *CachedLookup) Professional(ctx context.Context, clinicID string, id int64) (*Entry, error) {
	return c.get(ctx, KindProfessional, clinicID, id)
}

func (c *CachedLookup) Lab(ctx context.Context, clinicID string, id int64) (*Entry, error) {
	return c.get(ctx, KindLab, clinicID, id)
}

func (c *CachedLookup) get(ctx context.Context, kind Kind, clinicID string, id int64) (*Entry, error) {
	key := CacheKey(kind, clinicID, id)

	raw, err := c.cache.Get(ctx, key)
	switch {
	case err == nil:
		var e Entry
		if jerr := json.Unmarshal([]byte(raw), &e); jerr == nil {
			return &e, nil
		}
		c.logger.Warn().Str("key", key).Msg("discarding malformed directory cache entry")
	case !errors.Is(err, errCacheMiss):
		c.logger.Warn().Err(err).Str("key", key).Msg("directory cache read failed")
	}

	e, err := Get(ctx, c.inner, kind, clinicID, id)
	if err != nil {
		return nil, err
	}

	if data, merr := json.Marshal(e); merr == nil {
		if serr := c.cache.Set(ctx, key, data, c.ttl); serr != nil {
			c.logger.Warn().Err(serr).Str("key", key).Msg("directory cache write failed")
		}
	}
	return e, nil
}
