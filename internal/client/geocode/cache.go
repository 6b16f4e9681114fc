package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrCacheMiss is returned by Cache.Get for unknown keys.
var ErrCacheMiss = errors.New("cache miss")

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	return data, err
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// CacheObserver is notified of every lookup; hit is false for misses and
// cache errors.
type CacheObserver func(hit bool)

// CachedGeocoder memoizes complete addresses keyed by coordinates rounded
// to five decimal places (about one metre). Cache failures fall through to
// the wrapped geocoder.
type CachedGeocoder struct {
	next    Geocoder
	cache   Cache
	ttl     time.Duration
	observe CacheObserver
	log     zerolog.Logger
}

func NewCachedGeocoder(next Geocoder, cache Cache, ttl time.Duration, observe CacheObserver, log zerolog.Logger) *CachedGeocoder {
	if observe == nil {
		observe = func(bool) {}
	}
	return &CachedGeocoder{next: next, cache: cache, ttl: ttl, observe: observe, log: log}
}

func cacheKey(lat, lon float64) string {
	return fmt.Sprintf("geocode:%.5f:%.5f", lat, lon)
}

func (c *CachedGeocoder) ReverseGeocode(ctx context.Context, lat, lon float64) (Address, bool, error) {
	key := cacheKey(lat, lon)

	data, err := c.cache.Get(ctx, key)
	switch {
	case err == nil:
		var addr Address
		if jsonErr := json.Unmarshal(data, &addr); jsonErr == nil && addr.Complete() {
			c.observe(true)
			addr.Cached = true
			return addr, true, nil
		}
		c.log.Warn().Str("key", key).Msg("discarding malformed geocode cache entry")
	case !errors.Is(err, ErrCacheMiss):
		c.log.Warn().Err(err).Str("key", key).Msg("geocode cache lookup failed")
	}
	c.observe(false)

	addr, ok, err := c.next.ReverseGeocode(ctx, lat, lon)
	if err != nil || !ok {
		return addr, ok, err
	}

	if data, err := json.Marshal(addr); err == nil {
		if err := c.cache.Set(ctx, key, data, c.ttl); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("geocode cache write failed")
		}
	}
	return addr, true, nil
}

var _ Geocoder = (*CachedGeocoder)(nil)
