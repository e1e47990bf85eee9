package verifier

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Cached wraps a [Verifier] with a short-lived in-memory cache so repeat
// validations of the same token skip the provider round trip.
//
// keyFn maps a raw token to its cache key. Callers should supply a keyed
// digest so raw tokens never sit in memory as map keys.
type Cached struct {
	inner    Verifier
	cache    *ttlcache.Cache[string, *Claims]
	keyFn    func(rawToken string) string
	stopOnce sync.Once
}

func NewCached(inner Verifier, ttl time.Duration, keyFn func(string) string) *Cached {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *Claims](ttl),
		ttlcache.WithDisableTouchOnHit[string, *Claims](),
	)
	go cache.Start()

	return &Cached{
		inner: inner,
		cache: cache,
		keyFn: keyFn,
	}
}

func (c *Cached) Provider() string {
	return c.inner.Provider()
}

// Verify serves from cache when possible. Only successful validations are
// cached; claims that expire before the cache entry does are re-verified.
func (c *Cached) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	key := c.keyFn(rawToken)

	if item := c.cache.Get(key); item != nil {
		claims := item.Value()
		if claims.ExpiresAt.IsZero() || time.Now().Before(claims.ExpiresAt) {
			return claims, nil
		}
		c.cache.Delete(key)
	}

	claims, err := c.inner.Verify(ctx, rawToken)
	if err != nil {
		return nil, err
	}

	c.cache.Set(key, claims, ttlcache.DefaultTTL)
	return claims, nil
}

// Stop halts the cache's expiry loop. Safe to call more than once.
func (c *Cached) Stop() {
	c.stopOnce.Do(c.cache.Stop)
}
