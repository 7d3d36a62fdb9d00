package search

import (
	"context"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// DefaultCacheTTL is how long identical queries are answered from memory.
const DefaultCacheTTL = 10 * time.Minute

// CacheKey identifies the provider configuration a result was fetched with.
// Results are only shared between searches with equal keys.
type CacheKey struct {
	Engine  string
	BaseURL string
	Count   int
}

func (k CacheKey) with(query string) string {
	return fmt.Sprintf("%s\x00%s\x00%d\x00%s", k.Engine, k.BaseURL, k.Count, query)
}

// Cache holds recent results across searcher instances, so a provider built
// per invocation still benefits from earlier queries. Failures are not cached.
type Cache struct {
	items *ttlcache.Cache[string, []Result]
}

// NewCache creates an empty cache whose entries expire after ttl. Expired
// entries are dropped whenever a new result is stored.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		items: ttlcache.New[string, []Result](
			ttlcache.WithTTL[string, []Result](ttl),
			ttlcache.WithDisableTouchOnHit[string, []Result](),
		),
	}
}

// Wrap returns a Searcher answering from the cache before calling next.
func (c *Cache) Wrap(next Searcher, key CacheKey) Searcher {
	return &cached{next: next, key: key, items: c.items}
}

// Len reports the number of stored entries, including expired ones not yet
// dropped.
func (c *Cache) Len() int {
	return c.items.Len()
}

type cached struct {
	next  Searcher
	key   CacheKey
	items *ttlcache.Cache[string, []Result]
}

func (c *cached) Search(ctx context.Context, query string) ([]Result, error) {
	key := c.key.with(query)
	if item := c.items.Get(key); item != nil {
		log.Debug("search cache hit for %q", query)
		return item.Value(), nil
	}
	results, err := c.next.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	c.items.DeleteExpired()
	c.items.Set(key, results, ttlcache.DefaultTTL)
	return results, nil
}
