package keystore

import (
	"context"
	"log/slog"
	"time"

	"companion/internal/domain"
	"companion/internal/ttlcache"
)

// DefaultCacheTTL is how long CachedBackend keeps a record.
const DefaultCacheTTL = 5 * time.Minute

// CachedBackend is a read-through cache keyed "kind.id" in front of
// another backend.
type CachedBackend struct {
	backend domain.KeyBackend
	cache   *ttlcache.Cache[string, []byte]
	logger  *slog.Logger
}

// NewCached wraps backend. A zero ttl uses DefaultCacheTTL.
func NewCached(backend domain.KeyBackend, ttl time.Duration, logger *slog.Logger) *CachedBackend {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &CachedBackend{
		backend: backend,
		cache:   ttlcache.New[string, []byte](ttl),
		logger:  logger,
	}
}

func cacheKey(kind domain.KeyKind, id string) string { return string(kind) + "." + id }

// Get implements domain.KeyBackend.
func (c *CachedBackend) Get(ctx context.Context, kind domain.KeyKind, ids []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(ids))
	var missing []string
	for _, id := range ids {
		if v, ok := c.cache.Get(cacheKey(kind, id)); ok {
			out[id] = v
		} else {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}
	fetched, err := c.backend.Get(ctx, kind, missing)
	if err != nil {
		return nil, err
	}
	for id, v := range fetched {
		if v == nil {
			continue
		}
		c.cache.Set(cacheKey(kind, id), v)
		out[id] = v
	}
	return out, nil
}

// Set implements domain.KeyBackend. The cache is updated first; if the
// backend write fails every touched key is evicted again.
func (c *CachedBackend) Set(ctx context.Context, data domain.KeyMutation) error {
	var keys []string
	for kind, entries := range data {
		for id, v := range entries {
			k := cacheKey(kind, id)
			keys = append(keys, k)
			if v == nil {
				c.cache.Delete(k)
			} else {
				c.cache.Set(k, v)
			}
		}
	}
	if err := c.backend.Set(ctx, data); err != nil {
		for _, k := range keys {
			c.cache.Delete(k)
		}
		c.logger.Debug("evicted cache entries after failed write", "keys", len(keys))
		return err
	}
	return nil
}

// Clear drops every cached record.
func (c *CachedBackend) Clear() { c.cache.Flush() }

var _ domain.KeyBackend = (*CachedBackend)(nil)
