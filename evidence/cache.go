package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/geocomply/core"
	"github.com/hupe1980/geocomply/logging"
)

// KV is the subset of the Redis client used by Cache.
type KV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

var _ KV = (*redis.Client)(nil)

// CacheOptions configures a Cache.
type CacheOptions struct {
	TTL    time.Duration
	Prefix string
	Logger logging.Logger
}

// Cache is a read-through Redis cache in front of a provider. Redis failures
// never fail retrieval: the cache logs and falls through to the provider.
// Failed provider results are not cached.
type Cache struct {
	next core.EvidenceProvider
	kv   KV
	opts CacheOptions
}

var _ core.EvidenceProvider = (*Cache)(nil)

// NewCache wraps next with a cache stored in kv.
func NewCache(next core.EvidenceProvider, kv KV, optFns ...func(o *CacheOptions)) *Cache {
	opts := CacheOptions{
		TTL:    time.Hour,
		Prefix: "geocomply:evidence:",
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Cache{next: next, kv: kv, opts: opts}
}

// NewRedisCache connects to addr and wraps next.
func NewRedisCache(next core.EvidenceProvider, addr string, optFns ...func(o *CacheOptions)) *Cache {
	client := redis.NewClient(&redis.Options{Addr: addr})
	return NewCache(next, client, optFns...)
}

// Retrieve implements core.EvidenceProvider.
func (c *Cache) Retrieve(ctx context.Context, intent core.Intent) iter.Seq2[core.Evidence, error] {
	return func(yield func(core.Evidence, error) bool) {
		key := c.key(intent)

		if items, ok := c.lookup(ctx, key); ok {
			for _, ev := range items {
				ev.IntentID = intent.ID
				if !yield(ev, nil) {
					return
				}
			}
			return
		}

		items, err := drain(c.next.Retrieve(ctx, intent))
		if err != nil {
			yield(core.Evidence{}, err)
			return
		}
		c.store(ctx, key, items)
		for _, ev := range items {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func (c *Cache) lookup(ctx context.Context, key string) ([]core.Evidence, bool) {
	raw, err := c.kv.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.opts.Logger.Warn("evidence cache read failed", "key", key, "error", err)
		}
		return nil, false
	}
	var items []core.Evidence
	if err := json.Unmarshal(raw, &items); err != nil {
		c.opts.Logger.Warn("evidence cache entry corrupt", "key", key, "error", err)
		return nil, false
	}
	return items, true
}

func (c *Cache) store(ctx context.Context, key string, items []core.Evidence) {
	raw, err := json.Marshal(items)
	if err != nil {
		return
	}
	if err := c.kv.Set(ctx, key, raw, c.opts.TTL).Err(); err != nil {
		c.opts.Logger.Warn("evidence cache write failed", "key", key, "error", err)
	}
}

func (c *Cache) key(intent core.Intent) string {
	tags := slices.Clone(intent.SoftTags)
	slices.Sort(tags)
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(intent.Query)) + "|" + strings.Join(tags, ",")))
	return c.opts.Prefix + hex.EncodeToString(sum[:])
}
