package media

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Entry is a cached optimizer verdict. A nil Payload records that the
// image was unavailable, so the batch does not refetch it per item.
type Entry struct {
	Payload *Payload `json:"payload,omitempty"`
}

// Cache stores one optimizer verdict per batch.
type Cache interface {
	Get(ctx context.Context, batchID string) (Entry, bool, error)
	Set(ctx context.Context, batchID string, e Entry) error
	Forget(ctx context.Context, batchID string) error
}

// RedisCache shares verdicts across driver processes.
type RedisCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCache{rdb: rdb, ttl: ttl, prefix: "dispatch:media:"}
}

func (c *RedisCache) Get(ctx context.Context, batchID string) (Entry, bool, error) {
	raw, err := c.rdb.Get(ctx, c.prefix+batchID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (c *RedisCache) Set(ctx context.Context, batchID string, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.prefix+batchID, raw, c.ttl).Err()
}

func (c *RedisCache) Forget(ctx context.Context, batchID string) error {
	return c.rdb.Del(ctx, c.prefix+batchID).Err()
}

type memEntry struct {
	Entry
	expires time.Time
}

// MemoryCache keeps verdicts in process when Redis is not configured.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memEntry
	now     func() time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryCache{ttl: ttl, entries: make(map[string]memEntry), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, batchID string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[batchID]
	if !ok {
		return Entry{}, false, nil
	}
	if c.now().After(e.expires) {
		delete(c.entries, batchID)
		return Entry{}, false, nil
	}
	return e.Entry, true, nil
}

func (c *MemoryCache) Set(_ context.Context, batchID string, e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[batchID] = memEntry{Entry: e, expires: c.now().Add(c.ttl)}
	return nil
}

func (c *MemoryCache) Forget(_ context.Context, batchID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, batchID)
	return nil
}

// Optimizing is the optimizer capability the Source needs.
type Optimizing interface {
	Optimize(ctx context.Context, ref string) *Payload
}

// Source runs the optimizer at most once per batch (per cache lifetime) and
// serves later items from the cache. Cache faults degrade to recomputing.
type Source struct {
	opt   Optimizing
	cache Cache
	log   *zap.Logger
}

func NewSource(opt Optimizing, cache Cache, log *zap.Logger) *Source {
	if log == nil {
		log = zap.NewNop()
	}
	if cache == nil {
		cache = NewMemoryCache(0)
	}
	return &Source{opt: opt, cache: cache, log: log.Named("media")}
}

// Payload returns the optimized payload of ref for batchID, or nil when
// the image is unavailable.
func (s *Source) Payload(ctx context.Context, batchID, ref string) *Payload {
	e, ok, err := s.cache.Get(ctx, batchID)
	if err != nil {
		s.log.Warn("media cache get failed", zap.String("batch_id", batchID), zap.Error(err))
	}
	if ok {
		return e.Payload
	}

	p := s.opt.Optimize(ctx, ref)
	if ctx.Err() != nil {
		// a cancelled fetch says nothing about the image
		return p
	}
	if err := s.cache.Set(ctx, batchID, Entry{Payload: p}); err != nil {
		s.log.Warn("media cache set failed", zap.String("batch_id", batchID), zap.Error(err))
	}
	return p
}

// Forget drops the cached verdict of a batch.
func (s *Source) Forget(ctx context.Context, batchID string) error {
	return s.cache.Forget(ctx, batchID)
}
