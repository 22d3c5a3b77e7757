package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/block-directory/block-directory/internal/config"
	"github.com/block-directory/block-directory/internal/telemetry"
)

// Cache stores successful catalog pages. Get reports a miss with ok == false
// and a nil error.
type Cache interface {
	Get(ctx context.Context, key string) (res *Result, ok bool, err error)
	Set(ctx context.Context, key string, res *Result) error
}

// MemoryCache is an in-process LRU with per-entry expiry.
type MemoryCache struct {
	lru *lru.LRU[string, *Result]
}

// NewMemoryCache creates a memory cache holding at most maxEntries pages for ttl each.
func NewMemoryCache(maxEntries int, ttl time.Duration) *MemoryCache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &MemoryCache{lru: lru.NewLRU[string, *Result](maxEntries, nil, ttl)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*Result, bool, error) {
	res, ok := c.lru.Get(key)
	return res, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, res *Result) error {
	if res == nil {
		return fmt.Errorf("result cannot be nil")
	}
	c.lru.Add(key, res)
	return nil
}

// RedisCache shares catalog pages between instances. Entries are JSON with a TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache wraps an existing client.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*Result, bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}

	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		// corrupt entry; drop it so the next lookup refills it
		c.client.Del(ctx, key)
		return nil, false, fmt.Errorf("failed to unmarshal cached result: %w", err)
	}
	return &res, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, res *Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	return c.client.Set(ctx, key, data, c.ttl).Err()
}

// NewRedisClient parses the configured URL and verifies the connection.
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB > 0 {
		opts.DB = cfg.DB
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewCache builds the cache selected by cfg.Backend. It returns nil for "none".
// rdb is only consulted for the redis backend.
func NewCache(cfg config.CacheConfig, rdb *redis.Client) (Cache, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemoryCache(cfg.MaxEntries, cfg.TTL), nil
	case "redis":
		if rdb == nil {
			return nil, errors.New("redis cache backend requires a redis client")
		}
		return NewRedisCache(rdb, cfg.TTL), nil
	default:
		return nil, fmt.Errorf("unsupported cache backend: %s", cfg.Backend)
	}
}

// CachedSearcher decorates a Searcher with a response cache. Only successful
// results are stored; concurrent misses for the same query share one upstream call.
// A waiter that gives up does not cancel the call for the others.
type CachedSearcher struct {
	next  Searcher
	cache Cache
	group singleflight.Group
}

// NewCachedSearcher returns next unchanged when cache is nil.
func NewCachedSearcher(next Searcher, cache Cache) Searcher {
	if cache == nil {
		return next
	}
	return &CachedSearcher{next: next, cache: cache}
}

func (s *CachedSearcher) Search(ctx context.Context, q Query) (*Result, error) {
	key := q.cacheKey()

	res, ok, err := s.cache.Get(ctx, key)
	switch {
	case err != nil:
		telemetry.CatalogCacheLookupsTotal.WithLabelValues("error").Inc()
		slog.Warn("catalog cache lookup failed", "key", key, "error", err)
	case ok:
		telemetry.CatalogCacheLookupsTotal.WithLabelValues("hit").Inc()
		return res, nil
	default:
		telemetry.CatalogCacheLookupsTotal.WithLabelValues("miss").Inc()
	}

	// The shared call outlives any single waiter; the client timeout bounds it.
	ch := s.group.DoChan(key, func() (interface{}, error) {
		fetchCtx := context.WithoutCancel(ctx)
		res, err := s.next.Search(fetchCtx, q)
		if err != nil {
			return nil, err
		}
		if err := s.cache.Set(fetchCtx, key, res); err != nil {
			slog.Warn("catalog cache store failed", "key", key, "error", err)
		}
		return res, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Result), nil
	}
}
