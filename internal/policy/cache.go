package policy

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"verdict/internal/config"
	"verdict/internal/constants"
	"verdict/internal/logger"
	"verdict/pkg/circuitbreaker"
	"verdict/pkg/metrics"
)

const defaultCacheTTL = 30 * time.Second

// ContentCache holds active policy content keyed by rule. Invalidate is
// called after a committed activation so readers never see stale active
// content.
type ContentCache interface {
	Get(ctx context.Context, ruleID string) (json.RawMessage, bool)
	Set(ctx context.Context, ruleID string, content json.RawMessage)
	Invalidate(ctx context.Context, ruleID string) error
}

func NewContentCache(cfg config.CacheConfig, cbCfg config.CircuitBreakerConfig, redisClient *redis.Client, log logger.Logger) ContentCache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	switch cfg.Backend {
	case "memory":
		return NewMemoryCache(ttl)
	case "redis":
		if redisClient == nil {
			log.Warn("Redis cache configured but no redis connection, falling back to memory cache")
			return NewMemoryCache(ttl)
		}
		var cache ContentCache = NewRedisCache(redisClient, ttl)
		if cbCfg.Enabled {
			cache = NewBreakerCache(cache, cbCfg, log)
		}
		return NewGuardedCache(cache, log)
	default:
		return nil
	}
}

type cacheEntry struct {
	content   json.RawMessage
	expiresAt time.Time
}

type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
	}
}

func (c *MemoryCache) Get(ctx context.Context, ruleID string) (json.RawMessage, bool) {
	c.mu.RLock()
	entry, exists := c.entries[ruleID]
	c.mu.RUnlock()

	if !exists || time.Now().After(entry.expiresAt) {
		metrics.ContentCacheOpsTotal.WithLabelValues("memory", "miss").Inc()
		return nil, false
	}
	metrics.ContentCacheOpsTotal.WithLabelValues("memory", "hit").Inc()
	return entry.content, true
}

func (c *MemoryCache) Set(ctx context.Context, ruleID string, content json.RawMessage) {
	c.mu.Lock()
	c.entries[ruleID] = cacheEntry{content: content, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	metrics.ContentCacheOpsTotal.WithLabelValues("memory", "set").Inc()
}

func (c *MemoryCache) Invalidate(ctx context.Context, ruleID string) error {
	c.mu.Lock()
	delete(c.entries, ruleID)
	c.mu.Unlock()
	metrics.ContentCacheOpsTotal.WithLabelValues("memory", "invalidate").Inc()
	return nil
}

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) key(ruleID string) string {
	return constants.CacheKeyPrefixContent + ruleID
}

func (c *RedisCache) Get(ctx context.Context, ruleID string) (json.RawMessage, bool) {
	content, err := c.client.Get(ctx, c.key(ruleID)).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.ContentCacheOpsTotal.WithLabelValues("redis", "miss").Inc()
		return nil, false
	}
	if err != nil {
		metrics.ContentCacheOpsTotal.WithLabelValues("redis", "error").Inc()
		return nil, false
	}
	metrics.ContentCacheOpsTotal.WithLabelValues("redis", "hit").Inc()
	return content, true
}

func (c *RedisCache) Set(ctx context.Context, ruleID string, content json.RawMessage) {
	if err := c.client.Set(ctx, c.key(ruleID), []byte(content), c.ttl).Err(); err != nil {
		metrics.ContentCacheOpsTotal.WithLabelValues("redis", "error").Inc()
		return
	}
	metrics.ContentCacheOpsTotal.WithLabelValues("redis", "set").Inc()
}

func (c *RedisCache) Invalidate(ctx context.Context, ruleID string) error {
	if err := c.client.Del(ctx, c.key(ruleID)).Err(); err != nil {
		metrics.ContentCacheOpsTotal.WithLabelValues("redis", "error").Inc()
		return err
	}
	metrics.ContentCacheOpsTotal.WithLabelValues("redis", "invalidate").Inc()
	return nil
}

// BreakerCache shields evaluation from a failing cache backend. When the
// breaker is open, reads degrade to misses and writes are dropped; the
// cache TTL bounds any staleness once the backend recovers.
type BreakerCache struct {
	inner   ContentCache
	breaker *circuitbreaker.Wrapper
	logger  logger.Logger
}

func NewBreakerCache(inner ContentCache, cfg config.CircuitBreakerConfig, log logger.Logger) *BreakerCache {
	cbConfig := circuitbreaker.DefaultConfig("content-cache")
	if cfg.MaxRequests > 0 {
		cbConfig.MaxRequests = cfg.MaxRequests
	}
	if cfg.Interval > 0 {
		cbConfig.Interval = cfg.Interval
	}
	if cfg.Timeout > 0 {
		cbConfig.Timeout = cfg.Timeout
	}
	return &BreakerCache{
		inner:   inner,
		breaker: circuitbreaker.NewWrapper(cbConfig),
		logger:  log,
	}
}

func (c *BreakerCache) Get(ctx context.Context, ruleID string) (json.RawMessage, bool) {
	result, err := c.breaker.ExecuteWithContext(ctx, func() (interface{}, error) {
		content, ok := c.inner.Get(ctx, ruleID)
		if !ok {
			return nil, nil
		}
		return content, nil
	})
	if err != nil || result == nil {
		return nil, false
	}
	content, ok := result.(json.RawMessage)
	return content, ok
}

func (c *BreakerCache) Set(ctx context.Context, ruleID string, content json.RawMessage) {
	_, _ = c.breaker.ExecuteWithContext(ctx, func() (interface{}, error) {
		c.inner.Set(ctx, ruleID, content)
		return nil, nil
	})
}

func (c *BreakerCache) Invalidate(ctx context.Context, ruleID string) error {
	_, err := c.breaker.ExecuteWithContext(ctx, func() (interface{}, error) {
		return nil, c.inner.Invalidate(ctx, ruleID)
	})
	if err != nil {
		c.logger.WarnwCtx(ctx, "Cache invalidation failed", "rule_id", ruleID, "error", err)
	}
	return err
}

// GuardedCache quarantines a rule whose invalidation failed: hits for it
// degrade to misses until a later invalidation of the backend succeeds.
// A committed activation is therefore never served stale just because
// the cache backend was down at invalidation time.
type GuardedCache struct {
	inner  ContentCache
	logger logger.Logger

	mu    sync.Mutex
	dirty map[string]struct{}
}

func NewGuardedCache(inner ContentCache, log logger.Logger) *GuardedCache {
	return &GuardedCache{
		inner:  inner,
		logger: log,
		dirty:  make(map[string]struct{}),
	}
}

func (c *GuardedCache) Get(ctx context.Context, ruleID string) (json.RawMessage, bool) {
	if c.isDirty(ruleID) {
		// Retry dropping the stale entry; until that succeeds the
		// backend may still hold pre-activation content.
		if err := c.inner.Invalidate(ctx, ruleID); err != nil {
			return nil, false
		}
		c.clearDirty(ruleID)
		return nil, false
	}
	return c.inner.Get(ctx, ruleID)
}

func (c *GuardedCache) Set(ctx context.Context, ruleID string, content json.RawMessage) {
	if c.isDirty(ruleID) {
		return
	}
	c.inner.Set(ctx, ruleID, content)
}

func (c *GuardedCache) Invalidate(ctx context.Context, ruleID string) error {
	if err := c.inner.Invalidate(ctx, ruleID); err != nil {
		c.markDirty(ruleID)
		c.logger.WarnwCtx(ctx, "Cache invalidation failed, quarantining rule until it succeeds",
			"rule_id", ruleID, "error", err)
		return err
	}
	c.clearDirty(ruleID)
	return nil
}

func (c *GuardedCache) isDirty(ruleID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, exists := c.dirty[ruleID]
	return exists
}

func (c *GuardedCache) markDirty(ruleID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty[ruleID] = struct{}{}
}

func (c *GuardedCache) clearDirty(ruleID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.dirty, ruleID)
}
