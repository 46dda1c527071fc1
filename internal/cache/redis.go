package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ResultCache stores classification results in Redis. Entries are
// namespaced by rule table fingerprint, so a rule reload never serves
// results computed under the old rules.
type ResultCache struct {
	client *redis.Client
	config *Config
	logger *zap.Logger
	hits   atomic.Int64
	misses atomic.Int64
}

// NewResultCache connects to Redis and verifies the connection
func NewResultCache(config *Config, logger *zap.Logger) (*ResultCache, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if config.MaxConnections > 0 {
		opts.PoolSize = config.MaxConnections
	}
	opts.MinIdleConns = config.MinIdleConns

	c := &ResultCache{
		client: redis.NewClient(opts),
		config: config,
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.client.Ping(ctx).Err(); err != nil {
		c.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Result cache initialized",
		zap.String("redis_url", maskRedisURL(config.RedisURL)),
		zap.Int("max_connections", opts.PoolSize),
		zap.Duration("default_ttl", config.DefaultTTL))

	return c, nil
}

// GetMany looks up cached results for terms in one round trip. The
// returned map only holds hits; lookup failures count as misses.
func (c *ResultCache) GetMany(ctx context.Context, fingerprint string, terms []string) (map[string]Result, error) {
	found := make(map[string]Result)
	if len(terms) == 0 {
		return found, nil
	}

	keys := make([]string, len(terms))
	for i, term := range terms {
		keys[i] = c.key(fingerprint, term)
	}

	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		c.misses.Add(int64(len(terms)))
		return found, fmt.Errorf("cache lookup failed: %w", err)
	}

	var corrupt []string
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			c.misses.Add(1)
			continue
		}
		var r Result
		if err := json.Unmarshal([]byte(s), &r); err != nil {
			corrupt = append(corrupt, keys[i])
			c.misses.Add(1)
			continue
		}
		found[terms[i]] = r
		c.hits.Add(1)
	}

	if len(corrupt) > 0 {
		c.logger.Warn("Dropping corrupted cache entries", zap.Int("count", len(corrupt)))
		c.client.Del(ctx, corrupt...)
	}

	c.logger.Debug("Cache lookup",
		zap.Int("terms", len(terms)),
		zap.Int("hits", len(found)))

	return found, nil
}

// StoreMany writes results with the default TTL using a pipeline
func (c *ResultCache) StoreMany(ctx context.Context, fingerprint string, results map[string]Result) error {
	if len(results) == 0 {
		return nil
	}

	now := time.Now()
	pipe := c.client.Pipeline()
	for term, r := range results {
		r.CachedAt = now
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal cache entry: %w", err)
		}
		pipe.Set(ctx, c.key(fingerprint, term), data, c.config.DefaultTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("batch cache write failed: %w", err)
	}

	c.logger.Debug("Cache updated", zap.Int("entries", len(results)))
	return nil
}

// GetStats returns cache performance statistics
func (c *ResultCache) GetStats(ctx context.Context) (*Stats, error) {
	info, err := c.client.Info(ctx, "memory").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get Redis info: %w", err)
	}

	stats := &Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		MemoryUsage: parseUsedMemory(info),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}

	if keys, err := c.client.DBSize(ctx).Result(); err == nil {
		stats.TotalKeys = keys
	}

	return stats, nil
}

// Clear removes every entry under the configured key prefix
func (c *ResultCache) Clear(ctx context.Context) (int, error) {
	iter := c.client.Scan(ctx, 0, c.config.KeyPrefix+":cls:*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan cache keys: %w", err)
	}

	const batchSize = 100
	for i := 0; i < len(keys); i += batchSize {
		end := min(i+batchSize, len(keys))
		if err := c.client.Del(ctx, keys[i:end]...).Err(); err != nil {
			return i, fmt.Errorf("failed to delete cache keys: %w", err)
		}
	}

	c.logger.Info("Cache cleared", zap.Int("deleted_keys", len(keys)))
	return len(keys), nil
}

// Close closes the Redis connection
func (c *ResultCache) Close() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}

// key builds "<prefix>:cls:<fingerprint[:16]>:<sha256(term)[:32]>"
func (c *ResultCache) key(fingerprint, term string) string {
	return buildKey(c.config.KeyPrefix, fingerprint, term)
}

func buildKey(prefix, fingerprint, term string) string {
	if len(fingerprint) > 16 {
		fingerprint = fingerprint[:16]
	}
	sum := sha256.Sum256([]byte(term))
	return fmt.Sprintf("%s:cls:%s:%s", prefix, fingerprint, hex.EncodeToString(sum[:16]))
}

func parseUsedMemory(info string) int64 {
	for _, line := range strings.Split(info, "\r\n") {
		if v, ok := strings.CutPrefix(line, "used_memory:"); ok {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return n
			}
		}
	}
	return 0
}

// maskRedisURL masks the password in a Redis URL for logging
func maskRedisURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}
	scheme := strings.Index(url, "://")
	userinfo := url[:at]
	start := 0
	if scheme >= 0 {
		start = scheme + 3
	}
	colon := strings.Index(userinfo[start:], ":")
	if colon < 0 {
		return url
	}
	return userinfo[:start+colon+1] + "***" + url[at:]
}
