package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

// CategoryCache keeps the latest JSON of every category in Redis so a restarted
// process can serve data before its storage is read. A cache without a client
// is valid and does nothing.
type CategoryCache struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
}

// NewCategoryCache connects with retries. When Redis stays unreachable the
// returned cache is disabled instead of failing startup.
func NewCategoryCache(ctx context.Context, cfg RedisConfig) *CategoryCache {
	cache := &CategoryCache{namespace: cfg.Namespace, ttl: cfg.CacheTTL}

	logger := GetLogger().WithFields(LogFields{
		"host":      cfg.Host,
		"port":      cfg.Port,
		"username":  cfg.Username,
		"password":  maskPassword(cfg.Password),
		"db":        cfg.DB,
		"pool_size": cfg.PoolSize,
	})

	client := redis.NewClient(&redis.Options{
		Addr:         net.JoinHostPort(cfg.Host, cfg.Port),
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConnections,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	attempts := cfg.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		err := client.Ping(ctx).Err()
		if err == nil {
			logger.Info("Redis connected successfully")
			cache.client = client
			return cache
		}

		logger.WithError(err).WithFields(LogFields{"attempt": i + 1}).Warn("Redis connection attempt failed")
		if i < attempts-1 {
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				i = attempts
			}
		}
	}

	logger.Warn("Redis initialization failed, continuing without category cache")
	client.Close()
	return cache
}

// maskPassword masks the password for logging
func maskPassword(password string) string {
	if password == "" {
		return "(empty)"
	}
	if len(password) <= 4 {
		return "****"
	}
	return password[:2] + "****" + password[len(password)-2:]
}

func (c *CategoryCache) key(category string) string {
	return fmt.Sprintf("%s:category:%s", c.namespace, category)
}

// Available reports whether a Redis connection was established.
func (c *CategoryCache) Available() bool {
	return c != nil && c.client != nil
}

// SetCategoryJSON stores the served JSON of a category.
func (c *CategoryCache) SetCategoryJSON(ctx context.Context, category string, data []byte) error {
	if !c.Available() {
		return nil
	}

	start := time.Now()
	key := c.key(category)
	err := c.client.Set(ctx, key, data, c.ttl).Err()

	GetMetricsCollector().RecordRedisOperation("set", err)
	GetLogger().LogCacheOperation(ctx, "set", key, false, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to cache category %s: %w", category, err)
	}
	return nil
}

// GetCategoryJSON returns the cached JSON of a category and whether it was found.
func (c *CategoryCache) GetCategoryJSON(ctx context.Context, category string) ([]byte, bool, error) {
	if !c.Available() {
		return nil, false, nil
	}

	start := time.Now()
	key := c.key(category)
	data, err := c.client.Get(ctx, key).Bytes()
	hit := err == nil

	if errors.Is(err, redis.Nil) {
		err = nil
	}
	GetMetricsCollector().RecordRedisOperation("get", err)
	GetMetricsCollector().RecordCacheLookup("category", hit)
	GetLogger().LogCacheOperation(ctx, "get", key, hit, time.Since(start), err)

	if err != nil {
		return nil, false, fmt.Errorf("failed to get cached category %s: %w", category, err)
	}
	return data, hit, nil
}

// Ping checks the connection. A disabled cache reports an error.
func (c *CategoryCache) Ping(ctx context.Context) error {
	if !c.Available() {
		return fmt.Errorf("redis not initialized")
	}
	return c.client.Ping(ctx).Err()
}

func (c *CategoryCache) Close() error {
	if !c.Available() {
		return nil
	}
	return c.client.Close()
}
