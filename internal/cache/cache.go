// Package cache keeps short-lived read models and counters in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xtrntr/trendex/internal/exchange"
)

// Options configures the Redis connection
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Connect opens a client and checks it with a ping
func Connect(ctx context.Context, opt Options) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opt.Addr,
		Password:     opt.Password,
		DB:           opt.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opt.Addr, err)
	}
	return client, nil
}

// DepthCache stores order book snapshots for the public read endpoints
type DepthCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewDepthCache(client *redis.Client, ttl time.Duration) *DepthCache {
	return &DepthCache{client: client, ttl: ttl}
}

func depthKey(symbol string, levels int) string {
	return fmt.Sprintf("depth:%s:%d", strings.ToUpper(symbol), levels)
}

// Get returns the cached snapshot; ok is false on a miss
func (c *DepthCache) Get(ctx context.Context, symbol string, levels int) (exchange.Depth, bool, error) {
	data, err := c.client.Get(ctx, depthKey(symbol, levels)).Bytes()
	if errors.Is(err, redis.Nil) {
		return exchange.Depth{}, false, nil
	}
	if err != nil {
		return exchange.Depth{}, false, fmt.Errorf("failed to read depth: %w", err)
	}
	var d exchange.Depth
	if err := json.Unmarshal(data, &d); err != nil {
		return exchange.Depth{}, false, fmt.Errorf("failed to decode depth: %w", err)
	}
	return d, true, nil
}

func (c *DepthCache) Set(ctx context.Context, levels int, d exchange.Depth) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode depth: %w", err)
	}
	pipe := c.client.Pipeline()
	pipe.Set(ctx, depthKey(d.Symbol, levels), data, c.ttl)
	pipe.SAdd(ctx, symbolKey(d.Symbol), levels)
	pipe.Expire(ctx, symbolKey(d.Symbol), c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write depth: %w", err)
	}
	return nil
}

func symbolKey(symbol string) string {
	return "depth:" + strings.ToUpper(symbol) + ":levels"
}

// Invalidate drops every cached snapshot of symbol
func (c *DepthCache) Invalidate(ctx context.Context, symbol string) error {
	levels, err := c.client.SMembers(ctx, symbolKey(symbol)).Result()
	if err != nil {
		return fmt.Errorf("failed to list cached depths: %w", err)
	}
	keys := []string{symbolKey(symbol)}
	for _, l := range levels {
		keys = append(keys, "depth:"+strings.ToUpper(symbol)+":"+l)
	}
	return c.client.Del(ctx, keys...).Err()
}
