// Package redis provides a thin wrapper around go-redis/v9 with connection
// pooling, put-if-absent and nonce-guarded writes, and pattern-based key
// invalidation.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/config"
	"github.com/redis/go-redis/v9"
)

// putIfNotLower stores ARGV[2] under KEYS[1] unless the stored nonce is
// strictly greater than ARGV[1]. Returns 1 when written.
var putIfNotLower = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'nonce')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'nonce', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// Client wraps a go-redis client.
type Client struct {
	rdb redis.UniversalClient
}

// NewClient creates a Redis client and verifies the connection with a PING.
func NewClient(cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// Wrap adapts an existing go-redis client.
func Wrap(rdb redis.UniversalClient) *Client {
	return &Client{rdb: rdb}
}

// Get returns the raw bytes stored at key.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	return c.rdb.Get(ctx, key).Bytes()
}

// Set stores a value with the given TTL.
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// SetNX stores value only if key does not exist and reports whether it did.
func (c *Client) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

// PutIfNotLower writes data under key together with nonce unless a higher
// nonce is already stored. Equal nonces overwrite.
func (c *Client) PutIfNotLower(ctx context.Context, key string, nonce int64, data []byte, ttl time.Duration) (bool, error) {
	res, err := putIfNotLower.Run(ctx, c.rdb, []string{key}, nonce, data, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("nonce-guarded put %s: %w", key, err)
	}
	return res == 1, nil
}

// GetNonced returns the payload and nonce written by PutIfNotLower.
func (c *Client) GetNonced(ctx context.Context, key string) ([]byte, int64, error) {
	vals, err := c.rdb.HMGet(ctx, key, "nonce", "data").Result()
	if err != nil {
		return nil, 0, err
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return nil, 0, redis.Nil
	}
	nonceStr, _ := vals[0].(string)
	data, _ := vals[1].(string)
	var nonce int64
	if _, err := fmt.Sscan(nonceStr, &nonce); err != nil {
		return nil, 0, fmt.Errorf("decoding nonce at %s: %w", key, err)
	}
	return []byte(data), nonce, nil
}

// Del deletes one or more keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

// FlushByPattern scans for keys matching the glob pattern and deletes them,
// returning the number of keys removed.
func (c *Client) FlushByPattern(ctx context.Context, pattern string) (int64, error) {
	var deleted int64
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return deleted, fmt.Errorf("deleting key %s: %w", iter.Val(), err)
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("scanning pattern %s: %w", pattern, err)
	}
	return deleted, nil
}

// IsNilError reports whether err is a Redis nil (key-not-found) error.
func IsNilError(err error) bool {
	return errors.Is(err, redis.Nil)
}

// Close closes the underlying Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping sends a PING to Redis and returns any error.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
