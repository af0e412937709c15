// Package cache wraps the Redis connection shared by the port allocator and
// the expiration scheduler. Redis is an accelerator here, never the system
// of record: callers are expected to keep working (degraded) when it is
// down.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Will-Luck/CTF-Warden/internal/logging"
)

// Cache is a thin facade over go-redis.
type Cache struct {
	rdb *redis.Client
	db  int
	log *logging.Logger
}

// Open parses a redis:// URL and returns a connected client. The connection
// is verified lazily; call Ping to probe.
func Open(url string, log *logging.Logger) (*Cache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Cache{rdb: redis.NewClient(opt), db: opt.DB, log: log}, nil
}

// Ping checks the connection.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the client.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

// Get returns the value at key. The second return is false on a miss.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set stores value at key with a TTL (0 means no expiry).
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// SetNX stores value only when the key does not exist yet. Returns whether
// the write won.
func (c *Cache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

// Del removes keys.
func (c *Cache) Del(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

// TTL returns the remaining lifetime of key. Missing keys and keys without
// an expiry report false.
func (c *Cache) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, false, err
	}
	// go-redis reports -2 (missing) and -1 (no expiry) as negative durations.
	if d < 0 {
		return 0, false, nil
	}
	return d, true, nil
}

// Expire re-arms the TTL on key. Returns false when the key is gone.
func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.Expire(ctx, key, ttl).Result()
}

// EnableExpiryEvents turns on keyspace notifications for expired keys.
// Managed Redis offerings often lock CONFIG down; callers treat failure as
// a downgrade, not a fault.
func (c *Cache) EnableExpiryEvents(ctx context.Context) error {
	return c.rdb.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err()
}

// ExpiredEvents subscribes to the expired-key notification channel for the
// connected database and streams expired key names. The returned close
// function ends the subscription and closes the channel.
func (c *Cache) ExpiredEvents(ctx context.Context) (<-chan string, func() error) {
	ps := c.rdb.PSubscribe(ctx, fmt.Sprintf("__keyevent@%d__:expired", c.db))
	out := make(chan string, 64)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			out <- msg.Payload
		}
	}()
	return out, ps.Close
}
