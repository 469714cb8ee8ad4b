// Package broker connects the worker to the Dragonfly task streams and
// the shared resource cache keys.
package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps the Dragonfly connection with the small surface the
// worker needs: consumer-group stream reads, acks, and plain KV access.
type Client struct {
	rdb *redis.Client
}

// New dials Dragonfly. The connection is verified with a ping.
func New(ctx context.Context, addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     16,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping %s: %w", addr, err)
	}
	return &Client{rdb: rdb}, nil
}

// EnsureGroup creates the consumer group from the start of the stream,
// creating the stream if absent. An existing group is not an error.
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err == nil || strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("create group %s on %s: %w", group, stream, err)
}

// ReadNew reads undelivered entries from the given streams, blocking
// for up to block when they are empty. A negative block makes the read
// non-blocking (no BLOCK argument is sent), in which case an empty
// result is redis.Nil.
func (c *Client) ReadNew(ctx context.Context, streams []string, group, consumer string, count int64, block time.Duration) ([]redis.XStream, error) {
	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}
	return c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  args,
		Count:    count,
		Block:    block,
	}).Result()
}

// ReadPending fetches entries already delivered to this consumer but
// never acknowledged, e.g. after a crash. It does not block.
func (c *Client) ReadPending(ctx context.Context, stream, group, consumer string, count int64) ([]redis.XStream, error) {
	return c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, "0"},
		Count:    count,
	}).Result()
}

// Ack acknowledges stream entries, retrying once on failure.
func (c *Client) Ack(ctx context.Context, stream, group string, ids ...string) error {
	err := c.rdb.XAck(ctx, stream, group, ids...).Err()
	if err == nil {
		return nil
	}
	if err := c.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", stream, err)
	}
	return nil
}

// Get fetches a plain key; a missing key returns ("", nil).
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

// Set writes a plain key with a TTL (0 means no expiry).
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// Del removes keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

// Ping verifies the connection is alive.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
