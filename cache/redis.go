// Package cache keeps catalog search results in Redis so repeated searches
// skip SQLite.
package cache

import (
	"context"
	"errors"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"

	"library-ledger/library"
)

var json = jsoniter.ConfigFastest

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Prefix   string
}

// SearchCache implements library.SearchCache on Redis. Entries expire after
// TTL; nothing invalidates them early.
type SearchCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisClient connects and pings with a short timeout. It returns nil when
// Redis cannot be reached so callers can run without a cache.
func NewRedisClient(ctx context.Context, o Options) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     o.Addr,
		Password: o.Password,
		DB:       o.DB,
	})
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil
	}
	return client
}

func NewSearchCache(client *redis.Client, ttl time.Duration, prefix string) *SearchCache {
	return &SearchCache{client: client, ttl: ttl, prefix: prefix}
}

func (c *SearchCache) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

// Get returns the cached books for key. A nil cache always misses.
func (c *SearchCache) Get(ctx context.Context, key string) ([]library.Book, bool, error) {
	if c == nil || c.client == nil {
		return nil, false, nil
	}
	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var books []library.Book
	if err := json.Unmarshal(raw, &books); err != nil {
		return nil, false, err
	}
	return books, true, nil
}

// Set stores books under key for the configured TTL.
func (c *SearchCache) Set(ctx context.Context, key string, books []library.Book) error {
	if c == nil || c.client == nil {
		return nil
	}
	raw, err := json.Marshal(books)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(key), raw, c.ttl).Err()
}

// Close releases the client.
func (c *SearchCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
