// Package preview mirrors streamed render previews into Redis so they remain
// retrievable after the worker that produced them has moved on.
package preview

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces preview keys.
const keyPrefix = "easel:preview:"

// DefaultTTL is how long a mirrored preview is kept when no TTL is configured.
const DefaultTTL = 10 * time.Minute

// ErrMiss is returned by Get when no preview is stored under the key.
var ErrMiss = errors.New("preview not in mirror")

// RedisMirror stores preview images in Redis with a fixed TTL.
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisMirror connects to the Redis server at addr and checks that it
// answers.
func NewRedisMirror(ctx context.Context, addr string, ttl time.Duration) (*RedisMirror, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return &RedisMirror{client: client, ttl: ttl}, nil
}

// Put stores data under key, replacing any earlier preview.
func (m *RedisMirror) Put(ctx context.Context, key string, data []byte) error {
	if err := m.client.Set(ctx, keyPrefix+key, data, m.ttl).Err(); err != nil {
		return fmt.Errorf("store preview %s: %w", key, err)
	}
	return nil
}

// Get returns the preview stored under key.
func (m *RedisMirror) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := m.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("load preview %s: %w", key, err)
	}
	return data, nil
}

// Close closes the Redis client.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
