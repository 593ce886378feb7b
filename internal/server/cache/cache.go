// Package cache holds small shared values such as the debounced broadcast
// timestamp. The memory backend serves a single process; the Redis backend
// is shared by every instance behind the same CDN.
package cache

import (
	"context"
	"fmt"
	"time"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Cache interface {
	// Get returns the value of key and whether it was found.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// New builds the cache named by backend.
func New(backend, redisURL string) (Cache, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendRedis:
		return NewRedis(redisURL)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", backend)
	}
}
