// Package cache provides short-lived caching for delivery-fee lookups.
package cache

import (
	"context"
	"fmt"
	"time"
)

// Provider is a TTL'd string cache backed by memory or Redis.
type Provider interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

type Config struct {
	Provider              string
	RedisConnectionString string
}

func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "memory", "":
		return NewMemoryProvider()
	case "redis":
		return NewRedisProvider(cfg.RedisConnectionString)
	default:
		return nil, fmt.Errorf("unsupported cache provider: %s", cfg.Provider)
	}
}

// DoorFeeKey is the cache key for a delivery city's door fee.
func DoorFeeKey(city string) string {
	return fmt.Sprintf("doorfee:%s", city)
}
