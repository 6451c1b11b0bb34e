// Package cache provides the expiring key/value stores used for reference
// data lookups. The store is injected into consumers so deployments can swap
// the redis implementation for the in-process one without touching engines.
package cache

import (
	"context"
	"time"
)

// Store is a cache with per-entry expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
