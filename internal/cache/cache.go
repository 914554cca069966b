// Package cache abstracts the shared key-value store used for calendar
// aggregates, per-user event entries, and the refresh lock. TTLs are passed
// per call; implementations must be safe for concurrent use.
package cache

import (
	"context"
	"time"
)

// Cache is the injected store interface. Get returns (nil, nil) on a miss so
// callers can distinguish absence from transport failure. Add has
// add-if-absent semantics and reports whether the key was created, which is
// what makes it usable as a distributed lock across process instances.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Forget(ctx context.Context, key string) error
}
