// Package coord is the narrow client boundary to the shared coordination
// store. Rate-limit windows, run dedup sets and drift counters all live
// behind this interface so that every worker process observes the same
// state. Callers decide fail-open vs fail-closed per operation.
package coord

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps any transport-level failure of the store. Callers
// match on it to apply their degradation policy.
var ErrUnavailable = errors.New("coordination store unavailable")

// Store is the minimal operation set the pipeline coordinates through.
// Implementations must make every operation atomic at the store.
type Store interface {
	// SetNX sets key to value with a TTL only if the key does not exist.
	// Reports whether this call created the key.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// TTL returns the remaining lifetime of key; zero when the key is
	// absent or has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Incr increments the integer at key, creating it at 1 with the TTL.
	// The TTL is applied only when the key is created.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Decr decrements the integer at key; absent keys count from zero.
	Decr(ctx context.Context, key string) (int64, error)

	// GetInt reads the integer at key; ok is false when absent.
	GetInt(ctx context.Context, key string) (val int64, ok bool, err error)

	// SetInt writes the integer at key with a TTL.
	SetInt(ctx context.Context, key string, val int64, ttl time.Duration) error

	// SAdd adds member to the set at key, applying the TTL only when this
	// insert creates the set. Reports whether the member was newly added.
	SAdd(ctx context.Context, key, member string, ttl time.Duration) (bool, error)

	// Del removes key (sets included).
	Del(ctx context.Context, key string) error
}

// Lock is a best-effort advisory lock built on SetNX. Release deletes the
// key unconditionally; holders are expected to finish well inside the TTL.
type Lock struct {
	store Store
	key   string
}

// AcquireLock takes the named lock or reports false when contended.
func AcquireLock(ctx context.Context, s Store, key string, ttl time.Duration) (*Lock, bool, error) {
	ok, err := s.SetNX(ctx, key, "1", ttl)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{store: s, key: key}, true, nil
}

// Release frees the lock.
func (l *Lock) Release(ctx context.Context) error {
	return l.store.Del(ctx, l.key)
}
