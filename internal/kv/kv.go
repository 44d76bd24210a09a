// Package kv abstracts the shared key-value store used for session
// locks, pending-overflow queues, conversation caches and idempotency
// leases. The production implementation is Redis; an in-memory
// implementation backs tests.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNil is returned by Get and LPop when the key or list is empty.
var ErrNil = errors.New("kv: nil")

// Store is the minimal command surface the orchestrator depends on.
type Store interface {
	// SetNX sets key to value only if it does not exist, with a TTL.
	// Reports whether the key was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Get returns the value at key, or ErrNil.
	Get(ctx context.Context, key string) (string, error)

	// Del removes keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error

	// Expire resets the TTL of key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// RPush appends values to the list at key.
	RPush(ctx context.Context, key string, values ...string) error

	// LPop removes and returns the head of the list at key, or ErrNil.
	LPop(ctx context.Context, key string) (string, error)

	// LLen returns the length of the list at key.
	LLen(ctx context.Context, key string) (int64, error)

	// LRange returns list elements between start and stop inclusive.
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// AppendList pushes values, trims the list to its last max elements
	// and refreshes the TTL, all in a single pipeline.
	AppendList(ctx context.Context, key string, values []string, max int64, ttl time.Duration) error
}
