// Package store abstracts the key-value backend the queue and the purchase
// cache are built on: ordered sets with numeric scores, hashes, plain
// strings, and atomic multi-op transactions. The redis implementation is
// the production backend; the in-memory implementation backs tests.
package store

import (
	"context"
	"errors"
	"math"
)

// ErrClosed is returned by operations issued after Close.
var ErrClosed = errors.New("store is closed")

// Unbounded score range endpoints for ZRangeByScore.
var (
	MinScore = math.Inf(-1)
	MaxScore = math.Inf(1)
)

// Tx collects write operations that execute atomically with respect to
// other clients. Operations are applied in the order they were added.
type Tx interface {
	ZAdd(key string, score float64, member string)
	ZRem(key string, members ...string)
	HSet(key, field, value string)
	HDel(key string, fields ...string)
	Set(key, value string)
	Del(key string)
	Incr(key string)
}

// Store is the backend contract. All methods are single round trips except
// RunTx, which batches its operations into one atomic unit.
type Store interface {
	// Ordered sets.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	// ZScore returns the member's score and whether it exists.
	ZScore(ctx context.Context, key, member string) (float64, bool, error)
	ZRem(ctx context.Context, key string, members ...string) (int64, error)
	// ZRangeByIndex returns members ordered by score ascending, by rank.
	// Negative stop follows redis semantics (-1 is the last member).
	ZRangeByIndex(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZCard(ctx context.Context, key string) (int64, error)

	// Hashes.
	// HSet reports whether the field was newly created.
	HSet(ctx context.Context, key, field, value string) (bool, error)
	// HMGet returns one entry per requested field; missing fields are nil.
	HMGet(ctx context.Context, key string, fields ...string) ([]*string, error)
	HDel(ctx context.Context, key string, fields ...string) (int64, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// Strings.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Del(ctx context.Context, key string) (int64, error)
	Incr(ctx context.Context, key string) (int64, error)

	// RunTx executes every operation fn adds atomically.
	RunTx(ctx context.Context, fn func(tx Tx)) error

	Close() error
}
