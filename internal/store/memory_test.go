package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreZSetOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.ZAdd(ctx, "z", 3, "c"))
	require.NoError(t, s.ZAdd(ctx, "z", 1, "a"))
	require.NoError(t, s.ZAdd(ctx, "z", 2, "b"))
	// Ties break lexicographically.
	require.NoError(t, s.ZAdd(ctx, "z", 2, "ab"))

	members, err := s.ZRangeByIndex(ctx, "z", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "ab", "b", "c"}, members)

	members, err = s.ZRangeByIndex(ctx, "z", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "ab"}, members)

	members, err = s.ZRangeByIndex(ctx, "z", 10, 20)
	require.NoError(t, err)
	assert.Empty(t, members)

	card, err := s.ZCard(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, int64(4), card)
}

func TestMemoryStoreZScoreAndRem(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.ZAdd(ctx, "z", 42, "m"))

	score, ok, err := s.ZScore(ctx, "z", "m")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, float64(42), score)

	_, ok, err = s.ZScore(ctx, "z", "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	removed, err := s.ZRem(ctx, "z", "m", "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestMemoryStoreZRangeByScore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.ZAdd(ctx, "z", 10, "a"))
	require.NoError(t, s.ZAdd(ctx, "z", 20, "b"))
	require.NoError(t, s.ZAdd(ctx, "z", 30, "c"))

	members, err := s.ZRangeByScore(ctx, "z", MinScore, 20)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, members)

	members, err = s.ZRangeByScore(ctx, "z", MinScore, MaxScore)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, members)
}

func TestMemoryStoreHashOps(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	isNew, err := s.HSet(ctx, "h", "f1", "v1")
	require.NoError(t, err)
	assert.True(t, isNew)

	isNew, err = s.HSet(ctx, "h", "f1", "v2")
	require.NoError(t, err)
	assert.False(t, isNew)

	vals, err := s.HMGet(ctx, "h", "f1", "missing")
	require.NoError(t, err)
	require.Len(t, vals, 2)
	require.NotNil(t, vals[0])
	assert.Equal(t, "v2", *vals[0])
	assert.Nil(t, vals[1])

	all, err := s.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"f1": "v2"}, all)

	removed, err := s.HDel(ctx, "h", "f1", "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestMemoryStoreStringsAndIncr(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "k", "v"))
	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	n, err := s.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = s.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	removed, err := s.Del(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestMemoryStoreRunTxAppliesAllOps(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.ZAdd(ctx, "from", 1, "m"))

	err := s.RunTx(ctx, func(tx Tx) {
		tx.ZRem("from", "m")
		tx.ZAdd("to", 2, "m")
		tx.HSet("data", "m", "payload")
		tx.Set("status", "ok")
	})
	require.NoError(t, err)

	_, ok, err := s.ZScore(ctx, "from", "m")
	require.NoError(t, err)
	assert.False(t, ok)
	score, ok, err := s.ZScore(ctx, "to", "m")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, float64(2), score)
	vals, err := s.HMGet(ctx, "data", "m")
	require.NoError(t, err)
	require.NotNil(t, vals[0])
	assert.Equal(t, "payload", *vals[0])
	v, _, err := s.Get(ctx, "status")
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestMemoryStoreClosed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Close())

	err := s.ZAdd(ctx, "z", 1, "m")
	assert.ErrorIs(t, err, ErrClosed)
	_, _, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
	err = s.RunTx(ctx, func(tx Tx) { tx.Set("k", "v") })
	assert.ErrorIs(t, err, ErrClosed)
}
