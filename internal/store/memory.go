package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
)

// MemoryStore is an in-process Store used by tests. A single mutex covers
// every operation, so RunTx batches are atomic the same way redis
// MULTI/EXEC batches are.
type MemoryStore struct {
	mu      sync.Mutex
	zsets   map[string]map[string]float64
	hashes  map[string]map[string]string
	strings map[string]string
	closed  bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		zsets:   make(map[string]map[string]float64),
		hashes:  make(map[string]map[string]string),
		strings: make(map[string]string),
	}
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.zadd(key, score, member)
	return nil
}

func (s *MemoryStore) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, false, ErrClosed
	}
	set, ok := s.zsets[key]
	if !ok {
		return 0, false, nil
	}
	score, ok := set[member]
	return score, ok, nil
}

func (s *MemoryStore) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.zrem(key, members...), nil
}

func (s *MemoryStore) ZRangeByIndex(ctx context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	members := s.sorted(key)
	n := int64(len(members))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if start >= n || stop < start {
		return nil, nil
	}
	if stop >= n {
		stop = n - 1
	}
	out := make([]string, 0, stop-start+1)
	for _, m := range members[start : stop+1] {
		out = append(out, m.member)
	}
	return out, nil
}

func (s *MemoryStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []string
	for _, m := range s.sorted(key) {
		if m.score >= min && m.score <= max {
			out = append(out, m.member)
		}
	}
	return out, nil
}

func (s *MemoryStore) ZCard(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return int64(len(s.zsets[key])), nil
}

func (s *MemoryStore) HSet(ctx context.Context, key, field, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	hash, ok := s.hashes[key]
	if !ok {
		hash = make(map[string]string)
		s.hashes[key] = hash
	}
	_, existed := hash[field]
	hash[field] = value
	return !existed, nil
}

func (s *MemoryStore) HMGet(ctx context.Context, key string, fields ...string) ([]*string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	hash := s.hashes[key]
	out := make([]*string, len(fields))
	for i, f := range fields {
		if v, ok := hash[f]; ok {
			val := v
			out[i] = &val
		}
	}
	return out, nil
}

func (s *MemoryStore) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.hdel(key, fields...), nil
}

func (s *MemoryStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make(map[string]string, len(s.hashes[key]))
	for f, v := range s.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, ErrClosed
	}
	v, ok := s.strings[key]
	return v, ok, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.strings[key] = value
	return nil
}

func (s *MemoryStore) Del(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	var removed int64
	if _, ok := s.strings[key]; ok {
		delete(s.strings, key)
		removed++
	}
	if _, ok := s.hashes[key]; ok {
		delete(s.hashes, key)
		removed++
	}
	if _, ok := s.zsets[key]; ok {
		delete(s.zsets, key)
		removed++
	}
	return removed, nil
}

func (s *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.incr(key), nil
}

func (s *MemoryStore) RunTx(ctx context.Context, fn func(tx Tx)) error {
	tx := &memoryTx{}
	fn(tx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, op := range tx.ops {
		op(s)
	}
	return nil
}

// memoryTx queues closures; RunTx applies them under the store lock.
type memoryTx struct {
	ops []func(*MemoryStore)
}

func (t *memoryTx) ZAdd(key string, score float64, member string) {
	t.ops = append(t.ops, func(s *MemoryStore) { s.zadd(key, score, member) })
}

func (t *memoryTx) ZRem(key string, members ...string) {
	t.ops = append(t.ops, func(s *MemoryStore) { s.zrem(key, members...) })
}

func (t *memoryTx) HSet(key, field, value string) {
	t.ops = append(t.ops, func(s *MemoryStore) {
		hash, ok := s.hashes[key]
		if !ok {
			hash = make(map[string]string)
			s.hashes[key] = hash
		}
		hash[field] = value
	})
}

func (t *memoryTx) HDel(key string, fields ...string) {
	t.ops = append(t.ops, func(s *MemoryStore) { s.hdel(key, fields...) })
}

func (t *memoryTx) Set(key, value string) {
	t.ops = append(t.ops, func(s *MemoryStore) { s.strings[key] = value })
}

func (t *memoryTx) Del(key string) {
	t.ops = append(t.ops, func(s *MemoryStore) {
		delete(s.strings, key)
		delete(s.hashes, key)
		delete(s.zsets, key)
	})
}

func (t *memoryTx) Incr(key string) {
	t.ops = append(t.ops, func(s *MemoryStore) { s.incr(key) })
}

// Internal helpers; callers hold the lock.

type scoredMember struct {
	member string
	score  float64
}

func (s *MemoryStore) zadd(key string, score float64, member string) {
	set, ok := s.zsets[key]
	if !ok {
		set = make(map[string]float64)
		s.zsets[key] = set
	}
	set[member] = score
}

func (s *MemoryStore) zrem(key string, members ...string) int64 {
	set, ok := s.zsets[key]
	if !ok {
		return 0
	}
	var removed int64
	for _, m := range members {
		if _, ok := set[m]; ok {
			delete(set, m)
			removed++
		}
	}
	if len(set) == 0 {
		delete(s.zsets, key)
	}
	return removed
}

func (s *MemoryStore) hdel(key string, fields ...string) int64 {
	hash, ok := s.hashes[key]
	if !ok {
		return 0
	}
	var removed int64
	for _, f := range fields {
		if _, ok := hash[f]; ok {
			delete(hash, f)
			removed++
		}
	}
	if len(hash) == 0 {
		delete(s.hashes, key)
	}
	return removed
}

func (s *MemoryStore) incr(key string) int64 {
	n, _ := strconv.ParseInt(s.strings[key], 10, 64)
	n++
	s.strings[key] = strconv.FormatInt(n, 10)
	return n
}

// sorted returns members ordered by score ascending, ties broken
// lexicographically, matching redis ZRANGE semantics.
func (s *MemoryStore) sorted(key string) []scoredMember {
	set := s.zsets[key]
	out := make([]scoredMember, 0, len(set))
	for m, score := range set {
		out = append(out, scoredMember{member: m, score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score < out[j].score
		}
		return out[i].member < out[j].member
	})
	return out
}
