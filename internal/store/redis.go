package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// connectTimeout bounds the whole connection attempt at boot.
	connectTimeout = 17 * time.Second
	// reconnectBackoffCap caps the delay between connection attempts.
	reconnectBackoffCap = time.Second
)

// RedisStore implements Store on a single redis instance.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

var _ Store = (*RedisStore)(nil)

// Connect dials redis and pings until it answers, backing off between
// attempts up to one second. It gives up after the connect timeout.
func Connect(addr string, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            addr,
		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: reconnectBackoffCap,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	backoff := 100 * time.Millisecond
	for {
		err := client.Ping(ctx).Err()
		if err == nil {
			break
		}
		logger.Warn("redis not reachable, retrying",
			zap.String("addr", addr),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectBackoffCap {
			backoff = reconnectBackoffCap
		}
	}

	return &RedisStore{client: client, logger: logger}, nil
}

// Close closes the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStore) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	score, err := s.client.ZScore(ctx, key, member).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("zscore %s: %w", key, err)
	}
	return score, true, nil
}

func (s *RedisStore) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.ZRem(ctx, key, args...).Result()
}

func (s *RedisStore) ZRangeByIndex(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.client.ZRange(ctx, key, start, stop).Result()
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	return s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	return s.client.ZCard(ctx, key).Result()
}

func (s *RedisStore) HSet(ctx context.Context, key, field, value string) (bool, error) {
	created, err := s.client.HSet(ctx, key, field, value).Result()
	if err != nil {
		return false, fmt.Errorf("hset %s: %w", key, err)
	}
	return created == 1, nil
}

func (s *RedisStore) HMGet(ctx context.Context, key string, fields ...string) ([]*string, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	vals, err := s.client.HMGet(ctx, key, fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("hmget %s: %w", key, err)
	}
	out := make([]*string, len(vals))
	for i, v := range vals {
		if v == nil {
			continue
		}
		str, ok := v.(string)
		if !ok {
			continue
		}
		out[i] = &str
	}
	return out, nil
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	if len(fields) == 0 {
		return 0, nil
	}
	return s.client.HDel(ctx, key, fields...).Result()
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, key).Result()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	return s.client.Set(ctx, key, value, 0).Err()
}

func (s *RedisStore) Del(ctx context.Context, key string) (int64, error) {
	return s.client.Del(ctx, key).Result()
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key).Result()
}

// RunTx executes the batch through MULTI/EXEC so concurrent writers never
// observe a partial state transition.
func (s *RedisStore) RunTx(ctx context.Context, fn func(tx Tx)) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fn(&redisTx{ctx: ctx, pipe: pipe})
		return nil
	})
	if err != nil {
		return fmt.Errorf("transaction failed: %w", err)
	}
	return nil
}

type redisTx struct {
	ctx  context.Context
	pipe redis.Pipeliner
}

func (t *redisTx) ZAdd(key string, score float64, member string) {
	t.pipe.ZAdd(t.ctx, key, redis.Z{Score: score, Member: member})
}

func (t *redisTx) ZRem(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	t.pipe.ZRem(t.ctx, key, args...)
}

func (t *redisTx) HSet(key, field, value string) {
	t.pipe.HSet(t.ctx, key, field, value)
}

func (t *redisTx) HDel(key string, fields ...string) {
	if len(fields) == 0 {
		return
	}
	t.pipe.HDel(t.ctx, key, fields...)
}

func (t *redisTx) Set(key, value string) {
	t.pipe.Set(t.ctx, key, value, 0)
}

func (t *redisTx) Del(key string) {
	t.pipe.Del(t.ctx, key)
}

func (t *redisTx) Incr(key string) {
	t.pipe.Incr(t.ctx, key)
}

func formatScore(f float64) string {
	switch {
	case f == MinScore:
		return "-inf"
	case f == MaxScore:
		return "+inf"
	default:
		return fmt.Sprintf("%f", f)
	}
}
