package coord

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// opTimeout bounds every round trip so a slow store degrades instead of
// stalling workers.
const opTimeout = 2 * time.Second

// RedisStore implements Store against a shared Redis instance.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore connects and pings the store. prefix namespaces all keys,
// e.g. "ammoharvest:".
func NewRedisStore(ctx context.Context, addr, password string, db int, prefix string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect coordination store: %w", err)
	}
	return &RedisStore{rdb: rdb, prefix: prefix}, nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

func (s *RedisStore) key(k string) string { return s.prefix + k }

func (s *RedisStore) wrap(err error) error {
	if err == nil || err == redis.Nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	ok, err := s.rdb.SetNX(ctx, s.key(key), value, ttl).Result()
	return ok, s.wrap(err)
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	d, err := s.rdb.PTTL(ctx, s.key(key)).Result()
	if err != nil {
		return 0, s.wrap(err)
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, s.key(key))
	pipe.ExpireNX(ctx, s.key(key), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, s.wrap(err)
	}
	return incr.Val(), nil
}

func (s *RedisStore) Decr(ctx context.Context, key string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	n, err := s.rdb.Decr(ctx, s.key(key)).Result()
	return n, s.wrap(err)
}

func (s *RedisStore) GetInt(ctx context.Context, key string) (int64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	n, err := s.rdb.Get(ctx, s.key(key)).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, s.wrap(err)
	}
	return n, true, nil
}

func (s *RedisStore) SetInt(ctx context.Context, key string, val int64, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.wrap(s.rdb.Set(ctx, s.key(key), val, ttl).Err())
}

func (s *RedisStore) SAdd(ctx context.Context, key, member string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	pipe := s.rdb.TxPipeline()
	added := pipe.SAdd(ctx, s.key(key), member)
	pipe.ExpireNX(ctx, s.key(key), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, s.wrap(err)
	}
	return added.Val() == 1, nil
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.wrap(s.rdb.Del(ctx, s.key(key)).Err())
}
