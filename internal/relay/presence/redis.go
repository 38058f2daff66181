package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/encoding/json"
	"stomprelay.com/pkg/metrics"
)

// RedisStore keeps sessions in one hash: <prefix>:sessions, field = conn id.
type RedisStore struct {
	rdb *redis.Client
	key string
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "relay"
	}
	return &RedisStore{rdb: rdb, key: prefix + ":sessions"}
}

func (s *RedisStore) Key() string { return s.key }

func (s *RedisStore) Add(ctx context.Context, id string, info Info) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveRedis("hset", start, err) }()

	b, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("presence marshal: %w", err)
	}
	if err = s.rdb.HSet(ctx, s.key, id, b).Err(); err != nil {
		return fmt.Errorf("presence add %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, id string) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveRedis("hdel", start, err) }()

	if err = s.rdb.HDel(ctx, s.key, id).Err(); err != nil {
		return fmt.Errorf("presence remove %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) Count(ctx context.Context) (n int64, err error) {
	start := time.Now()
	defer func() { metrics.ObserveRedis("hlen", start, err) }()
	n, err = s.rdb.HLen(ctx, s.key).Result()
	return n, err
}

// Get returns the stored info of id.
func (s *RedisStore) Get(ctx context.Context, id string) (Info, error) {
	var info Info
	b, err := s.rdb.HGet(ctx, s.key, id).Bytes()
	if err != nil {
		return info, err
	}
	err = json.Unmarshal(b, &info)
	return info, err
}

// ReportPool exports the client pool stats until ctx ends.
func (s *RedisStore) ReportPool(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 15 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			metrics.ReportRedisPool(s.rdb.PoolStats())
		}
	}
}

// Clear drops the whole hash. The relay calls it on start since sessions do
// not survive a restart.
func (s *RedisStore) Clear(ctx context.Context) error {
	return s.rdb.Del(ctx, s.key).Err()
}

func (s *RedisStore) Close() error { return s.rdb.Close() }
