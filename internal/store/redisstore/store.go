package redisstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func NewFromClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Client() *redis.Client { return s.rdb }

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// seededIncr seeds KEYS[1] with ARGV[1] when absent, then adds ARGV[2].
var seededIncr = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
end
return redis.call("INCRBYFLOAT", KEYS[1], ARGV[2])
`)

// IncrFloatSeeded atomically initializes key to seed (with ttl) if it does
// not exist yet and adds delta. It returns the new value.
func (s *Store) IncrFloatSeeded(ctx context.Context, key string, seed, delta float64, ttl time.Duration) (float64, error) {
	return seededIncr.Run(ctx, s.rdb, []string{key}, seed, delta, ttl.Milliseconds()).Float64()
}

// IncrFloat adds delta to an existing counter. Missing keys are left alone so
// a refund after the day rolled over does not create a negative counter.
func (s *Store) IncrFloat(ctx context.Context, key string, delta float64) error {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	return s.rdb.IncrByFloat(ctx, key, delta).Err()
}

// IncrWithTTL increments an integer counter and sets its expiry on first use.
func (s *Store) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (s *Store) GetInt(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}
