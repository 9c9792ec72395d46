// Package redis implements kv.Store on go-redis/v9, using EVAL for the
// atomic capacity reservation that the teacher's Pulse rmap/distributed
// ticker idiom (registry/health_tracker.go) covered with a replicated map;
// Redis's native atomic scripting replaces that role directly.
package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/flowbase/core/internal/kv"
)

// Store is a Redis-backed implementation of kv.Store.
type Store struct {
	rdb *goredis.Client
}

var _ kv.Store = (*Store)(nil)

// New wraps an already-constructed *redis.Client.
func New(rdb *goredis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", kv.ErrNotFound
	}
	return val, err
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *Store) Del(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

func (s *Store) Scan(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	iter := s.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	return out, iter.Err()
}

// reserveScript atomically reads the current counter (default 0), and if
// incrementing it by 1 would not exceed the limit, does so and refreshes the
// TTL. Returns 1 on success, 0 if over capacity.
var reserveScript = goredis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local limit = tonumber(ARGV[1])
if cur + 1 > limit then
	return 0
end
redis.call("INCR", KEYS[1])
if tonumber(ARGV[2]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 1
`)

func (s *Store) TryReserve(ctx context.Context, key string, limit int64, ttl time.Duration) (bool, error) {
	res, err := reserveScript.Run(ctx, s.rdb, []string{key}, limit, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// reserveTwoScript atomically checks and increments two counters together,
// mutating neither if either would exceed its limit (spec §4.6: "a single
// atomic script" covering executorInFlight and orgInFlight).
var reserveTwoScript = goredis.NewScript(`
local cur1 = tonumber(redis.call("GET", KEYS[1]) or "0")
local cur2 = tonumber(redis.call("GET", KEYS[2]) or "0")
local limit1 = tonumber(ARGV[1])
local limit2 = tonumber(ARGV[2])
if cur1 + 1 > limit1 or cur2 + 1 > limit2 then
	return 0
end
redis.call("INCR", KEYS[1])
redis.call("INCR", KEYS[2])
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call("PEXPIRE", KEYS[1], ttl)
	redis.call("PEXPIRE", KEYS[2], ttl)
end
return 1
`)

func (s *Store) TryReserveTwo(ctx context.Context, key1 string, limit1 int64, key2 string, limit2 int64, ttl time.Duration) (bool, error) {
	res, err := reserveTwoScript.Run(ctx, s.rdb, []string{key1, key2}, limit1, limit2, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// releaseScript atomically decrements the counter, flooring at zero so a
// spurious double-release never drives it negative.
var releaseScript = goredis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
if cur <= 0 then
	redis.call("SET", KEYS[1], "0")
	return 0
end
return redis.call("DECR", KEYS[1])
`)

func (s *Store) Release(ctx context.Context, key string) error {
	return releaseScript.Run(ctx, s.rdb, []string{key}).Err()
}
