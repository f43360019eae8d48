package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and consumes atomically. Bucket state is a hash
// {tokens, ts} with ts in milliseconds. Floats are returned as strings since
// Redis truncates Lua numbers to integers.
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now

local elapsed = math.max(0, now - ts) / 1000
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
end

if cost > 0 then
  redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(now))
  local ttl = math.ceil(capacity / math.max(rate, 0.001)) + 60
  redis.call('EXPIRE', KEYS[1], ttl)
end
return {allowed, tostring(tokens)}
`)

// RedisStore shares buckets across instances through Redis.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore uses client with keys "<prefix><account>".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "credits:ratelimit:"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

// NewRedisStoreFromURL connects to a redis:// URL and pings it.
func NewRedisStoreFromURL(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(client, prefix), nil
}

func (s *RedisStore) Allow(ctx context.Context, key string, capacity, refillRate float64) (bool, float64, error) {
	return s.run(ctx, key, capacity, refillRate, 1)
}

// Remaining evaluates the bucket without consuming or writing.
func (s *RedisStore) Remaining(ctx context.Context, key string, capacity, refillRate float64) (float64, error) {
	_, remaining, err := s.run(ctx, key, capacity, refillRate, 0)
	return remaining, err
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) run(ctx context.Context, key string, capacity, refillRate float64, cost int) (bool, float64, error) {
	res, err := tokenBucketScript.Run(ctx, s.client, []string{s.prefix + key},
		capacity, refillRate, s.now().UnixMilli(), cost).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit script: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("ratelimit script: unexpected reply %v", res)
	}
	allowed, _ := res[0].(int64)
	raw, _ := res[1].(string)
	remaining, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit script: tokens %q: %w", raw, err)
	}
	return allowed == 1, remaining, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
