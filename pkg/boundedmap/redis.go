package boundedmap

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisSetScript atomically sets a member in a capped sorted-set-backed map
// and evicts the oldest member when the set exceeds maxSize, mirroring the
// insertion-order eviction semantics of the in-memory Map. Members are
// scored by insertion sequence (an incrementing counter key) so "oldest"
// is well defined without relying on Redis server clocks.
var redisSetScript = redis.NewScript(`
local setKey = KEYS[1]
local valKey = KEYS[2]
local seqKey = KEYS[3]
local member = ARGV[1]
local value = ARGV[2]
local maxSize = tonumber(ARGV[3])
local ttlSeconds = tonumber(ARGV[4])

local seq = redis.call("INCR", seqKey)
redis.call("ZADD", setKey, seq, member)
redis.call("HSET", valKey, member, value)
if ttlSeconds > 0 then
  redis.call("HEXPIRE", valKey, ttlSeconds, "FIELDS", 1, member)
end

local count = redis.call("ZCARD", setKey)
if count > maxSize then
  local oldest = redis.call("ZRANGE", setKey, 0, count - maxSize - 1)
  for _, m in ipairs(oldest) do
    redis.call("ZREM", setKey, m)
    redis.call("HDEL", valKey, m)
  end
end

return count
`)

// RedisMap is a distributed BoundedMap backend for multi-process
// deployments, so the approval-token map and idempotency cache can be
// shared across engine instances. A single-process engine should prefer
// the in-memory Map; this exists purely for horizontal scale-out.
type RedisMap struct {
	client  *redis.Client
	prefix  string
	maxSize int
	ttl     time.Duration
}

// NewRedisMap builds a RedisMap bounded to maxSize members, namespaced by
// prefix so multiple bounded maps can share one Redis instance.
func NewRedisMap(client *redis.Client, prefix string, maxSize int, ttl time.Duration) *RedisMap {
	return &RedisMap{client: client, prefix: prefix, maxSize: maxSize, ttl: ttl}
}

func (r *RedisMap) keys() (setKey, valKey, seqKey string) {
	return r.prefix + ":set", r.prefix + ":vals", r.prefix + ":seq"
}

// Set inserts or replaces k, evicting the oldest member if the map would
// exceed maxSize.
func (r *RedisMap) Set(ctx context.Context, k, v string) error {
	setKey, valKey, seqKey := r.keys()
	ttlSeconds := int64(r.ttl / time.Second)
	_, err := redisSetScript.Run(ctx, r.client, []string{setKey, valKey, seqKey}, k, v, r.maxSize, ttlSeconds).Result()
	if err != nil {
		return fmt.Errorf("redis bounded map set: %w", err)
	}
	return nil
}

// Get returns the value for k and whether it was present and unexpired.
func (r *RedisMap) Get(ctx context.Context, k string) (string, bool, error) {
	_, valKey, _ := r.keys()
	v, err := r.client.HGet(ctx, valKey, k).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis bounded map get: %w", err)
	}
	return v, true, nil
}

// Delete removes k unconditionally.
func (r *RedisMap) Delete(ctx context.Context, k string) error {
	setKey, valKey, _ := r.keys()
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, setKey, k)
	pipe.HDel(ctx, valKey, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis bounded map delete: %w", err)
	}
	return nil
}
