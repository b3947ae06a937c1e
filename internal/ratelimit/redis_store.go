package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"docflow/internal/redis"
)

// slidingWindowScript keeps a sorted set of admission timestamps per key.
// Running it as one script makes the purge, count and record atomic.
var slidingWindowScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= limit then
	return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 1
`)

// RedisStore shares windows between service instances. Keys expire with
// their window so idle callers do not accumulate.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) Allow(ctx context.Context, key string, max int, window time.Duration) (bool, error) {
	now := s.now().UnixMilli()
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()
	res, err := s.client.RunScript(ctx, slidingWindowScript, []string{s.prefix + key},
		now, window.Milliseconds(), max, member)
	if err != nil {
		return false, fmt.Errorf("sliding window %s: %w", key, err)
	}
	admitted, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("sliding window %s: unexpected reply %T", key, res)
	}
	return admitted == 1, nil
}
