package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"chat-dispatch/pkg/apperr"
	"chat-dispatch/pkg/constants"
	"chat-dispatch/pkg/metrics"
	redisClient "chat-dispatch/pkg/redis"
)

// admitScript trims the sorted set to the trailing window and only records the
// attempt when it fits, so concurrent pods cannot overshoot the limit.
var admitScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	redis.call("ZREMRANGEBYSCORE", key, 0, now - window)
	local count = redis.call("ZCARD", key)
	if count < limit then
		redis.call("ZADD", key, now, ARGV[4])
		redis.call("PEXPIRE", key, window)
		return {1, limit - count - 1, 0}
	end
	local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
	local retry = window
	if oldest[2] then
		retry = tonumber(oldest[2]) + window - now
	end
	return {0, 0, retry}
`)

// RedisLimiter shares windows across pods through Redis sorted sets
type RedisLimiter struct {
	rdb     *redis.Client
	cfg     Config
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewRedisLimiter(rdb *redis.Client, cfg Config, m *metrics.Metrics) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, cfg: cfg, metrics: m, now: time.Now}
}

// Admit fails open: on a Redis error the request is allowed and the error returned for logging
func (l *RedisLimiter) Admit(ctx context.Context, id string) (Decision, error) {
	defer redisClient.ObserveOperation(l.metrics, "rate_limit_admit")()

	key := constants.RateLimitKeyPrefix + l.cfg.key(id)
	now := l.now().UnixMilli()

	res, err := admitScript.Run(ctx, l.rdb, []string{key},
		now, l.cfg.Window.Milliseconds(), l.cfg.Limit, fmt.Sprintf("%d-%s", now, uuid.NewString())).Result()
	if err != nil {
		return Decision{Allowed: true}, apperr.New(apperr.Internal, "rate_limit_redis", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 3 {
		return Decision{Allowed: true}, apperr.New(apperr.Internal, "rate_limit_reply", fmt.Errorf("unexpected script reply %v", res))
	}
	allowed, _ := values[0].(int64)
	remaining, _ := values[1].(int64)
	retryMS, _ := values[2].(int64)

	return Decision{
		Allowed:    allowed == 1,
		Remaining:  int(remaining),
		RetryAfter: time.Duration(retryMS) * time.Millisecond,
	}, nil
}
