package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"chat-dispatch/pkg/constants"
	"chat-dispatch/pkg/metrics"
	"chat-dispatch/pkg/models"
	redisClient "chat-dispatch/pkg/redis"
)

// Keys are namespaced by a generation counter; bumping it is the atomic flush.
var (
	getScript = redis.NewScript(`
		local gen = redis.call("GET", KEYS[1]) or "0"
		return redis.call("GET", ARGV[1] .. gen .. ":" .. ARGV[2])
	`)
	setScript = redis.NewScript(`
		local gen = redis.call("GET", KEYS[1]) or "0"
		local key = ARGV[1] .. gen .. ":" .. ARGV[2]
		if tonumber(ARGV[4]) > 0 then
			return redis.call("SET", key, ARGV[3], "PX", ARGV[4])
		end
		return redis.call("SET", key, ARGV[3])
	`)
)

// RedisStore shares cache entries across pods
type RedisStore struct {
	rdb     *redis.Client
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewRedisStore(rdb *redis.Client, logger *logrus.Logger, m *metrics.Metrics) *RedisStore {
	return &RedisStore{rdb: rdb, logger: logger, metrics: m}
}

func (s *RedisStore) Get(ctx context.Context, fingerprint string) (models.CacheEntry, bool, error) {
	defer redisClient.ObserveOperation(s.metrics, "cache_get")()

	raw, err := getScript.Run(ctx, s.rdb, []string{constants.CacheGenerationKey},
		constants.CacheKeyPrefix, fingerprint).Text()
	if err == redis.Nil {
		return models.CacheEntry{}, false, nil
	}
	if err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("failed to get cache entry: %w", err)
	}

	var entry models.CacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("invalid cache entry format: %w", err)
	}
	return entry, true, nil
}

func (s *RedisStore) Set(ctx context.Context, entry models.CacheEntry) error {
	defer redisClient.ObserveOperation(s.metrics, "cache_set")()

	val, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	err = setScript.Run(ctx, s.rdb, []string{constants.CacheGenerationKey},
		constants.CacheKeyPrefix, entry.Fingerprint, string(val), entry.TTL.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("failed to set cache entry: %w", err)
	}
	return nil
}

// Flush bumps the generation, then deletes the previous generation's keys.
// Readers switch to the empty namespace at the INCR; the delete only reclaims memory.
func (s *RedisStore) Flush(ctx context.Context) error {
	defer redisClient.ObserveOperation(s.metrics, "cache_flush")()

	gen, err := s.rdb.Incr(ctx, constants.CacheGenerationKey).Result()
	if err != nil {
		return fmt.Errorf("failed to bump cache generation: %w", err)
	}

	pattern := constants.CacheKeyPrefix + strconv.FormatInt(gen-1, 10) + ":*"
	removed, err := s.deleteMatching(ctx, pattern)
	if err != nil {
		s.logger.WithError(err).WithField("pattern", pattern).Warn("Failed to reclaim old cache generation")
		return nil
	}
	s.logger.WithFields(logrus.Fields{
		"generation":    gen,
		"removed_count": removed,
	}).Debug("Reclaimed old cache generation")
	return nil
}

func (s *RedisStore) deleteMatching(ctx context.Context, pattern string) (int, error) {
	var cursor uint64
	removed := 0
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return removed, err
		}
		if len(keys) > 0 {
			if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
				return removed, err
			}
			removed += len(keys)
		}
		if next == 0 {
			return removed, nil
		}
		cursor = next
	}
}
