package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("POD_ID", "")
	t.Setenv("REDIS_URL", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 30, cfg.RateLimitRequests)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, 100, cfg.IPRateLimitRequests)
	assert.Equal(t, time.Minute, cfg.IPRateLimitWindow)
	assert.Equal(t, time.Hour, cfg.CacheTTL)
	assert.Equal(t, 800*time.Millisecond, cfg.CalloutTimeout)
	assert.Equal(t, 1, cfg.CalloutRetries)
	assert.Equal(t, BackendMemory, cfg.CacheBackend)
	assert.Contains(t, cfg.HumanKeywords, "人工")
	assert.Contains(t, cfg.HumanKeywords, "real person")
	assert.NotEmpty(t, cfg.PodID)
	assert.False(t, cfg.StreamEnabled())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("POD_ID", "pod-a")
	t.Setenv("RATE_LIMIT_REQUESTS", "5")
	t.Setenv("RATE_LIMIT_WINDOW", "30s")
	t.Setenv("MAX_QUEUE_SIZE", "7")
	t.Setenv("OPERATOR_GRACE_PERIOD", "45s")
	t.Setenv("REDIS_URL", "redis://localhost:6379/3")
	t.Setenv("CACHE_BACKEND", "redis")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "pod-a", cfg.PodID)
	assert.Equal(t, 5, cfg.RateLimitRequests)
	assert.Equal(t, 30*time.Second, cfg.RateLimitWindow)
	assert.Equal(t, 7, cfg.MaxQueueSize)
	assert.Equal(t, 45*time.Second, cfg.OperatorGracePeriod)
	assert.Equal(t, BackendRedis, cfg.CacheBackend)
	assert.True(t, cfg.StreamEnabled())
}

func TestLoad_NegativeIPRateLimit(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	t.Setenv("IP_RATE_LIMIT_REQUESTS", "-1")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_RedisBackendWithoutURL(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	t.Setenv("RATE_LIMIT_BACKEND", "redis")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("RATE_LIMIT_WINDOW", "soon")

	_, err := Load()
	assert.Error(t, err)
}
