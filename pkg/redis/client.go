package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"chat-dispatch/pkg/metrics"
)

type Client struct {
	rdb    *redis.Client
	logger *logrus.Logger
}

// ConnectionConfig holds pool and timeout settings layered over the URL.
// Read/write timeouts stay short: cache and rate-limit calls sit inside the
// reply budget and degrade to in-process behaviour when Redis is slow.
type ConnectionConfig struct {
	URL             string
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	PoolSize        int
	MinIdleConns    int
	PoolTimeout     time.Duration
	IdleTimeout     time.Duration
}

func NewClient(config ConnectionConfig, logger *logrus.Logger) (*Client, error) {
	opt, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opt.MaxRetries = config.MaxRetries
	opt.MinRetryBackoff = config.MinRetryBackoff
	opt.MaxRetryBackoff = config.MaxRetryBackoff
	opt.DialTimeout = config.DialTimeout
	opt.ReadTimeout = config.ReadTimeout
	opt.WriteTimeout = config.WriteTimeout
	opt.PoolSize = config.PoolSize
	opt.MinIdleConns = config.MinIdleConns
	opt.PoolTimeout = config.PoolTimeout
	opt.IdleTimeout = config.IdleTimeout

	client := &Client{
		rdb:    redis.NewClient(opt),
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx); err != nil {
		_ = client.rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.WithField("addr", opt.Addr).Info("Successfully connected to Redis")
	return client, nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) GetRedisClient() *redis.Client {
	return c.rdb
}

// DefaultConnectionConfig returns settings tuned for calls made inside a reply budget
func DefaultConnectionConfig(url string) ConnectionConfig {
	return ConnectionConfig{
		URL:             url,
		MaxRetries:      1,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 64 * time.Millisecond,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     300 * time.Millisecond,
		WriteTimeout:    300 * time.Millisecond,
		PoolSize:        20,
		MinIdleConns:    5,
		PoolTimeout:     500 * time.Millisecond,
		IdleTimeout:     5 * time.Minute,
	}
}

// ObserveOperation starts a timer for a Redis operation; call the result when done
func ObserveOperation(m *metrics.Metrics, operation string) func() {
	start := time.Now()
	return func() {
		if m != nil {
			m.RedisOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
		}
	}
}
