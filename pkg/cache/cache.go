package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"chat-dispatch/pkg/apperr"
	"chat-dispatch/pkg/metrics"
	"chat-dispatch/pkg/models"
)

// Store is a cache backend. Get returns ok=false on a miss; errors mean the
// backend itself is unavailable.
type Store interface {
	Get(ctx context.Context, fingerprint string) (models.CacheEntry, bool, error)
	Set(ctx context.Context, entry models.CacheEntry) error
	Flush(ctx context.Context) error
}

// Cache is the best-effort response cache in front of a Store. Backend
// failures are logged and reported as misses; they never fail a request.
type Cache struct {
	store   Store
	ttl     time.Duration
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(store Store, defaultTTL time.Duration, logger *logrus.Logger, m *metrics.Metrics) *Cache {
	return &Cache{
		store:   store,
		ttl:     defaultTTL,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

func (c *Cache) Get(ctx context.Context, fingerprint string) (models.CacheEntry, bool) {
	entry, ok, err := c.store.Get(ctx, fingerprint)
	if err != nil {
		c.count("error")
		c.logger.WithError(apperr.New(apperr.CacheUnavailable, "get", err)).
			WithField("fingerprint", fingerprint).Warn("Response cache unavailable, treating as miss")
		return models.CacheEntry{}, false
	}
	if !ok || entry.Expired(c.now()) {
		c.count("miss")
		return models.CacheEntry{}, false
	}
	c.count("hit")
	return entry, true
}

// Put stores reply under fingerprint. A non-positive ttl uses the default.
func (c *Cache) Put(ctx context.Context, fingerprint, reply string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	entry := models.CacheEntry{
		Fingerprint: fingerprint,
		Reply:       reply,
		CreatedAt:   c.now(),
		TTL:         ttl,
	}
	if err := c.store.Set(ctx, entry); err != nil {
		c.logger.WithError(apperr.New(apperr.CacheUnavailable, "put", err)).
			WithField("fingerprint", fingerprint).Warn("Failed to write response cache")
	}
}

// InvalidateAll drops every entry at once
func (c *Cache) InvalidateAll(ctx context.Context) error {
	if err := c.store.Flush(ctx); err != nil {
		return apperr.New(apperr.CacheUnavailable, "invalidate_all", err)
	}
	c.logger.Info("Response cache invalidated")
	return nil
}

// Warmup preloads entries that do not expire until the next InvalidateAll
func (c *Cache) Warmup(ctx context.Context, entries []models.WarmupEntry) (int, error) {
	now := c.now()
	loaded := 0
	for _, e := range entries {
		if e.Fingerprint == "" || e.Reply == "" {
			return loaded, apperr.New(apperr.Validation, "warmup_entry", fmt.Errorf("entry %d missing fingerprint or reply", loaded))
		}
		err := c.store.Set(ctx, models.CacheEntry{
			Fingerprint: e.Fingerprint,
			Reply:       e.Reply,
			CreatedAt:   now,
		})
		if err != nil {
			return loaded, apperr.New(apperr.CacheUnavailable, "warmup", err)
		}
		loaded++
	}
	c.logger.WithField("entries", loaded).Info("Response cache warmed up")
	return loaded, nil
}

func (c *Cache) count(result string) {
	if c.metrics != nil {
		c.metrics.CacheRequests.WithLabelValues(result).Inc()
	}
}
