package service

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"chat-dispatch/pkg/cache"
	"chat-dispatch/pkg/callout"
	"chat-dispatch/pkg/classifier"
	"chat-dispatch/pkg/config"
	"chat-dispatch/pkg/constants"
	"chat-dispatch/pkg/dispatch"
	"chat-dispatch/pkg/events"
	"chat-dispatch/pkg/generation"
	"chat-dispatch/pkg/handlers"
	"chat-dispatch/pkg/handoff"
	"chat-dispatch/pkg/knowledge"
	"chat-dispatch/pkg/metrics"
	"chat-dispatch/pkg/models"
	"chat-dispatch/pkg/operatorfeed"
	"chat-dispatch/pkg/orders"
	"chat-dispatch/pkg/ratelimit"
	"chat-dispatch/pkg/server"
	"chat-dispatch/pkg/session"
)

// Service owns every component of one dispatcher pod. rdb may be nil, in
// which case all state stays in process and handoff events go straight to
// the webhook.
type Service struct {
	config  *config.Config
	logger  *logrus.Logger
	metrics *metrics.Metrics
	rdb     *redis.Client

	memLimiter   *ratelimit.MemoryLimiter
	memIPLimiter *ratelimit.MemoryLimiter
	memCache   *cache.MemoryStore
	sessions   *session.Store
	queue      *handoff.Queue
	dispatcher *dispatch.Dispatcher
	feed       *operatorfeed.Hub
	producer   *events.StreamProducer
	consumer   *events.StreamConsumer
	leader     *events.LeaderElection
	direct     *events.DirectNotifier
	server     *http.Server

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewService(rdb *redis.Client, cfg *config.Config, logger *logrus.Logger, m *metrics.Metrics, metricsHandler http.Handler) (*Service, error) {
	s := &Service{
		config:   cfg,
		logger:   logger,
		metrics:  m,
		rdb:      rdb,
		sessions: session.NewStore(cfg.SessionIdleTimeout, logger),
		feed:     operatorfeed.NewHub(logger, m),
		stopCh:   make(chan struct{}),
	}

	limiter, err := s.newLimiter()
	if err != nil {
		return nil, err
	}
	store, err := s.newCacheStore()
	if err != nil {
		return nil, err
	}
	responseCache := cache.New(store, cfg.CacheTTL, logger, m)

	s.queue = handoff.NewQueue(handoff.Config{
		MaxQueueSize:      cfg.MaxQueueSize,
		MaxRequeues:       cfg.MaxRequeues,
		GracePeriod:       cfg.OperatorGracePeriod,
		SenderIdleTimeout: cfg.SenderIdleTimeout,
	}, s.sessions, s.newNotifier(), logger, m)

	deps := dispatch.Deps{
		Limiter:  limiter,
		Cache:    responseCache,
		Sessions: s.sessions,
		Classifier: classifier.New(classifier.Config{
			HumanKeywords:     cfg.HumanKeywords,
			FallbackThreshold: cfg.FallbackEscalationThreshold,
		}),
		Knowledge: s.newKnowledge(),
		Orders:    s.newOrders(),
		Handoff:   s.queue,
	}
	gen, err := s.newGenerator()
	if err != nil {
		return nil, err
	}
	if gen != nil {
		deps.Generator = gen
	}

	s.dispatcher = dispatch.New(dispatch.Config{
		ResponseBudget:         cfg.ResponseBudget,
		SlowReplyThreshold:     cfg.SlowReplyThreshold,
		MaxReplyLength:         cfg.MaxMessageLength,
		KnowledgeMinConfidence: cfg.KnowledgeMinConfidence,
		CacheTTL:               cfg.CacheTTL,
		SystemPrompt:           cfg.SystemPrompt,
	}, deps, logger, m)

	var ping func(ctx context.Context) error
	var isLeader func() bool
	if rdb != nil {
		ping = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	if s.leader != nil {
		isLeader = s.leader.IsLeader
	}
	ipLimiter, err := s.newIPLimiter()
	if err != nil {
		return nil, err
	}
	handler := handlers.NewHandler(cfg.PodID, s.dispatcher, s.queue, responseCache, s.feed, ping, isLeader, logger)
	s.server = server.NewHTTPServer(cfg, handler, metricsHandler, ipLimiter, logger)

	return s, nil
}

func (s *Service) newLimiter() (ratelimit.Limiter, error) {
	rl := ratelimit.Config{
		Limit:     s.config.RateLimitRequests,
		Window:    s.config.RateLimitWindow,
		Retention: s.config.RateLimitRetention,
	}
	if s.config.RateLimitBackend == config.BackendRedis {
		if s.rdb == nil {
			return nil, fmt.Errorf("rate limit backend redis requires a Redis client")
		}
		return ratelimit.NewRedisLimiter(s.rdb, rl, s.metrics), nil
	}
	s.memLimiter = ratelimit.NewMemoryLimiter(rl)
	return s.memLimiter, nil
}

// newIPLimiter returns nil when the per-address webhook limit is off. It
// shares RATE_LIMIT_BACKEND with the sender limiter.
func (s *Service) newIPLimiter() (ratelimit.Limiter, error) {
	if s.config.IPRateLimitRequests == 0 {
		return nil, nil
	}
	rl := ratelimit.Config{
		Limit:     s.config.IPRateLimitRequests,
		Window:    s.config.IPRateLimitWindow,
		Retention: s.config.RateLimitRetention,
		Scope:     ratelimit.ScopeIP,
	}
	if s.config.RateLimitBackend == config.BackendRedis {
		if s.rdb == nil {
			return nil, fmt.Errorf("rate limit backend redis requires a Redis client")
		}
		return ratelimit.NewRedisLimiter(s.rdb, rl, s.metrics), nil
	}
	s.memIPLimiter = ratelimit.NewMemoryLimiter(rl)
	return s.memIPLimiter, nil
}

func (s *Service) newCacheStore() (cache.Store, error) {
	if s.config.CacheBackend == config.BackendRedis {
		if s.rdb == nil {
			return nil, fmt.Errorf("cache backend redis requires a Redis client")
		}
		return cache.NewRedisStore(s.rdb, s.logger, s.metrics), nil
	}
	s.memCache = cache.NewMemoryStore()
	return s.memCache, nil
}

// newNotifier fans queue events out to the operator feed and to the human
// service, through the Redis stream when one is available.
func (s *Service) newNotifier() handoff.Notifier {
	notifiers := handoff.MultiNotifier{s.feed}

	var deliverer events.Deliverer = events.DelivererFunc(s.logEvent)
	if s.config.HumanServiceWebhook != "" {
		deliverer = events.NewWebhookDeliverer(s.config.HumanServiceWebhook, s.config.WebhookTimeout, nil)
	}

	switch {
	case s.rdb != nil:
		s.producer = events.NewStreamProducer(s.rdb, s.config.HandoffStream, s.config.ConsumerGroupName, s.logger, s.metrics)
		s.leader = events.NewLeaderElection(s.rdb, constants.RecoveryLeaderKey, s.config.PodID,
			s.config.LeaderElectionTTL, s.logger, s.metrics)
		s.consumer = events.NewStreamConsumer(s.rdb, events.ConsumerConfig{
			Stream:         s.config.HandoffStream,
			Group:          s.config.ConsumerGroupName,
			ConsumerName:   fmt.Sprintf("consumer-%s", s.config.PodID),
			PendingMinIdle: s.config.PendingMinIdle,
			IsLeader:       s.leader.IsLeader,
		}, deliverer, s.logger, s.metrics)
		notifiers = append(notifiers, s.producer)
	case s.config.HumanServiceWebhook != "":
		s.direct = events.NewDirectNotifier(deliverer, s.logger)
		notifiers = append(notifiers, s.direct)
	}
	return notifiers
}

func (s *Service) logEvent(_ context.Context, ev models.TicketEvent) error {
	s.logger.WithFields(logrus.Fields{
		"event":       ev.Type,
		"ticket_id":   ev.TicketID,
		"sender_id":   ev.SenderID,
		"operator_id": ev.OperatorID,
	}).Info("Handoff event")
	return nil
}

func (s *Service) runner(service string, timeout time.Duration) *callout.Runner {
	return callout.NewRunner(service, callout.Policy{
		Timeout: timeout,
		Retries: s.config.CalloutRetries,
	}, s.logger, s.metrics)
}

func (s *Service) newKnowledge() dispatch.KnowledgeLookup {
	if s.config.KnowledgeURL == "" {
		s.logger.Info("No knowledge service configured, using built-in entries")
		return knowledge.NewStaticStore(knowledge.DefaultEntries())
	}
	return knowledge.NewClient(s.config.KnowledgeURL, nil, s.runner("knowledge", s.config.CalloutTimeout))
}

func (s *Service) newOrders() dispatch.OrderLookup {
	if s.config.OrderURL == "" {
		s.logger.Info("No order service configured, using sample orders")
		return orders.NewStaticStore(orders.DefaultOrders())
	}
	return orders.NewClient(s.config.OrderURL, s.config.OrderAPIToken, nil, s.runner("orders", s.config.CalloutTimeout))
}

func (s *Service) newGenerator() (*generation.Client, error) {
	if s.config.GenerationAPIKey == "" {
		s.logger.Warn("No generation API key configured, unanswered questions get the fallback reply")
		return nil, nil
	}
	gen, err := generation.NewClient(s.config.GenerationAPIKey, s.config.GenerationModel,
		s.runner("generation", s.config.GenerationTimeout), generation.WithBaseURL(s.config.GenerationURL))
	if err != nil {
		return nil, fmt.Errorf("failed to create generation client: %w", err)
	}
	return gen, nil
}

func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Starting chat dispatch service")

	if s.producer != nil {
		if err := s.producer.EnsureGroup(ctx); err != nil {
			return fmt.Errorf("failed to prepare handoff stream: %w", err)
		}
		s.leader.Start(ctx)
		s.consumer.Start(ctx)
	}

	s.wg.Add(2)
	go s.sweepLoop(ctx)
	go s.evictionLoop(ctx)

	s.startHTTPServer()

	s.logger.WithField("pod_id", s.config.PodID).Info("Chat dispatch service started successfully")
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info("Stopping chat dispatch service")

	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()

	if s.consumer != nil {
		s.consumer.Stop()
		s.leader.Stop()
	}

	var shutdownErr error
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Error("Failed to shutdown HTTP server gracefully")
			shutdownErr = err
		}
	}

	// Shutdown does not wait for hijacked websocket connections
	s.feed.Close()
	if s.direct != nil {
		s.direct.Close()
	}

	s.logger.Info("Chat dispatch service stopped")
	return shutdownErr
}

// Handler exposes the HTTP routes
func (s *Service) Handler() http.Handler {
	return s.server.Handler
}

func (s *Service) startHTTPServer() {
	go func() {
		s.logger.WithField("port", s.config.Port).Info("Starting HTTP server")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Fatal("HTTP server failed")
		}
	}()
}

func (s *Service) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	interval := s.config.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.sweep(ctx, now)
		}
	}
}

// sweep applies handoff timeouts and then drops idle sessions
func (s *Service) sweep(ctx context.Context, now time.Time) {
	changed := s.queue.Sweep(ctx, now)
	dropped := s.sessions.Sweep(now)
	if changed > 0 || dropped > 0 {
		s.logger.WithFields(logrus.Fields{
			"tickets_changed":  changed,
			"sessions_dropped": dropped,
		}).Debug("Sweep completed")
	}
}

func (s *Service) evictionLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(constants.RateLimitEvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.evict(now)
		}
	}
}

func (s *Service) evict(now time.Time) {
	fields := logrus.Fields{}
	if s.memLimiter != nil {
		fields["limiter_entries"] = s.memLimiter.EvictIdle(now)
	}
	if s.memIPLimiter != nil {
		fields["ip_limiter_entries"] = s.memIPLimiter.EvictIdle(now)
	}
	if s.memCache != nil {
		fields["cache_entries"] = s.memCache.PurgeExpired(now)
	}
	s.logger.WithFields(fields).Debug("Evicted idle in-memory state")
}
