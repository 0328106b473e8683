package service

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-dispatch/pkg/config"
	"chat-dispatch/pkg/metrics"
	"chat-dispatch/pkg/models"
	"chat-dispatch/pkg/redis/redistest"
)

func testConfig() *config.Config {
	return &config.Config{
		PodID:                       "pod-test",
		Port:                        "0",
		MetricsPath:                 "/metrics",
		ResponseBudget:              time.Second,
		SlowReplyThreshold:          time.Second,
		MaxMessageLength:            2000,
		RateLimitBackend:            config.BackendMemory,
		RateLimitRequests:           30,
		RateLimitWindow:             time.Minute,
		RateLimitRetention:          10 * time.Minute,
		CacheBackend:                config.BackendMemory,
		CacheTTL:                    time.Hour,
		CalloutTimeout:              500 * time.Millisecond,
		CalloutRetries:              1,
		KnowledgeMinConfidence:      0.75,
		HumanKeywords:               []string{"human", "agent"},
		FallbackEscalationThreshold: 3,
		MaxQueueSize:                10,
		MaxRequeues:                 2,
		OperatorGracePeriod:         2 * time.Minute,
		SenderIdleTimeout:           30 * time.Minute,
		SessionIdleTimeout:          time.Hour,
		SweepInterval:               time.Second,
		HandoffStream:               "test_handoff_events",
		ConsumerGroupName:           "test-notifiers",
		WebhookTimeout:              time.Second,
		PendingMinIdle:              time.Minute,
	}
}

func newTestService(t *testing.T, cfg *config.Config) *Service {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	reg := prometheus.NewRegistry()

	svc, err := NewService(nil, cfg, logger, metrics.NewMetrics(reg), promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	require.NoError(t, err)
	return svc
}

func postMessage(t *testing.T, h http.Handler, sender, text string) models.Reply {
	t.Helper()
	body, err := json.Marshal(map[string]string{"sender_id": sender, "text": text})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/messages", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	var reply models.Reply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	return reply
}

func TestService_InMemoryPipeline(t *testing.T) {
	svc := newTestService(t, testConfig())
	h := svc.Handler()

	reply := postMessage(t, h, "u1", "order ORD2024080501")
	assert.Equal(t, models.StatusAnswered, reply.Status)
	assert.Contains(t, reply.Text, "SF1234567890")

	// built-in knowledge answers confidently without a generation backend
	reply = postMessage(t, h, "u1", "what is your return policy")
	assert.Equal(t, models.StatusAnswered, reply.Status)
	assert.Contains(t, reply.Text, "7 days")

	reply = postMessage(t, h, "u1", "what is your return policy")
	assert.True(t, reply.Cached)

	// no generation backend: unknown questions fall back
	reply = postMessage(t, h, "u1", "what's the weather like")
	assert.Equal(t, models.StatusFallback, reply.Status)

	reply = postMessage(t, h, "u2", "human")
	assert.Equal(t, models.StatusEscalated, reply.Status)
	assert.Equal(t, 1, svc.queue.Stats().Enqueued)
}

func TestService_SweepAbandonsIdleSenders(t *testing.T) {
	svc := newTestService(t, testConfig())
	h := svc.Handler()

	reply := postMessage(t, h, "u1", "human")
	require.Equal(t, models.StatusEscalated, reply.Status)

	svc.sweep(context.Background(), time.Now().Add(time.Hour))
	assert.Equal(t, 0, svc.queue.Stats().Enqueued)
	assert.Equal(t, models.SessionAutomated, svc.sessions.Get("u1").State)

	svc.evict(time.Now().Add(time.Hour))
}

func TestService_IPRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.IPRateLimitRequests = 2
	cfg.IPRateLimitWindow = time.Minute
	svc := newTestService(t, cfg)
	h := svc.Handler()

	postMessage(t, h, "u1", "hi")
	postMessage(t, h, "u2", "hi")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/messages",
		bytes.NewReader([]byte(`{"sender_id":"u3","text":"hi"}`))))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "every sender shares the test client address")

	require.NotNil(t, svc.memIPLimiter)
	assert.Equal(t, 1, svc.memIPLimiter.Len())
	svc.evict(time.Now().Add(time.Hour))
	assert.Zero(t, svc.memIPLimiter.Len())
}

func TestService_WebhookNotifications(t *testing.T) {
	var mu sync.Mutex
	var received []models.TicketEvent
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev models.TicketEvent
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
	}))
	defer hook.Close()

	cfg := testConfig()
	cfg.HumanServiceWebhook = hook.URL
	svc := newTestService(t, cfg)

	postMessage(t, svc.Handler(), "u1", "human")
	svc.direct.Close()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, received)
	assert.Equal(t, models.EventEnqueued, received[0].Type)
	assert.Equal(t, "u1", received[0].SenderID)
}

func TestService_RedisBackends(t *testing.T) {
	rdb := redistest.Client(t, 6)

	cfg := testConfig()
	cfg.RedisURL = "redis://localhost:6379/6"
	cfg.RateLimitBackend = config.BackendRedis
	cfg.CacheBackend = config.BackendRedis

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	reg := prometheus.NewRegistry()
	svc, err := NewService(rdb, cfg, logger, metrics.NewMetrics(reg), promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	require.NoError(t, err)
	require.NotNil(t, svc.producer)

	ctx := context.Background()
	require.NoError(t, svc.producer.EnsureGroup(ctx))

	h := svc.Handler()
	postMessage(t, h, "u1", "what is your return policy")
	reply := postMessage(t, h, "u1", "what is your return policy")
	assert.True(t, reply.Cached)

	postMessage(t, h, "u2", "human")
	n, err := rdb.XLen(ctx, cfg.HandoffStream).Result()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))
}

func TestNewService_RejectsRedisBackendWithoutClient(t *testing.T) {
	cfg := testConfig()
	cfg.CacheBackend = config.BackendRedis

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	_, err := NewService(nil, cfg, logger, metrics.NewMetrics(prometheus.NewRegistry()), http.NotFoundHandler())
	assert.Error(t, err)
}
