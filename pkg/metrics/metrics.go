package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	MessagesHandled          *prometheus.CounterVec
	DispatchDuration         prometheus.Histogram
	RateLimitRejections      prometheus.Counter
	CacheRequests            *prometheus.CounterVec
	CalloutDuration          *prometheus.HistogramVec
	CalloutRetries           *prometheus.CounterVec
	QueueDepth               prometheus.Gauge
	FreeOperatorSlots        prometheus.Gauge
	TicketTransitions        *prometheus.CounterVec
	SweepDuration            prometheus.Histogram
	RedisOperationDuration   *prometheus.HistogramVec
	StreamProcessingDuration prometheus.Histogram
	StreamMessagesProcessed  *prometheus.CounterVec
	ConnectedOperators       prometheus.Gauge
	LeaderChanges            prometheus.Counter
}

// NewMetrics registers the dispatch metrics on reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesHandled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_messages_handled_total",
			Help: "Total number of inbound messages handled by the dispatch pipeline",
		}, []string{"intent", "status"}),
		DispatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatch_duration_seconds",
			Help:    "Time taken to produce a reply for an inbound message",
			Buckets: prometheus.DefBuckets,
		}),
		RateLimitRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "rate_limit_rejections_total",
			Help: "Total number of messages rejected by the per-sender rate limiter",
		}),
		CacheRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "response_cache_requests_total",
			Help: "Response cache lookups by result",
		}, []string{"result"}),
		CalloutDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "callout_duration_seconds",
			Help:    "Time taken for external call-outs",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "outcome"}),
		CalloutRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callout_retries_total",
			Help: "Total number of call-out retries after a transient failure",
		}, []string{"service"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "handoff_queue_depth",
			Help: "Current number of enqueued handoff tickets",
		}),
		FreeOperatorSlots: factory.NewGauge(prometheus.GaugeOpts{
			Name: "handoff_free_operator_slots",
			Help: "Current number of free operator slots",
		}),
		TicketTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "handoff_ticket_transitions_total",
			Help: "Total number of handoff ticket transitions",
		}, []string{"event"}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "handoff_sweep_duration_seconds",
			Help:    "Time taken to sweep handoff timeouts",
			Buckets: prometheus.DefBuckets,
		}),
		RedisOperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Time taken for Redis operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		StreamProcessingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stream_processing_duration_seconds",
			Help:    "Time taken to process handoff stream messages",
			Buckets: prometheus.DefBuckets,
		}),
		StreamMessagesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_messages_processed_total",
			Help: "Total number of handoff stream messages processed",
		}, []string{"status"}),
		ConnectedOperators: factory.NewGauge(prometheus.GaugeOpts{
			Name: "operator_feed_connections",
			Help: "Current number of operator consoles connected to the live feed",
		}),
		LeaderChanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "handoff_recovery_leader_changes_total",
			Help: "Total number of handoff recovery leadership changes",
		}),
	}
}
