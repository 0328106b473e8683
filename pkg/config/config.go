package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Config struct {
	PodID       string `envconfig:"POD_ID"`
	Port        string `envconfig:"PORT" default:"8080"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	RedisURL    string `envconfig:"REDIS_URL"`
	MetricsPath string `envconfig:"METRICS_PATH" default:"/metrics"`

	ResponseBudget     time.Duration `envconfig:"RESPONSE_BUDGET" default:"3s"`
	SlowReplyThreshold time.Duration `envconfig:"SLOW_REPLY_THRESHOLD" default:"1s"`
	MaxMessageLength   int           `envconfig:"MAX_MESSAGE_LENGTH" default:"2000"`
	SystemPrompt       string        `envconfig:"SYSTEM_PROMPT"`

	RateLimitBackend   string        `envconfig:"RATE_LIMIT_BACKEND" default:"memory"`
	RateLimitRequests  int           `envconfig:"RATE_LIMIT_REQUESTS" default:"30"`
	RateLimitWindow    time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`
	RateLimitRetention time.Duration `envconfig:"RATE_LIMIT_RETENTION" default:"10m"`

	// IPRateLimitRequests of 0 turns the per-address webhook limit off
	IPRateLimitRequests int           `envconfig:"IP_RATE_LIMIT_REQUESTS" default:"100"`
	IPRateLimitWindow   time.Duration `envconfig:"IP_RATE_LIMIT_WINDOW" default:"1m"`

	CacheBackend string        `envconfig:"CACHE_BACKEND" default:"memory"`
	CacheTTL     time.Duration `envconfig:"CACHE_TTL" default:"1h"`

	CalloutTimeout time.Duration `envconfig:"CALLOUT_TIMEOUT" default:"800ms"`
	CalloutRetries int           `envconfig:"CALLOUT_RETRIES" default:"1"`

	KnowledgeURL           string  `envconfig:"KNOWLEDGE_URL"`
	KnowledgeMinConfidence float64 `envconfig:"KNOWLEDGE_MIN_CONFIDENCE" default:"0.75"`
	OrderURL               string  `envconfig:"ORDER_URL"`
	OrderAPIToken          string  `envconfig:"ORDER_API_TOKEN"`

	GenerationURL     string        `envconfig:"GENERATION_URL" default:"https://api.openai.com/v1"`
	GenerationAPIKey  string        `envconfig:"GENERATION_API_KEY"`
	GenerationModel   string        `envconfig:"GENERATION_MODEL" default:"gpt-3.5-turbo"`
	GenerationTimeout time.Duration `envconfig:"GENERATION_TIMEOUT" default:"2s"`

	HumanKeywords               []string `envconfig:"HUMAN_KEYWORDS" default:"人工,客服,转人工,真人,工作人员,human,agent,operator,real person"`
	FallbackEscalationThreshold int      `envconfig:"FALLBACK_ESCALATION_THRESHOLD" default:"3"`

	MaxQueueSize        int           `envconfig:"MAX_QUEUE_SIZE" default:"100"`
	MaxRequeues         int           `envconfig:"MAX_REQUEUES" default:"2"`
	OperatorGracePeriod time.Duration `envconfig:"OPERATOR_GRACE_PERIOD" default:"2m"`
	SenderIdleTimeout   time.Duration `envconfig:"SENDER_IDLE_TIMEOUT" default:"30m"`
	SessionIdleTimeout  time.Duration `envconfig:"SESSION_IDLE_TIMEOUT" default:"1h"`
	SweepInterval       time.Duration `envconfig:"SWEEP_INTERVAL" default:"5s"`

	HandoffStream       string        `envconfig:"HANDOFF_STREAM" default:"handoff_events"`
	ConsumerGroupName   string        `envconfig:"CONSUMER_GROUP_NAME" default:"human-service-notifiers"`
	HumanServiceWebhook string        `envconfig:"HUMAN_SERVICE_WEBHOOK"`
	WebhookTimeout      time.Duration `envconfig:"WEBHOOK_TIMEOUT" default:"5s"`
	PendingMinIdle      time.Duration `envconfig:"PENDING_MIN_IDLE" default:"1m"`
	LeaderElectionTTL   time.Duration `envconfig:"LEADER_ELECTION_TTL" default:"15s"`
}

// Load reads the configuration from the environment
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}
	if cfg.PodID == "" {
		cfg.PodID = generatePodID()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	for name, backend := range map[string]string{"RATE_LIMIT_BACKEND": c.RateLimitBackend, "CACHE_BACKEND": c.CacheBackend} {
		switch backend {
		case BackendMemory:
		case BackendRedis:
			if c.RedisURL == "" {
				return fmt.Errorf("%s=redis requires REDIS_URL", name)
			}
		default:
			return fmt.Errorf("invalid %s %q", name, backend)
		}
	}
	if c.RateLimitRequests <= 0 || c.RateLimitWindow <= 0 {
		return fmt.Errorf("rate limit must be positive, got %d per %s", c.RateLimitRequests, c.RateLimitWindow)
	}
	if c.IPRateLimitRequests < 0 || (c.IPRateLimitRequests > 0 && c.IPRateLimitWindow <= 0) {
		return fmt.Errorf("ip rate limit must not be negative, got %d per %s", c.IPRateLimitRequests, c.IPRateLimitWindow)
	}
	if c.MaxQueueSize <= 0 {
		return fmt.Errorf("MAX_QUEUE_SIZE must be positive, got %d", c.MaxQueueSize)
	}
	if c.CalloutRetries < 0 {
		return fmt.Errorf("CALLOUT_RETRIES must not be negative, got %d", c.CalloutRetries)
	}
	return nil
}

// StreamEnabled reports whether handoff events go to a Redis stream
func (c *Config) StreamEnabled() bool {
	return c.RedisURL != ""
}

func generatePodID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return uuid.New().String()
	}
	return hostname + "-" + uuid.New().String()[:8]
}
