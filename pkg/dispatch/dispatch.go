// Package dispatch turns one inbound chat message into one reply. Every path
// ends in a templated reply; call-out and cache failures are logged and
// degraded, never returned.
package dispatch

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"chat-dispatch/pkg/classifier"
	"chat-dispatch/pkg/handoff"
	"chat-dispatch/pkg/metrics"
	"chat-dispatch/pkg/models"
	"chat-dispatch/pkg/ratelimit"
)

type ResponseCache interface {
	Get(ctx context.Context, fingerprint string) (models.CacheEntry, bool)
	Put(ctx context.Context, fingerprint, reply string, ttl time.Duration)
}

type Sessions interface {
	Get(senderID string) models.Session
	Touch(senderID string)
	MarkAutomated(senderID string) error
	RecordFallback(senderID string) int
	ResetFallbacks(senderID string)
	AppendTurn(senderID, role, content string)
}

type Classifier interface {
	Classify(text string, sess models.Session) classifier.Decision
}

type KnowledgeLookup interface {
	Lookup(ctx context.Context, query string) (models.KnowledgeMatch, error)
}

type OrderLookup interface {
	GetOrderStatus(ctx context.Context, orderID string) (models.OrderStatus, error)
}

type Generator interface {
	Generate(ctx context.Context, prompt models.Prompt) (string, error)
}

type Handoff interface {
	Enqueue(ctx context.Context, senderID, message string) (handoff.EnqueueResult, error)
	AddSenderMessage(ctx context.Context, senderID, text string) (models.Ticket, int, error)
	Cancel(ctx context.Context, senderID string) (models.Ticket, error)
}

type Config struct {
	// ResponseBudget bounds the whole pipeline for one message
	ResponseBudget time.Duration
	// SlowReplyThreshold logs a warning for replies that take longer
	SlowReplyThreshold     time.Duration
	MaxReplyLength         int
	KnowledgeMinConfidence float64
	CacheTTL               time.Duration
	SystemPrompt           string
}

// Deps are the collaborators of the pipeline. Knowledge and Generator may be
// nil; a nil Generator makes every unanswered FAQ a fallback.
type Deps struct {
	Limiter    ratelimit.Limiter
	Cache      ResponseCache
	Sessions   Sessions
	Classifier Classifier
	Knowledge  KnowledgeLookup
	Orders     OrderLookup
	Generator  Generator
	Handoff    Handoff
}

type Dispatcher struct {
	cfg     Config
	deps    Deps
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

const DefaultSystemPrompt = "You are a friendly customer service assistant for an online store. " +
	"Answer briefly and accurately. If you are not sure, say so and suggest typing 'human' to reach an agent."

func New(cfg Config, deps Deps, logger *logrus.Logger, m *metrics.Metrics) *Dispatcher {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	return &Dispatcher{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// Handle runs msg through the pipeline. It always returns a reply.
func (d *Dispatcher) Handle(ctx context.Context, msg models.InboundMessage) models.Reply {
	start := d.now()

	if msg.Type != "" && msg.Type != models.MessageTypeText {
		return d.finish(msg, models.Reply{SenderID: msg.SenderID, Status: models.StatusIgnored}, start)
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" || msg.SenderID == "" {
		return d.finish(msg, models.Reply{SenderID: msg.SenderID, Status: models.StatusIgnored}, start)
	}

	if d.cfg.ResponseBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.ResponseBudget)
		defer cancel()
	}

	if reply, rejected := d.admit(ctx, msg.SenderID); rejected {
		return d.finish(msg, reply, start)
	}

	sess := d.deps.Sessions.Get(msg.SenderID)
	d.deps.Sessions.Touch(msg.SenderID)

	reply := d.route(ctx, msg.SenderID, text, sess)
	reply.SenderID = msg.SenderID
	return d.finish(msg, reply, start)
}

func (d *Dispatcher) route(ctx context.Context, senderID, text string, sess models.Session) models.Reply {
	decision := d.deps.Classifier.Classify(text, sess)

	d.logger.WithFields(logrus.Fields{
		"sender_id": senderID,
		"intent":    decision.Intent,
		"reason":    decision.Reason,
	}).Debug("Message classified")

	switch decision.Intent {
	case models.IntentOrderQuery:
		return d.handleOrder(ctx, senderID, text, decision)
	case models.IntentHumanHandoff:
		return d.handleHandoff(ctx, senderID, text, sess, decision)
	default:
		return d.handleFAQ(ctx, senderID, text, sess)
	}
}

// admit applies the rate limiter. A limiter backend failure admits the message.
func (d *Dispatcher) admit(ctx context.Context, senderID string) (models.Reply, bool) {
	decision, err := d.deps.Limiter.Admit(ctx, senderID)
	if err != nil {
		d.logger.WithError(err).WithField("sender_id", senderID).Warn("Rate limiter unavailable, admitting message")
		return models.Reply{}, false
	}
	if decision.Allowed {
		return models.Reply{}, false
	}

	d.metrics.RateLimitRejections.Inc()
	d.logger.WithFields(logrus.Fields{
		"sender_id":   senderID,
		"retry_after": decision.RetryAfter,
	}).Info("Message rate limited")
	return models.Reply{
		SenderID:   senderID,
		Text:       slowDownReply(decision.RetryAfter),
		Status:     models.StatusRateLimited,
		RetryAfter: decision.RetryAfter,
	}, true
}

func (d *Dispatcher) finish(msg models.InboundMessage, reply models.Reply, start time.Time) models.Reply {
	reply.Text = truncate(reply.Text, d.cfg.MaxReplyLength)

	elapsed := d.now().Sub(start)
	d.metrics.MessagesHandled.WithLabelValues(string(reply.Intent), string(reply.Status)).Inc()
	d.metrics.DispatchDuration.Observe(elapsed.Seconds())

	fields := logrus.Fields{
		"sender_id":   msg.SenderID,
		"intent":      reply.Intent,
		"status":      reply.Status,
		"duration_ms": elapsed.Milliseconds(),
	}
	if d.cfg.SlowReplyThreshold > 0 && elapsed > d.cfg.SlowReplyThreshold {
		d.logger.WithFields(fields).Warn("Slow reply")
	} else {
		d.logger.WithFields(fields).Debug("Message handled")
	}
	return reply
}

// truncate caps text at max runes including the suffix
func truncate(text string, max int) string {
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text
	}
	keep := max - utf8.RuneCountInString(truncatedSuffix)
	if keep <= 0 {
		return string([]rune(text)[:max])
	}
	return string([]rune(text)[:keep]) + truncatedSuffix
}
