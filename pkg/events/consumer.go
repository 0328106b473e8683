package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"chat-dispatch/pkg/constants"
	"chat-dispatch/pkg/metrics"
	"chat-dispatch/pkg/models"
	redisClient "chat-dispatch/pkg/redis"
)

// Deliverer hands a handoff event to the human-service side
type Deliverer interface {
	Deliver(ctx context.Context, ev models.TicketEvent) error
}

// DelivererFunc adapts a function to Deliverer
type DelivererFunc func(ctx context.Context, ev models.TicketEvent) error

func (f DelivererFunc) Deliver(ctx context.Context, ev models.TicketEvent) error {
	return f(ctx, ev)
}

type ConsumerConfig struct {
	Stream       string
	Group        string
	ConsumerName string
	// PendingMinIdle is how long a message stays unacknowledged before another consumer claims it
	PendingMinIdle time.Duration
	// IsLeader gates pending recovery; nil means this consumer always recovers
	IsLeader func() bool
}

// StreamConsumer reads handoff events from the stream through a consumer
// group. Messages are acknowledged only after delivery succeeds, so a crashed
// or failing consumer leaves them pending for recovery.
type StreamConsumer struct {
	rdb       *redis.Client
	cfg       ConsumerConfig
	deliverer Deliverer
	logger    *logrus.Logger
	metrics   *metrics.Metrics

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewStreamConsumer(rdb *redis.Client, cfg ConsumerConfig, deliverer Deliverer, logger *logrus.Logger, m *metrics.Metrics) *StreamConsumer {
	if cfg.Stream == "" {
		cfg.Stream = constants.DefaultHandoffStream
	}
	if cfg.PendingMinIdle <= 0 {
		cfg.PendingMinIdle = time.Minute
	}
	return &StreamConsumer{
		rdb:       rdb,
		cfg:       cfg,
		deliverer: deliverer,
		logger:    logger,
		metrics:   m,
		stopCh:    make(chan struct{}),
	}
}

func (sc *StreamConsumer) Start(ctx context.Context) {
	sc.logger.WithFields(logrus.Fields{
		"consumer_name": sc.cfg.ConsumerName,
		"stream":        sc.cfg.Stream,
	}).Info("Starting handoff event consumer")

	sc.wg.Add(2)
	go sc.consumeLoop(ctx)
	go sc.pendingMessagesRecovery(ctx)
}

// Stop signals both loops and waits for them to exit
func (sc *StreamConsumer) Stop() {
	sc.stopOnce.Do(func() { close(sc.stopCh) })
	sc.wg.Wait()
}

func (sc *StreamConsumer) consumeLoop(ctx context.Context) {
	defer sc.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sc.stopCh:
			return
		default:
			sc.consumeMessages(ctx)
		}
	}
}

func (sc *StreamConsumer) consumeMessages(ctx context.Context) {
	start := time.Now()

	streams, err := sc.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    sc.cfg.Group,
		Consumer: sc.cfg.ConsumerName,
		Streams:  []string{sc.cfg.Stream, ">"},
		Count:    constants.StreamReadCount,
		Block:    constants.StreamReadBlock,
	}).Result()
	if err != nil {
		if err != redis.Nil && ctx.Err() == nil {
			sc.logger.WithError(err).Error("Failed to read from stream")
			// avoid spinning on a broken connection
			select {
			case <-time.After(constants.StreamReadBlock):
			case <-sc.stopCh:
			case <-ctx.Done():
			}
		}
		return
	}

	for _, stream := range streams {
		for _, message := range stream.Messages {
			sc.processMessage(ctx, message)
		}
	}

	if len(streams) > 0 {
		sc.metrics.StreamProcessingDuration.Observe(time.Since(start).Seconds())
	}
}

func (sc *StreamConsumer) processMessage(ctx context.Context, message redis.XMessage) {
	defer redisClient.ObserveOperation(sc.metrics, "process_message")()

	ev, err := decodeEvent(message)
	if err != nil {
		sc.logger.WithError(err).WithField("message_id", message.ID).Error("Failed to parse handoff event")
		sc.metrics.StreamMessagesProcessed.WithLabelValues("parse_error").Inc()
		// unparseable messages would be redelivered forever
		_ = sc.acknowledgeMessage(ctx, message.ID)
		return
	}

	if err := sc.deliverer.Deliver(ctx, ev); err != nil {
		sc.logger.WithError(err).WithFields(logrus.Fields{
			"event":      ev.Type,
			"ticket_id":  ev.TicketID,
			"message_id": message.ID,
		}).Error("Failed to deliver handoff event")
		sc.metrics.StreamMessagesProcessed.WithLabelValues("delivery_error").Inc()
		return
	}

	if err := sc.acknowledgeMessage(ctx, message.ID); err != nil {
		sc.logger.WithError(err).WithField("message_id", message.ID).Error("Failed to acknowledge message")
		return
	}

	sc.metrics.StreamMessagesProcessed.WithLabelValues("success").Inc()
	sc.logger.WithFields(logrus.Fields{
		"event":      ev.Type,
		"ticket_id":  ev.TicketID,
		"message_id": message.ID,
	}).Debug("Delivered handoff event")
}

func (sc *StreamConsumer) acknowledgeMessage(ctx context.Context, messageID string) error {
	return sc.rdb.XAck(ctx, sc.cfg.Stream, sc.cfg.Group, messageID).Err()
}

func (sc *StreamConsumer) pendingMessagesRecovery(ctx context.Context) {
	defer sc.wg.Done()
	ticker := time.NewTicker(constants.PendingRecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sc.stopCh:
			return
		case <-ticker.C:
			if sc.cfg.IsLeader != nil && !sc.cfg.IsLeader() {
				continue
			}
			if _, err := sc.ProcessPending(ctx); err != nil {
				sc.logger.WithError(err).Error("Failed to recover pending handoff events")
			}
		}
	}
}

// ProcessPending claims messages idle longer than PendingMinIdle and
// redelivers them. It returns how many messages were claimed.
func (sc *StreamConsumer) ProcessPending(ctx context.Context) (int, error) {
	pending, err := sc.rdb.XPending(ctx, sc.cfg.Stream, sc.cfg.Group).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get pending messages: %w", err)
	}
	if pending.Count == 0 {
		return 0, nil
	}

	sc.logger.WithField("pending_count", pending.Count).Info("Processing pending handoff events")

	messages, _, err := sc.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   sc.cfg.Stream,
		Group:    sc.cfg.Group,
		Consumer: sc.cfg.ConsumerName,
		MinIdle:  sc.cfg.PendingMinIdle,
		Count:    constants.StreamReadCount,
		Start:    "0-0",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to auto-claim pending messages: %w", err)
	}

	for _, message := range messages {
		sc.processMessage(ctx, message)
	}
	return len(messages), nil
}
