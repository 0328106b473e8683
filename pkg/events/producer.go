package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"chat-dispatch/pkg/constants"
	"chat-dispatch/pkg/metrics"
	"chat-dispatch/pkg/models"
	redisClient "chat-dispatch/pkg/redis"
)

// streamMaxLen caps the handoff stream; trimming is approximate
const streamMaxLen = 10000

// StreamProducer publishes handoff ticket events to a Redis stream. It
// implements handoff.Notifier.
type StreamProducer struct {
	rdb     *redis.Client
	stream  string
	group   string
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewStreamProducer(rdb *redis.Client, stream, group string, logger *logrus.Logger, m *metrics.Metrics) *StreamProducer {
	if stream == "" {
		stream = constants.DefaultHandoffStream
	}
	return &StreamProducer{
		rdb:     rdb,
		stream:  stream,
		group:   group,
		logger:  logger,
		metrics: m,
	}
}

// EnsureGroup creates the consumer group and the stream if needed
func (sp *StreamProducer) EnsureGroup(ctx context.Context) error {
	err := sp.rdb.XGroupCreateMkStream(ctx, sp.stream, sp.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), constants.BusyGroupError) {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	sp.logger.WithFields(logrus.Fields{
		"stream":         sp.stream,
		"consumer_group": sp.group,
	}).Info("Consumer group ready")
	return nil
}

// Notify publishes ev. Failures are logged; the queue transition already happened.
func (sp *StreamProducer) Notify(ctx context.Context, ev models.TicketEvent) {
	ctx, cancel := context.WithTimeout(ctx, constants.NotifyTimeout)
	defer cancel()

	messageID, err := sp.Publish(ctx, ev)
	if err != nil {
		sp.logger.WithError(err).WithFields(logrus.Fields{
			"event":     ev.Type,
			"ticket_id": ev.TicketID,
		}).Error("Failed to publish handoff event")
		return
	}

	sp.logger.WithFields(logrus.Fields{
		"event":      ev.Type,
		"ticket_id":  ev.TicketID,
		"message_id": messageID,
	}).Debug("Published handoff event to stream")
}

func (sp *StreamProducer) Publish(ctx context.Context, ev models.TicketEvent) (string, error) {
	defer redisClient.ObserveOperation(sp.metrics, "stream_publish")()

	values, err := encodeEvent(ev)
	if err != nil {
		return "", err
	}
	messageID, err := sp.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: sp.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to add message to stream: %w", err)
	}
	return messageID, nil
}

func encodeEvent(ev models.TicketEvent) (map[string]interface{}, error) {
	eventData, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal handoff event: %w", err)
	}
	return map[string]interface{}{
		"seq":         ev.Seq,
		"type":        string(ev.Type),
		"ticket_id":   ev.TicketID,
		"sender_id":   ev.SenderID,
		"operator_id": ev.OperatorID,
		"occurred_at": ev.OccurredAt.UnixMilli(),
		"event_data":  string(eventData),
	}, nil
}

// decodeEvent reads the JSON payload and checks it against the indexed fields
func decodeEvent(message redis.XMessage) (models.TicketEvent, error) {
	var ev models.TicketEvent

	raw, ok := message.Values["event_data"].(string)
	if !ok {
		return ev, fmt.Errorf("missing or invalid event_data")
	}
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return ev, fmt.Errorf("invalid event_data format: %w", err)
	}

	typ, ok := message.Values["type"].(string)
	if !ok || typ == "" {
		return ev, fmt.Errorf("missing or invalid type")
	}
	if typ != string(ev.Type) {
		return ev, fmt.Errorf("type %q does not match event_data type %q", typ, ev.Type)
	}
	return ev, nil
}
