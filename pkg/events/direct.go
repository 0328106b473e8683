package events

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"chat-dispatch/pkg/models"
)

const directBufferSize = 256

// DirectNotifier delivers events from a buffered channel on one worker. It
// is used when no Redis stream is configured; events are dropped with a
// warning when the buffer is full and are not retried.
type DirectNotifier struct {
	deliverer Deliverer
	logger    *logrus.Logger
	events    chan models.TicketEvent

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewDirectNotifier(deliverer Deliverer, logger *logrus.Logger) *DirectNotifier {
	d := &DirectNotifier{
		deliverer: deliverer,
		logger:    logger,
		events:    make(chan models.TicketEvent, directBufferSize),
		done:      make(chan struct{}),
	}
	go d.run()
	return d
}

// Notify buffers ev for delivery. Events arriving after Close are dropped.
func (d *DirectNotifier) Notify(_ context.Context, ev models.TicketEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.WithFields(logrus.Fields{
			"event":     ev.Type,
			"ticket_id": ev.TicketID,
		}).Warn("Handoff notifier closed, dropping event")
		return
	}

	select {
	case d.events <- ev:
	default:
		d.logger.WithFields(logrus.Fields{
			"event":     ev.Type,
			"ticket_id": ev.TicketID,
		}).Warn("Handoff event buffer full, dropping event")
	}
}

// Close stops accepting events and waits for buffered ones to be delivered
func (d *DirectNotifier) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
	d.mu.Unlock()
	<-d.done
}

func (d *DirectNotifier) run() {
	defer close(d.done)
	for ev := range d.events {
		if err := d.deliverer.Deliver(context.Background(), ev); err != nil {
			d.logger.WithError(err).WithFields(logrus.Fields{
				"event":     ev.Type,
				"ticket_id": ev.TicketID,
			}).Error("Failed to deliver handoff event")
		}
	}
}
