package handoff

import (
	"context"

	"chat-dispatch/pkg/models"
)

// Notifier receives every ticket transition in order, after the queue locks
// are released. A slow notifier delays later events but never queue work.
type Notifier interface {
	Notify(ctx context.Context, event models.TicketEvent)
}

type NotifierFunc func(ctx context.Context, event models.TicketEvent)

func (f NotifierFunc) Notify(ctx context.Context, event models.TicketEvent) {
	f(ctx, event)
}

// MultiNotifier fans an event out to several notifiers in order
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, event models.TicketEvent) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, event)
		}
	}
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, models.TicketEvent) {}
