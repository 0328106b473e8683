package handoff

import (
	"sync"

	"chat-dispatch/pkg/models"
)

// outbox orders ticket events across critical sections. Events are added
// while the lock that ordered their transition is held, and are delivered in
// that order by whichever caller is draining.
type outbox struct {
	mu       sync.Mutex
	seq      uint64
	pending  []models.TicketEvent
	draining bool
}

func (o *outbox) add(ev models.TicketEvent) {
	o.mu.Lock()
	o.seq++
	ev.Seq = o.seq
	o.pending = append(o.pending, ev)
	o.mu.Unlock()
}

// drain delivers pending events until none are left and returns how many it
// delivered. A caller that finds a drain in progress returns at once; the
// active drainer picks up its events.
func (o *outbox) drain(deliver func(models.TicketEvent)) int {
	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		return 0
	}
	o.draining = true

	n := 0
	for len(o.pending) > 0 {
		events := o.pending
		o.pending = nil
		o.mu.Unlock()

		for _, ev := range events {
			deliver(ev)
		}
		n += len(events)
		o.mu.Lock()
	}
	o.draining = false
	o.mu.Unlock()
	return n
}
