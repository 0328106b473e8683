package handoff

import (
	"container/heap"
	"sync"

	"chat-dispatch/pkg/models"
)

// entry is a queue-owned ticket. index is its position in a lane heap, -1 when
// the ticket is not waiting. mu guards the ticket's notes, answer and
// activity times; state changes hold both the queue lock and mu.
type entry struct {
	mu     sync.Mutex
	ticket models.Ticket
	seq    uint64
	index  int
}

func (e *entry) live() bool {
	return e.ticket.State == models.TicketEnqueued || e.ticket.State == models.TicketAssigned
}

// before orders by original enqueue time, then arrival sequence
func (e *entry) before(o *entry) bool {
	if !e.ticket.EnqueuedAt.Equal(o.ticket.EnqueuedAt) {
		return e.ticket.EnqueuedAt.Before(o.ticket.EnqueuedAt)
	}
	return e.seq < o.seq
}

// lane is a min-heap of waiting tickets
type lane []*entry

func (l lane) Len() int           { return len(l) }
func (l lane) Less(i, j int) bool { return l[i].before(l[j]) }

func (l lane) Swap(i, j int) {
	l[i], l[j] = l[j], l[i]
	l[i].index = i
	l[j].index = j
}

func (l *lane) Push(x any) {
	e := x.(*entry)
	e.index = len(*l)
	*l = append(*l, e)
}

func (l *lane) Pop() any {
	old := *l
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*l = old[:n-1]
	return e
}

func (l *lane) push(e *entry) {
	heap.Push(l, e)
}

func (l *lane) pop() *entry {
	return heap.Pop(l).(*entry)
}

func (l *lane) remove(e *entry) {
	if e.index >= 0 && e.index < len(*l) && (*l)[e.index] == e {
		heap.Remove(l, e.index)
	}
}

// ahead counts waiting entries ordered before e
func (l lane) ahead(e *entry) int {
	n := 0
	for _, o := range l {
		if o != e && o.before(e) {
			n++
		}
	}
	return n
}
