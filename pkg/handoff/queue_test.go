package handoff

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-dispatch/pkg/apperr"
	"chat-dispatch/pkg/metrics"
	"chat-dispatch/pkg/models"
	"chat-dispatch/pkg/session"
)

type recorder struct {
	mu     sync.Mutex
	events []models.TicketEvent
}

func (r *recorder) Notify(_ context.Context, ev models.TicketEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) ofType(typ models.TicketEventType) []models.TicketEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.TicketEvent
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	q        *Queue
	sessions *session.Store
	events   *recorder
	now      time.Time
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	h := &harness{
		sessions: session.NewStore(time.Hour, logger),
		events:   &recorder{},
		now:      time.Date(2024, 8, 5, 10, 0, 0, 0, time.UTC),
	}
	h.q = NewQueue(cfg, h.sessions, h.events, logger, metrics.NewMetrics(prometheus.NewRegistry()))
	h.q.now = func() time.Time { return h.now }
	return h
}

func defaultConfig() Config {
	return Config{
		MaxQueueSize:      10,
		MaxRequeues:       2,
		GracePeriod:       2 * time.Minute,
		SenderIdleTimeout: 30 * time.Minute,
	}
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

func (h *harness) enqueue(t *testing.T, sender string) EnqueueResult {
	t.Helper()
	res, err := h.q.Enqueue(context.Background(), sender, "help")
	require.NoError(t, err)
	return res
}

func (h *harness) ticketOf(t *testing.T, sender string) models.Ticket {
	t.Helper()
	ticket, ok := h.q.TicketForSender(sender)
	require.True(t, ok, "no live ticket for %s", sender)
	return ticket
}

func checkInvariants(t *testing.T, q *Queue) {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()

	holder := make(map[string]string)
	for opID, slot := range q.operators {
		assert.LessOrEqual(t, len(slot.Assigned), slot.Capacity, "operator %s over capacity", opID)
		for _, id := range slot.Assigned {
			prev, dup := holder[id]
			assert.False(t, dup, "ticket %s held by %s and %s", id, prev, opID)
			holder[id] = opID

			e, ok := q.tickets[id]
			if assert.True(t, ok, "slot holds dead ticket %s", id) {
				assert.Equal(t, models.TicketAssigned, e.ticket.State)
				assert.Equal(t, opID, e.ticket.OperatorID)
				assert.Equal(t, -1, e.index)
			}
		}
	}
	for id, e := range q.tickets {
		switch e.ticket.State {
		case models.TicketAssigned:
			assert.Contains(t, holder, id)
		case models.TicketEnqueued:
			assert.GreaterOrEqual(t, e.index, 0, "waiting ticket %s not in a lane", id)
		default:
			t.Errorf("terminal ticket %s still live", id)
		}
	}
}

func TestQueue_FIFOAssignment(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	for i, sender := range []string{"a", "b", "c"} {
		res := h.enqueue(t, sender)
		assert.Equal(t, i+1, res.Position)
		assert.Equal(t, models.TicketEnqueued, res.Ticket.State)
		assert.Equal(t, models.SessionAwaitingHuman, h.sessions.Get(sender).State)
		h.advance(time.Second)
	}

	_, err := h.q.RegisterOperator(ctx, "op1", 1)
	require.NoError(t, err)

	a := h.ticketOf(t, "a")
	assert.Equal(t, models.TicketAssigned, a.State)
	assert.Equal(t, "op1", a.OperatorID)
	assert.Equal(t, models.SessionWithHuman, h.sessions.Get("a").State)

	pos, err := h.q.Position("b")
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	_, err = h.q.Close(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionAutomated, h.sessions.Get("a").State)
	assert.Equal(t, models.TicketAssigned, h.ticketOf(t, "b").State)
	assert.Equal(t, models.TicketEnqueued, h.ticketOf(t, "c").State)

	assigned := h.events.ofType(models.EventAssigned)
	require.Len(t, assigned, 2)
	assert.Equal(t, "a", assigned[0].SenderID)
	assert.Equal(t, "b", assigned[1].SenderID)
	checkInvariants(t, h.q)
}

func TestQueue_QueueFullCreatesNoTicket(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxQueueSize = 2
	h := newHarness(t, cfg)

	h.enqueue(t, "u1")
	h.enqueue(t, "u2")

	_, err := h.q.Enqueue(context.Background(), "u3", "help")
	assert.True(t, apperr.Is(err, apperr.QueueFull))

	_, ok := h.q.TicketForSender("u3")
	assert.False(t, ok)
	assert.Equal(t, models.SessionAutomated, h.sessions.Get("u3").State)
	assert.Equal(t, 2, h.q.Stats().Enqueued)
	assert.Len(t, h.events.ofType(models.EventEnqueued), 2)
}

func TestQueue_EnqueueIsIdempotentPerSender(t *testing.T) {
	h := newHarness(t, defaultConfig())

	first := h.enqueue(t, "u1")
	second := h.enqueue(t, "u1")

	assert.True(t, second.Existing)
	assert.Equal(t, first.Ticket.ID, second.Ticket.ID)
	assert.Equal(t, 1, h.q.Stats().Enqueued)
}

func TestQueue_GraceTimeoutRequeuesAheadOfLaterArrivals(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	_, err := h.q.RegisterOperator(ctx, "op1", 1)
	require.NoError(t, err)

	original := h.enqueue(t, "u1").Ticket
	require.Equal(t, models.TicketAssigned, original.State)

	h.advance(time.Minute)
	h.enqueue(t, "u2")
	h.advance(30 * time.Second)
	h.enqueue(t, "u3")

	// op1 never answers u1
	h.advance(31 * time.Second)
	assert.Equal(t, 1, h.q.Sweep(ctx, h.now))

	requeued := h.events.ofType(models.EventRequeued)
	require.Len(t, requeued, 1)
	assert.Equal(t, original.ID, requeued[0].TicketID)

	u1 := h.ticketOf(t, "u1")
	assert.Equal(t, original.EnqueuedAt, u1.EnqueuedAt)
	assert.Equal(t, 1, u1.RequeueCount)
	// reassigned before u2 and u3, who arrived later
	assert.Equal(t, models.TicketAssigned, u1.State)
	pos, _ := h.q.Position("u2")
	assert.Equal(t, 1, pos)
	pos, _ = h.q.Position("u3")
	assert.Equal(t, 2, pos)
	checkInvariants(t, h.q)
}

func TestQueue_RequeuedTicketWaitsAheadWhenNoSlotFree(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	_, err := h.q.RegisterOperator(ctx, "op1", 1)
	require.NoError(t, err)
	h.enqueue(t, "u1")
	h.advance(time.Minute)
	h.enqueue(t, "u2")

	require.NoError(t, h.q.RemoveOperator(ctx, "op1"))

	u1 := h.ticketOf(t, "u1")
	assert.Equal(t, models.TicketEnqueued, u1.State)
	assert.Equal(t, models.SessionAwaitingHuman, h.sessions.Get("u1").State)
	pos, _ := h.q.Position("u1")
	assert.Equal(t, 1, pos)
	pos, _ = h.q.Position("u2")
	assert.Equal(t, 2, pos)

	_, err = h.q.RegisterOperator(ctx, "op2", 1)
	require.NoError(t, err)
	assert.Equal(t, "op2", h.ticketOf(t, "u1").OperatorID)
}

func TestQueue_RespondStopsGraceTimer(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	_, err := h.q.RegisterOperator(ctx, "op1", 1)
	require.NoError(t, err)
	ticket := h.enqueue(t, "u1").Ticket

	_, err = h.q.Respond(ctx, ticket.ID, "op2", "hi")
	assert.True(t, apperr.Is(err, apperr.InvalidTransition))

	h.advance(time.Minute)
	responded, err := h.q.Respond(ctx, ticket.ID, "op1", "Hello, how can I help?")
	require.NoError(t, err)
	assert.Equal(t, h.now, responded.RespondedAt)

	h.advance(10 * time.Minute)
	assert.Zero(t, h.q.Sweep(ctx, h.now))
	assert.Equal(t, models.TicketAssigned, h.ticketOf(t, "u1").State)

	ev := h.events.ofType(models.EventResponded)
	require.Len(t, ev, 1)
	assert.Equal(t, "Hello, how can I help?", ev[0].Text)
	assert.Equal(t, "u1", ev[0].SenderID)
}

func TestQueue_LateResponseAfterGraceIsRejected(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	_, err := h.q.RegisterOperator(ctx, "op1", 1)
	require.NoError(t, err)
	_, err = h.q.RegisterOperator(ctx, "op2", 1)
	require.NoError(t, err)
	ticket := h.enqueue(t, "u1").Ticket
	require.Equal(t, "op1", ticket.OperatorID)

	h.advance(3 * time.Minute)
	// checked lazily on access, before any sweep
	_, err = h.q.Respond(ctx, ticket.ID, "op1", "sorry, I'm late")
	assert.True(t, apperr.Is(err, apperr.InvalidTransition))

	// op2 has been idle longer than op1 and takes the requeued ticket
	assert.Equal(t, "op2", h.ticketOf(t, "u1").OperatorID)
	checkInvariants(t, h.q)
}

func TestQueue_PriorityLane(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxRequeues = 1
	h := newHarness(t, cfg)
	ctx := context.Background()

	_, err := h.q.RegisterOperator(ctx, "op1", 2)
	require.NoError(t, err)
	older := h.enqueue(t, "older").Ticket
	h.advance(time.Second)
	h.enqueue(t, "late")
	h.advance(time.Second)
	_, err = h.q.Respond(ctx, older.ID, "op1", "hello")
	require.NoError(t, err)

	// "late" times out twice and crosses MaxRequeues
	h.advance(2 * time.Minute)
	h.q.Sweep(ctx, h.now)
	h.advance(2 * time.Minute)
	h.q.Sweep(ctx, h.now)
	late := h.ticketOf(t, "late")
	assert.True(t, late.Priority)
	assert.Equal(t, 2, late.RequeueCount)
	assert.Len(t, h.events.ofType(models.EventPriority), 1)

	// operator leaves: "older" is requeued once and stays in the normal lane
	require.NoError(t, h.q.RemoveOperator(ctx, "op1"))
	assert.False(t, h.ticketOf(t, "older").Priority)

	pos, _ := h.q.Position("late")
	assert.Equal(t, 1, pos)
	pos, _ = h.q.Position("older")
	assert.Equal(t, 2, pos)
	assert.Equal(t, 1, h.q.Stats().PriorityLane)

	_, err = h.q.RegisterOperator(ctx, "op2", 1)
	require.NoError(t, err)
	assert.Equal(t, models.TicketAssigned, h.ticketOf(t, "late").State)
	assert.Equal(t, models.TicketEnqueued, h.ticketOf(t, "older").State)
	checkInvariants(t, h.q)
}

func TestQueue_IdleSendersAreAbandoned(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	_, err := h.q.RegisterOperator(ctx, "op1", 1)
	require.NoError(t, err)
	assigned := h.enqueue(t, "u1").Ticket
	h.enqueue(t, "u2")
	_, err = h.q.Respond(ctx, assigned.ID, "op1", "hello?")
	require.NoError(t, err)

	h.advance(10 * time.Minute)
	h.enqueue(t, "u3")
	_, _, err = h.q.AddSenderMessage(ctx, "u3", "still there?")
	require.NoError(t, err)

	h.advance(25 * time.Minute)
	assert.Equal(t, 2, h.q.Sweep(ctx, h.now))

	for _, sender := range []string{"u1", "u2"} {
		_, ok := h.q.TicketForSender(sender)
		assert.False(t, ok, sender)
		assert.Equal(t, models.SessionAutomated, h.sessions.Get(sender).State, sender)
	}
	// u1's slot went to u3
	assert.Equal(t, "op1", h.ticketOf(t, "u3").OperatorID)
	assert.Len(t, h.events.ofType(models.EventAbandoned), 2)
	checkInvariants(t, h.q)
}

func TestQueue_AddSenderMessage(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	h.enqueue(t, "u1")
	h.enqueue(t, "u2")
	ticket, pos, err := h.q.AddSenderMessage(ctx, "u2", "my order is late")
	require.NoError(t, err)
	assert.Equal(t, 2, pos)
	require.Len(t, ticket.Notes, 1)
	assert.Equal(t, "my order is late", ticket.Notes[0].Text)

	_, _, err = h.q.AddSenderMessage(ctx, "nobody", "hi")
	assert.True(t, apperr.Is(err, apperr.TicketNotFound))
}

func TestQueue_Cancel(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	h.enqueue(t, "u1")
	h.enqueue(t, "u2")

	cancelled, err := h.q.Cancel(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.TicketClosed, cancelled.State)
	assert.Equal(t, ReasonSenderCancel, cancelled.ClosedReason)
	assert.Equal(t, models.SessionAutomated, h.sessions.Get("u1").State)

	_, err = h.q.Position("u1")
	assert.True(t, apperr.Is(err, apperr.TicketNotFound))
	pos, _ := h.q.Position("u2")
	assert.Equal(t, 1, pos)

	_, err = h.q.Cancel(ctx, "u1")
	assert.True(t, apperr.Is(err, apperr.TicketNotFound))
}

func TestQueue_OperatorSelection(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	_, err := h.q.RegisterOperator(ctx, "op-b", 1)
	require.NoError(t, err)
	h.advance(time.Second)
	_, err = h.q.RegisterOperator(ctx, "op-a", 3)
	require.NoError(t, err)

	assert.Equal(t, "op-a", h.enqueue(t, "u1").Ticket.OperatorID)
	assert.Equal(t, "op-a", h.enqueue(t, "u2").Ticket.OperatorID)
	// both have one free slot now; op-b was registered first and has been idle longer
	assert.Equal(t, "op-b", h.enqueue(t, "u3").Ticket.OperatorID)

	tickets, err := h.q.AssignedTo("op-a")
	require.NoError(t, err)
	assert.Len(t, tickets, 2)

	_, err = h.q.RegisterOperator(ctx, "op-c", 0)
	assert.True(t, apperr.Is(err, apperr.Validation))
	assert.True(t, apperr.Is(h.q.RemoveOperator(ctx, "op-z"), apperr.NotFound))

	stats := h.q.Stats()
	assert.Equal(t, 2, stats.Operators)
	assert.Equal(t, 3, stats.Assigned)
	assert.Equal(t, 1, stats.FreeSlots)
	assert.Equal(t, 4, stats.TotalCapacity)
}

// gatedNotifier holds the first event of one type until release is closed
type gatedNotifier struct {
	recorder
	gate    models.TicketEventType
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedNotifier) Notify(ctx context.Context, ev models.TicketEvent) {
	if ev.Type == g.gate {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	g.recorder.Notify(ctx, ev)
}

func TestQueue_EventsDeliveredInTransitionOrder(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	notifier := &gatedNotifier{
		gate:    models.EventEnqueued,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	q := NewQueue(defaultConfig(), session.NewStore(time.Hour, logger), notifier, logger,
		metrics.NewMetrics(prometheus.NewRegistry()))
	ctx := context.Background()

	enqueued := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(ctx, "u1", "help")
		enqueued <- err
	}()
	<-notifier.entered

	// the enqueued event is still being delivered; this call must not overtake it
	_, err := q.RegisterOperator(ctx, "op1", 1)
	require.NoError(t, err)
	ticket, ok := q.TicketForSender("u1")
	require.True(t, ok)
	assert.Equal(t, models.TicketAssigned, ticket.State)

	close(notifier.release)
	require.NoError(t, <-enqueued)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	var types []models.TicketEventType
	for i, ev := range notifier.events {
		types = append(types, ev.Type)
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
	assert.Equal(t, []models.TicketEventType{models.EventEnqueued, models.EventOperatorJoined, models.EventAssigned}, types)
}

func TestQueue_TicketWorkDoesNotTakeLaneLock(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	_, err := h.q.RegisterOperator(ctx, "op1", 1)
	require.NoError(t, err)
	ticket := h.enqueue(t, "u1").Ticket
	require.Equal(t, models.TicketAssigned, ticket.State)

	// hold the lane lock the way a long assignment pass would
	h.q.mu.Lock()
	done := make(chan error, 1)
	go func() {
		_, err := h.q.Respond(ctx, ticket.ID, "op1", "hello")
		if err == nil {
			_, _, err = h.q.AddSenderMessage(ctx, "u1", "thanks")
		}
		if err == nil {
			_, err = h.q.Ticket(ticket.ID)
		}
		done <- err
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Error("per-ticket calls waited on the lane lock")
	}
	h.q.mu.Unlock()

	got := h.ticketOf(t, "u1")
	assert.Equal(t, "hello", got.OperatorAnswer)
	require.Len(t, got.Notes, 1)
	assert.Equal(t, "thanks", got.Notes[0].Text)
}

func TestQueue_ConcurrentSlotEventsNeverDoubleAssign(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	events := &recorder{}
	sessions := session.NewStore(time.Hour, logger)
	q := NewQueue(Config{MaxQueueSize: 1000, MaxRequeues: 2}, sessions, events, logger,
		metrics.NewMetrics(prometheus.NewRegistry()))
	ctx := context.Background()

	const (
		senders   = 300
		operators = 8
	)

	var closed int64
	done := make(chan struct{})
	var workers sync.WaitGroup
	for i := 0; i < operators; i++ {
		opID := fmt.Sprintf("op%d", i)
		capacity := 1 + i%2
		workers.Add(1)
		go func() {
			defer workers.Done()
			_, err := q.RegisterOperator(ctx, opID, capacity)
			assert.NoError(t, err)
			for {
				select {
				case <-done:
					return
				default:
				}
				tickets, err := q.AssignedTo(opID)
				if !assert.NoError(t, err) {
					return
				}
				for _, ticket := range tickets {
					if _, err := q.Close(ctx, ticket.ID); err == nil {
						atomic.AddInt64(&closed, 1)
					}
				}
			}
		}()
	}

	var producers sync.WaitGroup
	for i := 0; i < senders; i++ {
		sender := fmt.Sprintf("u%d", i)
		producers.Add(1)
		go func() {
			defer producers.Done()
			_, err := q.Enqueue(ctx, sender, "help")
			assert.NoError(t, err)
		}()
	}
	producers.Wait()

	deadline := time.After(10 * time.Second)
	for atomic.LoadInt64(&closed) < senders {
		select {
		case <-deadline:
			t.Fatalf("closed %d of %d tickets", atomic.LoadInt64(&closed), senders)
		case <-time.After(5 * time.Millisecond):
			checkInvariants(t, q)
		}
	}
	close(done)
	workers.Wait()

	perTicket := make(map[string]int)
	for _, ev := range events.ofType(models.EventAssigned) {
		perTicket[ev.TicketID]++
	}
	assert.Len(t, perTicket, senders)
	for id, n := range perTicket {
		assert.Equal(t, 1, n, "ticket %s assigned %d times", id, n)
	}
	assert.Equal(t, models.QueueStats{Operators: operators, FreeSlots: 12, MaxQueueSize: 1000, TotalCapacity: 12}, q.Stats())
}
