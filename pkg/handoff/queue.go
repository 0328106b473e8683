package handoff

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"chat-dispatch/pkg/apperr"
	"chat-dispatch/pkg/metrics"
	"chat-dispatch/pkg/models"
)

// Close reasons recorded on terminal tickets
const (
	ReasonOperatorClosed = "closed_by_operator"
	ReasonSenderCancel   = "cancelled_by_sender"
	ReasonSenderIdle     = "sender_idle"
)

// Sessions is the subset of the session store the queue drives
type Sessions interface {
	MarkAwaitingHuman(senderID, ticketID string) error
	MarkWithHuman(senderID, operatorID string) error
	MarkAutomated(senderID string) error
}

type Config struct {
	MaxQueueSize int
	// MaxRequeues is how many operator timeouts a ticket takes before it
	// moves to the priority lane
	MaxRequeues       int
	GracePeriod       time.Duration
	SenderIdleTimeout time.Duration
}

type EnqueueResult struct {
	Ticket   models.Ticket
	Position int
	// Existing is set when the sender already held a live ticket
	Existing bool
}

// Queue owns the handoff tickets and operator slots.
//
// mu is the lane lock: it guards the lanes, the operator slots and ticket
// state changes, and is taken only to move tickets between lanes and slots.
// Work on a single ticket (sender notes, operator answers, reads) takes only
// that entry's lock. Lock order is mu, then entry.mu, then the session store;
// idx and the outbox are leaves.
type Queue struct {
	mu        sync.RWMutex
	cfg       Config
	normal    lane
	priority  lane
	operators map[string]*models.OperatorSlot
	seq       uint64

	// idx guards the lookup maps; writers also hold mu
	idx      sync.RWMutex
	tickets  map[string]*entry
	bySender map[string]*entry

	out      outbox
	sessions Sessions
	notifier Notifier
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewQueue(cfg Config, sessions Sessions, notifier Notifier, logger *logrus.Logger, m *metrics.Metrics) *Queue {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Queue{
		cfg:       cfg,
		tickets:   make(map[string]*entry),
		bySender:  make(map[string]*entry),
		operators: make(map[string]*models.OperatorSlot),
		sessions:  sessions,
		notifier:  notifier,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

func ticketEvent(typ models.TicketEventType, t models.Ticket, now time.Time) models.TicketEvent {
	return models.TicketEvent{
		Type:         typ,
		TicketID:     t.ID,
		SenderID:     t.SenderID,
		OperatorID:   t.OperatorID,
		RequeueCount: t.RequeueCount,
		Priority:     t.Priority,
		OccurredAt:   now,
	}
}

// unlock refreshes the occupancy gauges and releases the lane lock
func (q *Queue) unlock() {
	if q.metrics != nil {
		stats := q.statsLocked()
		q.metrics.QueueDepth.Set(float64(stats.Enqueued))
		q.metrics.FreeOperatorSlots.Set(float64(stats.FreeSlots))
	}
	q.mu.Unlock()
}

func (q *Queue) lookupTicket(ticketID string) (*entry, bool) {
	q.idx.RLock()
	defer q.idx.RUnlock()
	e, ok := q.tickets[ticketID]
	return e, ok
}

func (q *Queue) lookupSender(senderID string) (*entry, bool) {
	q.idx.RLock()
	defer q.idx.RUnlock()
	e, ok := q.bySender[senderID]
	return e, ok
}

func snapshot(e *entry) (models.Ticket, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyTicket(e.ticket), e.live()
}

// Enqueue escalates sender to a human. A sender with a live ticket gets it
// back with Existing set; a full queue is a QueueFull error and creates nothing.
func (q *Queue) Enqueue(ctx context.Context, senderID, message string) (EnqueueResult, error) {
	defer q.publish(ctx)

	q.mu.Lock()
	defer q.unlock()

	now := q.now()
	if e, ok := q.bySender[senderID]; ok {
		e.mu.Lock()
		live := q.expireLocked(e, now)
		e.mu.Unlock()
		q.assignLocked(now)
		if live {
			ticket, _ := snapshot(e)
			return EnqueueResult{Ticket: ticket, Position: q.positionLocked(e), Existing: true}, nil
		}
	}

	if waiting := q.normal.Len() + q.priority.Len(); waiting >= q.cfg.MaxQueueSize {
		return EnqueueResult{}, apperr.New(apperr.QueueFull, "enqueue",
			fmt.Errorf("%d tickets waiting, max %d", waiting, q.cfg.MaxQueueSize))
	}

	id := uuid.New().String()
	if err := q.sessions.MarkAwaitingHuman(senderID, id); err != nil {
		return EnqueueResult{}, err
	}

	q.seq++
	e := &entry{
		ticket: models.Ticket{
			ID:           id,
			SenderID:     senderID,
			State:        models.TicketEnqueued,
			Message:      message,
			EnqueuedAt:   now,
			LastActivity: now,
		},
		seq:   q.seq,
		index: -1,
	}
	q.idx.Lock()
	q.tickets[id] = e
	q.bySender[senderID] = e
	q.idx.Unlock()
	q.normal.push(e)
	q.out.add(ticketEvent(models.EventEnqueued, e.ticket, now))

	q.assignLocked(now)
	ticket, _ := snapshot(e)
	return EnqueueResult{Ticket: ticket, Position: q.positionLocked(e)}, nil
}

// Position returns the sender's 1-based place in line, 0 when assigned
func (q *Queue) Position(senderID string) (int, error) {
	e, ok := q.lookupSender(senderID)
	if !ok {
		return 0, apperr.New(apperr.TicketNotFound, "position", fmt.Errorf("sender %s", senderID))
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if !e.live() {
		return 0, apperr.New(apperr.TicketNotFound, "position", fmt.Errorf("sender %s", senderID))
	}
	return q.positionLocked(e), nil
}

// AddSenderMessage attaches a follow-up message to the sender's live ticket
func (q *Queue) AddSenderMessage(ctx context.Context, senderID, text string) (models.Ticket, int, error) {
	defer q.publish(ctx)

	now := q.now()
	e, ok := q.lookupSender(senderID)
	if !ok {
		return models.Ticket{}, 0, apperr.New(apperr.TicketNotFound, "sender_message", fmt.Errorf("sender %s", senderID))
	}

	var ticket models.Ticket
	live := q.withEntry(e, now, func() {
		e.ticket.Notes = append(e.ticket.Notes, models.SenderNote{Text: text, At: now})
		e.ticket.LastActivity = now
		ev := ticketEvent(models.EventSenderMessage, e.ticket, now)
		ev.Text = text
		q.out.add(ev)
		ticket = copyTicket(e.ticket)
	})
	if !live {
		return models.Ticket{}, 0, apperr.New(apperr.TicketNotFound, "sender_message", fmt.Errorf("sender %s", senderID))
	}

	position := 0
	if ticket.State == models.TicketEnqueued {
		q.mu.RLock()
		position = q.positionLocked(e)
		q.mu.RUnlock()
	}
	return ticket, position, nil
}

// Cancel ends the sender's live ticket at the sender's request
func (q *Queue) Cancel(ctx context.Context, senderID string) (models.Ticket, error) {
	defer q.publish(ctx)

	q.mu.Lock()
	defer q.unlock()

	now := q.now()
	e, ok := q.bySender[senderID]
	if !ok {
		return models.Ticket{}, apperr.New(apperr.TicketNotFound, "cancel", fmt.Errorf("sender %s", senderID))
	}

	e.mu.Lock()
	live := q.expireLocked(e, now)
	if live {
		q.finishLocked(e, models.TicketClosed, ReasonSenderCancel, now)
		q.out.add(ticketEvent(models.EventCancelled, e.ticket, now))
	}
	ticket := copyTicket(e.ticket)
	e.mu.Unlock()

	q.assignLocked(now)
	if !live {
		return models.Ticket{}, apperr.New(apperr.TicketNotFound, "cancel", fmt.Errorf("sender %s", senderID))
	}
	return ticket, nil
}

// Respond records an operator answer. Only the assigned operator may respond.
func (q *Queue) Respond(ctx context.Context, ticketID, operatorID, text string) (models.Ticket, error) {
	defer q.publish(ctx)

	now := q.now()
	e, ok := q.lookupTicket(ticketID)
	if !ok {
		return models.Ticket{}, apperr.New(apperr.TicketNotFound, "respond", fmt.Errorf("ticket %s", ticketID))
	}

	var (
		ticket models.Ticket
		err    error
	)
	live := q.withEntry(e, now, func() {
		if e.ticket.State != models.TicketAssigned || e.ticket.OperatorID != operatorID {
			err = apperr.New(apperr.InvalidTransition, "respond",
				fmt.Errorf("ticket %s is %s for operator %q", ticketID, e.ticket.State, e.ticket.OperatorID))
			return
		}
		if e.ticket.RespondedAt.IsZero() {
			e.ticket.RespondedAt = now
		}
		e.ticket.LastActivity = now
		e.ticket.OperatorAnswer = text
		ev := ticketEvent(models.EventResponded, e.ticket, now)
		ev.Text = text
		q.out.add(ev)
		ticket = copyTicket(e.ticket)
	})
	if !live {
		return models.Ticket{}, apperr.New(apperr.TicketNotFound, "respond", fmt.Errorf("ticket %s abandoned", ticketID))
	}
	if err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

// Close ends a ticket from the operator side and frees its slot
func (q *Queue) Close(ctx context.Context, ticketID string) (models.Ticket, error) {
	defer q.publish(ctx)

	q.mu.Lock()
	defer q.unlock()

	now := q.now()
	e, ok := q.tickets[ticketID]
	if !ok {
		return models.Ticket{}, apperr.New(apperr.TicketNotFound, "close", fmt.Errorf("ticket %s", ticketID))
	}

	e.mu.Lock()
	q.finishLocked(e, models.TicketClosed, ReasonOperatorClosed, now)
	q.out.add(ticketEvent(models.EventClosed, e.ticket, now))
	ticket := copyTicket(e.ticket)
	e.mu.Unlock()

	q.assignLocked(now)
	return ticket, nil
}

// RegisterOperator adds an operator or updates its capacity, then assigns
// waiting tickets to any new free slots.
func (q *Queue) RegisterOperator(ctx context.Context, operatorID string, capacity int) (models.OperatorSlot, error) {
	if operatorID == "" || capacity <= 0 {
		return models.OperatorSlot{}, apperr.New(apperr.Validation, "register_operator",
			fmt.Errorf("operator %q capacity %d", operatorID, capacity))
	}

	defer q.publish(ctx)

	q.mu.Lock()
	defer q.unlock()

	now := q.now()
	slot, ok := q.operators[operatorID]
	if !ok {
		slot = &models.OperatorSlot{OperatorID: operatorID, LastReleased: now}
		q.operators[operatorID] = slot
		q.out.add(models.TicketEvent{Type: models.EventOperatorJoined, OperatorID: operatorID, OccurredAt: now})
	}
	slot.Capacity = capacity

	q.assignLocked(now)
	return copySlot(slot), nil
}

// RemoveOperator takes an operator offline; its tickets go back in line with
// their original timestamps.
func (q *Queue) RemoveOperator(ctx context.Context, operatorID string) error {
	defer q.publish(ctx)

	q.mu.Lock()
	defer q.unlock()

	slot, ok := q.operators[operatorID]
	if !ok {
		return apperr.New(apperr.NotFound, "remove_operator", fmt.Errorf("operator %s", operatorID))
	}

	now := q.now()
	for _, id := range append([]string(nil), slot.Assigned...) {
		if e, ok := q.tickets[id]; ok {
			e.mu.Lock()
			q.requeueLocked(e, now)
			e.mu.Unlock()
		}
	}
	delete(q.operators, operatorID)
	q.out.add(models.TicketEvent{Type: models.EventOperatorLeft, OperatorID: operatorID, OccurredAt: now})

	q.assignLocked(now)
	return nil
}

// AssignedTo lists the operator's current tickets
func (q *Queue) AssignedTo(operatorID string) ([]models.Ticket, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	slot, ok := q.operators[operatorID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "assigned_to", fmt.Errorf("operator %s", operatorID))
	}
	out := make([]models.Ticket, 0, len(slot.Assigned))
	for _, id := range slot.Assigned {
		if e, ok := q.tickets[id]; ok {
			ticket, _ := snapshot(e)
			out = append(out, ticket)
		}
	}
	return out, nil
}

// Ticket returns a live ticket by id
func (q *Queue) Ticket(ticketID string) (models.Ticket, error) {
	e, ok := q.lookupTicket(ticketID)
	if ok {
		if ticket, live := snapshot(e); live {
			return ticket, nil
		}
	}
	return models.Ticket{}, apperr.New(apperr.TicketNotFound, "ticket", fmt.Errorf("ticket %s", ticketID))
}

// TicketForSender returns the sender's live ticket, if any
func (q *Queue) TicketForSender(senderID string) (models.Ticket, bool) {
	e, ok := q.lookupSender(senderID)
	if !ok {
		return models.Ticket{}, false
	}
	return snapshot(e)
}

func (q *Queue) Stats() models.QueueStats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.statsLocked()
}

// Sweep applies operator grace and sender idle timeouts to every live ticket.
// It returns the number of tickets that changed state. Tickets are checked
// under their own locks; the lane lock is taken only when one is due.
func (q *Queue) Sweep(ctx context.Context, now time.Time) int {
	start := time.Now()
	defer func() {
		q.publish(ctx)
		if q.metrics != nil {
			q.metrics.SweepDuration.Observe(time.Since(start).Seconds())
		}
	}()

	q.idx.RLock()
	candidates := make([]*entry, 0, len(q.tickets))
	for _, e := range q.tickets {
		candidates = append(candidates, e)
	}
	q.idx.RUnlock()

	var due []*entry
	for _, e := range candidates {
		e.mu.Lock()
		if q.dueLocked(e, now) != timeoutNone {
			due = append(due, e)
		}
		e.mu.Unlock()
	}
	if len(due) == 0 {
		return 0
	}
	// oldest first so requeued tickets re-enter in a stable order
	sort.Slice(due, func(i, j int) bool { return due[i].before(due[j]) })

	q.mu.Lock()
	defer q.unlock()

	changed := 0
	for _, e := range due {
		e.mu.Lock()
		state, requeues := e.ticket.State, e.ticket.RequeueCount
		q.expireLocked(e, now)
		if e.ticket.State != state || e.ticket.RequeueCount != requeues {
			changed++
		}
		e.mu.Unlock()
	}
	q.assignLocked(now)
	return changed
}

type timeout int

const (
	timeoutNone timeout = iota
	timeoutSenderIdle
	timeoutOperatorGrace
)

// dueLocked reports which timeout, if any, applies to e. Caller holds e.mu.
func (q *Queue) dueLocked(e *entry, now time.Time) timeout {
	t := &e.ticket
	switch {
	case !e.live():
		return timeoutNone
	case q.cfg.SenderIdleTimeout > 0 && now.Sub(t.LastActivity) >= q.cfg.SenderIdleTimeout:
		return timeoutSenderIdle
	case t.State == models.TicketAssigned && t.RespondedAt.IsZero() &&
		q.cfg.GracePeriod > 0 && now.Sub(t.AssignedAt) >= q.cfg.GracePeriod:
		return timeoutOperatorGrace
	default:
		return timeoutNone
	}
}

// withEntry runs fn holding e.mu, after applying any timeout that is due. It
// returns false without running fn when the ticket is no longer live.
func (q *Queue) withEntry(e *entry, now time.Time, fn func()) bool {
	e.mu.Lock()
	if q.dueLocked(e, now) != timeoutNone {
		e.mu.Unlock()
		q.applyTimeouts(e, now)
		e.mu.Lock()
	}
	defer e.mu.Unlock()

	if !e.live() {
		return false
	}
	fn()
	return true
}

// applyTimeouts expires e under the lane lock and refills any freed slot
func (q *Queue) applyTimeouts(e *entry, now time.Time) {
	q.mu.Lock()
	defer q.unlock()

	e.mu.Lock()
	q.expireLocked(e, now)
	e.mu.Unlock()
	q.assignLocked(now)
}

// expireLocked applies timeouts to one ticket and reports whether it is still
// live. Caller holds mu and e.mu.
func (q *Queue) expireLocked(e *entry, now time.Time) bool {
	t := &e.ticket
	switch q.dueLocked(e, now) {
	case timeoutSenderIdle:
		q.finishLocked(e, models.TicketAbandoned, ReasonSenderIdle, now)
		q.out.add(ticketEvent(models.EventAbandoned, e.ticket, now))
	case timeoutOperatorGrace:
		q.logger.WithFields(logrus.Fields{
			"ticket_id":   t.ID,
			"operator_id": t.OperatorID,
			"assigned_at": t.AssignedAt,
		}).Warn("Operator did not respond within grace period, requeueing ticket")
		q.requeueLocked(e, now)
	}
	return e.live()
}

// requeueLocked returns an assigned ticket to the line, keeping its EnqueuedAt
func (q *Queue) requeueLocked(e *entry, now time.Time) {
	q.releaseLocked(e, now)

	t := &e.ticket
	t.State = models.TicketEnqueued
	t.OperatorID = ""
	t.AssignedAt = time.Time{}
	t.RespondedAt = time.Time{}
	t.RequeueCount++

	if err := q.sessions.MarkAwaitingHuman(t.SenderID, t.ID); err != nil {
		q.logger.WithError(err).WithField("ticket_id", t.ID).Error("Failed to move session back to awaiting")
	}

	q.out.add(ticketEvent(models.EventRequeued, *t, now))
	if !t.Priority && t.RequeueCount > q.cfg.MaxRequeues {
		t.Priority = true
		q.out.add(ticketEvent(models.EventPriority, *t, now))
	}
	if t.Priority {
		q.priority.push(e)
	} else {
		q.normal.push(e)
	}
}

// finishLocked moves a ticket to a terminal state and drops it from the queue
func (q *Queue) finishLocked(e *entry, state models.TicketState, reason string, now time.Time) {
	q.releaseLocked(e, now)
	q.normal.remove(e)
	q.priority.remove(e)

	e.ticket.State = state
	e.ticket.ClosedReason = reason
	q.idx.Lock()
	delete(q.tickets, e.ticket.ID)
	if cur, ok := q.bySender[e.ticket.SenderID]; ok && cur == e {
		delete(q.bySender, e.ticket.SenderID)
	}
	q.idx.Unlock()

	if err := q.sessions.MarkAutomated(e.ticket.SenderID); err != nil {
		q.logger.WithError(err).WithField("ticket_id", e.ticket.ID).Error("Failed to release session")
	}
}

// releaseLocked frees the operator slot held by an assigned ticket
func (q *Queue) releaseLocked(e *entry, now time.Time) {
	if e.ticket.State != models.TicketAssigned {
		return
	}
	slot, ok := q.operators[e.ticket.OperatorID]
	if !ok {
		return
	}
	for i, id := range slot.Assigned {
		if id == e.ticket.ID {
			slot.Assigned = append(slot.Assigned[:i], slot.Assigned[i+1:]...)
			break
		}
	}
	slot.LastReleased = now
}

// assignLocked binds waiting tickets to free slots, oldest ticket first and
// priority lane before the normal lane. Pop and bind happen under one lock.
// Caller holds mu but no entry lock.
func (q *Queue) assignLocked(now time.Time) {
	for q.priority.Len()+q.normal.Len() > 0 {
		slot := q.pickOperatorLocked()
		if slot == nil {
			return
		}

		var e *entry
		if q.priority.Len() > 0 {
			e = q.priority.pop()
		} else {
			e = q.normal.pop()
		}

		e.mu.Lock()
		t := &e.ticket
		t.State = models.TicketAssigned
		t.OperatorID = slot.OperatorID
		t.AssignedAt = now
		slot.Assigned = append(slot.Assigned, t.ID)

		if err := q.sessions.MarkWithHuman(t.SenderID, slot.OperatorID); err != nil {
			q.logger.WithError(err).WithField("ticket_id", t.ID).Error("Failed to bind session to operator")
		}
		q.out.add(ticketEvent(models.EventAssigned, *t, now))
		e.mu.Unlock()
	}
}

// pickOperatorLocked returns the slot with the most free capacity; ties go to
// the operator idle longest, then by id.
func (q *Queue) pickOperatorLocked() *models.OperatorSlot {
	var best *models.OperatorSlot
	for _, s := range q.operators {
		if s.Free() == 0 {
			continue
		}
		switch {
		case best == nil,
			s.Free() > best.Free(),
			s.Free() == best.Free() && s.LastReleased.Before(best.LastReleased),
			s.Free() == best.Free() && s.LastReleased.Equal(best.LastReleased) && s.OperatorID < best.OperatorID:
			best = s
		}
	}
	return best
}

func (q *Queue) positionLocked(e *entry) int {
	switch {
	case e.ticket.State != models.TicketEnqueued:
		return 0
	case e.ticket.Priority:
		return q.priority.ahead(e) + 1
	default:
		return q.priority.Len() + q.normal.ahead(e) + 1
	}
}

func (q *Queue) statsLocked() models.QueueStats {
	stats := models.QueueStats{
		Enqueued:     q.normal.Len() + q.priority.Len(),
		PriorityLane: q.priority.Len(),
		Operators:    len(q.operators),
		MaxQueueSize: q.cfg.MaxQueueSize,
	}
	for _, s := range q.operators {
		stats.Assigned += len(s.Assigned)
		stats.FreeSlots += s.Free()
		stats.TotalCapacity += s.Capacity
	}
	return stats
}

// publish delivers outbox events once the caller holds no queue lock. Events
// added by other callers may be delivered here, so the caller's cancellation
// is not passed on.
func (q *Queue) publish(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	q.out.drain(func(ev models.TicketEvent) {
		if q.metrics != nil {
			q.metrics.TicketTransitions.WithLabelValues(string(ev.Type)).Inc()
		}
		q.logger.WithFields(logrus.Fields{
			"seq":         ev.Seq,
			"event":       ev.Type,
			"ticket_id":   ev.TicketID,
			"sender_id":   ev.SenderID,
			"operator_id": ev.OperatorID,
		}).Debug("Handoff ticket transition")
		q.notifier.Notify(ctx, ev)
	})
}

func copyTicket(t models.Ticket) models.Ticket {
	t.Notes = append([]models.SenderNote(nil), t.Notes...)
	return t
}

func copySlot(s *models.OperatorSlot) models.OperatorSlot {
	out := *s
	out.Assigned = append([]string(nil), s.Assigned...)
	return out
}
