package models

import "time"

// MessageTypeText is the only inbound message type the pipeline answers.
const MessageTypeText = "text"

// InboundMessage is a decoded webhook message handed to the dispatch pipeline
type InboundMessage struct {
	SenderID   string    `json:"sender_id"`
	Text       string    `json:"text"`
	Type       string    `json:"type"`
	ReceivedAt time.Time `json:"received_at"`
}

// Intent is the routing category chosen by the classifier
type Intent string

const (
	IntentFAQ          Intent = "faq"
	IntentOrderQuery   Intent = "order_query"
	IntentHumanHandoff Intent = "human_handoff"
	IntentFallback     Intent = "fallback"
)

// ReplyStatus tells the transport layer what happened to the message
type ReplyStatus string

const (
	StatusAnswered    ReplyStatus = "answered"
	StatusFallback    ReplyStatus = "fallback"
	StatusRateLimited ReplyStatus = "rate_limited"
	StatusQueueFull   ReplyStatus = "queue_full"
	StatusEscalated   ReplyStatus = "escalated"
	StatusQueued      ReplyStatus = "queued"
	StatusForwarded   ReplyStatus = "forwarded"
	StatusCancelled   ReplyStatus = "cancelled"
	StatusIgnored     ReplyStatus = "ignored"
)

// Reply is the payload returned for every handled message
type Reply struct {
	SenderID   string        `json:"sender_id"`
	Text       string        `json:"text"`
	Status     ReplyStatus   `json:"status"`
	Intent     Intent        `json:"intent,omitempty"`
	Cached     bool          `json:"cached,omitempty"`
	TicketID   string        `json:"ticket_id,omitempty"`
	Position   int           `json:"queue_position,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// CacheEntry is a stored reply for a query fingerprint. A zero TTL never expires.
type CacheEntry struct {
	Fingerprint string        `json:"fingerprint"`
	Reply       string        `json:"reply"`
	CreatedAt   time.Time     `json:"created_at"`
	TTL         time.Duration `json:"ttl"`
}

// Expired reports whether the entry is past its TTL at now
func (e CacheEntry) Expired(now time.Time) bool {
	return e.TTL > 0 && !now.Before(e.CreatedAt.Add(e.TTL))
}

// WarmupEntry is an administrative cache preload pair
type WarmupEntry struct {
	Fingerprint string `json:"fingerprint"`
	Reply       string `json:"reply"`
}

// SessionState is the conversation state of a sender
type SessionState string

const (
	SessionAutomated     SessionState = "automated"
	SessionAwaitingHuman SessionState = "awaiting_human"
	SessionWithHuman     SessionState = "with_human"
)

// Turn is one exchange kept as generation context
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session is the per-sender conversation state shared by the classifier and the handoff queue
type Session struct {
	SenderID             string       `json:"sender_id"`
	State                SessionState `json:"state"`
	LastActivity         time.Time    `json:"last_activity"`
	OperatorID           string       `json:"operator_id,omitempty"`
	TicketID             string       `json:"ticket_id,omitempty"`
	ConsecutiveFallbacks int          `json:"consecutive_fallbacks"`
	History              []Turn       `json:"history,omitempty"`
}

// InHandoff reports whether the session is owned by the handoff queue
func (s Session) InHandoff() bool {
	return s.State == SessionAwaitingHuman || s.State == SessionWithHuman
}

// TicketState is the lifecycle state of a queue ticket
type TicketState string

const (
	TicketEnqueued  TicketState = "enqueued"
	TicketAssigned  TicketState = "assigned"
	TicketClosed    TicketState = "closed"
	TicketAbandoned TicketState = "abandoned"
)

// SenderNote is a message the sender added while waiting for or talking to an operator
type SenderNote struct {
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Ticket is a sender's record in the handoff queue
type Ticket struct {
	ID             string       `json:"id"`
	SenderID       string       `json:"sender_id"`
	State          TicketState  `json:"state"`
	Message        string       `json:"message"`
	Notes          []SenderNote `json:"notes,omitempty"`
	EnqueuedAt     time.Time    `json:"enqueued_at"`
	AssignedAt     time.Time    `json:"assigned_at,omitempty"`
	RespondedAt    time.Time    `json:"responded_at,omitempty"`
	LastActivity   time.Time    `json:"last_activity"`
	RequeueCount   int          `json:"requeue_count"`
	Priority       bool         `json:"priority"`
	OperatorID     string       `json:"operator_id,omitempty"`
	ClosedReason   string       `json:"closed_reason,omitempty"`
	OperatorAnswer string       `json:"operator_answer,omitempty"`
}

// OperatorSlot is the human-agent capacity of one operator
type OperatorSlot struct {
	OperatorID   string    `json:"operator_id"`
	Capacity     int       `json:"capacity"`
	Assigned     []string  `json:"assigned"`
	LastReleased time.Time `json:"last_released"`
}

// Free returns the number of tickets the operator can still take
func (o OperatorSlot) Free() int {
	if n := o.Capacity - len(o.Assigned); n > 0 {
		return n
	}
	return 0
}

// TicketEventType names a handoff queue transition
type TicketEventType string

const (
	EventEnqueued       TicketEventType = "enqueued"
	EventAssigned       TicketEventType = "assigned"
	EventRequeued       TicketEventType = "requeued"
	EventPriority       TicketEventType = "priority_escalated"
	EventResponded      TicketEventType = "responded"
	EventSenderMessage  TicketEventType = "sender_message"
	EventClosed         TicketEventType = "closed"
	EventCancelled      TicketEventType = "cancelled"
	EventAbandoned      TicketEventType = "abandoned"
	EventOperatorJoined TicketEventType = "operator_joined"
	EventOperatorLeft   TicketEventType = "operator_left"
)

// TicketEvent is published for every handoff queue transition
type TicketEvent struct {
	// Seq increases by one per event in delivery order
	Seq          uint64          `json:"seq"`
	Type         TicketEventType `json:"type"`
	TicketID     string          `json:"ticket_id,omitempty"`
	SenderID     string          `json:"sender_id,omitempty"`
	OperatorID   string          `json:"operator_id,omitempty"`
	Text         string          `json:"text,omitempty"`
	RequeueCount int             `json:"requeue_count"`
	Priority     bool            `json:"priority"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

// QueueStats is a snapshot of handoff queue occupancy
type QueueStats struct {
	Enqueued      int `json:"enqueued"`
	PriorityLane  int `json:"priority_lane"`
	Assigned      int `json:"assigned"`
	Operators     int `json:"operators"`
	FreeSlots     int `json:"free_slots"`
	MaxQueueSize  int `json:"max_queue_size"`
	TotalCapacity int `json:"total_capacity"`
}

// KnowledgeMatch is a knowledge store answer with its match confidence (0.0-1.0)
type KnowledgeMatch struct {
	Question   string  `json:"question,omitempty"`
	Answer     string  `json:"answer"`
	Confidence float64 `json:"confidence"`
}

// OrderStatus is the order system's status record
type OrderStatus struct {
	OrderNumber       string   `json:"order_number"`
	Status            string   `json:"status"`
	Items             []string `json:"items"`
	TotalAmount       float64  `json:"total_amount"`
	TrackingNumber    string   `json:"tracking_number,omitempty"`
	EstimatedDelivery string   `json:"estimated_delivery,omitempty"`
	Delivered         bool     `json:"delivered"`
}

// Prompt is what the core assembles for the generation backend
type Prompt struct {
	System    string `json:"system"`
	Knowledge string `json:"knowledge,omitempty"`
	History   []Turn `json:"history,omitempty"`
	Question  string `json:"question"`
}
