package constants

import "time"

// Redis key prefixes and names
const (
	RateLimitKeyPrefix   = "rate_limit:"
	CacheKeyPrefix       = "qa_cache:"
	CacheGenerationKey   = "qa_cache:generation"
	DefaultHandoffStream = "handoff_events"
	RecoveryLeaderKey    = "handoff:recovery_leader"
	BusyGroupError       = "BUSYGROUP Consumer Group name already exists"
)

// Background loop periods that are not product parameters
const (
	RateLimitEvictionInterval = 1 * time.Minute
	PendingRecoveryInterval   = 30 * time.Second
	StreamReadBlock           = 1 * time.Second
	StreamReadCount           = 10
	NotifyTimeout             = 500 * time.Millisecond
)

// Conversation limits
const (
	// MaxHistoryTurns bounds the per-sender history (10 exchanges)
	MaxHistoryTurns = 20
	// PromptHistoryTurns is how much history is sent to the generation backend
	PromptHistoryTurns = 12
	// MinutesPerQueuePosition drives the estimated wait shown to senders
	MinutesPerQueuePosition = 2
)
