package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of an admission check
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter enforces a per-identity sliding window request budget. The
// identity is a sender ID unless the limiter was built with another Scope.
type Limiter interface {
	Admit(ctx context.Context, id string) (Decision, error)
}

type Config struct {
	// Limit is the number of admissions allowed inside any trailing Window
	Limit  int
	Window time.Duration
	// Retention is how long an idle sender entry is kept before eviction
	Retention time.Duration
	// Scope prefixes every window key; empty means ScopeUser
	Scope string
}

const (
	ScopeUser = "user"
	ScopeIP   = "ip"
)

func (c Config) key(id string) string {
	if c.Scope == "" || c.Scope == ScopeUser {
		return SenderKey(id)
	}
	return c.Scope + ":" + id
}

// SenderKey is the identity key used for a sender's window
func SenderKey(senderID string) string {
	return "user:" + senderID
}
