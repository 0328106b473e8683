package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"chat-dispatch/pkg/apperr"
	"chat-dispatch/pkg/constants"
	"chat-dispatch/pkg/models"
)

const shardCount = 32

// Store owns the conversation sessions. State changes go through the Mark*
// transition calls; callers only ever see copies.
type Store struct {
	shards      [shardCount]*shard
	idleTimeout time.Duration
	logger      *logrus.Logger
	now         func() time.Time
}

type shard struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
}

func NewStore(idleTimeout time.Duration, logger *logrus.Logger) *Store {
	s := &Store{
		idleTimeout: idleTimeout,
		logger:      logger,
		now:         time.Now,
	}
	for i := range s.shards {
		s.shards[i] = &shard{sessions: make(map[string]*models.Session)}
	}
	return s
}

func (s *Store) shard(senderID string) *shard {
	return s.shards[xxhash.Sum64String(senderID)%shardCount]
}

// Get returns a snapshot of the sender's session. A missing or idle-expired
// session is returned as a fresh automated session.
func (s *Store) Get(senderID string) models.Session {
	sh := s.shard(senderID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sess, ok := sh.sessions[senderID]
	if !ok {
		return models.Session{SenderID: senderID, State: models.SessionAutomated}
	}
	if s.expired(sess, s.now()) {
		delete(sh.sessions, senderID)
		return models.Session{SenderID: senderID, State: models.SessionAutomated}
	}
	return snapshot(sess)
}

// Touch records activity on an existing session. It never creates one; a
// session starts with the first transition, fallback or history write.
func (s *Store) Touch(senderID string) {
	s.updateExisting(senderID, func(sess *models.Session) {})
}

// MarkAwaitingHuman moves the sender into the queue. Allowed from automated
// (escalation) and from with_human (operator timeout requeue).
func (s *Store) MarkAwaitingHuman(senderID, ticketID string) error {
	return s.update(senderID, func(sess *models.Session) error {
		if sess.State == models.SessionAwaitingHuman && sess.TicketID != ticketID {
			return invalidTransition(sess, models.SessionAwaitingHuman)
		}
		sess.State = models.SessionAwaitingHuman
		sess.TicketID = ticketID
		sess.OperatorID = ""
		sess.ConsecutiveFallbacks = 0
		return nil
	})
}

// MarkWithHuman binds the sender to an operator; only valid while awaiting
func (s *Store) MarkWithHuman(senderID, operatorID string) error {
	return s.update(senderID, func(sess *models.Session) error {
		if sess.State != models.SessionAwaitingHuman {
			return invalidTransition(sess, models.SessionWithHuman)
		}
		sess.State = models.SessionWithHuman
		sess.OperatorID = operatorID
		return nil
	})
}

// MarkAutomated releases the sender back to automated handling
func (s *Store) MarkAutomated(senderID string) error {
	return s.update(senderID, func(sess *models.Session) error {
		sess.State = models.SessionAutomated
		sess.OperatorID = ""
		sess.TicketID = ""
		return nil
	})
}

// RecordFallback increments the consecutive fallback counter and returns it
func (s *Store) RecordFallback(senderID string) int {
	var n int
	s.update(senderID, func(sess *models.Session) error {
		sess.ConsecutiveFallbacks++
		n = sess.ConsecutiveFallbacks
		return nil
	})
	return n
}

// ResetFallbacks clears the counter; a missing session already has none
func (s *Store) ResetFallbacks(senderID string) {
	s.updateExisting(senderID, func(sess *models.Session) {
		sess.ConsecutiveFallbacks = 0
	})
}

// AppendTurn adds one history entry, keeping the most recent MaxHistoryTurns
func (s *Store) AppendTurn(senderID, role, content string) {
	s.update(senderID, func(sess *models.Session) error {
		sess.History = append(sess.History, models.Turn{Role: role, Content: content})
		if extra := len(sess.History) - constants.MaxHistoryTurns; extra > 0 {
			sess.History = append([]models.Turn(nil), sess.History[extra:]...)
		}
		return nil
	})
}

// Sweep drops idle automated sessions. Sessions held by the handoff queue
// stay until the queue releases them.
func (s *Store) Sweep(now time.Time) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, sess := range sh.sessions {
			if s.expired(sess, now) {
				delete(sh.sessions, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		s.logger.WithField("removed_count", removed).Debug("Swept idle sessions")
	}
	return removed
}

func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.sessions)
		sh.mu.Unlock()
	}
	return n
}

func (s *Store) update(senderID string, fn func(*models.Session) error) error {
	sh := s.shard(senderID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	sess, ok := sh.sessions[senderID]
	if !ok || s.expired(sess, now) {
		sess = &models.Session{SenderID: senderID, State: models.SessionAutomated}
	}
	if err := fn(sess); err != nil {
		return err
	}
	sess.LastActivity = now
	sh.sessions[senderID] = sess
	return nil
}

// updateExisting applies fn to a live session and reports whether one existed
func (s *Store) updateExisting(senderID string, fn func(*models.Session)) bool {
	sh := s.shard(senderID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	sess, ok := sh.sessions[senderID]
	if !ok {
		return false
	}
	if s.expired(sess, now) {
		delete(sh.sessions, senderID)
		return false
	}
	fn(sess)
	sess.LastActivity = now
	return true
}

func (s *Store) expired(sess *models.Session, now time.Time) bool {
	return s.idleTimeout > 0 && !sess.InHandoff() && now.Sub(sess.LastActivity) >= s.idleTimeout
}

func snapshot(sess *models.Session) models.Session {
	out := *sess
	out.History = append([]models.Turn(nil), sess.History...)
	return out
}

func invalidTransition(sess *models.Session, to models.SessionState) error {
	return apperr.New(apperr.InvalidTransition, "session",
		fmt.Errorf("sender %s: %s -> %s", sess.SenderID, sess.State, to))
}
