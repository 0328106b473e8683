package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 64

// MemoryLimiter keeps one window per sender. Each window has its own lock, so
// checks for the same sender serialize while different senders only share a
// shard lock long enough to find their entry.
type MemoryLimiter struct {
	cfg    Config
	shards [shardCount]*limiterShard
	now    func() time.Time
}

type limiterShard struct {
	mu      sync.Mutex
	entries map[string]*window
}

// window records the last Limit admission times as a ring; when full, next
// points at the oldest admission.
type window struct {
	mu       sync.Mutex
	times    []time.Time
	next     int
	lastSeen time.Time
	evicted  bool
}

func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	if cfg.Limit <= 0 {
		cfg.Limit = 1
	}
	if cfg.Retention < cfg.Window {
		cfg.Retention = cfg.Window
	}
	l := &MemoryLimiter{cfg: cfg, now: time.Now}
	for i := range l.shards {
		l.shards[i] = &limiterShard{entries: make(map[string]*window)}
	}
	return l
}

func (l *MemoryLimiter) Admit(_ context.Context, id string) (Decision, error) {
	key := l.cfg.key(id)
	for {
		w := l.entry(key)
		w.mu.Lock()
		if w.evicted {
			// lost a race with EvictIdle; the shard now holds a fresh entry
			w.mu.Unlock()
			continue
		}
		d := w.admit(l.now(), l.cfg.Limit, l.cfg.Window)
		w.mu.Unlock()
		return d, nil
	}
}

func (l *MemoryLimiter) entry(key string) *window {
	s := l.shards[xxhash.Sum64String(key)%shardCount]
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.entries[key]
	if !ok {
		w = &window{times: make([]time.Time, 0, l.cfg.Limit)}
		s.entries[key] = w
	}
	return w
}

func (w *window) admit(now time.Time, limit int, size time.Duration) Decision {
	w.lastSeen = now

	if len(w.times) > 0 && now.Sub(w.newest()) >= size {
		// whole window elapsed
		w.times = w.times[:0]
		w.next = 0
	}

	if len(w.times) < limit {
		w.times = append(w.times, now)
		w.next = len(w.times) % limit
		return Decision{Allowed: true, Remaining: limit - w.within(now, size)}
	}

	oldest := w.times[w.next]
	if now.Sub(oldest) < size {
		return Decision{Allowed: false, RetryAfter: oldest.Add(size).Sub(now)}
	}
	w.times[w.next] = now
	w.next = (w.next + 1) % limit
	return Decision{Allowed: true, Remaining: limit - w.within(now, size)}
}

func (w *window) newest() time.Time {
	if len(w.times) < cap(w.times) || w.next == 0 {
		return w.times[len(w.times)-1]
	}
	return w.times[w.next-1]
}

func (w *window) within(now time.Time, size time.Duration) int {
	n := 0
	for _, t := range w.times {
		if now.Sub(t) < size {
			n++
		}
	}
	return n
}

// EvictIdle drops sender entries not seen within the retention horizon and
// returns how many were removed.
func (l *MemoryLimiter) EvictIdle(now time.Time) int {
	removed := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for key, w := range s.entries {
			w.mu.Lock()
			if now.Sub(w.lastSeen) >= l.cfg.Retention {
				w.evicted = true
				delete(s.entries, key)
				removed++
			}
			w.mu.Unlock()
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked senders
func (l *MemoryLimiter) Len() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
