package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-dispatch/pkg/metrics"
	"chat-dispatch/pkg/redis/redistest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 8, 5, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(limit int, window time.Duration, clock *fakeClock) *MemoryLimiter {
	l := NewMemoryLimiter(Config{Limit: limit, Window: window, Retention: 10 * time.Minute})
	l.now = clock.Now
	return l
}

func TestMemoryLimiter_AdmitsUpToLimit(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(5, time.Minute, clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := l.Admit(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "attempt %d", i)
		assert.Equal(t, 4-i, d.Remaining)
		clock.Advance(time.Second)
	}

	d, err := l.Admit(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	// oldest admission was at t=0, now is t=5s
	assert.Equal(t, 55*time.Second, d.RetryAfter)
}

func TestMemoryLimiter_WindowSlides(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(2, 10*time.Second, clock)
	ctx := context.Background()

	d, _ := l.Admit(ctx, "u1")
	assert.True(t, d.Allowed)
	clock.Advance(6 * time.Second)
	d, _ = l.Admit(ctx, "u1")
	assert.True(t, d.Allowed)
	d, _ = l.Admit(ctx, "u1")
	assert.False(t, d.Allowed)

	// first admission leaves the window, the second is still inside it
	clock.Advance(4 * time.Second)
	d, _ = l.Admit(ctx, "u1")
	assert.True(t, d.Allowed)
	d, _ = l.Admit(ctx, "u1")
	assert.False(t, d.Allowed)
	assert.Equal(t, 6*time.Second, d.RetryAfter)

	// whole window elapsed
	clock.Advance(time.Minute)
	d, _ = l.Admit(ctx, "u1")
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
}

func TestMemoryLimiter_SendersAreIndependent(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(1, time.Minute, clock)
	ctx := context.Background()

	d, _ := l.Admit(ctx, "u1")
	assert.True(t, d.Allowed)
	d, _ = l.Admit(ctx, "u1")
	assert.False(t, d.Allowed)

	d, _ = l.Admit(ctx, "u2")
	assert.True(t, d.Allowed)
}

func TestMemoryLimiter_ConcurrentBurstCannotBypassLimit(t *testing.T) {
	clock := newFakeClock()
	const limit = 5
	l := newTestLimiter(limit, time.Minute, clock)
	ctx := context.Background()

	senders := []string{"u1", "u2", "u3", "u4"}
	admitted := make(map[string]*int64)
	for _, s := range senders {
		admitted[s] = new(int64)
	}

	var wg sync.WaitGroup
	for i := 0; i < 400; i++ {
		sender := senders[i%len(senders)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Admit(ctx, sender)
			if err == nil && d.Allowed {
				atomic.AddInt64(admitted[sender], 1)
			}
		}()
	}
	wg.Wait()

	for _, s := range senders {
		assert.Equal(t, int64(limit), atomic.LoadInt64(admitted[s]), s)
	}
}

func TestMemoryLimiter_RollingWindowProperty(t *testing.T) {
	const (
		limit  = 5
		window = 10 * time.Second
	)
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 20; run++ {
		clock := newFakeClock()
		l := newTestLimiter(limit, window, clock)
		ctx := context.Background()
		var admittedAt []time.Time

		for i := 0; i < 300; i++ {
			clock.Advance(time.Duration(rng.Intn(1500)) * time.Millisecond)
			if d, _ := l.Admit(ctx, "u1"); d.Allowed {
				admittedAt = append(admittedAt, clock.Now())
			}
		}

		sort.Slice(admittedAt, func(i, j int) bool { return admittedAt[i].Before(admittedAt[j]) })
		for i := range admittedAt {
			inWindow := 0
			for j := i; j < len(admittedAt) && admittedAt[j].Sub(admittedAt[i]) < window; j++ {
				inWindow++
			}
			require.LessOrEqual(t, inWindow, limit, fmt.Sprintf("run %d window starting %s", run, admittedAt[i]))
		}
	}
}

func TestMemoryLimiter_EvictIdle(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(3, time.Minute, clock)
	ctx := context.Background()

	_, _ = l.Admit(ctx, "old")
	clock.Advance(9 * time.Minute)
	_, _ = l.Admit(ctx, "recent")
	clock.Advance(2 * time.Minute)

	assert.Equal(t, 2, l.Len())
	assert.Equal(t, 1, l.EvictIdle(clock.Now()))
	assert.Equal(t, 1, l.Len())

	// an evicted sender starts with a fresh window
	d, _ := l.Admit(ctx, "old")
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)
}

func TestSenderKey(t *testing.T) {
	assert.Equal(t, "user:abc", SenderKey("abc"))
	assert.Equal(t, "user:abc", Config{}.key("abc"))
	assert.Equal(t, "ip:10.0.0.1", Config{Scope: ScopeIP}.key("10.0.0.1"))
}

func TestRedisLimiter_Admit(t *testing.T) {
	rdb := redistest.Client(t, 3)
	clock := newFakeClock()
	l := NewRedisLimiter(rdb, Config{Limit: 3, Window: time.Minute}, metrics.NewMetrics(prometheus.NewRegistry()))
	l.now = clock.Now
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Admit(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 2-i, d.Remaining)
		clock.Advance(time.Second)
	}

	d, err := l.Admit(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 57*time.Second, d.RetryAfter)

	clock.Advance(time.Minute)
	d, err = l.Admit(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
