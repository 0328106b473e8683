package events

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-dispatch/pkg/metrics"
	"chat-dispatch/pkg/redis/redistest"
)

func TestLeaderElection_SingleLeader(t *testing.T) {
	rdb := redistest.Client(t, 5)
	ctx := context.Background()
	m := metrics.NewMetrics(prometheus.NewRegistry())

	podA := NewLeaderElection(rdb, "test:leader", "pod-a", time.Second, testLogger(), m)
	podB := NewLeaderElection(rdb, "test:leader", "pod-b", time.Second, testLogger(), m)

	assert.True(t, podA.TryBecomeLeader(ctx))
	assert.False(t, podB.TryBecomeLeader(ctx))
	assert.True(t, podA.TryBecomeLeader(ctx), "the leader renews its own key")

	ttl, err := rdb.PTTL(ctx, "test:leader").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	podA.resign(ctx)
	assert.False(t, podA.IsLeader())
	assert.True(t, podB.TryBecomeLeader(ctx))

	holder, err := rdb.Get(ctx, "test:leader").Result()
	require.NoError(t, err)
	assert.Equal(t, "pod-b", holder)
}

func TestLeaderElection_StopResigns(t *testing.T) {
	rdb := redistest.Client(t, 5)
	ctx := context.Background()

	le := NewLeaderElection(rdb, "test:leader", "pod-a", time.Second, testLogger(), nil)
	le.Start(ctx)
	require.True(t, le.IsLeader())

	le.Stop()
	assert.False(t, le.IsLeader())

	exists, err := rdb.Exists(ctx, "test:leader").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists)
}
