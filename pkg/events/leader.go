package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"chat-dispatch/pkg/metrics"
)

const renewScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	else
		return 0
	end
`

const resignScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`

// LeaderElection elects one pod to reclaim stalled handoff events, so dead
// consumers' messages are not claimed by every pod at once.
type LeaderElection struct {
	rdb      *redis.Client
	key      string
	podID    string
	ttl      time.Duration
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	isLeader atomic.Bool
	started  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewLeaderElection(rdb *redis.Client, key, podID string, ttl time.Duration, logger *logrus.Logger, m *metrics.Metrics) *LeaderElection {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &LeaderElection{
		rdb:     rdb,
		key:     key,
		podID:   podID,
		ttl:     ttl,
		logger:  logger,
		metrics: m,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (le *LeaderElection) Start(ctx context.Context) {
	le.logger.WithField("key", le.key).Info("Starting leader election process")

	le.started.Store(true)
	le.TryBecomeLeader(ctx)
	go le.leaderElectionLoop(ctx)
}

// Stop ends the loop and gives up leadership so another pod can take over
func (le *LeaderElection) Stop() {
	le.stopOnce.Do(func() { close(le.stopCh) })
	if le.started.Load() {
		<-le.done
	}
	if le.isLeader.Load() {
		le.resign(context.Background())
	}
}

func (le *LeaderElection) IsLeader() bool {
	return le.isLeader.Load()
}

func (le *LeaderElection) leaderElectionLoop(ctx context.Context) {
	defer close(le.done)
	// renew well before the key expires
	ticker := time.NewTicker(le.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-le.stopCh:
			return
		case <-ticker.C:
			le.TryBecomeLeader(ctx)
		}
	}
}

// TryBecomeLeader acquires or renews the leader key and reports the result
func (le *LeaderElection) TryBecomeLeader(ctx context.Context) bool {
	ok, err := le.rdb.SetNX(ctx, le.key, le.podID, le.ttl).Result()
	if err != nil {
		le.logger.WithError(err).Error("Failed to attempt leader election")
		le.setLeader(false)
		return false
	}
	if ok {
		le.setLeader(true)
		return true
	}

	renewed, err := le.rdb.Eval(ctx, renewScript, []string{le.key}, le.podID, le.ttl.Milliseconds()).Int64()
	if err != nil {
		le.logger.WithError(err).Error("Failed to renew leadership")
		le.setLeader(false)
		return false
	}
	le.setLeader(renewed == 1)
	return renewed == 1
}

func (le *LeaderElection) setLeader(leader bool) {
	if le.isLeader.Swap(leader) == leader {
		return
	}
	if le.metrics != nil {
		le.metrics.LeaderChanges.Inc()
	}
	if leader {
		le.logger.WithField("pod_id", le.podID).Info("Became handoff recovery leader")
	} else {
		le.logger.WithField("pod_id", le.podID).Info("Lost handoff recovery leadership")
	}
}

func (le *LeaderElection) resign(ctx context.Context) {
	if err := le.rdb.Eval(ctx, resignScript, []string{le.key}, le.podID).Err(); err != nil {
		le.logger.WithError(err).Error("Failed to resign leadership")
	} else {
		le.logger.Info("Resigned leadership")
	}
	le.isLeader.Store(false)
}
