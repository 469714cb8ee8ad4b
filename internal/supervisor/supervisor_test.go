package supervisor

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantfeed/market-crawler/internal/broker"
	"github.com/quantfeed/market-crawler/internal/task"
)

type fakeExecutor struct {
	mu         sync.Mutex
	concurrent int32
	peak       int32
	delay      time.Duration
	results    map[string]task.Result
}

func (f *fakeExecutor) Execute(ctx context.Context, t task.Task) task.Result {
	cur := atomic.AddInt32(&f.concurrent, 1)
	defer atomic.AddInt32(&f.concurrent, -1)
	for {
		peak := atomic.LoadInt32(&f.peak)
		if cur <= peak || atomic.CompareAndSwapInt32(&f.peak, peak, cur) {
			break
		}
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return task.Result{TaskID: t.TaskID, ErrorKind: task.ErrCancelled}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.results[t.TaskID]; ok {
		r.TaskID = t.TaskID
		return r
	}
	return task.Result{TaskID: t.TaskID, Success: true}
}

func delivery(id string) broker.Delivery {
	return broker.Delivery{
		Queue:     "crawler_realtime_normal",
		MessageID: "1-" + id,
		Task: task.Task{
			TaskID: id,
			Type:   task.Type1mRealtime,
			Market: task.MarketCN,
			Symbol: "SH600000",
		},
	}
}

func TestRunExecutesAndForwardsOutcomes(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{results: map[string]task.Result{
		"bad": {ErrorKind: task.ErrHTTP5xx},
	}}
	s := New(zap.NewNop(), exec, "w1", task.TierNormal, 4)

	deliveries := make(chan broker.Delivery, 2)
	outcomes := make(chan broker.Outcome, 2)
	deliveries <- delivery("good")
	deliveries <- delivery("bad")
	close(deliveries)

	s.Run(context.Background(), deliveries, outcomes)

	var got []broker.Outcome
	for o := range outcomes {
		got = append(got, o)
	}
	require.Len(t, got, 2)

	stats := s.Snapshot()
	require.Equal(t, StateStopped, stats.State)
	require.Equal(t, uint64(2), stats.ProcessedTasks)
	require.Equal(t, uint64(1), stats.FailedTasks)
	require.Zero(t, stats.ActiveTasks)
}

func TestRunBoundsConcurrency(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{delay: 30 * time.Millisecond}
	s := New(zap.NewNop(), exec, "w1", task.TierNormal, 2)

	deliveries := make(chan broker.Delivery, 8)
	outcomes := make(chan broker.Outcome, 8)
	for i := 0; i < 8; i++ {
		deliveries <- delivery(string(rune('a' + i)))
	}
	close(deliveries)

	s.Run(context.Background(), deliveries, outcomes)
	require.LessOrEqual(t, atomic.LoadInt32(&exec.peak), int32(2))
}

func TestRunDrainWaitsForInflight(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{delay: 50 * time.Millisecond}
	s := New(zap.NewNop(), exec, "w1", task.TierNormal, 2)

	deliveries := make(chan broker.Delivery, 1)
	outcomes := make(chan broker.Outcome, 4)
	deliveries <- delivery("slow")

	done := make(chan struct{})
	go func() {
		s.Run(context.Background(), deliveries, outcomes)
		close(done)
	}()

	require.Eventually(t, func() bool { return s.Snapshot().ActiveTasks == 1 }, time.Second, 5*time.Millisecond)
	close(deliveries)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("supervisor did not drain")
	}

	// The in-flight task finished before the outcomes channel closed.
	o, open := <-outcomes
	require.True(t, open)
	require.Equal(t, "slow", o.Result.TaskID)
	_, open = <-outcomes
	require.False(t, open)
}

func TestRunForcedDrainCancelsTasks(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{delay: 10 * time.Second}
	s := New(zap.NewNop(), exec, "w1", task.TierNormal, 1)

	taskCtx, cancelTasks := context.WithCancel(context.Background())
	deliveries := make(chan broker.Delivery, 1)
	outcomes := make(chan broker.Outcome, 1)
	deliveries <- delivery("stuck")

	done := make(chan struct{})
	go func() {
		s.Run(taskCtx, deliveries, outcomes)
		close(done)
	}()

	require.Eventually(t, func() bool { return s.Snapshot().ActiveTasks == 1 }, time.Second, 5*time.Millisecond)
	close(deliveries)
	cancelTasks()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("forced drain did not unblock the supervisor")
	}

	o := <-outcomes
	require.Equal(t, task.ErrCancelled, o.Result.ErrorKind)
	require.False(t, o.Result.Terminal())
}

func TestActiveTasks(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{delay: 100 * time.Millisecond}
	s := New(zap.NewNop(), exec, "w1", task.TierNormal, 2)

	deliveries := make(chan broker.Delivery, 1)
	outcomes := make(chan broker.Outcome, 4)
	deliveries <- delivery("visible")

	go s.Run(context.Background(), deliveries, outcomes)

	require.Eventually(t, func() bool {
		active := s.ActiveTasks()
		return len(active) == 1 && active[0].TaskID == "visible" &&
			active[0].Queue == "crawler_realtime_normal"
	}, time.Second, 5*time.Millisecond)
	close(deliveries)
}

type fakeSetter struct {
	mu   sync.Mutex
	sets map[string][]string
}

func (f *fakeSetter) Set(_ context.Context, key, value string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sets == nil {
		f.sets = make(map[string][]string)
	}
	f.sets[key] = append(f.sets[key], value)
	return nil
}

func TestRegisterLoopPublishesRegistryKeys(t *testing.T) {
	t.Parallel()

	s := New(zap.NewNop(), &fakeExecutor{}, "w9", task.TierHigh, 1)
	setter := &fakeSetter{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.RegisterLoop(ctx, setter, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		setter.mu.Lock()
		defer setter.mu.Unlock()
		return len(setter.sets["worker:w9"]) >= 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	setter.mu.Lock()
	defer setter.mu.Unlock()
	require.Equal(t, "HIGH", setter.sets["worker:w9"][0])

	var stats Stats
	require.NoError(t, json.Unmarshal([]byte(setter.sets["worker_status:w9"][0]), &stats))
	require.Equal(t, "w9", stats.WorkerID)
	require.Equal(t, "HIGH", stats.Tier)
}
