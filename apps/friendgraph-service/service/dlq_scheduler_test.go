package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goim-friendgraph/apps/friendgraph-service/model"
	"goim-friendgraph/pkg/logger"
)

// fakeReplayer 按 TargetID 决定单条重放是否失败
type fakeReplayer struct {
	mu       sync.Mutex
	pingErr  error
	batchErr error
	failing  map[int64]bool
	applied  map[int64]int
	batches  int
	pingHook func()
}

func newFakeReplayer() *fakeReplayer {
	return &fakeReplayer{failing: map[int64]bool{}, applied: map[int64]int{}}
}

func (f *fakeReplayer) Ping(context.Context) error {
	if f.pingHook != nil {
		f.pingHook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeReplayer) ApplyBatch(_ context.Context, mutations []model.CacheMutation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++
	if f.batchErr != nil {
		return f.batchErr
	}
	for _, m := range mutations {
		f.applied[m.TargetID]++
	}
	return nil
}

func (f *fakeReplayer) Apply(_ context.Context, m model.CacheMutation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied[m.TargetID]++
	if f.failing[m.TargetID] {
		return errors.New("replay refused")
	}
	return nil
}

func (f *fakeReplayer) appliedCount(target int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applied[target]
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []model.DLQFailedNotice
}

func (n *recordingNotifier) NotifyFailed(_ context.Context, notice model.DLQFailedNotice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

func (n *recordingNotifier) all() []model.DLQFailedNotice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]model.DLQFailedNotice(nil), n.notices...)
}

func enqueueFriendAdds(t *testing.T, env *testEnv, targets ...int64) []*model.CacheMutationEvent {
	t.Helper()
	events := make([]*model.CacheMutationEvent, 0, len(targets))
	for _, target := range targets {
		events = append(events, model.NewCacheMutationEvent(model.FriendAdd(1, target), errors.New("down")))
	}
	require.NoError(t, env.dlq.Enqueue(context.Background(), events...))
	return events
}

func loadEvent(t *testing.T, env *testEnv, id int64) model.CacheMutationEvent {
	t.Helper()
	var e model.CacheMutationEvent
	require.NoError(t, env.db.GetDB().First(&e, id).Error)
	return e
}

func TestSchedulerBatchSuccess(t *testing.T) {
	env := newTestEnv(t)
	replayer := newFakeReplayer()
	events := enqueueFriendAdds(t, env, 2, 3, 4)

	sched := NewDLQScheduler(replayer, env.dlq, env.source, &recordingNotifier{}, SchedulerOptions{MaxRetry: 3, BatchSize: 10}, logger.NewNopLogger())
	report, err := sched.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, 1, report.Batches)
	assert.Equal(t, 1, replayer.batches)
	for _, e := range events {
		assert.Equal(t, model.EventStatusProcessed, loadEvent(t, env, e.ID).Status)
	}
}

func TestSchedulerPipelineThenFallback(t *testing.T) {
	env := newTestEnv(t)
	replayer := newFakeReplayer()
	replayer.batchErr = errors.New("pipeline aborted")
	replayer.failing[3] = true
	events := enqueueFriendAdds(t, env, 2, 3, 4)

	sched := NewDLQScheduler(replayer, env.dlq, env.source, &recordingNotifier{}, SchedulerOptions{MaxRetry: 3, BatchSize: 10}, logger.NewNopLogger())
	report, err := sched.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Fetched)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Retried)
	assert.Equal(t, 0, report.Failed)

	assert.Equal(t, model.EventStatusProcessed, loadEvent(t, env, events[0].ID).Status)
	assert.Equal(t, model.EventStatusProcessed, loadEvent(t, env, events[2].ID).Status)

	retried := loadEvent(t, env, events[1].ID)
	assert.Equal(t, model.EventStatusPending, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Equal(t, "replay refused", retried.LastError)
}

func TestSchedulerFailsExactlyAfterMaxRetry(t *testing.T) {
	env := newTestEnv(t)
	replayer := newFakeReplayer()
	replayer.batchErr = errors.New("pipeline aborted")
	replayer.failing[3] = true
	events := enqueueFriendAdds(t, env, 2, 3)

	notifier := &recordingNotifier{}
	fixed := time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC)
	sched := NewDLQScheduler(replayer, env.dlq, env.source, notifier, SchedulerOptions{MaxRetry: 2, BatchSize: 10}, logger.NewNopLogger()).
		WithClock(func() time.Time { return fixed })
	ctx := context.Background()

	// 第1、2次失败仍为PENDING
	for i := 1; i <= 2; i++ {
		_, err := sched.RunOnce(ctx)
		require.NoError(t, err)
		e := loadEvent(t, env, events[1].ID)
		assert.Equal(t, model.EventStatusPending, e.Status)
		assert.Equal(t, i, e.RetryCount)
		assert.Empty(t, notifier.all())
	}

	// 第 maxRetry+1 次失败进入FAILED
	report, err := sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	failed := loadEvent(t, env, events[1].ID)
	assert.Equal(t, model.EventStatusFailed, failed.Status)
	assert.Equal(t, 3, failed.RetryCount)

	notices := notifier.all()
	require.Len(t, notices, 1)
	assert.Equal(t, events[1].ID, notices[0].EventID)
	assert.Equal(t, 3, notices[0].RetryCount)
	assert.Equal(t, fixed, notices[0].FailedAt)

	// 之后既不再取出FAILED，也不会重放PROCESSED
	report, err = sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Fetched)
	assert.Equal(t, 1, replayer.appliedCount(2))
	assert.Equal(t, 3, replayer.appliedCount(3))

	stats, err := sched.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Processed)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(0), stats.Pending)

	// 人工放回后重新进入队列
	n, err := sched.Requeue(ctx, []int64{events[1].ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	requeued := loadEvent(t, env, events[1].ID)
	assert.Equal(t, model.EventStatusPending, requeued.Status)
	assert.Equal(t, 0, requeued.RetryCount)
}

func TestSchedulerSkipsUnhealthyTick(t *testing.T) {
	env := newTestEnv(t)
	replayer := newFakeReplayer()
	replayer.pingErr = errors.New("connection refused")
	events := enqueueFriendAdds(t, env, 2)

	sched := NewDLQScheduler(replayer, env.dlq, env.source, &recordingNotifier{}, SchedulerOptions{MaxRetry: 3, BatchSize: 10}, logger.NewNopLogger())
	report, err := sched.RunOnce(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Skipped)
	assert.Equal(t, 0, report.Fetched)
	assert.Equal(t, 0, replayer.batches)
	e := loadEvent(t, env, events[0].ID)
	assert.Equal(t, model.EventStatusPending, e.Status)
	assert.Equal(t, 0, e.RetryCount)
}

func TestSchedulerRejectsOverlappingTick(t *testing.T) {
	env := newTestEnv(t)
	replayer := newFakeReplayer()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	replayer.pingHook = func() {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	sched := NewDLQScheduler(replayer, env.dlq, env.source, &recordingNotifier{}, SchedulerOptions{MaxRetry: 3, BatchSize: 10}, logger.NewNopLogger())
	done := make(chan error, 1)
	go func() {
		_, err := sched.RunOnce(context.Background())
		done <- err
	}()

	<-entered
	_, err := sched.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrTickInProgress)

	close(release)
	require.NoError(t, <-done)

	_, err = sched.RunOnce(context.Background())
	assert.NoError(t, err)
}

func TestSchedulerBatchCapAndDrain(t *testing.T) {
	env := newTestEnv(t)
	replayer := newFakeReplayer()
	enqueueFriendAdds(t, env, 2, 3, 4, 5, 6)

	sched := NewDLQScheduler(replayer, env.dlq, env.source, &recordingNotifier{}, SchedulerOptions{MaxRetry: 3, BatchSize: 2, MaxBatchesPerTick: 1}, logger.NewNopLogger())
	ctx := context.Background()

	report, err := sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Batches)
	assert.Equal(t, 2, report.Processed)

	report, err = sched.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, 2, report.Batches)
	assert.Empty(t, env.pending(t))
}

func TestSchedulerRetriesEachEventOncePerTick(t *testing.T) {
	env := newTestEnv(t)
	replayer := newFakeReplayer()
	replayer.batchErr = errors.New("pipeline aborted")
	replayer.failing[2] = true
	replayer.failing[3] = true
	enqueueFriendAdds(t, env, 2, 3)

	sched := NewDLQScheduler(replayer, env.dlq, env.source, &recordingNotifier{}, SchedulerOptions{MaxRetry: 5, BatchSize: 1}, logger.NewNopLogger())
	report, err := sched.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Retried)
	assert.Equal(t, 1, replayer.appliedCount(2))
	assert.Equal(t, 1, replayer.appliedCount(3))
}

func TestSchedulerStartStop(t *testing.T) {
	env := newTestEnv(t)
	replayer := newFakeReplayer()
	enqueueFriendAdds(t, env, 2)

	sched := NewDLQScheduler(replayer, env.dlq, env.source, &recordingNotifier{}, SchedulerOptions{MaxRetry: 3, BatchSize: 10, Interval: 10 * time.Millisecond}, logger.NewNopLogger())
	sched.Start(context.Background())
	defer sched.Stop()

	require.Eventually(t, func() bool {
		return replayer.appliedCount(2) > 0
	}, 2*time.Second, 10*time.Millisecond)
}
