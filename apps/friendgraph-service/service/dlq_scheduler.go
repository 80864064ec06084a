package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"goim-friendgraph/apps/friendgraph-service/cache"
	"goim-friendgraph/apps/friendgraph-service/dao"
	"goim-friendgraph/apps/friendgraph-service/model"
	"goim-friendgraph/pkg/config"
	"goim-friendgraph/pkg/logger"
	"goim-friendgraph/pkg/telemetry"
)

// ErrTickInProgress 上一轮重放尚未结束
var ErrTickInProgress = errors.New("dlq tick already in progress")

// SchedulerOptions 重放参数
type SchedulerOptions struct {
	MaxRetry          int
	BatchSize         int
	Interval          time.Duration
	MaxBatchesPerTick int // <=0 不限制
}

// SchedulerOptionsFromConfig .
func SchedulerOptionsFromConfig(c config.DLQConfig) SchedulerOptions {
	return SchedulerOptions{
		MaxRetry:          c.MaxRetry,
		BatchSize:         c.BatchSize,
		Interval:          c.Interval,
		MaxBatchesPerTick: c.MaxBatchesPerTick,
	}
}

// TickReport 一轮重放结果
type TickReport struct {
	Skipped   bool  `json:"skipped"`
	Batches   int   `json:"batches"`
	Fetched   int   `json:"fetched"`
	Processed int   `json:"processed"`
	Retried   int   `json:"retried"`
	Failed    int   `json:"failed"`
	Elapsed   int64 `json:"elapsed_ms"`
}

// FriendshipChecker 回查关系库中边是否仍存在
type FriendshipChecker interface {
	ExistingFriendships(ctx context.Context, pairs [][2]int64) (map[[2]int64]bool, error)
}

// DLQScheduler 周期重放死信事件，同一时刻只有一轮在跑
type DLQScheduler struct {
	replayer cache.MutationReplayer
	queue    dao.DLQDAO
	edges    FriendshipChecker
	notifier FailureNotifier
	logger   logger.Logger
	opts     SchedulerOptions
	now      func() time.Time

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDLQScheduler 创建调度器
func NewDLQScheduler(replayer cache.MutationReplayer, queue dao.DLQDAO, edges FriendshipChecker, notifier FailureNotifier, opts SchedulerOptions, log logger.Logger) *DLQScheduler {
	if opts.MaxRetry < 0 {
		opts.MaxRetry = model.DefaultMaxRetry
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = model.DefaultBatchSize
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	return &DLQScheduler{
		replayer: replayer,
		queue:    queue,
		edges:    edges,
		notifier: notifier,
		logger:   log,
		opts:     opts,
		now:      time.Now,
	}
}

// WithClock 替换时钟，测试使用
func (s *DLQScheduler) WithClock(now func() time.Time) *DLQScheduler {
	s.now = now
	return s
}

// RunOnce 执行一轮重放
func (s *DLQScheduler) RunOnce(ctx context.Context) (*TickReport, error) {
	return s.run(ctx, s.opts.MaxBatchesPerTick)
}

// Drain 不限批次地重放，直到本轮游标之后没有 PENDING 事件
func (s *DLQScheduler) Drain(ctx context.Context) (*TickReport, error) {
	return s.run(ctx, 0)
}

func (s *DLQScheduler) run(ctx context.Context, maxBatches int) (*TickReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrTickInProgress
	}
	defer s.running.Store(false)

	ctx, span := telemetry.StartSpan(ctx, "friendgraph.DLQTick")
	defer span.End()

	started := s.now()
	report := &TickReport{}
	defer func() {
		elapsed := s.now().Sub(started)
		report.Elapsed = elapsed.Milliseconds()
		dlqTickDuration.Observe(elapsed.Seconds())
	}()

	if err := s.replayer.Ping(ctx); err != nil {
		s.logger.Warn(ctx, "Cache unhealthy, skip dlq tick", logger.Err(err))
		report.Skipped = true
		return report, nil
	}

	var cursor model.DLQCursor
	for maxBatches <= 0 || report.Batches < maxBatches {
		events, err := s.queue.FetchPending(ctx, s.opts.MaxRetry, cursor, s.opts.BatchSize)
		if err != nil {
			return report, fmt.Errorf("fetch pending events: %w", err)
		}
		if len(events) == 0 {
			break
		}
		cursor = cursor.Advance(events[len(events)-1])
		report.Batches++
		report.Fetched += len(events)

		if err := s.replay(ctx, events, report); err != nil {
			return report, err
		}
		if len(events) < s.opts.BatchSize {
			break
		}
	}

	if report.Fetched > 0 {
		s.logger.Info(ctx, "DLQ tick finished",
			logger.F("batches", report.Batches),
			logger.F("processed", report.Processed),
			logger.F("retried", report.Retried),
			logger.F("failed", report.Failed))
	}
	return report, nil
}

// replay 先整批管道提交，失败后逐条重放
func (s *DLQScheduler) replay(ctx context.Context, events []*model.CacheMutationEvent, report *TickReport) error {
	mutations, err := s.reconcile(ctx, events)
	if err != nil {
		return err
	}

	batchErr := s.replayer.ApplyBatch(ctx, mutations)
	if batchErr == nil {
		ids := make([]int64, 0, len(events))
		for _, e := range events {
			ids = append(ids, e.ID)
		}
		if err := s.queue.MarkProcessed(ctx, ids); err != nil {
			return fmt.Errorf("mark processed: %w", err)
		}
		report.Processed += len(ids)
		dlqEventsTotal.WithLabelValues("processed").Add(float64(len(ids)))
		return nil
	}
	s.logger.Warn(ctx, "Batch replay failed, falling back to per event", logger.F("size", len(events)), logger.Err(batchErr))

	var processed []int64
	for i, e := range events {
		err := s.replayer.Apply(ctx, mutations[i])
		if err == nil {
			processed = append(processed, e.ID)
			continue
		}

		e.RetryCount++
		e.LastError = err.Error()
		if e.RetryCount > s.opts.MaxRetry {
			e.Status = model.EventStatusFailed
		}
		if err := s.queue.SaveRetry(ctx, e); err != nil {
			return fmt.Errorf("save retry of event %d: %w", e.ID, err)
		}

		if e.Status == model.EventStatusFailed {
			report.Failed++
			dlqEventsTotal.WithLabelValues("failed").Inc()
			s.notifier.NotifyFailed(ctx, model.DLQFailedNotice{
				EventID:    e.ID,
				Kind:       e.Kind,
				MemberID:   e.MemberID,
				TargetID:   e.TargetID,
				RetryCount: e.RetryCount,
				LastError:  e.LastError,
				FailedAt:   s.now(),
			})
		} else {
			report.Retried++
			dlqEventsTotal.WithLabelValues("retried").Inc()
		}
	}

	if len(processed) > 0 {
		if err := s.queue.MarkProcessed(ctx, processed); err != nil {
			return fmt.Errorf("mark processed: %w", err)
		}
		report.Processed += len(processed)
		dlqEventsTotal.WithLabelValues("processed").Add(float64(len(processed)))
	}
	return nil
}

// reconcile 好友边变更按关系库当前状态重放：边存在则补加，不存在则删除。
// 排队期间的直接写入可能已改变这条边，按事件原样重放会覆盖更新的结果。
func (s *DLQScheduler) reconcile(ctx context.Context, events []*model.CacheMutationEvent) ([]model.CacheMutation, error) {
	mutations := make([]model.CacheMutation, len(events))
	var pairs [][2]int64
	for i, e := range events {
		mutations[i] = e.Mutation()
		if mutations[i].IsFriendEdge() {
			pairs = append(pairs, [2]int64{e.MemberID, e.TargetID})
		}
	}
	if len(pairs) == 0 || s.edges == nil {
		return mutations, nil
	}

	existing, err := s.edges.ExistingFriendships(ctx, pairs)
	if err != nil {
		return nil, fmt.Errorf("check friendships before replay: %w", err)
	}
	for i, m := range mutations {
		if !m.IsFriendEdge() {
			continue
		}
		low, high := model.NormalizePair(m.MemberID, m.TargetID)
		kind := model.MutationFriendRemove
		if existing[[2]int64{low, high}] {
			kind = model.MutationFriendAdd
		}
		if kind != m.Kind {
			s.logger.Debug(ctx, "Stale friend mutation replaced by current state",
				logger.F("eventID", events[i].ID),
				logger.F("queued", m.Kind),
				logger.F("replayed", kind))
			mutations[i].Kind = kind
		}
	}
	return mutations, nil
}

// Start 启动周期任务
func (s *DLQScheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()

		s.logger.Info(ctx, "DLQ scheduler started", logger.F("interval", s.opts.Interval.String()))
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.RunOnce(ctx); err != nil {
					if errors.Is(err, ErrTickInProgress) {
						s.logger.Debug(ctx, "Previous dlq tick still running")
						continue
					}
					s.logger.Error(ctx, "DLQ tick failed", logger.Err(err))
				}
			}
		}
	}()
}

// Stop 停止周期任务并等待当前一轮结束
func (s *DLQScheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Stats 各状态事件数
func (s *DLQScheduler) Stats(ctx context.Context) (*model.DLQStats, error) {
	return s.queue.CountByStatus(ctx)
}

// ListFailed 分页列出终态失败事件
func (s *DLQScheduler) ListFailed(ctx context.Context, afterID int64, limit int) ([]*model.CacheMutationEvent, error) {
	if limit <= 0 || limit > model.MaxPageSize {
		limit = model.DefaultPageSize
	}
	return s.queue.ListFailed(ctx, afterID, limit)
}

// Requeue 把 FAILED 事件重置为 PENDING
func (s *DLQScheduler) Requeue(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := s.queue.Requeue(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("requeue events: %w", err)
	}
	s.logger.Info(ctx, "DLQ events requeued", logger.F("count", n))
	return n, nil
}
