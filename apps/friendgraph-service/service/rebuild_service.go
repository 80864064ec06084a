package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"goim-friendgraph/apps/friendgraph-service/cache"
	"goim-friendgraph/apps/friendgraph-service/dao"
	"goim-friendgraph/apps/friendgraph-service/model"
	"goim-friendgraph/pkg/logger"
	"goim-friendgraph/pkg/telemetry"
)

// RebuildOptions 重建参数
type RebuildOptions struct {
	Resume    bool `json:"resume"`
	Flush     bool `json:"flush"`
	ChunkSize int  `json:"chunk_size"`
}

type interactionChunkReader func(ctx context.Context, afterDriveID, afterJoinID int64, size int) ([]model.InteractionPair, error)

// RebuildService 从关系库分块重建缓存
type RebuildService struct {
	source    dao.GraphSourceDAO
	store     cache.GraphStore
	logger    logger.Logger
	chunkSize int
	scoreStep int
	group     singleflight.Group
	now       func() time.Time
}

// NewRebuildService 创建重建服务
func NewRebuildService(source dao.GraphSourceDAO, store cache.GraphStore, chunkSize, scoreStep int, log logger.Logger) *RebuildService {
	if chunkSize <= 0 {
		chunkSize = model.DefaultChunkSize
	}
	if scoreStep <= 0 {
		scoreStep = model.DefaultScoreStep
	}
	return &RebuildService{
		source:    source,
		store:     store,
		logger:    log,
		chunkSize: chunkSize,
		scoreStep: scoreStep,
		now:       time.Now,
	}
}

// Rebuild 执行重建，并发触发合并为同一次执行
func (s *RebuildService) Rebuild(ctx context.Context, opts RebuildOptions) (*model.RebuildReport, error) {
	v, err, shared := s.group.Do(model.RebuildCheckpointName, func() (interface{}, error) {
		return s.run(ctx, opts)
	})
	if shared {
		s.logger.Info(ctx, "Rebuild already running, joined existing run")
	}
	report, _ := v.(*model.RebuildReport)
	return report, err
}

func (s *RebuildService) run(ctx context.Context, opts RebuildOptions) (*model.RebuildReport, error) {
	ctx, span := telemetry.StartSpan(ctx, "friendgraph.Rebuild")
	defer span.End()

	size := opts.ChunkSize
	if size <= 0 {
		size = s.chunkSize
	}

	report := &model.RebuildReport{
		Rows:      make(map[string]int64, len(model.RebuildPhases)),
		StartedAt: s.now(),
	}
	cp := &model.RebuildCheckpoint{
		Name:  model.RebuildCheckpointName,
		RunID: uuid.NewString(),
		Phase: model.PhaseFriendships,
	}

	if opts.Resume {
		saved, err := s.source.LoadCheckpoint(ctx, model.RebuildCheckpointName)
		if err != nil {
			return nil, fmt.Errorf("load checkpoint: %w", err)
		}
		if saved != nil && saved.Phase != model.PhaseDone {
			if saved.RunID == "" {
				saved.RunID = cp.RunID
			}
			cp = saved
			report.Resumed = true
		}
	}

	if opts.Flush {
		if report.Resumed {
			// 续跑时清空会丢掉已重建的分块
			s.logger.Warn(ctx, "Flush ignored when resuming from checkpoint", logger.F("phase", cp.Phase))
		} else {
			n, err := s.store.Flush(ctx)
			if err != nil {
				return nil, fmt.Errorf("flush cache: %w", err)
			}
			report.Flushed = true
			s.logger.Info(ctx, "Cache flushed before rebuild", logger.F("keys", n))
		}
	}

	// 互动分是累加值，全新一次重建必须从零重算，否则会叠加在在线写入之上
	if !report.Resumed {
		if !report.Flushed {
			n, err := s.store.ResetScores(ctx)
			if err != nil {
				return nil, fmt.Errorf("reset scores: %w", err)
			}
			s.logger.Info(ctx, "Interaction scores reset before rebuild", logger.F("keys", n))
		}
		report.ScoresReset = true
	}

	s.logger.Info(ctx, "Rebuild started",
		logger.F("runID", cp.RunID),
		logger.F("resumed", report.Resumed),
		logger.F("phase", cp.Phase),
		logger.F("afterDriveID", cp.AfterDriveID),
		logger.F("afterJoinID", cp.AfterJoinID),
		logger.F("chunkSize", size))

	started := false
	for _, phase := range model.RebuildPhases {
		if !started {
			if phase != cp.Phase {
				continue
			}
			started = true
		} else {
			cp.Phase = phase
			cp.AfterDriveID, cp.AfterJoinID = 0, 0
		}

		if err := s.runPhase(ctx, cp, size, report); err != nil {
			report.Checkpoint = *cp
			return report, fmt.Errorf("rebuild phase %s: %w", phase, err)
		}
	}
	if !started {
		return nil, fmt.Errorf("unknown checkpoint phase %q", cp.Phase)
	}

	cp.Phase = model.PhaseDone
	cp.AfterDriveID, cp.AfterJoinID = 0, 0
	if err := s.source.SaveCheckpoint(ctx, cp); err != nil {
		return report, fmt.Errorf("save final checkpoint: %w", err)
	}
	report.Checkpoint = *cp
	report.CompletedAt = s.now()

	s.logger.Info(ctx, "Rebuild completed",
		logger.F("rows", report.Rows),
		logger.F("chunks", report.Chunks),
		logger.F("elapsed", report.CompletedAt.Sub(report.StartedAt).String()))
	return report, nil
}

// runPhase 逐块读取并写入缓存，每块写完再保存检查点
func (s *RebuildService) runPhase(ctx context.Context, cp *model.RebuildCheckpoint, size int, report *model.RebuildReport) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var n int
		var err error
		if cp.Phase == model.PhaseFriendships {
			n, err = s.friendshipChunk(ctx, cp, size)
		} else {
			n, err = s.interactionChunk(ctx, cp, size)
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}

		if err := s.source.SaveCheckpoint(ctx, cp); err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		report.Rows[cp.Phase] += int64(n)
		report.Chunks++
		rebuildRowsTotal.WithLabelValues(cp.Phase).Add(float64(n))

		if n < size {
			return nil
		}
	}
}

func (s *RebuildService) friendshipChunk(ctx context.Context, cp *model.RebuildCheckpoint, size int) (int, error) {
	pairs, err := s.source.GetFriendshipPairsChunk(ctx, cp.AfterDriveID, size)
	if err != nil {
		return 0, fmt.Errorf("read friendships after %d: %w", cp.AfterDriveID, err)
	}
	if len(pairs) == 0 {
		return 0, nil
	}
	if err := s.store.AddFriendsBatch(ctx, pairs); err != nil {
		return 0, fmt.Errorf("write friendships chunk: %w", err)
	}
	cp.AfterDriveID = pairs[len(pairs)-1].EdgeID
	return len(pairs), nil
}

func (s *RebuildService) interactionChunk(ctx context.Context, cp *model.RebuildCheckpoint, size int) (int, error) {
	read, err := s.readerFor(cp.Phase)
	if err != nil {
		return 0, err
	}
	pairs, err := read(ctx, cp.AfterDriveID, cp.AfterJoinID, size)
	if err != nil {
		return 0, fmt.Errorf("read %s after (%d,%d): %w", cp.Phase, cp.AfterDriveID, cp.AfterJoinID, err)
	}
	if len(pairs) == 0 {
		return 0, nil
	}

	entries := make([]model.ScoreEntry, 0, len(pairs))
	for _, p := range pairs {
		entries = append(entries, model.ScoreEntry{
			EventID:       p.RebuildEventID(cp.RunID, cp.Phase),
			MemberID:      p.ActorID,
			CounterpartID: p.OwnerID,
			Increment:     s.scoreStep,
		})
	}
	if err := s.store.AddInteractionScoresBatch(ctx, entries); err != nil {
		return 0, fmt.Errorf("write %s chunk: %w", cp.Phase, err)
	}

	last := pairs[len(pairs)-1]
	cp.AfterDriveID, cp.AfterJoinID = last.DriveID, last.JoinID
	return len(pairs), nil
}

func (s *RebuildService) readerFor(phase string) (interactionChunkReader, error) {
	switch phase {
	case model.PhasePostLikes:
		return s.source.GetPostLikePairsChunk, nil
	case model.PhaseComments:
		return s.source.GetCommentPairsChunk, nil
	case model.PhaseCommentLikes:
		return s.source.GetCommentLikePairsChunk, nil
	}
	return nil, fmt.Errorf("no reader for phase %q", phase)
}

// Checkpoint 当前保存的进度
func (s *RebuildService) Checkpoint(ctx context.Context) (*model.RebuildCheckpoint, error) {
	return s.source.LoadCheckpoint(ctx, model.RebuildCheckpointName)
}
