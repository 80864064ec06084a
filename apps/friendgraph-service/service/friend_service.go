package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"goim-friendgraph/apps/friendgraph-service/cache"
	"goim-friendgraph/apps/friendgraph-service/dao"
	"goim-friendgraph/apps/friendgraph-service/model"
	"goim-friendgraph/pkg/logger"
	"goim-friendgraph/pkg/telemetry"
)

// FriendGraphService 好友关系与互动写入，关系库为准，缓存失败进入死信队列
type FriendGraphService struct {
	source    dao.GraphSourceDAO
	store     cache.GraphStore
	dlq       dao.DLQDAO
	scoreStep int
	logger    logger.Logger
}

// NewFriendGraphService 创建服务实例
func NewFriendGraphService(source dao.GraphSourceDAO, store cache.GraphStore, dlq dao.DLQDAO, scoreStep int, log logger.Logger) *FriendGraphService {
	if scoreStep <= 0 {
		scoreStep = model.DefaultScoreStep
	}
	return &FriendGraphService{
		source:    source,
		store:     store,
		dlq:       dlq,
		scoreStep: scoreStep,
		logger:    log,
	}
}

func validEdge(memberID, friendID int64) error {
	if memberID <= 0 || friendID <= 0 {
		return model.ErrInvalidMember
	}
	if memberID == friendID {
		return model.ErrSelfLoop
	}
	return nil
}

// AddFriendship 建立好友关系
func (s *FriendGraphService) AddFriendship(ctx context.Context, memberID, friendID int64) (*model.Friendship, error) {
	ctx, span := telemetry.StartSpan(ctx, "friendgraph.AddFriendship")
	defer span.End()
	span.SetAttributes(attribute.Int64("member_id", memberID), attribute.Int64("friend_id", friendID))

	if err := validEdge(memberID, friendID); err != nil {
		return nil, err
	}

	friendship, err := s.source.CreateFriendship(ctx, memberID, friendID)
	if err != nil {
		return nil, fmt.Errorf("create friendship: %w", err)
	}

	if err := s.store.AddFriend(ctx, memberID, friendID); err != nil {
		s.deferMutations(ctx, err, model.FriendAdd(memberID, friendID))
	}
	return friendship, nil
}

// RemoveFriendship 解除好友关系
func (s *FriendGraphService) RemoveFriendship(ctx context.Context, memberID, friendID int64) error {
	ctx, span := telemetry.StartSpan(ctx, "friendgraph.RemoveFriendship")
	defer span.End()
	span.SetAttributes(attribute.Int64("member_id", memberID), attribute.Int64("friend_id", friendID))

	if err := validEdge(memberID, friendID); err != nil {
		return err
	}

	deleted, err := s.source.DeleteFriendship(ctx, memberID, friendID)
	if err != nil {
		return fmt.Errorf("delete friendship: %w", err)
	}
	if !deleted {
		return model.ErrNotFriends
	}

	if err := s.store.DeleteFriend(ctx, memberID, friendID); err != nil {
		s.deferMutations(ctx, err, model.FriendRemove(memberID, friendID))
	}
	return nil
}

// RecordInteraction 记录 actor 对 owner 的一次互动，eventID 为空时生成
// 匿名或自我互动返回 false
func (s *FriendGraphService) RecordInteraction(ctx context.Context, eventID string, actorID, ownerID int64) (bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "friendgraph.RecordInteraction")
	defer span.End()

	if actorID == 0 || ownerID == 0 || actorID == ownerID {
		return false, nil
	}
	if actorID < 0 || ownerID < 0 {
		return false, model.ErrInvalidMember
	}
	if eventID == "" {
		eventID = uuid.NewString()
	}
	span.SetAttributes(attribute.String("event_id", eventID))

	_, applied, err := s.store.AddInteractionScoreOnce(ctx, eventID, actorID, ownerID, s.scoreStep)
	if err != nil {
		s.deferMutations(ctx, err, model.ScoreUp(eventID, actorID, ownerID, s.scoreStep))
		return true, nil
	}
	if !applied {
		s.logger.Debug(ctx, "Duplicate interaction event ignored", logger.F("eventID", eventID))
	}
	return applied, nil
}

// WithdrawMember 注销成员：删除全部好友边并清理缓存，返回原好友列表
func (s *FriendGraphService) WithdrawMember(ctx context.Context, memberID int64) ([]int64, error) {
	ctx, span := telemetry.StartSpan(ctx, "friendgraph.WithdrawMember")
	defer span.End()
	span.SetAttributes(attribute.Int64("member_id", memberID))

	if memberID <= 0 {
		return nil, model.ErrInvalidMember
	}

	former, err := s.source.DeleteAllForMember(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("delete friendships of %d: %w", memberID, err)
	}

	if err := s.store.DeleteAllForWithdrawnMember(ctx, memberID); err != nil {
		mutations := make([]model.CacheMutation, 0, len(former))
		for _, friendID := range former {
			mutations = append(mutations, model.FriendRemove(memberID, friendID))
		}
		s.deferMutations(ctx, err, mutations...)
	}

	if err := s.store.DeleteForWithdrawnMember(ctx, memberID); err != nil {
		s.deferMutations(ctx, err, model.ScoreScrub(memberID))
	}

	s.logger.Info(ctx, "Member withdrawn from friend graph", logger.F("memberID", memberID), logger.F("formerFriends", len(former)))
	return former, nil
}

// GetFriends 先读缓存，未命中或出错时读关系库
func (s *FriendGraphService) GetFriends(ctx context.Context, memberID int64) ([]int64, error) {
	ctx, span := telemetry.StartSpan(ctx, "friendgraph.GetFriends")
	defer span.End()

	if memberID <= 0 {
		return nil, model.ErrInvalidMember
	}

	friends, err := s.store.GetFriends(ctx, memberID)
	if err != nil {
		s.logger.Warn(ctx, "Read friends from cache failed", logger.F("memberID", memberID), logger.Err(err))
	}
	if err == nil && len(friends) > 0 {
		return friends, nil
	}

	friends, err = s.source.ListFriendIDs(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("list friends of %d: %w", memberID, err)
	}
	return friends, nil
}

// deferMutations 缓存写失败时落库，不向调用方返回错误
func (s *FriendGraphService) deferMutations(ctx context.Context, cause error, mutations ...model.CacheMutation) {
	if len(mutations) == 0 {
		return
	}
	cacheWriteFailuresTotal.WithLabelValues(mutations[0].Kind).Add(float64(len(mutations)))

	events := make([]*model.CacheMutationEvent, 0, len(mutations))
	for _, m := range mutations {
		events = append(events, model.NewCacheMutationEvent(m, cause))
	}

	// 请求已取消也要落库
	ctx = context.WithoutCancel(ctx)
	if err := s.dlq.Enqueue(ctx, events...); err != nil {
		s.logger.Error(ctx, "Enqueue cache mutations failed, cache may drift until rebuild",
			logger.F("kind", mutations[0].Kind),
			logger.F("count", len(mutations)),
			logger.F("cause", cause.Error()),
			logger.Err(err))
		return
	}
	dlqEventsTotal.WithLabelValues("enqueued").Add(float64(len(events)))
	s.logger.Warn(ctx, "Cache write failed, mutations queued for replay",
		logger.F("kind", mutations[0].Kind),
		logger.F("count", len(events)),
		logger.Err(cause))
}
