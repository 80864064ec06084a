package cache

import (
	"context"

	"goim-friendgraph/apps/friendgraph-service/model"
)

// FriendshipCacheStore 好友邻接缓存
type FriendshipCacheStore interface {
	GetFriends(ctx context.Context, memberID int64) ([]int64, error)
	GetFriendsBatch(ctx context.Context, memberIDs []int64) (map[int64][]int64, error)
	AddFriend(ctx context.Context, memberID, friendID int64) error
	DeleteFriend(ctx context.Context, memberID, friendID int64) error
	AddFriendsBatch(ctx context.Context, pairs []model.FriendshipPair) error
	DeleteAllForWithdrawnMember(ctx context.Context, memberID int64) error
}

// InteractionScoreStore 互动分缓存
type InteractionScoreStore interface {
	GetScoresBatch(ctx context.Context, memberID int64, targetIDs []int64) (map[int64]int, error)
	AddInteractionScore(ctx context.Context, memberID, counterpartID int64) (int, error)
	// AddInteractionScoreOnce 同一eventID只生效一次，applied=false表示重复事件
	AddInteractionScoreOnce(ctx context.Context, eventID string, memberID, counterpartID int64, increment int) (score int, applied bool, err error)
	AddInteractionScoresBatch(ctx context.Context, entries []model.ScoreEntry) error
	DeleteForWithdrawnMember(ctx context.Context, memberID int64) error
}

// MutationReplayer 死信重放
type MutationReplayer interface {
	// ApplyBatch 一次往返提交全部变更
	ApplyBatch(ctx context.Context, mutations []model.CacheMutation) error
	Apply(ctx context.Context, mutation model.CacheMutation) error
	Ping(ctx context.Context) error
}

// GraphStore 服务层使用的完整缓存端口
type GraphStore interface {
	FriendshipCacheStore
	InteractionScoreStore
	MutationReplayer
	Flush(ctx context.Context) (int64, error)
	ResetScores(ctx context.Context) (int64, error)
}
