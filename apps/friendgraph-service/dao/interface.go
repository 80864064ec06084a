package dao

import (
	"context"

	"goim-friendgraph/apps/friendgraph-service/model"
)

// GraphSourceDAO 关系库数据访问接口，好友边只由这里增删
type GraphSourceDAO interface {
	// 好友关系
	CreateFriendship(ctx context.Context, memberID, friendID int64) (*model.Friendship, error)
	DeleteFriendship(ctx context.Context, memberID, friendID int64) (bool, error)
	DeleteAllForMember(ctx context.Context, memberID int64) ([]int64, error)
	ListFriendIDs(ctx context.Context, memberID int64) ([]int64, error)
	// ExistingFriendships 返回仍存在的边，键为规范化后的 (小, 大)
	ExistingFriendships(ctx context.Context, pairs [][2]int64) (map[[2]int64]bool, error)

	// 重建分块读取
	GetFriendshipPairsChunk(ctx context.Context, afterID int64, size int) ([]model.FriendshipPair, error)
	GetPostLikePairsChunk(ctx context.Context, afterDriveID, afterJoinID int64, size int) ([]model.InteractionPair, error)
	GetCommentPairsChunk(ctx context.Context, afterDriveID, afterJoinID int64, size int) ([]model.InteractionPair, error)
	GetCommentLikePairsChunk(ctx context.Context, afterDriveID, afterJoinID int64, size int) ([]model.InteractionPair, error)

	// 推荐
	FindTwoDegreeRelations(ctx context.Context, memberID int64) ([]model.TwoDegreeRelation, error)

	// 重建检查点
	LoadCheckpoint(ctx context.Context, name string) (*model.RebuildCheckpoint, error)
	SaveCheckpoint(ctx context.Context, cp *model.RebuildCheckpoint) error
	ClearCheckpoint(ctx context.Context, name string) error
}

// DLQDAO 死信队列数据访问接口
type DLQDAO interface {
	Enqueue(ctx context.Context, events ...*model.CacheMutationEvent) error
	// FetchPending 按 created_at, id 升序取 cursor 之后的 PENDING 事件
	FetchPending(ctx context.Context, maxRetry int, after model.DLQCursor, limit int) ([]*model.CacheMutationEvent, error)
	MarkProcessed(ctx context.Context, ids []int64) error
	SaveRetry(ctx context.Context, event *model.CacheMutationEvent) error
	CountByStatus(ctx context.Context) (*model.DLQStats, error)
	ListFailed(ctx context.Context, afterID int64, limit int) ([]*model.CacheMutationEvent, error)
	Requeue(ctx context.Context, ids []int64) (int64, error)
}
