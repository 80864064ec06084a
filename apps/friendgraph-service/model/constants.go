package model

// Redis缓存键前缀
const (
	CacheKeyPrefix      = "friendgraph"
	CacheKeyFriends     = "friendgraph:friends" // 好友邻接集合 SET
	CacheKeyScore       = "friendgraph:score"   // 互动分 HASH
	CacheKeyScoreMarker = "friendgraph:applied" // 分数事件幂等标记，不能落在score前缀下
)

// 缓存变更类型
const (
	MutationFriendAdd    = "FRIEND_ADD"
	MutationFriendRemove = "FRIEND_REMOVE"
	MutationScoreUp      = "SCORE_UP"
	MutationScoreScrub   = "SCORE_SCRUB" // 注销成员的互动分清理
)

// 死信事件状态
const (
	EventStatusPending   = "PENDING"
	EventStatusProcessed = "PROCESSED"
	EventStatusFailed    = "FAILED"
)

// 互动分默认值
const (
	DefaultScoreCap  = 10
	DefaultScoreStep = 1
)

// 死信队列默认值
const (
	DefaultMaxRetry  = 3
	DefaultBatchSize = 100
)

// 分页默认值
const (
	DefaultPageSize  = 20
	MaxPageSize      = 100
	DefaultChunkSize = 1000
)

// 推荐深度
const (
	DepthDirect = 1 // 直接好友
	DepthSecond = 2 // 好友的好友
)

// 重建阶段，按顺序执行
const (
	PhaseFriendships  = "friendships"
	PhasePostLikes    = "post_likes"
	PhaseComments     = "comments"
	PhaseCommentLikes = "comment_likes"
	PhaseDone         = "done"
)

// RebuildPhases 重建阶段顺序
var RebuildPhases = []string{
	PhaseFriendships,
	PhasePostLikes,
	PhaseComments,
	PhaseCommentLikes,
}

// 重建检查点名称
const RebuildCheckpointName = "friendgraph"

// Kafka事件类型
const (
	EventTypeLike      = "like"
	EventTypeComment   = "comment"
	EventTypeWithdrawn = "withdrawn"
)
