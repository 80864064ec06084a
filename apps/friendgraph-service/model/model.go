package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrSelfLoop       = errors.New("member cannot befriend itself")
	ErrInvalidMember  = errors.New("invalid member id")
	ErrAlreadyFriends = errors.New("already friends")
	ErrNotFriends     = errors.New("not friends")
	ErrUnknownKind    = errors.New("unknown cache mutation kind")
	ErrInvalidDepth   = errors.New("depth must be 1 or 2")
)

// ============ 关系库表（数据源） ============

// Friendship 好友关系，无向边只存一行，MemberID < FriendID
type Friendship struct {
	ID        int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	MemberID  int64     `json:"member_id" gorm:"not null;uniqueIndex:idx_friendship_pair;index"`
	FriendID  int64     `json:"friend_id" gorm:"not null;uniqueIndex:idx_friendship_pair;index"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName .
func (Friendship) TableName() string {
	return "friendships"
}

// Post 帖子（只读，由内容服务维护）
type Post struct {
	ID        int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	MemberID  int64     `json:"member_id" gorm:"not null;index"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName .
func (Post) TableName() string {
	return "posts"
}

// PostLike 帖子点赞，MemberID为空表示匿名
type PostLike struct {
	ID        int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	PostID    int64     `json:"post_id" gorm:"not null;index"`
	MemberID  *int64    `json:"member_id" gorm:"index"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName .
func (PostLike) TableName() string {
	return "post_likes"
}

// Comment 评论，MemberID为空表示匿名
type Comment struct {
	ID        int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	PostID    int64     `json:"post_id" gorm:"not null;index"`
	MemberID  *int64    `json:"member_id" gorm:"index"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName .
func (Comment) TableName() string {
	return "comments"
}

// CommentLike 评论点赞，MemberID为空表示匿名
type CommentLike struct {
	ID        int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	CommentID int64     `json:"comment_id" gorm:"not null;index"`
	MemberID  *int64    `json:"member_id" gorm:"index"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName .
func (CommentLike) TableName() string {
	return "comment_likes"
}

// ============ 死信队列 ============

// CacheMutationEvent 写缓存失败后落库的变更事件
type CacheMutationEvent struct {
	ID         int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	Kind       string    `json:"kind" gorm:"type:varchar(20);not null"`
	MemberID   int64     `json:"member_id" gorm:"not null"`
	TargetID   int64     `json:"target_id" gorm:"not null"`
	Increment  int       `json:"increment" gorm:"not null;default:0"`
	EventID    string    `json:"event_id" gorm:"type:varchar(64);index"`
	Status     string    `json:"status" gorm:"type:varchar(16);not null;index:idx_dlq_status_created,priority:1"`
	RetryCount int       `json:"retry_count" gorm:"not null;default:0"`
	LastError  string    `json:"last_error" gorm:"type:text"`
	CreatedAt  time.Time `json:"created_at" gorm:"index:idx_dlq_status_created,priority:2"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName .
func (CacheMutationEvent) TableName() string {
	return "cache_mutation_events"
}

// Mutation 还原成缓存变更
func (e *CacheMutationEvent) Mutation() CacheMutation {
	return CacheMutation{
		Kind:      e.Kind,
		MemberID:  e.MemberID,
		TargetID:  e.TargetID,
		Increment: e.Increment,
		EventID:   e.EventID,
	}
}

// NewCacheMutationEvent 创建PENDING事件
func NewCacheMutationEvent(m CacheMutation, cause error) *CacheMutationEvent {
	event := &CacheMutationEvent{
		Kind:      m.Kind,
		MemberID:  m.MemberID,
		TargetID:  m.TargetID,
		Increment: m.Increment,
		EventID:   m.EventID,
		Status:    EventStatusPending,
	}
	if cause != nil {
		event.LastError = cause.Error()
	}
	return event
}

// CacheMutation 一次缓存变更
type CacheMutation struct {
	Kind      string
	MemberID  int64
	TargetID  int64 // 好友ID或互动对象ID
	Increment int   // 仅SCORE_UP使用
	EventID   string
}

// FriendAdd 构造加好友变更
func FriendAdd(memberID, friendID int64) CacheMutation {
	return CacheMutation{Kind: MutationFriendAdd, MemberID: memberID, TargetID: friendID}
}

// FriendRemove 构造删好友变更
func FriendRemove(memberID, friendID int64) CacheMutation {
	return CacheMutation{Kind: MutationFriendRemove, MemberID: memberID, TargetID: friendID}
}

// ScoreUp 构造加分变更
func ScoreUp(eventID string, memberID, counterpartID int64, increment int) CacheMutation {
	return CacheMutation{Kind: MutationScoreUp, MemberID: memberID, TargetID: counterpartID, Increment: increment, EventID: eventID}
}

// ScoreScrub 构造注销成员的分数清理，TargetID 同为该成员
func ScoreScrub(memberID int64) CacheMutation {
	return CacheMutation{Kind: MutationScoreScrub, MemberID: memberID, TargetID: memberID}
}

// IsFriendEdge 是否为好友边变更
func (m CacheMutation) IsFriendEdge() bool {
	return m.Kind == MutationFriendAdd || m.Kind == MutationFriendRemove
}

// Validate 校验变更
func (m CacheMutation) Validate() error {
	if m.MemberID <= 0 || m.TargetID <= 0 {
		return ErrInvalidMember
	}
	switch m.Kind {
	case MutationFriendAdd, MutationFriendRemove:
		if m.MemberID == m.TargetID {
			return ErrSelfLoop
		}
	case MutationScoreUp:
		if m.EventID == "" {
			return fmt.Errorf("score mutation without event id")
		}
	case MutationScoreScrub:
		if m.MemberID != m.TargetID {
			return fmt.Errorf("score scrub of %d carries target %d", m.MemberID, m.TargetID)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKind, m.Kind)
	}
	return nil
}

// DLQCursor 单次调度内的(created_at, id)游标，零值表示从头开始
type DLQCursor struct {
	CreatedAt time.Time
	ID        int64
}

// IsZero .
func (c DLQCursor) IsZero() bool {
	return c.ID == 0 && c.CreatedAt.IsZero()
}

// Advance 移动到该事件之后
func (c DLQCursor) Advance(e *CacheMutationEvent) DLQCursor {
	return DLQCursor{CreatedAt: e.CreatedAt, ID: e.ID}
}

// DLQStats 死信队列统计
type DLQStats struct {
	Pending   int64 `json:"pending"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// ============ 重建 ============

// FriendshipPair 好友表分块读取结果
type FriendshipPair struct {
	EdgeID   int64
	MemberID int64
	FriendID int64
}

// InteractionPair 互动表分块读取结果，(DriveID, JoinID) 为复合游标
type InteractionPair struct {
	DriveID int64
	JoinID  int64
	ActorID int64
	OwnerID int64
}

// RebuildEventID 由本次重建ID和来源行生成幂等ID，同一次重建内重放分块不会重复加分
func (p InteractionPair) RebuildEventID(runID, phase string) string {
	return fmt.Sprintf("rebuild:%s:%s:%d:%d", runID, phase, p.DriveID, p.JoinID)
}

// ScoreEntry 批量加分条目
type ScoreEntry struct {
	EventID       string
	MemberID      int64
	CounterpartID int64
	Increment     int
}

// RebuildCheckpoint 重建进度，支持断点续跑
type RebuildCheckpoint struct {
	Name         string    `json:"name" gorm:"primaryKey;type:varchar(64)"`
	RunID        string    `json:"run_id" gorm:"type:varchar(64);not null;default:''"`
	Phase        string    `json:"phase" gorm:"type:varchar(32);not null"`
	AfterDriveID int64     `json:"after_drive_id" gorm:"not null;default:0"`
	AfterJoinID  int64     `json:"after_join_id" gorm:"not null;default:0"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName .
func (RebuildCheckpoint) TableName() string {
	return "graph_rebuild_checkpoints"
}

// RebuildReport 一次重建的结果
type RebuildReport struct {
	Resumed     bool              `json:"resumed"`
	Flushed     bool              `json:"flushed"`
	ScoresReset bool              `json:"scores_reset"`
	Rows        map[string]int64  `json:"rows"`
	Chunks      int64             `json:"chunks"`
	Checkpoint  RebuildCheckpoint `json:"checkpoint"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at"`
}

// ============ 推荐 ============

// TwoDegreeRelation 关系库计算的一度/二度关系
type TwoDegreeRelation struct {
	CandidateID   int64
	Depth         int
	MutualFriends int
}

// RecommendedFriend 推荐结果
type RecommendedFriend struct {
	CandidateID       int64 `json:"candidate_id"`
	Depth             int   `json:"depth"`
	AcquaintanceScore int   `json:"acquaintance_score"`
	InteractionScore  int   `json:"interaction_score"`
	MutualFriends     int   `json:"mutual_friends"`
}

// RecommendPage 推荐分页结果
type RecommendPage struct {
	Items    []RecommendedFriend `json:"items"`
	Total    int                 `json:"total"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"page_size"`
	Source   string              `json:"source"` // cache 或 database
}

// RecommendQuery 推荐查询参数
type RecommendQuery struct {
	MemberID int64
	Depth    int // 0 不过滤
	Page     int
	PageSize int
}

// ============ 外部事件 ============

// InteractionEvent 内容服务发出的互动事件
type InteractionEvent struct {
	EventType  string    `json:"event_type"`
	ActorID    int64     `json:"actor_id"`
	OwnerID    int64     `json:"owner_id"`
	ObjectType string    `json:"object_type"`
	ObjectID   int64     `json:"object_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// MemberEvent 账号事件
type MemberEvent struct {
	EventType string    `json:"event_type"`
	MemberID  int64     `json:"member_id"`
	Timestamp time.Time `json:"timestamp"`
}

// DLQFailedNotice 终态失败通知
type DLQFailedNotice struct {
	EventID    int64     `json:"event_id"`
	Kind       string    `json:"kind"`
	MemberID   int64     `json:"member_id"`
	TargetID   int64     `json:"target_id"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error"`
	FailedAt   time.Time `json:"failed_at"`
}

// ============ 工具函数 ============

// NormalizePair 无向边规范化为 (小, 大)
func NormalizePair(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}

// FriendsKey 好友邻接集合key
func FriendsKey(memberID int64) string {
	return fmt.Sprintf("%s:%d", CacheKeyFriends, memberID)
}

// ScoreKey 互动分hash key
func ScoreKey(memberID int64) string {
	return fmt.Sprintf("%s:%d", CacheKeyScore, memberID)
}

// ScoreMarkerKey 加分事件幂等标记key
func ScoreMarkerKey(eventID string) string {
	return fmt.Sprintf("%s:%s", CacheKeyScoreMarker, eventID)
}
