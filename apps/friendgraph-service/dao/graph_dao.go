package dao

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"goim-friendgraph/apps/friendgraph-service/model"
	"goim-friendgraph/pkg/database"
)

// graphDAO 关系库实现
type graphDAO struct {
	db *database.PostgreSQL
}

// NewGraphSourceDAO 创建关系库DAO
func NewGraphSourceDAO(db *database.PostgreSQL) GraphSourceDAO {
	return &graphDAO{db: db}
}

// ============ 好友关系 ============

// CreateFriendship 规范化后插入，已存在返回 ErrAlreadyFriends。
// 重复判定交给唯一索引 idx_friendship_pair，并发插入同一对也只有一个成功。
func (d *graphDAO) CreateFriendship(ctx context.Context, memberID, friendID int64) (*model.Friendship, error) {
	if memberID <= 0 || friendID <= 0 {
		return nil, model.ErrInvalidMember
	}
	if memberID == friendID {
		return nil, model.ErrSelfLoop
	}

	low, high := model.NormalizePair(memberID, friendID)
	friendship := &model.Friendship{MemberID: low, FriendID: high}

	err := d.db.GetDB().WithContext(ctx).Create(friendship).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, model.ErrAlreadyFriends
	}
	if err != nil {
		return nil, err
	}
	return friendship, nil
}

// DeleteFriendship 删除好友边，返回是否真的删除了
func (d *graphDAO) DeleteFriendship(ctx context.Context, memberID, friendID int64) (bool, error) {
	low, high := model.NormalizePair(memberID, friendID)
	result := d.db.GetDB().WithContext(ctx).
		Where("member_id = ? AND friend_id = ?", low, high).
		Delete(&model.Friendship{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// DeleteAllForMember 删除该成员的所有好友边，返回原好友列表
func (d *graphDAO) DeleteAllForMember(ctx context.Context, memberID int64) ([]int64, error) {
	var former []int64
	err := d.db.Transaction(ctx, func(tx *gorm.DB) error {
		var edges []model.Friendship
		if err := tx.Where("member_id = ? OR friend_id = ?", memberID, memberID).
			Find(&edges).Error; err != nil {
			return err
		}
		if len(edges) == 0 {
			return nil
		}

		ids := make([]int64, 0, len(edges))
		for _, e := range edges {
			ids = append(ids, e.ID)
			if e.MemberID == memberID {
				former = append(former, e.FriendID)
			} else {
				former = append(former, e.MemberID)
			}
		}
		return tx.Where("id IN ?", ids).Delete(&model.Friendship{}).Error
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(former, func(i, j int) bool { return former[i] < former[j] })
	return former, nil
}

// ListFriendIDs 从关系库读好友列表（升序）
func (d *graphDAO) ListFriendIDs(ctx context.Context, memberID int64) ([]int64, error) {
	var ids []int64
	err := d.db.GetDB().WithContext(ctx).Raw(`
		SELECT friend_id AS id FROM friendships WHERE member_id = ?
		UNION
		SELECT member_id AS id FROM friendships WHERE friend_id = ?
		ORDER BY id ASC`, memberID, memberID).
		Scan(&ids).Error
	return ids, err
}

// ExistingFriendships 批量回查边是否存在，死信重放以此为准
func (d *graphDAO) ExistingFriendships(ctx context.Context, pairs [][2]int64) (map[[2]int64]bool, error) {
	existing := make(map[[2]int64]bool, len(pairs))
	if len(pairs) == 0 {
		return existing, nil
	}

	wanted := make(map[[2]int64]bool, len(pairs))
	lows := make([]int64, 0, len(pairs))
	highs := make([]int64, 0, len(pairs))
	for _, p := range pairs {
		low, high := model.NormalizePair(p[0], p[1])
		wanted[[2]int64{low, high}] = true
		lows = append(lows, low)
		highs = append(highs, high)
	}

	// 两列IN会多取交叉组合，按请求集合过滤
	var rows []model.Friendship
	if err := d.db.GetDB().WithContext(ctx).
		Select("member_id", "friend_id").
		Where("member_id IN ? AND friend_id IN ?", lows, highs).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		key := [2]int64{r.MemberID, r.FriendID}
		if wanted[key] {
			existing[key] = true
		}
	}
	return existing, nil
}

// ============ 重建分块读取 ============

// GetFriendshipPairsChunk 单列游标：id > afterID ORDER BY id LIMIT size
func (d *graphDAO) GetFriendshipPairsChunk(ctx context.Context, afterID int64, size int) ([]model.FriendshipPair, error) {
	var pairs []model.FriendshipPair
	err := d.db.GetDB().WithContext(ctx).Raw(`
		SELECT id AS edge_id, member_id, friend_id
		FROM friendships
		WHERE id > ?
		ORDER BY id ASC
		LIMIT ?`, afterID, size).
		Scan(&pairs).Error
	if err != nil {
		return nil, fmt.Errorf("read friendships after %d: %w", afterID, err)
	}
	return pairs, nil
}

// GetPostLikePairsChunk 帖子点赞：点赞人 -> 帖子作者
//
// 驱动表是 post_likes：先用 member_id IS NOT NULL 去掉匿名点赞，
// 剩下的行再按 post_id 回连 posts 取作者，自赞在连接后排除。
func (d *graphDAO) GetPostLikePairsChunk(ctx context.Context, afterDriveID, afterJoinID int64, size int) ([]model.InteractionPair, error) {
	var pairs []model.InteractionPair
	err := d.db.GetDB().WithContext(ctx).Raw(`
		SELECT pl.id AS drive_id, p.id AS join_id, pl.member_id AS actor_id, p.member_id AS owner_id
		FROM post_likes pl
		JOIN posts p ON p.id = pl.post_id
		WHERE pl.member_id IS NOT NULL
		  AND pl.member_id <> p.member_id
		  AND (pl.id > ? OR (pl.id = ? AND p.id > ?))
		ORDER BY pl.id ASC, p.id ASC
		LIMIT ?`, afterDriveID, afterDriveID, afterJoinID, size).
		Scan(&pairs).Error
	if err != nil {
		return nil, fmt.Errorf("read post likes after (%d,%d): %w", afterDriveID, afterJoinID, err)
	}
	return pairs, nil
}

// GetCommentPairsChunk 评论：评论人 -> 帖子作者
//
// 驱动表是 comments：匿名评论在连接 posts 之前过滤掉。
func (d *graphDAO) GetCommentPairsChunk(ctx context.Context, afterDriveID, afterJoinID int64, size int) ([]model.InteractionPair, error) {
	var pairs []model.InteractionPair
	err := d.db.GetDB().WithContext(ctx).Raw(`
		SELECT c.id AS drive_id, p.id AS join_id, c.member_id AS actor_id, p.member_id AS owner_id
		FROM comments c
		JOIN posts p ON p.id = c.post_id
		WHERE c.member_id IS NOT NULL
		  AND c.member_id <> p.member_id
		  AND (c.id > ? OR (c.id = ? AND p.id > ?))
		ORDER BY c.id ASC, p.id ASC
		LIMIT ?`, afterDriveID, afterDriveID, afterJoinID, size).
		Scan(&pairs).Error
	if err != nil {
		return nil, fmt.Errorf("read comments after (%d,%d): %w", afterDriveID, afterJoinID, err)
	}
	return pairs, nil
}

// GetCommentLikePairsChunk 评论点赞：点赞人 -> 评论作者
//
// 驱动表是 comment_likes：匿名点赞先过滤，再回连 comments；
// 匿名评论没有作者，同样排除。
func (d *graphDAO) GetCommentLikePairsChunk(ctx context.Context, afterDriveID, afterJoinID int64, size int) ([]model.InteractionPair, error) {
	var pairs []model.InteractionPair
	err := d.db.GetDB().WithContext(ctx).Raw(`
		SELECT cl.id AS drive_id, c.id AS join_id, cl.member_id AS actor_id, c.member_id AS owner_id
		FROM comment_likes cl
		JOIN comments c ON c.id = cl.comment_id
		WHERE cl.member_id IS NOT NULL
		  AND c.member_id IS NOT NULL
		  AND cl.member_id <> c.member_id
		  AND (cl.id > ? OR (cl.id = ? AND c.id > ?))
		ORDER BY cl.id ASC, c.id ASC
		LIMIT ?`, afterDriveID, afterDriveID, afterJoinID, size).
		Scan(&pairs).Error
	if err != nil {
		return nil, fmt.Errorf("read comment likes after (%d,%d): %w", afterDriveID, afterJoinID, err)
	}
	return pairs, nil
}

// ============ 推荐 ============

// FindTwoDegreeRelations 一度好友和二度候选。
// edges 是好友表的对称视图；二度部分自连接一次 f1.dst = f2.src，
// 去掉回到自己的路径和已经是直接好友的人，按候选分组得到共同好友数。
func (d *graphDAO) FindTwoDegreeRelations(ctx context.Context, memberID int64) ([]model.TwoDegreeRelation, error) {
	var relations []model.TwoDegreeRelation
	err := d.db.GetDB().WithContext(ctx).Raw(`
		WITH edges AS (
			SELECT member_id AS src, friend_id AS dst FROM friendships
			UNION ALL
			SELECT friend_id AS src, member_id AS dst FROM friendships
		)
		SELECT f1.dst AS candidate_id, 1 AS depth,
			(SELECT COUNT(*) FROM edges a JOIN edges b ON a.dst = b.dst
			 WHERE a.src = f1.src AND b.src = f1.dst) AS mutual_friends
		FROM edges f1
		WHERE f1.src = ?
		UNION ALL
		SELECT f2.dst AS candidate_id, 2 AS depth, COUNT(*) AS mutual_friends
		FROM edges f1
		JOIN edges f2 ON f1.dst = f2.src
		WHERE f1.src = ?
		  AND f2.dst <> f1.src
		  AND f2.dst NOT IN (SELECT dst FROM edges WHERE src = ?)
		GROUP BY f2.dst
		ORDER BY depth ASC, candidate_id ASC`, memberID, memberID, memberID).
		Scan(&relations).Error
	if err != nil {
		return nil, fmt.Errorf("find two-degree relations of %d: %w", memberID, err)
	}
	return relations, nil
}

// ============ 重建检查点 ============

// LoadCheckpoint 读取检查点，不存在返回nil
func (d *graphDAO) LoadCheckpoint(ctx context.Context, name string) (*model.RebuildCheckpoint, error) {
	var cp model.RebuildCheckpoint
	err := d.db.GetDB().WithContext(ctx).Where("name = ?", name).First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// SaveCheckpoint 写入或覆盖检查点
func (d *graphDAO) SaveCheckpoint(ctx context.Context, cp *model.RebuildCheckpoint) error {
	return d.db.GetDB().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"run_id", "phase", "after_drive_id", "after_join_id", "updated_at"}),
		}).
		Create(cp).Error
}

// ClearCheckpoint 删除检查点
func (d *graphDAO) ClearCheckpoint(ctx context.Context, name string) error {
	return d.db.GetDB().WithContext(ctx).Where("name = ?", name).Delete(&model.RebuildCheckpoint{}).Error
}
