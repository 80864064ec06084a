package cache

import (
	"context"
	"fmt"

	goredis "github.com/go-redis/redis/v8"

	"goim-friendgraph/apps/friendgraph-service/model"
)

// ApplyBatch 把一批死信变更放进同一个pipeline提交。
// 任一变更非法时整批拒绝，由调用方逐条回退。
// SCORE_SCRUB 需要游标遍历，不能放进pipeline，在pipeline之后逐个执行。
func (c *GraphCache) ApplyBatch(ctx context.Context, mutations []model.CacheMutation) error {
	if len(mutations) == 0 {
		return nil
	}
	var scrubs []int64
	for _, m := range mutations {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("replay batch: %w", err)
		}
		if m.Kind == model.MutationScoreScrub {
			scrubs = append(scrubs, m.MemberID)
		}
	}

	if err := c.applyPipelined(ctx, mutations); err != nil {
		return err
	}
	for _, memberID := range scrubs {
		if err := c.DeleteForWithdrawnMember(ctx, memberID); err != nil {
			return fmt.Errorf("replay batch: %w", err)
		}
	}
	return nil
}

func (c *GraphCache) applyPipelined(ctx context.Context, mutations []model.CacheMutation) error {
	if len(mutations) == 0 {
		return nil
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err := c.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, m := range mutations {
			switch m.Kind {
			case model.MutationFriendAdd:
				queueFriendAdd(ctx, pipe, m.MemberID, m.TargetID)
			case model.MutationFriendRemove:
				queueFriendRemove(ctx, pipe, m.MemberID, m.TargetID)
			case model.MutationScoreUp:
				keys, args := c.scoreOnceArgs(m.EventID, m.MemberID, m.TargetID, m.Increment)
				pipe.Eval(ctx, scoreIncrLua, keys, args...)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay batch of %d: %w", len(mutations), err)
	}
	return nil
}

// Apply 单条重放
func (c *GraphCache) Apply(ctx context.Context, m model.CacheMutation) error {
	if err := m.Validate(); err != nil {
		return err
	}

	switch m.Kind {
	case model.MutationFriendAdd:
		return c.AddFriend(ctx, m.MemberID, m.TargetID)
	case model.MutationFriendRemove:
		return c.DeleteFriend(ctx, m.MemberID, m.TargetID)
	case model.MutationScoreScrub:
		return c.DeleteForWithdrawnMember(ctx, m.MemberID)
	default:
		_, _, err := c.AddInteractionScoreOnce(ctx, m.EventID, m.MemberID, m.TargetID, m.Increment)
		return err
	}
}
