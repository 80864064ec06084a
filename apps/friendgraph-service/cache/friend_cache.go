package cache

import (
	"context"
	"fmt"
	"strconv"

	goredis "github.com/go-redis/redis/v8"

	"goim-friendgraph/apps/friendgraph-service/model"
)

// GetFriends 获取好友集合（升序），未命中返回空集合
func (c *GraphCache) GetFriends(ctx context.Context, memberID int64) ([]int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	raw, err := c.rdb.SMembers(ctx, model.FriendsKey(memberID))
	if err != nil {
		return nil, fmt.Errorf("get friends of %d: %w", memberID, err)
	}
	return parseMemberIDs(raw)
}

// GetFriendsBatch 单次往返批量获取好友集合
func (c *GraphCache) GetFriendsBatch(ctx context.Context, memberIDs []int64) (map[int64][]int64, error) {
	memberIDs = uniqueIDs(memberIDs)
	result := make(map[int64][]int64, len(memberIDs))
	if len(memberIDs) == 0 {
		return result, nil
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cmds := make([]*goredis.StringSliceCmd, len(memberIDs))
	_, err := c.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, id := range memberIDs {
			cmds[i] = pipe.SMembers(ctx, model.FriendsKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("batch get friends: %w", err)
	}

	for i, id := range memberIDs {
		friends, err := parseMemberIDs(cmds[i].Val())
		if err != nil {
			return nil, err
		}
		result[id] = friends
	}
	return result, nil
}

// AddFriend 双向写入，两侧在同一个 MULTI/EXEC 中提交
func (c *GraphCache) AddFriend(ctx context.Context, memberID, friendID int64) error {
	if err := validPair(memberID, friendID); err != nil {
		return err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err := c.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		queueFriendAdd(ctx, pipe, memberID, friendID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("add friend %d<->%d: %w", memberID, friendID, err)
	}
	return nil
}

// DeleteFriend 双向删除，边不存在时为空操作
func (c *GraphCache) DeleteFriend(ctx context.Context, memberID, friendID int64) error {
	if err := validPair(memberID, friendID); err != nil {
		return err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err := c.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		queueFriendRemove(ctx, pipe, memberID, friendID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete friend %d<->%d: %w", memberID, friendID, err)
	}
	return nil
}

// AddFriendsBatch 重建时按块写入，一次往返
func (c *GraphCache) AddFriendsBatch(ctx context.Context, pairs []model.FriendshipPair) error {
	if len(pairs) == 0 {
		return nil
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err := c.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, p := range pairs {
			if validPair(p.MemberID, p.FriendID) != nil {
				continue
			}
			queueFriendAdd(ctx, pipe, p.MemberID, p.FriendID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("batch add friends: %w", err)
	}
	return nil
}

// DeleteAllForWithdrawnMember 游标遍历所有邻接集合剔除该成员，最后删除自身集合
func (c *GraphCache) DeleteAllForWithdrawnMember(ctx context.Context, memberID int64) error {
	ownKey := model.FriendsKey(memberID)
	member := strconv.FormatInt(memberID, 10)

	err := c.rdb.ScanKeys(ctx, model.CacheKeyFriends+":*", c.opts.ScanCount, func(keys []string) error {
		_, err := c.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
			for _, key := range keys {
				if key == ownKey {
					continue
				}
				pipe.SRem(ctx, key, member)
			}
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("scrub friends of withdrawn member %d: %w", memberID, err)
	}

	if err := c.rdb.Del(ctx, ownKey); err != nil {
		return fmt.Errorf("delete friends key of %d: %w", memberID, err)
	}
	return nil
}

func queueFriendAdd(ctx context.Context, pipe goredis.Pipeliner, memberID, friendID int64) {
	pipe.SAdd(ctx, model.FriendsKey(memberID), friendID)
	pipe.SAdd(ctx, model.FriendsKey(friendID), memberID)
}

func queueFriendRemove(ctx context.Context, pipe goredis.Pipeliner, memberID, friendID int64) {
	pipe.SRem(ctx, model.FriendsKey(memberID), friendID)
	pipe.SRem(ctx, model.FriendsKey(friendID), memberID)
}
