package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	goredis "github.com/go-redis/redis/v8"

	"goim-friendgraph/apps/friendgraph-service/model"
)

// 读-判断-写在服务端一次完成。
// KEYS[1] 互动分hash，KEYS[2] 可选的事件幂等标记
// ARGV[1] 对方ID，ARGV[2] 步长，ARGV[3] 上限，ARGV[4] 标记过期秒数
// 返回写入后的分数；标记已存在返回 -1
const scoreIncrLua = `
if KEYS[2] then
	if not redis.call('SET', KEYS[2], '1', 'NX', 'EX', ARGV[4]) then
		return -1
	end
end
local cur = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
local cap = tonumber(ARGV[3])
if cur >= cap then
	return cur
end
local nxt = cur + tonumber(ARGV[2])
if nxt > cap then
	nxt = cap
end
redis.call('HSET', KEYS[1], ARGV[1], nxt)
return nxt
`

const duplicateEvent = -1

var scoreIncrScript = goredis.NewScript(scoreIncrLua)

// GetScoresBatch 单次HMGET读取互动分，不存在的对象不出现在结果中
func (c *GraphCache) GetScoresBatch(ctx context.Context, memberID int64, targetIDs []int64) (map[int64]int, error) {
	targetIDs = uniqueIDs(targetIDs)
	scores := make(map[int64]int, len(targetIDs))
	if len(targetIDs) == 0 {
		return scores, nil
	}

	fields := make([]string, len(targetIDs))
	for i, id := range targetIDs {
		fields[i] = strconv.FormatInt(id, 10)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	values, err := c.rdb.HMGet(ctx, model.ScoreKey(memberID), fields...)
	if err != nil {
		return nil, fmt.Errorf("get scores of %d: %w", memberID, err)
	}

	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		score, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("bad score %q for %d->%d: %w", s, memberID, targetIDs[i], err)
		}
		scores[targetIDs[i]] = score
	}
	return scores, nil
}

// AddInteractionScore 加一个步长，到达上限后不再变化
func (c *GraphCache) AddInteractionScore(ctx context.Context, memberID, counterpartID int64) (int, error) {
	if err := validPair(memberID, counterpartID); err != nil {
		return 0, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	score, err := c.rdb.RunScript(ctx, scoreIncrScript,
		[]string{model.ScoreKey(memberID)},
		counterpartID, c.opts.ScoreStep, c.opts.ScoreCap).Int()
	if err != nil {
		return 0, fmt.Errorf("add score %d->%d: %w", memberID, counterpartID, err)
	}
	return score, nil
}

// AddInteractionScoreOnce 带幂等标记的加分
func (c *GraphCache) AddInteractionScoreOnce(ctx context.Context, eventID string, memberID, counterpartID int64, increment int) (int, bool, error) {
	if err := validPair(memberID, counterpartID); err != nil {
		return 0, false, err
	}
	if eventID == "" {
		return 0, false, fmt.Errorf("add score %d->%d: empty event id", memberID, counterpartID)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	keys, args := c.scoreOnceArgs(eventID, memberID, counterpartID, increment)
	score, err := c.rdb.RunScript(ctx, scoreIncrScript, keys, args...).Int()
	if err != nil {
		return 0, false, fmt.Errorf("add score %d->%d (event %s): %w", memberID, counterpartID, eventID, err)
	}
	if score == duplicateEvent {
		return 0, false, nil
	}
	return score, true, nil
}

// AddInteractionScoresBatch 重建时按块加分，每条带确定的事件ID，重放不会重复计数
func (c *GraphCache) AddInteractionScoresBatch(ctx context.Context, entries []model.ScoreEntry) error {
	if len(entries) == 0 {
		return nil
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err := c.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, e := range entries {
			if validPair(e.MemberID, e.CounterpartID) != nil || e.EventID == "" {
				continue
			}
			keys, args := c.scoreOnceArgs(e.EventID, e.MemberID, e.CounterpartID, e.Increment)
			pipe.Eval(ctx, scoreIncrLua, keys, args...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("batch add scores: %w", err)
	}
	return nil
}

// DeleteForWithdrawnMember 游标遍历所有互动分hash删除该成员字段，最后删除自身hash
func (c *GraphCache) DeleteForWithdrawnMember(ctx context.Context, memberID int64) error {
	ownKey := model.ScoreKey(memberID)
	field := strconv.FormatInt(memberID, 10)

	err := c.rdb.ScanKeys(ctx, model.CacheKeyScore+":*", c.opts.ScanCount, func(keys []string) error {
		_, err := c.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
			for _, key := range keys {
				if key == ownKey || !strings.HasPrefix(key, model.CacheKeyScore+":") {
					continue
				}
				pipe.HDel(ctx, key, field)
			}
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("scrub scores of withdrawn member %d: %w", memberID, err)
	}

	if err := c.rdb.Del(ctx, ownKey); err != nil {
		return fmt.Errorf("delete score key of %d: %w", memberID, err)
	}
	return nil
}

func (c *GraphCache) scoreOnceArgs(eventID string, memberID, counterpartID int64, increment int) ([]string, []interface{}) {
	if increment <= 0 {
		increment = c.opts.ScoreStep
	}
	keys := []string{model.ScoreKey(memberID), model.ScoreMarkerKey(eventID)}
	args := []interface{}{counterpartID, increment, c.opts.ScoreCap, int64(c.opts.MarkerTTL.Seconds())}
	return keys, args
}
