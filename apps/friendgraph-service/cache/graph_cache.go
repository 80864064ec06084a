package cache

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"goim-friendgraph/apps/friendgraph-service/model"
	"goim-friendgraph/pkg/config"
	"goim-friendgraph/pkg/redis"
)

// Options 缓存参数
type Options struct {
	ScoreCap  int
	ScoreStep int
	MarkerTTL time.Duration
	ScanCount int64
	OpTimeout time.Duration
}

// OptionsFromConfig 从配置构造参数
func OptionsFromConfig(cfg config.CacheConfig) Options {
	return Options{
		ScoreCap:  cfg.ScoreCap,
		ScoreStep: cfg.ScoreStep,
		MarkerTTL: cfg.EventMarkerTTL,
		ScanCount: cfg.ScanCount,
		OpTimeout: cfg.OpTimeout,
	}
}

func (o Options) withDefaults() Options {
	if o.ScoreCap <= 0 {
		o.ScoreCap = model.DefaultScoreCap
	}
	if o.ScoreStep <= 0 {
		o.ScoreStep = model.DefaultScoreStep
	}
	if o.MarkerTTL < time.Second {
		o.MarkerTTL = 24 * time.Hour
	}
	if o.ScanCount <= 0 {
		o.ScanCount = 200
	}
	return o
}

// GraphCache 基于Redis的好友图缓存
type GraphCache struct {
	rdb  *redis.RedisClient
	opts Options
}

// NewGraphCache 创建好友图缓存
func NewGraphCache(rdb *redis.RedisClient, opts Options) *GraphCache {
	return &GraphCache{rdb: rdb, opts: opts.withDefaults()}
}

var _ GraphStore = (*GraphCache)(nil)

// Ping 健康检查
func (c *GraphCache) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.Ping(ctx)
}

// Flush 删除所有 friendgraph:* 键，返回删除数量
func (c *GraphCache) Flush(ctx context.Context) (int64, error) {
	deleted, err := c.deleteByPattern(ctx, model.CacheKeyPrefix+":*")
	if err != nil {
		return deleted, fmt.Errorf("flush friendgraph keys: %w", err)
	}
	return deleted, nil
}

// ResetScores 删除全部互动分hash，幂等标记保留
func (c *GraphCache) ResetScores(ctx context.Context) (int64, error) {
	deleted, err := c.deleteByPattern(ctx, model.CacheKeyScore+":*")
	if err != nil {
		return deleted, fmt.Errorf("reset interaction scores: %w", err)
	}
	return deleted, nil
}

func (c *GraphCache) deleteByPattern(ctx context.Context, pattern string) (int64, error) {
	var deleted int64
	err := c.rdb.ScanKeys(ctx, pattern, c.opts.ScanCount, func(keys []string) error {
		if err := c.rdb.Del(ctx, keys...); err != nil {
			return err
		}
		deleted += int64(len(keys))
		return nil
	})
	return deleted, err
}

func (c *GraphCache) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.OpTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.opts.OpTimeout)
}

func validPair(memberID, friendID int64) error {
	if memberID <= 0 || friendID <= 0 {
		return model.ErrInvalidMember
	}
	if memberID == friendID {
		return model.ErrSelfLoop
	}
	return nil
}

func parseMemberIDs(raw []string) ([]int64, error) {
	ids := make([]int64, 0, len(raw))
	for _, s := range raw {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad member id %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
