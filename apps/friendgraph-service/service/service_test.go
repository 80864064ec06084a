package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"goim-friendgraph/apps/friendgraph-service/cache"
	"goim-friendgraph/apps/friendgraph-service/dao"
	"goim-friendgraph/apps/friendgraph-service/model"
	"goim-friendgraph/pkg/database"
	"goim-friendgraph/pkg/logger"
	"goim-friendgraph/pkg/redis"
)

type testEnv struct {
	db     *database.PostgreSQL
	mr     *miniredis.Miniredis
	cache  *cache.GraphCache
	source dao.GraphSourceDAO
	dlq    dao.DLQDAO
	graph  *FriendGraphService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	gdb, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "friendgraph.db")), database.GormConfig("silent"))
	require.NoError(t, err)
	db, err := database.Wrap(gdb, "friendgraph")
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.AutoMigrate(
		&model.Friendship{},
		&model.Post{},
		&model.PostLike{},
		&model.Comment{},
		&model.CommentLike{},
		&model.CacheMutationEvent{},
		&model.RebuildCheckpoint{},
	))

	mr := miniredis.RunT(t)
	rdb := redis.NewRedisClientWithOptions(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	gc := cache.NewGraphCache(rdb, cache.Options{ScanCount: 10, OpTimeout: time.Second})

	env := &testEnv{
		db:     db,
		mr:     mr,
		cache:  gc,
		source: dao.NewGraphSourceDAO(db),
		dlq:    dao.NewDLQDAO(db),
	}
	env.graph = NewFriendGraphService(env.source, gc, env.dlq, 1, logger.NewNopLogger())
	return env
}

func (e *testEnv) pending(t *testing.T) []*model.CacheMutationEvent {
	t.Helper()
	events, err := e.dlq.FetchPending(context.Background(), 100, model.DLQCursor{}, 100)
	require.NoError(t, err)
	return events
}

func (e *testEnv) friends(t *testing.T, memberID int64) []int64 {
	t.Helper()
	ids, err := e.cache.GetFriends(context.Background(), memberID)
	require.NoError(t, err)
	return ids
}

func TestAddFriendshipMirrorsCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	f, err := env.graph.AddFriendship(ctx, 5, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.MemberID)
	assert.Equal(t, int64(5), f.FriendID)

	assert.Equal(t, []int64{5}, env.friends(t, 2))
	assert.Equal(t, []int64{2}, env.friends(t, 5))
	assert.Empty(t, env.pending(t))

	_, err = env.graph.AddFriendship(ctx, 2, 5)
	assert.ErrorIs(t, err, model.ErrAlreadyFriends)

	_, err = env.graph.AddFriendship(ctx, 3, 3)
	assert.ErrorIs(t, err, model.ErrSelfLoop)

	_, err = env.graph.AddFriendship(ctx, -1, 3)
	assert.ErrorIs(t, err, model.ErrInvalidMember)
}

func TestAddFriendshipCacheOutageQueuesMutation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.mr.SetError("LOADING redis is loading")
	_, err := env.graph.AddFriendship(ctx, 1, 2)
	require.NoError(t, err)
	env.mr.SetError("")

	events := env.pending(t)
	require.Len(t, events, 1)
	assert.Equal(t, model.MutationFriendAdd, events[0].Kind)
	assert.Equal(t, int64(1), events[0].MemberID)
	assert.Equal(t, int64(2), events[0].TargetID)
	assert.Contains(t, events[0].LastError, "LOADING")

	// 恢复后重放使缓存与关系库一致
	sched := NewDLQScheduler(env.cache, env.dlq, env.source, &recordingNotifier{}, SchedulerOptions{MaxRetry: 3, BatchSize: 10}, logger.NewNopLogger())
	report, err := sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, []int64{2}, env.friends(t, 1))
	assert.Equal(t, []int64{1}, env.friends(t, 2))
	assert.Empty(t, env.pending(t))
}

func TestRemoveFriendship(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.graph.AddFriendship(ctx, 1, 2)
	require.NoError(t, err)
	require.NoError(t, env.graph.RemoveFriendship(ctx, 2, 1))

	assert.Empty(t, env.friends(t, 1))
	assert.Empty(t, env.friends(t, 2))
	assert.ErrorIs(t, env.graph.RemoveFriendship(ctx, 1, 2), model.ErrNotFriends)

	_, err = env.graph.AddFriendship(ctx, 1, 3)
	require.NoError(t, err)
	env.mr.SetError("ERR down")
	require.NoError(t, env.graph.RemoveFriendship(ctx, 1, 3))
	env.mr.SetError("")

	events := env.pending(t)
	require.Len(t, events, 1)
	assert.Equal(t, model.MutationFriendRemove, events[0].Kind)
}

func TestRecordInteraction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	recorded, err := env.graph.RecordInteraction(ctx, "", 0, 2)
	require.NoError(t, err)
	assert.False(t, recorded, "anonymous actor")

	recorded, err = env.graph.RecordInteraction(ctx, "", 2, 2)
	require.NoError(t, err)
	assert.False(t, recorded, "self interaction")

	recorded, err = env.graph.RecordInteraction(ctx, "evt-1", 1, 2)
	require.NoError(t, err)
	assert.True(t, recorded)

	recorded, err = env.graph.RecordInteraction(ctx, "evt-1", 1, 2)
	require.NoError(t, err)
	assert.False(t, recorded, "duplicate event id")

	recorded, err = env.graph.RecordInteraction(ctx, "", 1, 2)
	require.NoError(t, err)
	assert.True(t, recorded)

	scores, err := env.cache.GetScoresBatch(ctx, 1, []int64{2})
	require.NoError(t, err)
	assert.Equal(t, 2, scores[2])

	// 方向：只记在 actor 名下
	reverse, err := env.cache.GetScoresBatch(ctx, 2, []int64{1})
	require.NoError(t, err)
	assert.Empty(t, reverse)
}

func TestRecordInteractionOutageKeepsEventID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.mr.SetError("ERR down")
	recorded, err := env.graph.RecordInteraction(ctx, "evt-9", 4, 7)
	env.mr.SetError("")
	require.NoError(t, err)
	assert.True(t, recorded)

	events := env.pending(t)
	require.Len(t, events, 1)
	assert.Equal(t, model.MutationScoreUp, events[0].Kind)
	assert.Equal(t, "evt-9", events[0].EventID)
	assert.Equal(t, 1, events[0].Increment)
}

func TestWithdrawMember(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, e := range [][2]int64{{1, 2}, {1, 3}, {2, 3}} {
		_, err := env.graph.AddFriendship(ctx, e[0], e[1])
		require.NoError(t, err)
	}
	_, err := env.graph.RecordInteraction(ctx, "a", 2, 1)
	require.NoError(t, err)
	_, err = env.graph.RecordInteraction(ctx, "b", 1, 3)
	require.NoError(t, err)

	former, err := env.graph.WithdrawMember(ctx, 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{2, 3}, former)

	assert.Empty(t, env.friends(t, 1))
	assert.Equal(t, []int64{3}, env.friends(t, 2))
	assert.Equal(t, []int64{2}, env.friends(t, 3))
	assert.False(t, env.mr.Exists(model.ScoreKey(1)))
	assert.False(t, env.mr.Exists(model.ScoreKey(2)))

	ids, err := env.source.ListFriendIDs(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestWithdrawMemberOutageQueuesEveryEdge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, e := range [][2]int64{{1, 2}, {1, 3}} {
		_, err := env.graph.AddFriendship(ctx, e[0], e[1])
		require.NoError(t, err)
	}
	_, err := env.graph.RecordInteraction(ctx, "a", 2, 1)
	require.NoError(t, err)
	_, err = env.graph.RecordInteraction(ctx, "b", 1, 3)
	require.NoError(t, err)

	env.mr.SetError("ERR down")
	former, err := env.graph.WithdrawMember(ctx, 1)
	env.mr.SetError("")
	require.NoError(t, err)
	assert.Len(t, former, 2)

	events := env.pending(t)
	require.Len(t, events, 3)
	targets := []int64{events[0].TargetID, events[1].TargetID}
	assert.ElementsMatch(t, []int64{2, 3}, targets)
	for _, e := range events[:2] {
		assert.Equal(t, model.MutationFriendRemove, e.Kind)
		assert.Equal(t, int64(1), e.MemberID)
	}
	assert.Equal(t, model.MutationScoreScrub, events[2].Kind)
	assert.Equal(t, int64(1), events[2].MemberID)

	// 恢复后重放清掉邻接和互动分残留
	sched := NewDLQScheduler(env.cache, env.dlq, env.source, &recordingNotifier{}, SchedulerOptions{MaxRetry: 3, BatchSize: 10}, logger.NewNopLogger())
	report, err := sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Processed)

	assert.Empty(t, env.friends(t, 1))
	assert.Empty(t, env.friends(t, 2))
	assert.Empty(t, env.friends(t, 3))
	assert.False(t, env.mr.Exists(model.ScoreKey(1)))
	scores, err := env.cache.GetScoresBatch(ctx, 2, []int64{1})
	require.NoError(t, err)
	assert.Empty(t, scores)
}

func TestQueuedFriendAddDoesNotResurrectRemovedEdge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.mr.SetError("ERR down")
	_, err := env.graph.AddFriendship(ctx, 1, 2)
	require.NoError(t, err)
	env.mr.SetError("")
	require.Len(t, env.pending(t), 1)

	require.NoError(t, env.graph.RemoveFriendship(ctx, 1, 2))

	sched := NewDLQScheduler(env.cache, env.dlq, env.source, &recordingNotifier{}, SchedulerOptions{MaxRetry: 3, BatchSize: 10}, logger.NewNopLogger())
	report, err := sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)

	ids, err := env.source.ListFriendIDs(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Empty(t, env.friends(t, 1))
	assert.Empty(t, env.friends(t, 2))
	assert.Empty(t, env.pending(t))
}

func TestQueuedFriendRemoveKeepsReaddedEdge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.graph.AddFriendship(ctx, 1, 2)
	require.NoError(t, err)

	env.mr.SetError("ERR down")
	require.NoError(t, env.graph.RemoveFriendship(ctx, 1, 2))
	env.mr.SetError("")
	require.Len(t, env.pending(t), 1)

	_, err = env.graph.AddFriendship(ctx, 2, 1)
	require.NoError(t, err)

	sched := NewDLQScheduler(env.cache, env.dlq, env.source, &recordingNotifier{}, SchedulerOptions{MaxRetry: 3, BatchSize: 10}, logger.NewNopLogger())
	_, err = sched.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, []int64{2}, env.friends(t, 1))
	assert.Equal(t, []int64{1}, env.friends(t, 2))
	assert.Empty(t, env.pending(t))
}

func TestGetFriendsFallsBackToDatabase(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.source.CreateFriendship(ctx, 1, 2)
	require.NoError(t, err)

	ids, err := env.graph.GetFriends(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids)

	env.mr.SetError("ERR down")
	ids, err = env.graph.GetFriends(ctx, 2)
	env.mr.SetError("")
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)

	_, err = env.graph.GetFriends(ctx, 0)
	assert.ErrorIs(t, err, model.ErrInvalidMember)
}
