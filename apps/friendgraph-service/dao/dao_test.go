package dao

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"goim-friendgraph/apps/friendgraph-service/model"
	"goim-friendgraph/pkg/database"
)

func newTestDB(t *testing.T) *database.PostgreSQL {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "friendgraph.db")), database.GormConfig("silent"))
	require.NoError(t, err)

	p, err := database.Wrap(db, "friendgraph")
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = p.Close() })

	require.NoError(t, p.AutoMigrate(
		&model.Friendship{},
		&model.Post{},
		&model.PostLike{},
		&model.Comment{},
		&model.CommentLike{},
		&model.CacheMutationEvent{},
		&model.RebuildCheckpoint{},
	))
	return p
}

func member(id int64) *int64 { return &id }

func seedFriendships(t *testing.T, d GraphSourceDAO, edges [][2]int64) {
	t.Helper()
	for _, e := range edges {
		_, err := d.CreateFriendship(context.Background(), e[0], e[1])
		require.NoError(t, err)
	}
}

// ============ 好友关系 ============

func TestCreateFriendship(t *testing.T) {
	d := NewGraphSourceDAO(newTestDB(t))
	ctx := context.Background()

	f, err := d.CreateFriendship(ctx, 9, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), f.MemberID)
	assert.Equal(t, int64(9), f.FriendID)

	_, err = d.CreateFriendship(ctx, 3, 9)
	assert.ErrorIs(t, err, model.ErrAlreadyFriends)

	_, err = d.CreateFriendship(ctx, 4, 4)
	assert.ErrorIs(t, err, model.ErrSelfLoop)

	_, err = d.CreateFriendship(ctx, 0, 4)
	assert.ErrorIs(t, err, model.ErrInvalidMember)
}

func TestCreateFriendshipConcurrentDuplicates(t *testing.T) {
	db := newTestDB(t)
	d := NewGraphSourceDAO(db)
	ctx := context.Background()

	// 唯一索引冲突被翻译成统一错误
	err := db.GetDB().Create(&model.Friendship{MemberID: 1, FriendID: 2}).Error
	require.NoError(t, err)
	err = db.GetDB().Create(&model.Friendship{MemberID: 1, FriendID: 2}).Error
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, errs[i] = d.CreateFriendship(ctx, 3, 4)
			} else {
				_, errs[i] = d.CreateFriendship(ctx, 4, 3)
			}
		}(i)
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		if err == nil {
			created++
			continue
		}
		assert.ErrorIs(t, err, model.ErrAlreadyFriends)
	}
	assert.Equal(t, 1, created)
}

func TestExistingFriendships(t *testing.T) {
	d := NewGraphSourceDAO(newTestDB(t))
	ctx := context.Background()
	seedFriendships(t, d, [][2]int64{{1, 2}, {3, 4}})

	// (1,4)、(3,2) 是两列IN的交叉组合，不能算作存在
	existing, err := d.ExistingFriendships(ctx, [][2]int64{{2, 1}, {1, 4}, {3, 2}, {4, 3}, {5, 6}})
	require.NoError(t, err)
	assert.Equal(t, map[[2]int64]bool{{1, 2}: true, {3, 4}: true}, existing)

	existing, err = d.ExistingFriendships(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, existing)
}

func TestDeleteFriendship(t *testing.T) {
	d := NewGraphSourceDAO(newTestDB(t))
	ctx := context.Background()
	seedFriendships(t, d, [][2]int64{{1, 2}})

	deleted, err := d.DeleteFriendship(ctx, 2, 1)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = d.DeleteFriendship(ctx, 2, 1)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestListFriendIDsAndDeleteAllForMember(t *testing.T) {
	d := NewGraphSourceDAO(newTestDB(t))
	ctx := context.Background()
	seedFriendships(t, d, [][2]int64{{5, 1}, {5, 9}, {2, 5}, {1, 2}})

	ids, err := d.ListFriendIDs(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 9}, ids)

	former, err := d.DeleteAllForMember(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 9}, former)

	ids, err = d.ListFriendIDs(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = d.ListFriendIDs(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids)
}

// ============ 分块读取 ============

func TestFriendshipChunksComplete(t *testing.T) {
	d := NewGraphSourceDAO(newTestDB(t))
	ctx := context.Background()
	seedFriendships(t, d, [][2]int64{{1, 2}, {2, 3}, {1, 4}, {4, 5}, {5, 6}, {6, 7}, {3, 7}})

	var all []model.FriendshipPair
	var afterID int64
	for {
		chunk, err := d.GetFriendshipPairsChunk(ctx, afterID, 3)
		require.NoError(t, err)
		all = append(all, chunk...)
		if len(chunk) < 3 {
			break
		}
		afterID = chunk[len(chunk)-1].EdgeID
	}

	require.Len(t, all, 7)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].EdgeID, all[i].EdgeID)
	}
	assert.Equal(t, model.FriendshipPair{EdgeID: all[0].EdgeID, MemberID: 1, FriendID: 2}, all[0])
}

func TestFriendshipChunksWithConcurrentWrites(t *testing.T) {
	d := NewGraphSourceDAO(newTestDB(t))
	ctx := context.Background()
	seedFriendships(t, d, [][2]int64{{1, 2}, {1, 3}, {1, 4}, {1, 5}, {1, 6}})

	first, err := d.GetFriendshipPairsChunk(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)

	// 扫描过程中删除一行未读的、插入一行新的
	_, err = d.DeleteFriendship(ctx, 1, 4)
	require.NoError(t, err)
	seedFriendships(t, d, [][2]int64{{2, 3}})

	all := append([]model.FriendshipPair{}, first...)
	afterID := first[len(first)-1].EdgeID
	for {
		chunk, err := d.GetFriendshipPairsChunk(ctx, afterID, 2)
		require.NoError(t, err)
		all = append(all, chunk...)
		if len(chunk) < 2 {
			break
		}
		afterID = chunk[len(chunk)-1].EdgeID
	}

	seen := make(map[[2]int64]int)
	for _, p := range all {
		seen[[2]int64{p.MemberID, p.FriendID}]++
	}
	// 整个扫描期间都存在的行恰好出现一次
	for _, e := range [][2]int64{{1, 2}, {1, 3}, {1, 5}, {1, 6}} {
		assert.Equal(t, 1, seen[e], "edge %v", e)
	}
	assert.Equal(t, 0, seen[[2]int64{1, 4}])
	assert.Equal(t, 1, seen[[2]int64{2, 3}])
}

func collectInteractionChunks(t *testing.T, size int, read func(afterDrive, afterJoin int64, size int) ([]model.InteractionPair, error)) []model.InteractionPair {
	t.Helper()
	var all []model.InteractionPair
	var afterDrive, afterJoin int64
	for {
		chunk, err := read(afterDrive, afterJoin, size)
		require.NoError(t, err)
		all = append(all, chunk...)
		if len(chunk) < size {
			return all
		}
		last := chunk[len(chunk)-1]
		afterDrive, afterJoin = last.DriveID, last.JoinID
	}
}

func TestPostLikeChunks(t *testing.T) {
	p := newTestDB(t)
	d := NewGraphSourceDAO(p)
	ctx := context.Background()
	db := p.GetDB()

	require.NoError(t, db.Create(&[]model.Post{{ID: 10, MemberID: 100}, {ID: 11, MemberID: 101}}).Error)
	require.NoError(t, db.Create(&[]model.PostLike{
		{ID: 1, PostID: 10, MemberID: member(200)},
		{ID: 2, PostID: 10, MemberID: nil},
		{ID: 3, PostID: 11, MemberID: member(101)},
		{ID: 4, PostID: 11, MemberID: member(200)},
		{ID: 5, PostID: 10, MemberID: member(201)},
	}).Error)

	want := []model.InteractionPair{
		{DriveID: 1, JoinID: 10, ActorID: 200, OwnerID: 100},
		{DriveID: 4, JoinID: 11, ActorID: 200, OwnerID: 101},
		{DriveID: 5, JoinID: 10, ActorID: 201, OwnerID: 100},
	}
	for _, size := range []int{1, 2, 3, 10} {
		got := collectInteractionChunks(t, size, func(a, b int64, n int) ([]model.InteractionPair, error) {
			return d.GetPostLikePairsChunk(ctx, a, b, n)
		})
		assert.Equal(t, want, got, "chunk size %d", size)
	}
}

func TestCommentAndCommentLikeChunks(t *testing.T) {
	p := newTestDB(t)
	d := NewGraphSourceDAO(p)
	ctx := context.Background()
	db := p.GetDB()

	require.NoError(t, db.Create(&[]model.Post{{ID: 10, MemberID: 100}}).Error)
	require.NoError(t, db.Create(&[]model.Comment{
		{ID: 1, PostID: 10, MemberID: member(200)},
		{ID: 2, PostID: 10, MemberID: member(100)},
		{ID: 3, PostID: 10, MemberID: nil},
		{ID: 4, PostID: 10, MemberID: member(201)},
	}).Error)
	require.NoError(t, db.Create(&[]model.CommentLike{
		{ID: 1, CommentID: 1, MemberID: member(100)},
		{ID: 2, CommentID: 1, MemberID: member(200)},
		{ID: 3, CommentID: 3, MemberID: member(202)},
		{ID: 4, CommentID: 4, MemberID: nil},
		{ID: 5, CommentID: 2, MemberID: member(201)},
	}).Error)

	comments := collectInteractionChunks(t, 1, func(a, b int64, n int) ([]model.InteractionPair, error) {
		return d.GetCommentPairsChunk(ctx, a, b, n)
	})
	assert.Equal(t, []model.InteractionPair{
		{DriveID: 1, JoinID: 10, ActorID: 200, OwnerID: 100},
		{DriveID: 4, JoinID: 10, ActorID: 201, OwnerID: 100},
	}, comments)

	likes := collectInteractionChunks(t, 2, func(a, b int64, n int) ([]model.InteractionPair, error) {
		return d.GetCommentLikePairsChunk(ctx, a, b, n)
	})
	assert.Equal(t, []model.InteractionPair{
		{DriveID: 1, JoinID: 1, ActorID: 100, OwnerID: 200},
		{DriveID: 5, JoinID: 2, ActorID: 201, OwnerID: 100},
	}, likes)
}

// ============ 推荐 ============

func TestFindTwoDegreeRelationsExcludesDirectFriends(t *testing.T) {
	d := NewGraphSourceDAO(newTestDB(t))
	ctx := context.Background()
	seedFriendships(t, d, [][2]int64{{1, 2}, {2, 3}, {1, 3}})

	relations, err := d.FindTwoDegreeRelations(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, []model.TwoDegreeRelation{
		{CandidateID: 2, Depth: 1, MutualFriends: 1},
		{CandidateID: 3, Depth: 1, MutualFriends: 1},
	}, relations)
}

func TestFindTwoDegreeRelations(t *testing.T) {
	d := NewGraphSourceDAO(newTestDB(t))
	ctx := context.Background()
	seedFriendships(t, d, [][2]int64{{1, 2}, {2, 3}, {2, 4}, {1, 4}, {4, 5}, {4, 3}, {6, 7}})

	relations, err := d.FindTwoDegreeRelations(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, []model.TwoDegreeRelation{
		{CandidateID: 2, Depth: 1, MutualFriends: 1},
		{CandidateID: 4, Depth: 1, MutualFriends: 1},
		{CandidateID: 3, Depth: 2, MutualFriends: 2},
		{CandidateID: 5, Depth: 2, MutualFriends: 1},
	}, relations)
}

// ============ 检查点 ============

func TestCheckpoint(t *testing.T) {
	d := NewGraphSourceDAO(newTestDB(t))
	ctx := context.Background()

	cp, err := d.LoadCheckpoint(ctx, model.RebuildCheckpointName)
	require.NoError(t, err)
	assert.Nil(t, cp)

	require.NoError(t, d.SaveCheckpoint(ctx, &model.RebuildCheckpoint{
		Name: model.RebuildCheckpointName, Phase: model.PhaseFriendships, AfterDriveID: 10,
	}))
	require.NoError(t, d.SaveCheckpoint(ctx, &model.RebuildCheckpoint{
		Name: model.RebuildCheckpointName, Phase: model.PhaseComments, AfterDriveID: 7, AfterJoinID: 3,
	}))

	cp, err = d.LoadCheckpoint(ctx, model.RebuildCheckpointName)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, model.PhaseComments, cp.Phase)
	assert.Equal(t, int64(7), cp.AfterDriveID)
	assert.Equal(t, int64(3), cp.AfterJoinID)

	require.NoError(t, d.ClearCheckpoint(ctx, model.RebuildCheckpointName))
	cp, err = d.LoadCheckpoint(ctx, model.RebuildCheckpointName)
	require.NoError(t, err)
	assert.Nil(t, cp)
}

// ============ 死信队列 ============

func seedEvents(t *testing.T, q DLQDAO, n int) []*model.CacheMutationEvent {
	t.Helper()
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	events := make([]*model.CacheMutationEvent, 0, n)
	for i := 0; i < n; i++ {
		e := model.NewCacheMutationEvent(model.FriendAdd(int64(i+1), int64(i+100)), nil)
		// 倒序写入，验证按 created_at 排序
		e.CreatedAt = base.Add(time.Duration(n-i) * time.Second)
		events = append(events, e)
	}
	require.NoError(t, q.Enqueue(context.Background(), events...))
	return events
}

func TestFetchPendingOrderAndCursor(t *testing.T) {
	q := NewDLQDAO(newTestDB(t))
	ctx := context.Background()
	seedEvents(t, q, 5)

	page1, err := q.FetchPending(ctx, 3, model.DLQCursor{}, 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, int64(5), page1[0].MemberID)
	assert.Equal(t, int64(4), page1[1].MemberID)

	cursor := model.DLQCursor{}.Advance(page1[1])
	page2, err := q.FetchPending(ctx, 3, cursor, 10)
	require.NoError(t, err)
	require.Len(t, page2, 3)
	assert.Equal(t, []int64{3, 2, 1}, []int64{page2[0].MemberID, page2[1].MemberID, page2[2].MemberID})
}

func TestDLQLifecycle(t *testing.T) {
	q := NewDLQDAO(newTestDB(t))
	ctx := context.Background()
	events := seedEvents(t, q, 3)

	require.NoError(t, q.MarkProcessed(ctx, []int64{events[0].ID}))

	failed := events[1]
	failed.RetryCount = 4
	failed.Status = model.EventStatusFailed
	failed.LastError = "connection refused"
	require.NoError(t, q.SaveRetry(ctx, failed))

	stats, err := q.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.DLQStats{Pending: 1, Processed: 1, Failed: 1}, *stats)

	pending, err := q.FetchPending(ctx, 3, model.DLQCursor{}, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, events[2].ID, pending[0].ID)

	list, err := q.ListFailed(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "connection refused", list[0].LastError)

	n, err := q.Requeue(ctx, []int64{failed.ID, events[0].ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	pending, err = q.FetchPending(ctx, 3, model.DLQCursor{}, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestFetchPendingSkipsExhaustedRetries(t *testing.T) {
	q := NewDLQDAO(newTestDB(t))
	ctx := context.Background()
	events := seedEvents(t, q, 2)

	events[0].RetryCount = 4
	events[0].Status = model.EventStatusPending
	require.NoError(t, q.SaveRetry(ctx, events[0]))

	pending, err := q.FetchPending(ctx, 3, model.DLQCursor{}, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, events[1].ID, pending[0].ID)
}
