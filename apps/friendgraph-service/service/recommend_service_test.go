package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goim-friendgraph/apps/friendgraph-service/model"
	"goim-friendgraph/pkg/logger"
)

// seedRecommendGraph 1-2, 1-3, 2-3, 2-4, 3-4, 4-5；1→3 互动两次
func seedRecommendGraph(t *testing.T, env *testEnv) {
	t.Helper()
	ctx := context.Background()
	for _, e := range [][2]int64{{1, 2}, {1, 3}, {2, 3}, {2, 4}, {3, 4}, {4, 5}} {
		_, err := env.graph.AddFriendship(ctx, e[0], e[1])
		require.NoError(t, err)
	}
	for _, id := range []string{"i-1", "i-2"} {
		_, err := env.graph.RecordInteraction(ctx, id, 1, 3)
		require.NoError(t, err)
	}
}

func candidates(items []model.RecommendedFriend) []int64 {
	ids := make([]int64, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.CandidateID)
	}
	return ids
}

func TestRecommendFromCache(t *testing.T) {
	env := newTestEnv(t)
	seedRecommendGraph(t, env)
	svc := NewRecommendService(env.source, env.cache, 20, 100, logger.NewNopLogger())

	page, err := svc.Recommend(context.Background(), model.RecommendQuery{MemberID: 1})
	require.NoError(t, err)

	assert.Equal(t, SourceCache, page.Source)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, []model.RecommendedFriend{
		{CandidateID: 3, Depth: 1, AcquaintanceScore: 3, InteractionScore: 2, MutualFriends: 1},
		{CandidateID: 4, Depth: 2, AcquaintanceScore: 2, InteractionScore: 0, MutualFriends: 2},
		{CandidateID: 2, Depth: 1, AcquaintanceScore: 1, InteractionScore: 0, MutualFriends: 1},
	}, page.Items)
}

func TestRecommendFallsBackToDatabase(t *testing.T) {
	env := newTestEnv(t)
	seedRecommendGraph(t, env)
	ctx := context.Background()
	svc := NewRecommendService(env.source, env.cache, 20, 100, logger.NewNopLogger())

	fromCache, err := svc.Recommend(ctx, model.RecommendQuery{MemberID: 1})
	require.NoError(t, err)

	env.mr.Del(model.FriendsKey(1))
	fromDB, err := svc.Recommend(ctx, model.RecommendQuery{MemberID: 1})
	require.NoError(t, err)

	assert.Equal(t, SourceDatabase, fromDB.Source)
	assert.Equal(t, fromCache.Items, fromDB.Items)
}

func TestComputeRelationsMatchesDatabase(t *testing.T) {
	env := newTestEnv(t)
	seedRecommendGraph(t, env)
	ctx := context.Background()

	for _, memberID := range []int64{1, 2, 4, 5} {
		friends, err := env.cache.GetFriends(ctx, memberID)
		require.NoError(t, err)
		adjacency, err := env.cache.GetFriendsBatch(ctx, friends)
		require.NoError(t, err)

		fromDB, err := env.source.FindTwoDegreeRelations(ctx, memberID)
		require.NoError(t, err)
		assert.Equal(t, fromDB, computeRelations(memberID, friends, adjacency), "member %d", memberID)
	}
}

func TestRecommendPagingAndDepthFilter(t *testing.T) {
	env := newTestEnv(t)
	seedRecommendGraph(t, env)
	ctx := context.Background()
	svc := NewRecommendService(env.source, env.cache, 20, 2, logger.NewNopLogger())

	page, err := svc.Recommend(ctx, model.RecommendQuery{MemberID: 1, Page: 2, PageSize: 50})
	require.NoError(t, err)
	assert.Equal(t, 2, page.PageSize, "clamped to max")
	assert.Equal(t, []int64{2}, candidates(page.Items))

	page, err = svc.Recommend(ctx, model.RecommendQuery{MemberID: 1, Page: 3, PageSize: 2})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Equal(t, 3, page.Total)

	page, err = svc.Recommend(ctx, model.RecommendQuery{MemberID: 1, Depth: model.DepthSecond})
	require.NoError(t, err)
	assert.Equal(t, []int64{4}, candidates(page.Items))
	assert.Equal(t, 1, page.Total)

	_, err = svc.Recommend(ctx, model.RecommendQuery{MemberID: 1, Depth: 3})
	assert.ErrorIs(t, err, model.ErrInvalidDepth)

	_, err = svc.Recommend(ctx, model.RecommendQuery{MemberID: 0})
	assert.ErrorIs(t, err, model.ErrInvalidMember)
}

func TestRecommendMemberWithoutFriends(t *testing.T) {
	env := newTestEnv(t)
	svc := NewRecommendService(env.source, env.cache, 20, 100, logger.NewNopLogger())

	page, err := svc.Recommend(context.Background(), model.RecommendQuery{MemberID: 42})
	require.NoError(t, err)
	assert.Equal(t, SourceDatabase, page.Source)
	assert.Empty(t, page.Items)
	assert.Equal(t, 0, page.Total)
}

func TestSortRecommendationsTieBreak(t *testing.T) {
	items := []model.RecommendedFriend{
		{CandidateID: 9, Depth: 2, AcquaintanceScore: 4},
		{CandidateID: 7, Depth: 1, AcquaintanceScore: 4},
		{CandidateID: 3, Depth: 2, AcquaintanceScore: 4},
		{CandidateID: 1, Depth: 2, AcquaintanceScore: 1},
		{CandidateID: 5, Depth: 1, AcquaintanceScore: 6},
	}
	sortRecommendations(items)
	assert.Equal(t, []int64{5, 7, 3, 9, 1}, candidates(items))
}
