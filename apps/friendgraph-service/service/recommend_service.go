package service

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"goim-friendgraph/apps/friendgraph-service/cache"
	"goim-friendgraph/apps/friendgraph-service/dao"
	"goim-friendgraph/apps/friendgraph-service/model"
	"goim-friendgraph/pkg/logger"
	"goim-friendgraph/pkg/telemetry"
)

// 关系来源
const (
	SourceCache    = "cache"
	SourceDatabase = "database"
)

// RecommendService 基于一度/二度关系和互动分的好友推荐
type RecommendService struct {
	source          dao.GraphSourceDAO
	store           cache.GraphStore
	logger          logger.Logger
	defaultPageSize int
	maxPageSize     int
}

// NewRecommendService 创建推荐服务
func NewRecommendService(source dao.GraphSourceDAO, store cache.GraphStore, defaultPageSize, maxPageSize int, log logger.Logger) *RecommendService {
	if maxPageSize <= 0 {
		maxPageSize = model.MaxPageSize
	}
	if defaultPageSize <= 0 {
		defaultPageSize = model.DefaultPageSize
	}
	if defaultPageSize > maxPageSize {
		defaultPageSize = maxPageSize
	}
	return &RecommendService{
		source:          source,
		store:           store,
		logger:          log,
		defaultPageSize: defaultPageSize,
		maxPageSize:     maxPageSize,
	}
}

// Recommend 熟人分 = 互动分(M→C) + 共同好友数
// 排序：熟人分降序，深度升序，候选ID升序
func (s *RecommendService) Recommend(ctx context.Context, q model.RecommendQuery) (*model.RecommendPage, error) {
	ctx, span := telemetry.StartSpan(ctx, "friendgraph.Recommend")
	defer span.End()
	span.SetAttributes(attribute.Int64("member_id", q.MemberID))

	if q.MemberID <= 0 {
		return nil, model.ErrInvalidMember
	}
	if q.Depth != 0 && q.Depth != model.DepthDirect && q.Depth != model.DepthSecond {
		return nil, fmt.Errorf("%w: got %d", model.ErrInvalidDepth, q.Depth)
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = s.defaultPageSize
	}
	if q.PageSize > s.maxPageSize {
		q.PageSize = s.maxPageSize
	}

	relations, from, err := s.relations(ctx, q.MemberID)
	if err != nil {
		return nil, err
	}

	candidates := make([]int64, 0, len(relations))
	for _, r := range relations {
		if q.Depth == 0 || r.Depth == q.Depth {
			candidates = append(candidates, r.CandidateID)
		}
	}

	scores, err := s.store.GetScoresBatch(ctx, q.MemberID, candidates)
	if err != nil {
		// 互动分缺失只影响排序
		s.logger.Warn(ctx, "Read interaction scores failed, ranking by mutual friends", logger.F("memberID", q.MemberID), logger.Err(err))
		scores = nil
	}

	items := make([]model.RecommendedFriend, 0, len(candidates))
	for _, r := range relations {
		if q.Depth != 0 && r.Depth != q.Depth {
			continue
		}
		score := scores[r.CandidateID]
		items = append(items, model.RecommendedFriend{
			CandidateID:       r.CandidateID,
			Depth:             r.Depth,
			AcquaintanceScore: score + r.MutualFriends,
			InteractionScore:  score,
			MutualFriends:     r.MutualFriends,
		})
	}
	sortRecommendations(items)

	page := &model.RecommendPage{
		Total:    len(items),
		Page:     q.Page,
		PageSize: q.PageSize,
		Source:   from,
		Items:    []model.RecommendedFriend{},
	}
	start := (q.Page - 1) * q.PageSize
	if start < len(items) {
		end := start + q.PageSize
		if end > len(items) {
			end = len(items)
		}
		page.Items = items[start:end]
	}
	return page, nil
}

// relations 优先用缓存计算，成员邻接缺失或缓存出错时回源关系库
func (s *RecommendService) relations(ctx context.Context, memberID int64) ([]model.TwoDegreeRelation, string, error) {
	relations, err := s.relationsFromCache(ctx, memberID)
	if err != nil {
		s.logger.Warn(ctx, "Compute relations from cache failed, falling back to database", logger.F("memberID", memberID), logger.Err(err))
	}
	if err == nil && relations != nil {
		return relations, SourceCache, nil
	}

	relations, err = s.source.FindTwoDegreeRelations(ctx, memberID)
	if err != nil {
		return nil, "", fmt.Errorf("find two degree relations of %d: %w", memberID, err)
	}
	return relations, SourceDatabase, nil
}

// relationsFromCache 未命中返回 nil, nil
func (s *RecommendService) relationsFromCache(ctx context.Context, memberID int64) ([]model.TwoDegreeRelation, error) {
	friends, err := s.store.GetFriends(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if len(friends) == 0 {
		return nil, nil
	}

	adjacency, err := s.store.GetFriendsBatch(ctx, friends)
	if err != nil {
		return nil, err
	}
	return computeRelations(memberID, friends, adjacency), nil
}

// computeRelations 由邻接表计算一度（含共同好友数）和二度关系
func computeRelations(memberID int64, friends []int64, adjacency map[int64][]int64) []model.TwoDegreeRelation {
	direct := make(map[int64]struct{}, len(friends))
	for _, f := range friends {
		direct[f] = struct{}{}
	}

	relations := make([]model.TwoDegreeRelation, 0, len(friends))
	second := make(map[int64]int)
	for _, f := range friends {
		mutual := 0
		for _, x := range adjacency[f] {
			if x == memberID {
				continue
			}
			if _, ok := direct[x]; ok {
				mutual++
				continue
			}
			second[x]++
		}
		relations = append(relations, model.TwoDegreeRelation{CandidateID: f, Depth: model.DepthDirect, MutualFriends: mutual})
	}
	for candidate, mutual := range second {
		relations = append(relations, model.TwoDegreeRelation{CandidateID: candidate, Depth: model.DepthSecond, MutualFriends: mutual})
	}

	sort.Slice(relations, func(i, j int) bool {
		if relations[i].Depth != relations[j].Depth {
			return relations[i].Depth < relations[j].Depth
		}
		return relations[i].CandidateID < relations[j].CandidateID
	})
	return relations
}

func sortRecommendations(items []model.RecommendedFriend) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.AcquaintanceScore != b.AcquaintanceScore {
			return a.AcquaintanceScore > b.AcquaintanceScore
		}
		if a.Depth != b.Depth {
			return a.Depth < b.Depth
		}
		return a.CandidateID < b.CandidateID
	})
}
