package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"goim-friendgraph/apps/friendgraph-service/model"
	"goim-friendgraph/apps/friendgraph-service/service"
	"goim-friendgraph/pkg/auth"
	"goim-friendgraph/pkg/httpx"
	"goim-friendgraph/pkg/logger"
	"goim-friendgraph/pkg/middleware"
)

// GraphService 好友关系写入与查询
type GraphService interface {
	AddFriendship(ctx context.Context, memberID, friendID int64) (*model.Friendship, error)
	RemoveFriendship(ctx context.Context, memberID, friendID int64) error
	GetFriends(ctx context.Context, memberID int64) ([]int64, error)
	RecordInteraction(ctx context.Context, eventID string, actorID, ownerID int64) (bool, error)
	WithdrawMember(ctx context.Context, memberID int64) ([]int64, error)
}

// Recommender 好友推荐
type Recommender interface {
	Recommend(ctx context.Context, q model.RecommendQuery) (*model.RecommendPage, error)
}

// Rebuilder 缓存重建
type Rebuilder interface {
	Rebuild(ctx context.Context, opts service.RebuildOptions) (*model.RebuildReport, error)
}

// DLQAdmin 死信队列运维
type DLQAdmin interface {
	Stats(ctx context.Context) (*model.DLQStats, error)
	Drain(ctx context.Context) (*service.TickReport, error)
	ListFailed(ctx context.Context, afterID int64, limit int) ([]*model.CacheMutationEvent, error)
	Requeue(ctx context.Context, ids []int64) (int64, error)
}

// HTTPHandler HTTP协议处理器
type HTTPHandler struct {
	graph     GraphService
	recommend Recommender
	rebuild   Rebuilder
	dlq       DLQAdmin
	auth      *middleware.AuthMiddleware
	log       logger.Logger
}

// NewHTTPHandler 创建HTTP处理器
func NewHTTPHandler(graph GraphService, recommend Recommender, rebuild Rebuilder, dlq DLQAdmin, authMiddleware *middleware.AuthMiddleware, log logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		graph:     graph,
		recommend: recommend,
		rebuild:   rebuild,
		dlq:       dlq,
		auth:      authMiddleware,
		log:       log,
	}
}

// RegisterRoutes 注册HTTP路由
func (h *HTTPHandler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1/friendgraph")
	{
		api.POST("/friend/add", h.AddFriend)                 // 加好友
		api.POST("/friend/delete", h.DeleteFriend)           // 删好友
		api.POST("/friend/list", h.ListFriends)              // 好友列表
		api.POST("/interaction/record", h.RecordInteraction) // 记录互动
		api.POST("/member/withdraw", h.WithdrawMember)       // 注销成员
		api.POST("/recommend", h.Recommend)                  // 好友推荐
	}

	admin := r.Group("/admin/friendgraph", h.auth.GinAuth(), h.auth.RequireRole(auth.RoleAdmin))
	{
		admin.POST("/rebuild", h.Rebuild)
		admin.POST("/dlq/stats", h.DLQStats)
		admin.POST("/dlq/drain", h.DLQDrain)
		admin.POST("/dlq/failed", h.DLQListFailed)
		admin.POST("/dlq/requeue", h.DLQRequeue)
	}
}

// statusOf 业务错误映射为HTTP状态码
func statusOf(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidMember), errors.Is(err, model.ErrSelfLoop), errors.Is(err, model.ErrInvalidDepth):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrAlreadyFriends), errors.Is(err, service.ErrTickInProgress):
		return http.StatusConflict
	case errors.Is(err, model.ErrNotFriends):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (h *HTTPHandler) fail(c *gin.Context, msg string, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.log.Error(c.Request.Context(), msg, logger.Err(err))
	} else {
		h.log.Warn(c.Request.Context(), msg, logger.Err(err))
	}
	httpx.Fail(c, status, err.Error())
}

func (h *HTTPHandler) bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		h.log.Warn(c.Request.Context(), "Invalid request", logger.F("path", c.Request.URL.Path), logger.Err(err))
		httpx.Fail(c, http.StatusBadRequest, "Invalid request format")
		return false
	}
	return true
}
