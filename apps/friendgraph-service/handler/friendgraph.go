package handler

import (
	"github.com/gin-gonic/gin"

	"goim-friendgraph/apps/friendgraph-service/model"
	"goim-friendgraph/pkg/httpx"
)

type friendPairRequest struct {
	MemberID int64 `json:"member_id" binding:"required"`
	FriendID int64 `json:"friend_id" binding:"required"`
}

type memberRequest struct {
	MemberID int64 `json:"member_id" binding:"required"`
}

type interactionRequest struct {
	EventID string `json:"event_id"`
	ActorID int64  `json:"actor_id"`
	OwnerID int64  `json:"owner_id"`
}

type recommendRequest struct {
	MemberID int64 `json:"member_id" binding:"required"`
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
	Depth    int   `json:"depth"`
}

// AddFriend 加好友
func (h *HTTPHandler) AddFriend(c *gin.Context) {
	var req friendPairRequest
	if !h.bind(c, &req) {
		return
	}

	friendship, err := h.graph.AddFriendship(c.Request.Context(), req.MemberID, req.FriendID)
	if err != nil {
		h.fail(c, "Add friend failed", err)
		return
	}
	httpx.OK(c, "添加好友成功", friendship)
}

// DeleteFriend 删除好友
func (h *HTTPHandler) DeleteFriend(c *gin.Context) {
	var req friendPairRequest
	if !h.bind(c, &req) {
		return
	}

	if err := h.graph.RemoveFriendship(c.Request.Context(), req.MemberID, req.FriendID); err != nil {
		h.fail(c, "Delete friend failed", err)
		return
	}
	httpx.OK(c, "删除好友成功", nil)
}

// ListFriends 查询好友ID列表
func (h *HTTPHandler) ListFriends(c *gin.Context) {
	var req memberRequest
	if !h.bind(c, &req) {
		return
	}

	friends, err := h.graph.GetFriends(c.Request.Context(), req.MemberID)
	if err != nil {
		h.fail(c, "List friends failed", err)
		return
	}
	if friends == nil {
		friends = []int64{}
	}
	httpx.OK(c, "查询成功", gin.H{"member_id": req.MemberID, "friend_ids": friends, "total": len(friends)})
}

// RecordInteraction 记录一次互动
func (h *HTTPHandler) RecordInteraction(c *gin.Context) {
	var req interactionRequest
	if !h.bind(c, &req) {
		return
	}

	recorded, err := h.graph.RecordInteraction(c.Request.Context(), req.EventID, req.ActorID, req.OwnerID)
	if err != nil {
		h.fail(c, "Record interaction failed", err)
		return
	}
	httpx.OK(c, "ok", gin.H{"recorded": recorded})
}

// WithdrawMember 注销成员
func (h *HTTPHandler) WithdrawMember(c *gin.Context) {
	var req memberRequest
	if !h.bind(c, &req) {
		return
	}

	former, err := h.graph.WithdrawMember(c.Request.Context(), req.MemberID)
	if err != nil {
		h.fail(c, "Withdraw member failed", err)
		return
	}
	if former == nil {
		former = []int64{}
	}
	httpx.OK(c, "注销成功", gin.H{"member_id": req.MemberID, "former_friend_ids": former})
}

// Recommend 好友推荐
func (h *HTTPHandler) Recommend(c *gin.Context) {
	var req recommendRequest
	if !h.bind(c, &req) {
		return
	}

	page, err := h.recommend.Recommend(c.Request.Context(), model.RecommendQuery{
		MemberID: req.MemberID,
		Depth:    req.Depth,
		Page:     req.Page,
		PageSize: req.PageSize,
	})
	if err != nil {
		h.fail(c, "Recommend failed", err)
		return
	}
	httpx.OK(c, "查询成功", page)
}
