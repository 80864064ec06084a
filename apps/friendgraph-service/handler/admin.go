package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"goim-friendgraph/apps/friendgraph-service/service"
	"goim-friendgraph/pkg/httpx"
	"goim-friendgraph/pkg/logger"
)

type listFailedRequest struct {
	AfterID int64 `json:"after_id"`
	Limit   int   `json:"limit"`
}

type requeueRequest struct {
	IDs []int64 `json:"ids" binding:"required,min=1"`
}

// Rebuild 从关系库重建缓存
func (h *HTTPHandler) Rebuild(c *gin.Context) {
	var opts service.RebuildOptions
	if c.Request.ContentLength > 0 && !h.bind(c, &opts) {
		return
	}

	// 客户端断开不中断重建，进度由检查点保存
	ctx := context.WithoutCancel(c.Request.Context())
	h.log.Info(ctx, "Rebuild triggered",
		logger.F("resume", opts.Resume),
		logger.F("flush", opts.Flush),
		logger.F("chunkSize", opts.ChunkSize))

	report, err := h.rebuild.Rebuild(ctx, opts)
	if err != nil {
		h.fail(c, "Rebuild failed", err)
		return
	}
	httpx.OK(c, "重建完成", report)
}

// DLQStats 死信队列统计
func (h *HTTPHandler) DLQStats(c *gin.Context) {
	stats, err := h.dlq.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, "DLQ stats failed", err)
		return
	}
	httpx.OK(c, "查询成功", stats)
}

// DLQDrain 立即重放全部待处理事件
func (h *HTTPHandler) DLQDrain(c *gin.Context) {
	report, err := h.dlq.Drain(c.Request.Context())
	if err != nil {
		h.fail(c, "DLQ drain failed", err)
		return
	}
	httpx.OK(c, "重放完成", report)
}

// DLQListFailed 列出终态失败事件
func (h *HTTPHandler) DLQListFailed(c *gin.Context) {
	var req listFailedRequest
	if c.Request.ContentLength > 0 && !h.bind(c, &req) {
		return
	}

	events, err := h.dlq.ListFailed(c.Request.Context(), req.AfterID, req.Limit)
	if err != nil {
		h.fail(c, "DLQ list failed events failed", err)
		return
	}
	httpx.OK(c, "查询成功", gin.H{"events": events, "count": len(events)})
}

// DLQRequeue 把失败事件放回队列
func (h *HTTPHandler) DLQRequeue(c *gin.Context) {
	var req requeueRequest
	if !h.bind(c, &req) {
		return
	}

	n, err := h.dlq.Requeue(c.Request.Context(), req.IDs)
	if err != nil {
		h.fail(c, "DLQ requeue failed", err)
		return
	}
	httpx.OK(c, "已重新入队", gin.H{"requeued": n})
}
