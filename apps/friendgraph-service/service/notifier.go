package service

import (
	"context"
	"strconv"

	"goim-friendgraph/apps/friendgraph-service/model"
	"goim-friendgraph/pkg/logger"
)

// FailureNotifier 终态失败事件通知
type FailureNotifier interface {
	NotifyFailed(ctx context.Context, notice model.DLQFailedNotice)
}

// EventPublisher 由 kafka.Producer 实现
type EventPublisher interface {
	SendJSON(ctx context.Context, topic, key string, v interface{}) error
}

type failureNotifier struct {
	publisher EventPublisher
	topic     string
	logger    logger.Logger
}

// NewFailureNotifier publisher 为 nil 时只记录日志
func NewFailureNotifier(publisher EventPublisher, topic string, log logger.Logger) FailureNotifier {
	return &failureNotifier{publisher: publisher, topic: topic, logger: log}
}

func (n *failureNotifier) NotifyFailed(ctx context.Context, notice model.DLQFailedNotice) {
	n.logger.Error(ctx, "Cache mutation permanently failed",
		logger.F("eventID", notice.EventID),
		logger.F("kind", notice.Kind),
		logger.F("memberID", notice.MemberID),
		logger.F("targetID", notice.TargetID),
		logger.F("retryCount", notice.RetryCount),
		logger.F("lastError", notice.LastError))

	if n.publisher == nil || n.topic == "" {
		return
	}
	key := strconv.FormatInt(notice.MemberID, 10)
	if err := n.publisher.SendJSON(ctx, n.topic, key, notice); err != nil {
		n.logger.Warn(ctx, "Publish failed notice error", logger.F("eventID", notice.EventID), logger.Err(err))
	}
}
