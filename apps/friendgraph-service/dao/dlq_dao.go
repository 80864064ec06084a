package dao

import (
	"context"
	"time"

	"goim-friendgraph/apps/friendgraph-service/model"
	"goim-friendgraph/pkg/database"
)

// dlqDAO 死信队列实现
type dlqDAO struct {
	db *database.PostgreSQL
}

// NewDLQDAO 创建死信队列DAO
func NewDLQDAO(db *database.PostgreSQL) DLQDAO {
	return &dlqDAO{db: db}
}

// Enqueue 写入PENDING事件
func (d *dlqDAO) Enqueue(ctx context.Context, events ...*model.CacheMutationEvent) error {
	if len(events) == 0 {
		return nil
	}
	for _, e := range events {
		if e.Status == "" {
			e.Status = model.EventStatusPending
		}
	}
	return d.db.GetDB().WithContext(ctx).Create(events).Error
}

// FetchPending retry_count <= maxRetry，超过的事件已是FAILED
func (d *dlqDAO) FetchPending(ctx context.Context, maxRetry int, after model.DLQCursor, limit int) ([]*model.CacheMutationEvent, error) {
	query := d.db.GetDB().WithContext(ctx).
		Where("status = ? AND retry_count <= ?", model.EventStatusPending, maxRetry)
	if !after.IsZero() {
		query = query.Where("(created_at > ? OR (created_at = ? AND id > ?))", after.CreatedAt, after.CreatedAt, after.ID)
	}

	var events []*model.CacheMutationEvent
	err := query.Order("created_at ASC, id ASC").Limit(limit).Find(&events).Error
	return events, err
}

// MarkProcessed 批量标记成功，只更新仍为PENDING的行
func (d *dlqDAO) MarkProcessed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return d.db.GetDB().WithContext(ctx).
		Model(&model.CacheMutationEvent{}).
		Where("id IN ? AND status = ?", ids, model.EventStatusPending).
		Updates(map[string]interface{}{
			"status":     model.EventStatusProcessed,
			"updated_at": time.Now(),
		}).Error
}

// SaveRetry 保存重试结果（状态、次数、错误）
func (d *dlqDAO) SaveRetry(ctx context.Context, event *model.CacheMutationEvent) error {
	return d.db.GetDB().WithContext(ctx).
		Model(&model.CacheMutationEvent{}).
		Where("id = ?", event.ID).
		Updates(map[string]interface{}{
			"status":      event.Status,
			"retry_count": event.RetryCount,
			"last_error":  event.LastError,
			"updated_at":  time.Now(),
		}).Error
}

// CountByStatus 按状态统计
func (d *dlqDAO) CountByStatus(ctx context.Context) (*model.DLQStats, error) {
	var rows []struct {
		Status string
		Total  int64
	}
	err := d.db.GetDB().WithContext(ctx).
		Model(&model.CacheMutationEvent{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	stats := &model.DLQStats{}
	for _, r := range rows {
		switch r.Status {
		case model.EventStatusPending:
			stats.Pending = r.Total
		case model.EventStatusProcessed:
			stats.Processed = r.Total
		case model.EventStatusFailed:
			stats.Failed = r.Total
		}
	}
	return stats, nil
}

// ListFailed 分页列出FAILED事件
func (d *dlqDAO) ListFailed(ctx context.Context, afterID int64, limit int) ([]*model.CacheMutationEvent, error) {
	var events []*model.CacheMutationEvent
	err := d.db.GetDB().WithContext(ctx).
		Where("status = ? AND id > ?", model.EventStatusFailed, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// Requeue 人工处理后把FAILED事件放回队列
func (d *dlqDAO) Requeue(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := d.db.GetDB().WithContext(ctx).
		Model(&model.CacheMutationEvent{}).
		Where("id IN ? AND status = ?", ids, model.EventStatusFailed).
		Updates(map[string]interface{}{
			"status":      model.EventStatusPending,
			"retry_count": 0,
			"updated_at":  time.Now(),
		})
	return result.RowsAffected, result.Error
}
