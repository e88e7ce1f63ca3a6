package data

import (
	"context"
	"time"

	"affiliate/internal/biz"
	"affiliate/internal/pkg/tracing"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// outboxRepository 发件箱数据访问实现
type outboxRepository struct {
	db     *gorm.DB
	logger *log.Helper
}

// NewOutboxRepository 创建发件箱数据访问实例
func NewOutboxRepository(db *gorm.DB, logger log.Logger) biz.OutboxRepository {
	return &outboxRepository{db: db, logger: log.NewHelper(logger)}
}

func (r *outboxRepository) Enqueue(ctx context.Context, event *biz.OutboxEvent) error {
	ctx, span := tracing.StartSpan(ctx, "OutboxRepository.Enqueue")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"event_id":   event.EventID,
		"event_type": event.EventType,
	})

	if err := dbFrom(ctx, r.db).Create(event).Error; err != nil {
		r.logger.WithContext(ctx).Errorf("Failed to enqueue outbox event type: %s, error: %v", event.EventType, err)
		return err
	}
	return nil
}

func (r *outboxRepository) ListPending(ctx context.Context, limit int) ([]*biz.OutboxEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "OutboxRepository.ListPending")
	defer span.End()

	var events []*biz.OutboxEvent
	err := dbFrom(ctx, r.db).
		Where("status = ?", biz.OutboxPending).
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (r *outboxRepository) MarkSent(ctx context.Context, id int64, at time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "OutboxRepository.MarkSent")
	defer span.End()

	return dbFrom(ctx, r.db).Model(&biz.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":   biz.OutboxSent,
			"sent_at":  at,
			"attempts": gorm.Expr("attempts + 1"),
		}).Error
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id int64, reason string, park bool) error {
	ctx, span := tracing.StartSpan(ctx, "OutboxRepository.MarkFailed")
	defer span.End()

	updates := map[string]interface{}{
		"last_error": reason,
		"attempts":   gorm.Expr("attempts + 1"),
	}
	if park {
		updates["status"] = biz.OutboxFailed
	}
	return dbFrom(ctx, r.db).Model(&biz.OutboxEvent{}).
		Where("id = ?", id).
		Updates(updates).Error
}
