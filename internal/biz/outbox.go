package biz

import (
	"context"
	"encoding/json"
	"strconv"
	"time"
	"unicode/utf8"

	"affiliate/internal/conf"
	"affiliate/internal/pkg/metrics"
	"affiliate/internal/pkg/tracing"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// 领域事件类型
const (
	EventConversionRecorded  = "affiliate.conversion.recorded"
	EventCommissionConfirmed = "affiliate.commission.confirmed"
	EventCommissionCancelled = "affiliate.commission.cancelled"
	EventPointsChanged       = "affiliate.points.changed"
)

// OutboxStatus 发件箱事件状态
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	// OutboxFailed 超过最大投递次数后停放，不再自动重试
	OutboxFailed OutboxStatus = "failed"
)

const (
	defaultOutboxMaxAttempts = 10
	maxOutboxErrorBytes      = 512
)

// OutboxEvent 发件箱表，与业务状态变更在同一事务中写入
type OutboxEvent struct {
	ID           int64        `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	EventID      string       `gorm:"column:event_id;type:varchar(36);uniqueIndex;not null" json:"event_id"`
	EventType    string       `gorm:"column:event_type;type:varchar(64);not null" json:"event_type"`
	PartitionKey string       `gorm:"column:partition_key;type:varchar(64);not null" json:"partition_key"`
	Payload      []byte       `gorm:"column:payload;type:blob;not null" json:"payload"`
	Status       OutboxStatus `gorm:"column:status;type:varchar(16);not null;index:idx_affiliate_outbox_status_id,priority:1" json:"status"`
	Attempts     int          `gorm:"column:attempts;not null;default:0" json:"attempts"`
	LastError    string       `gorm:"column:last_error;type:varchar(512)" json:"last_error,omitempty"`
	CreatedAt    time.Time    `gorm:"column:created_at;not null" json:"created_at"`
	SentAt       *time.Time   `gorm:"column:sent_at" json:"sent_at,omitempty"`
}

// TableName 指定表名
func (OutboxEvent) TableName() string {
	return "affiliate_outbox"
}

// EventEnvelope 投递到事件总线的消息体
type EventEnvelope struct {
	EventID      string          `json:"event_id"`
	EventType    string          `json:"event_type"`
	OccurredAt   time.Time       `json:"occurred_at"`
	PartitionKey string          `json:"partition_key"`
	Data         json.RawMessage `json:"data"`
}

// CommissionEventData 佣金相关事件内容
type CommissionEventData struct {
	AffiliateOrderID int64  `json:"affiliate_order_id"`
	OrderID          int64  `json:"order_id"`
	ReferrerUserID   int64  `json:"referrer_user_id"`
	SellerID         int64  `json:"seller_id"`
	PointsEarned     int64  `json:"points_earned"`
	PointsRate       string `json:"points_rate"`
	Status           string `json:"status"`
}

// PointsChangedData 用户余额变更事件内容
type PointsChangedData struct {
	UserID        int64  `json:"user_id"`
	TransactionID int64  `json:"transaction_id"`
	Type          string `json:"type"`
	Amount        int64  `json:"amount"`
	BalanceAfter  int64  `json:"balance_after"`
}

// OutboxRepository 发件箱数据访问接口
type OutboxRepository interface {
	Enqueue(ctx context.Context, event *OutboxEvent) error
	ListPending(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkSent(ctx context.Context, id int64, at time.Time) error
	// MarkFailed 记录一次投递失败，park 为 true 时事件转为 failed
	MarkFailed(ctx context.Context, id int64, reason string, park bool) error
}

// EventPublisher 事件总线发布接口
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, key string, payload []byte) error
}

// newOutboxEvent 构造发件箱事件，分区键使用推广人用户ID，保证同一用户事件有序
func newOutboxEvent(ids IDGenerator, eventType string, userID int64, data interface{}, now time.Time) (*OutboxEvent, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	key := strconv.FormatInt(userID, 10)
	envelope := EventEnvelope{
		EventID:      uuid.NewString(),
		EventType:    eventType,
		OccurredAt:   now.UTC(),
		PartitionKey: key,
		Data:         raw,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}
	return &OutboxEvent{
		ID:           ids.NextID(),
		EventID:      envelope.EventID,
		EventType:    eventType,
		PartitionKey: key,
		Payload:      payload,
		Status:       OutboxPending,
		CreatedAt:    now,
	}, nil
}

func commissionEventData(order *AffiliateOrder) CommissionEventData {
	return CommissionEventData{
		AffiliateOrderID: order.ID,
		OrderID:          order.OrderID,
		ReferrerUserID:   order.ReferrerUserID,
		SellerID:         order.SellerID,
		PointsEarned:     order.PointsEarned,
		PointsRate:       order.PointsRate.String(),
		Status:           string(order.Status),
	}
}

// OutboxUsecase 发件箱投递
type OutboxUsecase struct {
	repo        OutboxRepository
	publisher   EventPublisher
	maxAttempts int
	metrics     *metrics.Metrics
	now         nowFunc
	log         *log.Helper
}

// NewOutboxUsecase 创建发件箱投递业务实例
func NewOutboxUsecase(repo OutboxRepository, publisher EventPublisher, c *conf.Outbox, m *metrics.Metrics, logger log.Logger) *OutboxUsecase {
	uc := &OutboxUsecase{
		repo:        repo,
		publisher:   publisher,
		maxAttempts: defaultOutboxMaxAttempts,
		metrics:     m,
		now:         time.Now,
		log:         log.NewHelper(logger),
	}
	if c != nil && c.MaxAttempts > 0 {
		uc.maxAttempts = c.MaxAttempts
	}
	return uc
}

// Flush 按写入顺序投递一批待发送事件
// 某个分区键投递失败后，本批次内同一分区键的后续事件不再投递，其它分区照常投递
// 返回成功条数和本批次遇到的第一个错误
func (uc *OutboxUsecase) Flush(ctx context.Context, limit int) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "OutboxUsecase.Flush")
	defer span.End()

	pending, err := uc.repo.ListPending(ctx, limit)
	if err != nil {
		uc.log.WithContext(ctx).Errorf("Failed to list pending outbox events, error: %v", err)
		return 0, err
	}

	var (
		sent     int
		firstErr error
		blocked  = make(map[string]struct{})
	)
	for _, evt := range pending {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if _, ok := blocked[evt.PartitionKey]; ok {
			continue
		}
		if err := uc.publisher.Publish(ctx, evt.EventType, evt.PartitionKey, evt.Payload); err != nil {
			uc.metrics.OutboxFailures.Inc()
			park := evt.Attempts+1 >= uc.maxAttempts
			if park {
				uc.log.WithContext(ctx).Errorf("Parking outbox event id: %d, type: %s after %d attempts, error: %v", evt.ID, evt.EventType, evt.Attempts+1, err)
			} else {
				uc.log.WithContext(ctx).Warnf("Failed to publish outbox event id: %d, type: %s, error: %v", evt.ID, evt.EventType, err)
			}
			if merr := uc.repo.MarkFailed(ctx, evt.ID, truncate(err.Error(), maxOutboxErrorBytes), park); merr != nil {
				uc.log.WithContext(ctx).Errorf("Failed to record outbox failure for id: %d, error: %v", evt.ID, merr)
			}
			blocked[evt.PartitionKey] = struct{}{}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := uc.repo.MarkSent(ctx, evt.ID, uc.now()); err != nil {
			uc.log.WithContext(ctx).Errorf("Failed to mark outbox event id: %d as sent, error: %v", evt.ID, err)
			return sent, err
		}
		uc.metrics.OutboxPublished.Inc()
		sent++
	}

	tracing.AddSpanTags(ctx, map[string]interface{}{"outbox.sent": sent})
	return sent, firstErr
}

// truncate 截断到至多 n 字节，不拆分多字节字符
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
