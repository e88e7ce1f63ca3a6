package biz

import (
	"context"
	"time"
)

// PointTransactionType 点数交易类型
type PointTransactionType string

const (
	PointTransactionEarned PointTransactionType = "earned"
	PointTransactionSpent  PointTransactionType = "spent"
	PointTransactionBonus  PointTransactionType = "bonus"
	PointTransactionRefund PointTransactionType = "refund"
)

// Valid 是否为已知的交易类型
func (t PointTransactionType) Valid() bool {
	switch t {
	case PointTransactionEarned, PointTransactionSpent, PointTransactionBonus, PointTransactionRefund:
		return true
	}
	return false
}

// PointTransaction 点数交易流水表，只追加不修改
// Seq 为用户内单调递增序号，(user_id, seq) 唯一，余额按 seq 折叠
type PointTransaction struct {
	ID                      int64                `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	UserID                  int64                `gorm:"column:user_id;not null;uniqueIndex:uk_point_transactions_user_seq,priority:1;index:idx_point_transactions_user_created,priority:1" json:"user_id"`
	Seq                     int64                `gorm:"column:seq;not null;uniqueIndex:uk_point_transactions_user_seq,priority:2" json:"seq"`
	Type                    PointTransactionType `gorm:"column:type;type:varchar(16);not null" json:"type"`
	Amount                  int64                `gorm:"column:amount;not null" json:"amount"`
	Description             string               `gorm:"column:description;type:varchar(255);not null" json:"description"`
	RelatedAffiliateOrderID *int64               `gorm:"column:related_affiliate_order_id;index" json:"related_affiliate_order_id,omitempty"`
	BalanceAfter            int64                `gorm:"column:balance_after;not null" json:"balance_after"`
	CreatedAt               time.Time            `gorm:"column:created_at;not null;index:idx_point_transactions_user_created,priority:2" json:"created_at"`
}

// TableName 指定表名
func (PointTransaction) TableName() string {
	return "point_transactions"
}

// LedgerAggregate 用户流水聚合，用于余额折叠校验
type LedgerAggregate struct {
	Count     int64
	SumAmount int64
	// TotalEarned earned 与 bonus 类型的累计入账
	TotalEarned int64
}

// PointTransactionRepository 点数交易流水数据访问接口
type PointTransactionRepository interface {
	// Create 写入新流水，(user_id, seq) 冲突时返回 gorm.ErrDuplicatedKey
	Create(ctx context.Context, transaction *PointTransaction) error
	// Latest 返回用户 seq 最大的一条流水，不存在时返回 gorm.ErrRecordNotFound
	Latest(ctx context.Context, userID int64) (*PointTransaction, error)
	ListByUserID(ctx context.Context, userID int64, limit int) ([]*PointTransaction, error)
	Aggregate(ctx context.Context, userID int64) (*LedgerAggregate, error)
	ExistsForAffiliateOrder(ctx context.Context, affiliateOrderID int64, txType PointTransactionType) (bool, error)
}
