package biz

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// CommissionStatus 佣金状态
type CommissionStatus string

const (
	CommissionPending   CommissionStatus = "pending"
	CommissionConfirmed CommissionStatus = "confirmed"
	CommissionCancelled CommissionStatus = "cancelled"
)

// AffiliateOrder 推广佣金记录，每个订单至多一条
// 费率在归因时快照，之后费率表的变化不影响历史佣金
type AffiliateOrder struct {
	ID             int64            `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	LinkID         int64            `gorm:"column:link_id;not null;index" json:"link_id"`
	OrderID        int64            `gorm:"column:order_id;not null;uniqueIndex" json:"order_id"`
	OrderNumber    string           `gorm:"column:order_number;type:varchar(64);not null" json:"order_number"`
	ReferrerUserID int64            `gorm:"column:referrer_user_id;not null;index:idx_affiliate_orders_referrer_status,priority:1" json:"referrer_user_id"`
	SellerID       int64            `gorm:"column:seller_id;not null" json:"seller_id"`
	BuyerID        int64            `gorm:"column:buyer_id;not null" json:"buyer_id"`
	OrderAmount    decimal.Decimal  `gorm:"column:order_amount;type:decimal(20,2);not null" json:"order_amount"`
	PointsRate     decimal.Decimal  `gorm:"column:points_rate;type:decimal(10,4);not null" json:"points_rate"`
	PointsEarned   int64            `gorm:"column:points_earned;not null" json:"points_earned"`
	Status         CommissionStatus `gorm:"column:status;type:varchar(16);not null;index:idx_affiliate_orders_referrer_status,priority:2;index:idx_affiliate_orders_status_id,priority:1" json:"status"`
	CreatedAt      time.Time        `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt      time.Time        `gorm:"column:updated_at;not null" json:"updated_at"`
	SettledAt      *time.Time       `gorm:"column:settled_at" json:"settled_at,omitempty"`
}

// TableName 指定表名
func (AffiliateOrder) TableName() string {
	return "affiliate_orders"
}

// CalculatePoints 佣金点数 = round(订单金额 * 费率)，四舍五入远离零
func CalculatePoints(orderAmount, rate decimal.Decimal) int64 {
	return orderAmount.Mul(rate).Round(0).IntPart()
}

// CommissionSums 按状态汇总的佣金点数
type CommissionSums struct {
	Pending   int64
	Confirmed int64
	Count     int64
}

// CommissionRepository 佣金记录数据访问接口
type CommissionRepository interface {
	Create(ctx context.Context, order *AffiliateOrder) error
	GetByOrderID(ctx context.Context, orderID int64) (*AffiliateOrder, error)
	// ListPending 按 id 升序分页读取待结算佣金，afterID 为上一页最后一条的 id
	ListPending(ctx context.Context, afterID int64, limit int) ([]*AffiliateOrder, error)
	// TransitionFromPending 条件更新 status=pending 的记录，返回是否命中
	TransitionFromPending(ctx context.Context, id int64, to CommissionStatus, settledAt time.Time) (bool, error)
	ListByReferrer(ctx context.Context, referrerUserID int64, limit int) ([]*AffiliateOrder, error)
	SumByReferrer(ctx context.Context, referrerUserID int64) (*CommissionSums, error)
	CountByLinkIDs(ctx context.Context, linkIDs []int64) (map[int64]int64, error)
}
