package biz

import (
	"context"

	"github.com/shopspring/decimal"
)

// OrderStatus 订单子系统的订单状态
type OrderStatus string

const (
	OrderConfirmed OrderStatus = "confirmed"
	OrderPreparing OrderStatus = "preparing"
	OrderShipped   OrderStatus = "shipped"
	OrderDelivered OrderStatus = "delivered"
	OrderCancelled OrderStatus = "cancelled"
)

// Order 订单子系统暴露的订单视图，本服务只读
type Order struct {
	ID           int64           `gorm:"column:id;primaryKey" json:"id"`
	OrderNumber  string          `gorm:"column:order_number" json:"order_number"`
	Status       OrderStatus     `gorm:"column:status" json:"status"`
	TotalAmount  decimal.Decimal `gorm:"column:total_amount" json:"total_amount"`
	BuyerID      int64           `gorm:"column:buyer_id" json:"buyer_id"`
	SellerID     int64           `gorm:"column:seller_id" json:"seller_id"`
	ReferralCode *string         `gorm:"column:referral_code" json:"referral_code,omitempty"`
}

// TableName 指定表名
func (Order) TableName() string {
	return "orders"
}

// OrderRepository 订单子系统只读访问接口
type OrderRepository interface {
	GetByID(ctx context.Context, id int64) (*Order, error)
	// GetByIDs 批量查询订单，缺失的订单不出现在结果中
	GetByIDs(ctx context.Context, ids []int64) (map[int64]*Order, error)
}

// UserDirectory 用户展示信息只读访问接口
type UserDirectory interface {
	DisplayNames(ctx context.Context, ids []int64) (map[int64]string, error)
}
