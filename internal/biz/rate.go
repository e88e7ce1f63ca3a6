package biz

import (
	"context"

	"github.com/shopspring/decimal"
)

// RateRepository 佣金费率来源，归因时读取一次并快照到佣金记录
type RateRepository interface {
	CurrentRate(ctx context.Context, sellerID int64) (decimal.Decimal, error)
	SetGlobalRate(ctx context.Context, rate decimal.Decimal) error
}
