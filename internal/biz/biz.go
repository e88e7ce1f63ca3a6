package biz

import (
	"context"
	"time"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/google/wire"
)

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewLinkUsecase,
	NewAttributionUsecase,
	NewClickRecorder,
	NewLedgerUsecase,
	NewSettlementUsecase,
	NewStatsUsecase,
	NewOutboxUsecase,
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Transaction 数据库事务，fn 内使用传入的 ctx 访问仓储即处于同一事务
type Transaction interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// IDGenerator 实体主键生成器
type IDGenerator interface {
	NextID() int64
}

// nowFunc 便于测试替换当前时间
type nowFunc func() time.Time

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func invalidArgument(message string) error {
	return errors.BadRequest(ReasonInvalidArgument, message)
}
