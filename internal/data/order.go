package data

import (
	"context"

	"affiliate/internal/biz"
	"affiliate/internal/pkg/tracing"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// orderRepository 订单子系统 orders 表的只读访问
type orderRepository struct {
	db     *gorm.DB
	logger *log.Helper
}

// NewOrderRepository 创建订单只读访问实例
func NewOrderRepository(db *gorm.DB, logger log.Logger) biz.OrderRepository {
	return &orderRepository{db: db, logger: log.NewHelper(logger)}
}

func (r *orderRepository) GetByID(ctx context.Context, id int64) (*biz.Order, error) {
	ctx, span := tracing.StartSpan(ctx, "OrderRepository.GetByID")
	defer span.End()

	var order biz.Order
	if err := dbFrom(ctx, r.db).Where("id = ?", id).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *orderRepository) GetByIDs(ctx context.Context, ids []int64) (map[int64]*biz.Order, error) {
	ctx, span := tracing.StartSpan(ctx, "OrderRepository.GetByIDs")
	defer span.End()

	out := make(map[int64]*biz.Order, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	var orders []*biz.Order
	if err := dbFrom(ctx, r.db).Where("id IN ?", ids).Find(&orders).Error; err != nil {
		r.logger.WithContext(ctx).Errorf("Failed to load %d orders, error: %v", len(ids), err)
		return nil, err
	}
	for _, o := range orders {
		out[o.ID] = o
	}
	return out, nil
}

type userName struct {
	ID       int64
	Nickname string
}

// userDirectory users 表的只读访问，只取展示用昵称
type userDirectory struct {
	db *gorm.DB
}

// NewUserDirectory 创建用户展示信息只读访问实例
func NewUserDirectory(db *gorm.DB) biz.UserDirectory {
	return &userDirectory{db: db}
}

func (r *userDirectory) DisplayNames(ctx context.Context, ids []int64) (map[int64]string, error) {
	ctx, span := tracing.StartSpan(ctx, "UserDirectory.DisplayNames")
	defer span.End()

	out := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	var rows []userName
	if err := dbFrom(ctx, r.db).Table("users").Select("id, nickname").Where("id IN ?", ids).Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.ID] = row.Nickname
	}
	return out, nil
}
