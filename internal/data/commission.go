package data

import (
	"context"
	"time"

	"affiliate/internal/biz"
	"affiliate/internal/pkg/tracing"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// commissionRepository 佣金记录数据访问实现
type commissionRepository struct {
	db     *gorm.DB
	logger *log.Helper
}

// NewCommissionRepository 创建佣金记录数据访问实例
func NewCommissionRepository(db *gorm.DB, logger log.Logger) biz.CommissionRepository {
	return &commissionRepository{db: db, logger: log.NewHelper(logger)}
}

func (r *commissionRepository) Create(ctx context.Context, order *biz.AffiliateOrder) error {
	ctx, span := tracing.StartSpan(ctx, "CommissionRepository.Create")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"order_id":         order.OrderID,
		"referrer_user_id": order.ReferrerUserID,
		"points_earned":    order.PointsEarned,
	})

	r.logger.WithContext(ctx).Infof("Creating affiliate order for order_id: %d, referrer: %d", order.OrderID, order.ReferrerUserID)
	if err := dbFrom(ctx, r.db).Create(order).Error; err != nil {
		r.logger.WithContext(ctx).Errorf("Failed to create affiliate order for order_id: %d, error: %v", order.OrderID, err)
		return err
	}
	return nil
}

func (r *commissionRepository) GetByOrderID(ctx context.Context, orderID int64) (*biz.AffiliateOrder, error) {
	ctx, span := tracing.StartSpan(ctx, "CommissionRepository.GetByOrderID")
	defer span.End()

	var order biz.AffiliateOrder
	if err := dbFrom(ctx, r.db).Where("order_id = ?", orderID).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *commissionRepository) ListPending(ctx context.Context, afterID int64, limit int) ([]*biz.AffiliateOrder, error) {
	ctx, span := tracing.StartSpan(ctx, "CommissionRepository.ListPending")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"after_id": afterID,
		"limit":    limit,
	})

	var orders []*biz.AffiliateOrder
	err := dbFrom(ctx, r.db).
		Where("status = ? AND id > ?", biz.CommissionPending, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&orders).Error
	if err != nil {
		r.logger.WithContext(ctx).Errorf("Failed to list pending affiliate orders after id: %d, error: %v", afterID, err)
		return nil, err
	}
	return orders, nil
}

// TransitionFromPending 条件更新，只有仍为 pending 的记录会被修改
func (r *commissionRepository) TransitionFromPending(ctx context.Context, id int64, to biz.CommissionStatus, settledAt time.Time) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "CommissionRepository.TransitionFromPending")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"affiliate_order_id": id,
		"to":                 string(to),
	})

	res := dbFrom(ctx, r.db).Model(&biz.AffiliateOrder{}).
		Where("id = ? AND status = ?", id, biz.CommissionPending).
		Updates(map[string]interface{}{
			"status":     to,
			"settled_at": settledAt,
			"updated_at": settledAt,
		})
	if res.Error != nil {
		r.logger.WithContext(ctx).Errorf("Failed to transition affiliate order id: %d to %s, error: %v", id, to, res.Error)
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *commissionRepository) ListByReferrer(ctx context.Context, referrerUserID int64, limit int) ([]*biz.AffiliateOrder, error) {
	ctx, span := tracing.StartSpan(ctx, "CommissionRepository.ListByReferrer")
	defer span.End()

	var orders []*biz.AffiliateOrder
	err := dbFrom(ctx, r.db).
		Where("referrer_user_id = ?", referrerUserID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&orders).Error
	if err != nil {
		r.logger.WithContext(ctx).Errorf("Failed to list affiliate orders for referrer: %d, error: %v", referrerUserID, err)
		return nil, err
	}
	return orders, nil
}

func (r *commissionRepository) SumByReferrer(ctx context.Context, referrerUserID int64) (*biz.CommissionSums, error) {
	ctx, span := tracing.StartSpan(ctx, "CommissionRepository.SumByReferrer")
	defer span.End()

	var sums biz.CommissionSums
	err := dbFrom(ctx, r.db).Model(&biz.AffiliateOrder{}).
		Select("COALESCE(SUM(CASE WHEN status = ? THEN points_earned ELSE 0 END), 0) AS pending, "+
			"COALESCE(SUM(CASE WHEN status = ? THEN points_earned ELSE 0 END), 0) AS confirmed, "+
			"COUNT(*) AS count", biz.CommissionPending, biz.CommissionConfirmed).
		Where("referrer_user_id = ?", referrerUserID).
		Scan(&sums).Error
	if err != nil {
		r.logger.WithContext(ctx).Errorf("Failed to sum affiliate orders for referrer: %d, error: %v", referrerUserID, err)
		return nil, err
	}
	return &sums, nil
}

func (r *commissionRepository) CountByLinkIDs(ctx context.Context, linkIDs []int64) (map[int64]int64, error) {
	ctx, span := tracing.StartSpan(ctx, "CommissionRepository.CountByLinkIDs")
	defer span.End()

	out := make(map[int64]int64, len(linkIDs))
	if len(linkIDs) == 0 {
		return out, nil
	}

	var rows []linkCount
	err := dbFrom(ctx, r.db).Model(&biz.AffiliateOrder{}).
		Select("link_id, COUNT(*) AS total").
		Where("link_id IN ?", linkIDs).
		Group("link_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.LinkID] = row.Total
	}
	return out, nil
}
