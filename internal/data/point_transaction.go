package data

import (
	"context"

	"affiliate/internal/biz"
	"affiliate/internal/pkg/tracing"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// pointTransactionRepository 点数交易流水数据访问实现
type pointTransactionRepository struct {
	db     *gorm.DB
	logger *log.Helper
}

// NewPointTransactionRepository 创建点数交易流水数据访问实例
func NewPointTransactionRepository(db *gorm.DB, logger log.Logger) biz.PointTransactionRepository {
	return &pointTransactionRepository{db: db, logger: log.NewHelper(logger)}
}

func (r *pointTransactionRepository) Create(ctx context.Context, transaction *biz.PointTransaction) error {
	ctx, span := tracing.StartSpan(ctx, "PointTransactionRepository.Create")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"user_id":          transaction.UserID,
		"seq":              transaction.Seq,
		"transaction_type": string(transaction.Type),
		"amount":           transaction.Amount,
	})

	r.logger.WithContext(ctx).Infof("Creating point transaction for user_id: %d, seq: %d, type: %s, amount: %d",
		transaction.UserID, transaction.Seq, transaction.Type, transaction.Amount)
	if err := dbFrom(ctx, r.db).Create(transaction).Error; err != nil {
		r.logger.WithContext(ctx).Warnf("Failed to create point transaction for user_id: %d, seq: %d, error: %v", transaction.UserID, transaction.Seq, err)
		return err
	}
	return nil
}

// Latest 读取用户 seq 最大的流水
func (r *pointTransactionRepository) Latest(ctx context.Context, userID int64) (*biz.PointTransaction, error) {
	ctx, span := tracing.StartSpan(ctx, "PointTransactionRepository.Latest")
	defer span.End()

	var t biz.PointTransaction
	err := dbFrom(ctx, r.db).Where("user_id = ?", userID).Order("seq DESC").First(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *pointTransactionRepository) ListByUserID(ctx context.Context, userID int64, limit int) ([]*biz.PointTransaction, error) {
	ctx, span := tracing.StartSpan(ctx, "PointTransactionRepository.ListByUserID")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"user_id": userID,
		"limit":   limit,
	})

	var transactions []*biz.PointTransaction
	err := dbFrom(ctx, r.db).Where("user_id = ?", userID).
		Order("seq DESC").
		Limit(limit).
		Find(&transactions).Error
	if err != nil {
		r.logger.WithContext(ctx).Errorf("Failed to list point transactions for user_id: %d, error: %v", userID, err)
		return nil, err
	}
	return transactions, nil
}

func (r *pointTransactionRepository) Aggregate(ctx context.Context, userID int64) (*biz.LedgerAggregate, error) {
	ctx, span := tracing.StartSpan(ctx, "PointTransactionRepository.Aggregate")
	defer span.End()

	var agg biz.LedgerAggregate
	err := dbFrom(ctx, r.db).Model(&biz.PointTransaction{}).
		Select("COUNT(*) AS count, COALESCE(SUM(amount), 0) AS sum_amount, "+
			"COALESCE(SUM(CASE WHEN type IN ? THEN amount ELSE 0 END), 0) AS total_earned",
			[]string{string(biz.PointTransactionEarned), string(biz.PointTransactionBonus)}).
		Where("user_id = ?", userID).
		Scan(&agg).Error
	if err != nil {
		r.logger.WithContext(ctx).Errorf("Failed to aggregate point transactions for user_id: %d, error: %v", userID, err)
		return nil, err
	}
	return &agg, nil
}

func (r *pointTransactionRepository) ExistsForAffiliateOrder(ctx context.Context, affiliateOrderID int64, txType biz.PointTransactionType) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "PointTransactionRepository.ExistsForAffiliateOrder")
	defer span.End()

	var count int64
	err := dbFrom(ctx, r.db).Model(&biz.PointTransaction{}).
		Where("related_affiliate_order_id = ? AND type = ?", affiliateOrderID, txType).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
