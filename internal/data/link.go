package data

import (
	"context"
	"time"

	"affiliate/internal/biz"
	"affiliate/internal/pkg/tracing"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// linkRepository 推广链接数据访问实现
type linkRepository struct {
	db     *gorm.DB
	logger *log.Helper
}

// NewLinkRepository 创建推广链接数据访问实例
func NewLinkRepository(db *gorm.DB, logger log.Logger) biz.LinkRepository {
	return &linkRepository{db: db, logger: log.NewHelper(logger)}
}

func (r *linkRepository) Create(ctx context.Context, link *biz.AffiliateLink) error {
	ctx, span := tracing.StartSpan(ctx, "LinkRepository.Create")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"referrer_user_id": link.ReferrerUserID,
		"seller_id":        link.SellerID,
	})

	if err := dbFrom(ctx, r.db).Create(link).Error; err != nil {
		r.logger.WithContext(ctx).Errorf("Failed to create affiliate link for referrer: %d, error: %v", link.ReferrerUserID, err)
		return err
	}
	return nil
}

func (r *linkRepository) GetByID(ctx context.Context, id int64) (*biz.AffiliateLink, error) {
	ctx, span := tracing.StartSpan(ctx, "LinkRepository.GetByID")
	defer span.End()

	var link biz.AffiliateLink
	if err := dbFrom(ctx, r.db).Where("id = ?", id).First(&link).Error; err != nil {
		return nil, err
	}
	return &link, nil
}

func (r *linkRepository) GetByCode(ctx context.Context, code string) (*biz.AffiliateLink, error) {
	ctx, span := tracing.StartSpan(ctx, "LinkRepository.GetByCode")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{"code": code})

	var link biz.AffiliateLink
	if err := dbFrom(ctx, r.db).Where("code = ?", code).First(&link).Error; err != nil {
		return nil, err
	}
	return &link, nil
}

func (r *linkRepository) ExistsByCode(ctx context.Context, code string) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "LinkRepository.ExistsByCode")
	defer span.End()

	var count int64
	if err := dbFrom(ctx, r.db).Model(&biz.AffiliateLink{}).Where("code = ?", code).Count(&count).Error; err != nil {
		r.logger.WithContext(ctx).Errorf("Failed to check code: %s, error: %v", code, err)
		return false, err
	}
	return count > 0, nil
}

func (r *linkRepository) FindActive(ctx context.Context, referrerUserID, sellerID int64) (*biz.AffiliateLink, error) {
	ctx, span := tracing.StartSpan(ctx, "LinkRepository.FindActive")
	defer span.End()

	var link biz.AffiliateLink
	err := dbFrom(ctx, r.db).
		Where("referrer_user_id = ? AND seller_id = ? AND disabled_at IS NULL", referrerUserID, sellerID).
		First(&link).Error
	if err != nil {
		return nil, err
	}
	return &link, nil
}

// Disable 停用链接并清空 active_key，释放该推广人与商家的唯一约束
func (r *linkRepository) Disable(ctx context.Context, id int64, at time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "LinkRepository.Disable")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{"link_id": id})

	err := dbFrom(ctx, r.db).Model(&biz.AffiliateLink{}).
		Where("id = ? AND disabled_at IS NULL", id).
		Updates(map[string]interface{}{
			"disabled_at": at,
			"active_key":  nil,
		}).Error
	if err != nil {
		r.logger.WithContext(ctx).Errorf("Failed to disable affiliate link id: %d, error: %v", id, err)
		return err
	}
	return nil
}

func (r *linkRepository) ListByReferrer(ctx context.Context, referrerUserID int64, limit int) ([]*biz.AffiliateLink, error) {
	ctx, span := tracing.StartSpan(ctx, "LinkRepository.ListByReferrer")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"referrer_user_id": referrerUserID,
		"limit":            limit,
	})

	var links []*biz.AffiliateLink
	err := dbFrom(ctx, r.db).
		Where("referrer_user_id = ?", referrerUserID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&links).Error
	if err != nil {
		r.logger.WithContext(ctx).Errorf("Failed to list affiliate links for referrer: %d, error: %v", referrerUserID, err)
		return nil, err
	}
	return links, nil
}

func (r *linkRepository) CountByReferrer(ctx context.Context, referrerUserID int64) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "LinkRepository.CountByReferrer")
	defer span.End()

	var count int64
	err := dbFrom(ctx, r.db).Model(&biz.AffiliateLink{}).Where("referrer_user_id = ?", referrerUserID).Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}
