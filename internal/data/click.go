package data

import (
	"context"

	"affiliate/internal/biz"
	"affiliate/internal/pkg/tracing"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// clickRepository 点击记录数据访问实现
type clickRepository struct {
	db     *gorm.DB
	logger *log.Helper
}

// NewClickRepository 创建点击记录数据访问实例
func NewClickRepository(db *gorm.DB, logger log.Logger) biz.ClickRepository {
	return &clickRepository{db: db, logger: log.NewHelper(logger)}
}

func (r *clickRepository) Create(ctx context.Context, click *biz.Click) error {
	ctx, span := tracing.StartSpan(ctx, "ClickRepository.Create")
	defer span.End()

	if err := dbFrom(ctx, r.db).Create(click).Error; err != nil {
		r.logger.WithContext(ctx).Errorf("Failed to create click for link: %d, error: %v", click.LinkID, err)
		return err
	}
	return nil
}

func (r *clickRepository) CountByReferrer(ctx context.Context, referrerUserID int64) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "ClickRepository.CountByReferrer")
	defer span.End()

	var count int64
	err := dbFrom(ctx, r.db).Model(&biz.Click{}).
		Joins("JOIN affiliate_links ON affiliate_links.id = affiliate_clicks.link_id").
		Where("affiliate_links.referrer_user_id = ?", referrerUserID).
		Count(&count).Error
	if err != nil {
		r.logger.WithContext(ctx).Errorf("Failed to count clicks for referrer: %d, error: %v", referrerUserID, err)
		return 0, err
	}
	return count, nil
}

type linkCount struct {
	LinkID int64
	Total  int64
}

func (r *clickRepository) CountByLinkIDs(ctx context.Context, linkIDs []int64) (map[int64]int64, error) {
	ctx, span := tracing.StartSpan(ctx, "ClickRepository.CountByLinkIDs")
	defer span.End()

	out := make(map[int64]int64, len(linkIDs))
	if len(linkIDs) == 0 {
		return out, nil
	}

	var rows []linkCount
	err := dbFrom(ctx, r.db).Model(&biz.Click{}).
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
