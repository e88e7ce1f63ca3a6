package biz

import (
	"context"
	"crypto/rand"
	"fmt"
	"strconv"
	"time"

	"affiliate/internal/conf"
	"affiliate/internal/pkg/tracing"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"gorm.io/gorm"
)

// 推广码字符集，去掉了容易混淆的 0/O、1/I
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	defaultCodeLength      = 8
	defaultCodeMaxAttempts = 5
	maxCodeLength          = 32
	defaultLinkRecheck     = 5 * time.Second
)

// AffiliateLink 推广链接表，推广码一经发放不可修改，停用而不删除
type AffiliateLink struct {
	ID             int64      `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	ReferrerUserID int64      `gorm:"column:referrer_user_id;not null;index:idx_affiliate_links_referrer_created,priority:1" json:"referrer_user_id"`
	SellerID       int64      `gorm:"column:seller_id;not null;index" json:"seller_id"`
	Code           string     `gorm:"column:code;type:varchar(32);uniqueIndex;not null" json:"code"`
	ActiveKey      *string    `gorm:"column:active_key;type:varchar(64);uniqueIndex" json:"-"`
	DisabledAt     *time.Time `gorm:"column:disabled_at" json:"disabled_at,omitempty"`
	CreatedAt      time.Time  `gorm:"column:created_at;not null;index:idx_affiliate_links_referrer_created,priority:2" json:"created_at"`
}

// TableName 指定表名
func (AffiliateLink) TableName() string {
	return "affiliate_links"
}

// Active 链接是否仍可用于新的点击与归因
func (l *AffiliateLink) Active() bool {
	return l.DisabledAt == nil
}

// activeKey 有效链接的唯一键，停用后置空，保证同一推广人与商家只有一条有效链接
func activeKey(referrerUserID, sellerID int64) *string {
	key := strconv.FormatInt(referrerUserID, 10) + ":" + strconv.FormatInt(sellerID, 10)
	return &key
}

// LinkRepository 推广链接数据访问接口
type LinkRepository interface {
	Create(ctx context.Context, link *AffiliateLink) error
	GetByID(ctx context.Context, id int64) (*AffiliateLink, error)
	GetByCode(ctx context.Context, code string) (*AffiliateLink, error)
	ExistsByCode(ctx context.Context, code string) (bool, error)
	FindActive(ctx context.Context, referrerUserID, sellerID int64) (*AffiliateLink, error)
	Disable(ctx context.Context, id int64, at time.Time) error
	ListByReferrer(ctx context.Context, referrerUserID int64, limit int) ([]*AffiliateLink, error)
	CountByReferrer(ctx context.Context, referrerUserID int64) (int64, error)
}

// LinkUsecase 推广链接注册表：发放、解析、停用
type LinkUsecase struct {
	repo        LinkRepository
	ids         IDGenerator
	cache       *expirable.LRU[string, cachedLink]
	recheck     time.Duration
	codeLength  int
	maxAttempts int
	now         nowFunc
	log         *log.Helper
}

// NewLinkUsecase 创建推广链接业务实例
func NewLinkUsecase(repo LinkRepository, ids IDGenerator, c *conf.Affiliate, logger log.Logger) *LinkUsecase {
	uc := &LinkUsecase{
		repo:        repo,
		ids:         ids,
		recheck:     defaultLinkRecheck,
		codeLength:  defaultCodeLength,
		maxAttempts: defaultCodeMaxAttempts,
		now:         time.Now,
		log:         log.NewHelper(logger),
	}
	cacheSize, cacheTTL := 4096, time.Minute
	if c != nil {
		if c.CodeLength > 0 {
			uc.codeLength = c.CodeLength
		}
		if c.CodeMaxAttempts > 0 {
			uc.maxAttempts = c.CodeMaxAttempts
		}
		if c.LinkCacheSize > 0 {
			cacheSize = c.LinkCacheSize
		}
		if c.LinkCacheTTL.AsDuration() > 0 {
			cacheTTL = c.LinkCacheTTL.AsDuration()
		}
		if c.LinkRecheckAfter.AsDuration() > 0 {
			uc.recheck = c.LinkRecheckAfter.AsDuration()
		}
	}
	uc.cache = expirable.NewLRU[string, cachedLink](cacheSize, nil, cacheTTL)
	return uc
}

// CreateLink 为推广人生成指向商家店铺的推广链接
func (uc *LinkUsecase) CreateLink(ctx context.Context, referrerUserID, sellerID int64) (*AffiliateLink, error) {
	ctx, span := tracing.StartSpan(ctx, "LinkUsecase.CreateLink")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"referrer_user_id": referrerUserID,
		"seller_id":        sellerID,
	})

	if referrerUserID <= 0 || sellerID <= 0 {
		return nil, invalidArgument("referrer user id and seller id are required")
	}

	existing, err := uc.repo.FindActive(ctx, referrerUserID, sellerID)
	if err == nil {
		uc.log.WithContext(ctx).Infof("Active link already exists for referrer: %d, seller: %d, code: %s", referrerUserID, sellerID, existing.Code)
		return nil, duplicateLinkError(existing)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		uc.log.WithContext(ctx).Errorf("Failed to check active link for referrer: %d, seller: %d, error: %v", referrerUserID, sellerID, err)
		return nil, err
	}

	length := uc.codeLength
	for attempt := 1; ; attempt++ {
		if attempt > 1 && (attempt-1)%uc.maxAttempts == 0 {
			// 当前长度下连续碰撞，扩大命名空间而不是截断
			length++
			uc.log.WithContext(ctx).Warnf("Code collisions exhausted %d attempts, growing code length to %d", uc.maxAttempts, length)
		}
		if length > maxCodeLength {
			return nil, fmt.Errorf("affiliate code namespace exhausted at length %d", maxCodeLength)
		}

		code, err := generateCode(length)
		if err != nil {
			return nil, err
		}

		exists, err := uc.repo.ExistsByCode(ctx, code)
		if err != nil {
			uc.log.WithContext(ctx).Errorf("Failed to check code collision for code: %s, error: %v", code, err)
			return nil, err
		}
		if exists {
			uc.log.WithContext(ctx).Infof("Code collision on %s, regenerating", code)
			continue
		}

		link := &AffiliateLink{
			ID:             uc.ids.NextID(),
			ReferrerUserID: referrerUserID,
			SellerID:       sellerID,
			Code:           code,
			ActiveKey:      activeKey(referrerUserID, sellerID),
			CreatedAt:      uc.now(),
		}
		err = uc.repo.Create(ctx, link)
		if err == nil {
			uc.log.WithContext(ctx).Infof("Created affiliate link id: %d, code: %s, referrer: %d, seller: %d", link.ID, link.Code, referrerUserID, sellerID)
			return link, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			uc.log.WithContext(ctx).Errorf("Failed to create affiliate link for referrer: %d, error: %v", referrerUserID, err)
			return nil, err
		}

		// 唯一键冲突：要么并发创建了同一对的有效链接，要么推广码在检查后被占用
		if existing, ferr := uc.repo.FindActive(ctx, referrerUserID, sellerID); ferr == nil {
			return nil, duplicateLinkError(existing)
		}
	}
}

// ResolveLink 根据推广码解析推广链接，包含已停用的链接
func (uc *LinkUsecase) ResolveLink(ctx context.Context, code string) (*AffiliateLink, error) {
	ctx, span := tracing.StartSpan(ctx, "LinkUsecase.ResolveLink")
	defer span.End()

	if code == "" {
		return nil, ErrLinkNotFound
	}

	link, err := uc.repo.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLinkNotFound
		}
		uc.log.WithContext(ctx).Errorf("Failed to resolve link code: %s, error: %v", code, err)
		return nil, err
	}
	if link.Active() {
		uc.cache.Add(code, cachedLink{link: link, at: uc.now()})
	} else {
		uc.cache.Remove(code)
	}
	return link, nil
}

// cachedLink 缓存的有效链接及其读取时间
type cachedLink struct {
	link *AffiliateLink
	at   time.Time
}

// resolveCached 点击路径使用的缓存解析，只缓存有效链接
// 缓存超过 recheck 后回源，其它实例停用的链接至多延迟 recheck 生效
func (uc *LinkUsecase) resolveCached(ctx context.Context, code string) (*AffiliateLink, error) {
	if entry, ok := uc.cache.Get(code); ok && uc.now().Sub(entry.at) < uc.recheck {
		return entry.link, nil
	}
	return uc.ResolveLink(ctx, code)
}

// DisableLink 停用推广链接，仅链接所有者可操作，重复停用视为成功
func (uc *LinkUsecase) DisableLink(ctx context.Context, referrerUserID, linkID int64) (*AffiliateLink, error) {
	ctx, span := tracing.StartSpan(ctx, "LinkUsecase.DisableLink")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"referrer_user_id": referrerUserID,
		"link_id":          linkID,
	})

	link, err := uc.repo.GetByID(ctx, linkID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLinkNotFound
		}
		return nil, err
	}
	if link.ReferrerUserID != referrerUserID {
		uc.log.WithContext(ctx).Warnf("User %d attempted to disable link %d owned by %d", referrerUserID, linkID, link.ReferrerUserID)
		return nil, ErrForbidden
	}
	if !link.Active() {
		return link, nil
	}

	now := uc.now()
	if err := uc.repo.Disable(ctx, linkID, now); err != nil {
		uc.log.WithContext(ctx).Errorf("Failed to disable link id: %d, error: %v", linkID, err)
		return nil, err
	}
	uc.cache.Remove(link.Code)

	link.DisabledAt = &now
	link.ActiveKey = nil
	uc.log.WithContext(ctx).Infof("Disabled affiliate link id: %d, code: %s", link.ID, link.Code)
	return link, nil
}

func duplicateLinkError(existing *AffiliateLink) error {
	return ErrDuplicateLink.WithMetadata(map[string]string{
		"link_id": strconv.FormatInt(existing.ID, 10),
		"code":    existing.Code,
	})
}

// generateCode 使用 crypto/rand 生成推广码，字符集大小为 32，按位掩码取值无偏
func generateCode(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	for i := range buf {
		buf[i] = codeAlphabet[buf[i]&31]
	}
	return string(buf), nil
}
