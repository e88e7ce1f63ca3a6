package biz

import (
	"context"
	"strconv"
	"time"

	"affiliate/internal/pkg/metrics"
	"affiliate/internal/pkg/tracing"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ConversionOrder 归因时订单子系统提供的订单信息
type ConversionOrder struct {
	OrderID     int64           `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	BuyerID     int64           `json:"buyer_id"`
	Amount      decimal.Decimal `json:"amount"`
}

// AttributionUsecase 归因追踪：记录点击，将订单绑定到推广链接
type AttributionUsecase struct {
	links       *LinkUsecase
	clicks      ClickRepository
	commissions CommissionRepository
	orders      OrderRepository
	rates       RateRepository
	outbox      OutboxRepository
	tx          Transaction
	ids         IDGenerator
	metrics     *metrics.Metrics
	now         nowFunc
	log         *log.Helper
}

// NewAttributionUsecase 创建归因业务实例
func NewAttributionUsecase(
	links *LinkUsecase,
	clicks ClickRepository,
	commissions CommissionRepository,
	orders OrderRepository,
	rates RateRepository,
	outbox OutboxRepository,
	tx Transaction,
	ids IDGenerator,
	m *metrics.Metrics,
	logger log.Logger,
) *AttributionUsecase {
	return &AttributionUsecase{
		links:       links,
		clicks:      clicks,
		commissions: commissions,
		orders:      orders,
		rates:       rates,
		outbox:      outbox,
		tx:          tx,
		ids:         ids,
		metrics:     m,
		now:         time.Now,
		log:         log.NewHelper(logger),
	}
}

// RecordClick 记录一次点击；推广码未知或已停用时只记录日志并返回 nil
// 该路径面向外部不可信流量，不因未知推广码报错
func (uc *AttributionUsecase) RecordClick(ctx context.Context, code, fingerprint string) (*Click, error) {
	ctx, span := tracing.StartSpan(ctx, "AttributionUsecase.RecordClick")
	defer span.End()

	link, err := uc.links.resolveCached(ctx, code)
	if err != nil {
		if errors.Is(err, ErrLinkNotFound) {
			uc.log.WithContext(ctx).Warnf("Ignoring click for unknown code: %q", code)
			return nil, nil
		}
		return nil, err
	}
	if !link.Active() {
		uc.log.WithContext(ctx).Warnf("Ignoring click for disabled link code: %s", code)
		return nil, nil
	}

	click := &Click{
		ID:          uc.ids.NextID(),
		LinkID:      link.ID,
		Fingerprint: hashFingerprint(fingerprint),
		CreatedAt:   uc.now(),
	}
	if err := uc.clicks.Create(ctx, click); err != nil {
		uc.log.WithContext(ctx).Errorf("Failed to record click for link id: %d, error: %v", link.ID, err)
		return nil, err
	}
	uc.metrics.ClicksRecorded.Inc()
	return click, nil
}

// RecordConversion 订单创建时将订单归因到推广链接，生成待结算佣金
// 订单子系统中已存在该订单时，买家、金额和推广码必须与订单记录一致
func (uc *AttributionUsecase) RecordConversion(ctx context.Context, code string, order ConversionOrder) (*AffiliateOrder, error) {
	ctx, span := tracing.StartSpan(ctx, "AttributionUsecase.RecordConversion")
	defer span.End()

	if order.OrderID > 0 {
		stored, err := uc.orders.GetByID(ctx, order.OrderID)
		switch {
		case err == nil:
			if err := matchOrder(code, order, stored); err != nil {
				uc.log.WithContext(ctx).Warnf("Rejected conversion for order: %d, error: %v", order.OrderID, err)
				return nil, err
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			uc.log.WithContext(ctx).Errorf("Failed to load order: %d, error: %v", order.OrderID, err)
			return nil, err
		}
	}
	return uc.recordConversion(ctx, code, order)
}

// matchOrder 比对调用方提交的订单信息与订单子系统记录
func matchOrder(code string, order ConversionOrder, stored *Order) error {
	if order.BuyerID != stored.BuyerID {
		return invalidArgument("buyer does not match order record")
	}
	if !order.Amount.Equal(stored.TotalAmount) {
		return invalidArgument("amount does not match order record")
	}
	if stored.ReferralCode != nil && *stored.ReferralCode != "" && *stored.ReferralCode != code {
		return invalidArgument("referral code does not match order record")
	}
	return nil
}

// recordConversion 校验顺序：推广码有效、订单未归因、买家不是推广人本人
func (uc *AttributionUsecase) recordConversion(ctx context.Context, code string, order ConversionOrder) (*AffiliateOrder, error) {
	tracing.AddSpanTags(ctx, map[string]interface{}{
		"code":     code,
		"order_id": order.OrderID,
		"buyer_id": order.BuyerID,
	})

	if order.OrderID <= 0 || order.BuyerID <= 0 {
		return nil, invalidArgument("order id and buyer id are required")
	}
	if !order.Amount.IsPositive() {
		return nil, invalidArgument("order amount must be positive")
	}

	link, err := uc.links.ResolveLink(ctx, code)
	if err != nil {
		return nil, err
	}
	if !link.Active() {
		return nil, ErrLinkDisabled
	}

	existing, err := uc.commissions.GetByOrderID(ctx, order.OrderID)
	if err == nil {
		uc.log.WithContext(ctx).Infof("Order %d already converted as affiliate order %d", order.OrderID, existing.ID)
		return nil, duplicateConversionError(existing)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		uc.log.WithContext(ctx).Errorf("Failed to check existing conversion for order: %d, error: %v", order.OrderID, err)
		return nil, err
	}

	if order.BuyerID == link.ReferrerUserID {
		uc.log.WithContext(ctx).Warnf("Rejected self referral for order: %d, user: %d", order.OrderID, order.BuyerID)
		return nil, ErrSelfReferral
	}

	rate, err := uc.rates.CurrentRate(ctx, link.SellerID)
	if err != nil {
		uc.log.WithContext(ctx).Errorf("Failed to read commission rate for seller: %d, error: %v", link.SellerID, err)
		return nil, err
	}

	now := uc.now()
	orderNumber := order.OrderNumber
	if orderNumber == "" {
		orderNumber = strconv.FormatInt(order.OrderID, 10)
	}
	commission := &AffiliateOrder{
		ID:             uc.ids.NextID(),
		LinkID:         link.ID,
		OrderID:        order.OrderID,
		OrderNumber:    orderNumber,
		ReferrerUserID: link.ReferrerUserID,
		SellerID:       link.SellerID,
		BuyerID:        order.BuyerID,
		OrderAmount:    order.Amount,
		PointsRate:     rate,
		PointsEarned:   CalculatePoints(order.Amount, rate),
		Status:         CommissionPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = uc.tx.InTx(ctx, func(ctx context.Context) error {
		if err := uc.commissions.Create(ctx, commission); err != nil {
			return err
		}
		evt, err := newOutboxEvent(uc.ids, EventConversionRecorded, commission.ReferrerUserID, commissionEventData(commission), now)
		if err != nil {
			return err
		}
		return uc.outbox.Enqueue(ctx, evt)
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// 并发投递的同一订单创建事件
			return nil, ErrDuplicateConversion
		}
		uc.log.WithContext(ctx).Errorf("Failed to record conversion for order: %d, error: %v", order.OrderID, err)
		return nil, err
	}

	uc.metrics.Conversions.Inc()
	uc.log.WithContext(ctx).Infof("Recorded conversion order: %d, link: %d, referrer: %d, points: %d at rate %s",
		order.OrderID, link.ID, link.ReferrerUserID, commission.PointsEarned, rate.String())
	return commission, nil
}

// RecordOrderConversion 根据订单子系统中的订单及其推广码进行归因
func (uc *AttributionUsecase) RecordOrderConversion(ctx context.Context, orderID int64) (*AffiliateOrder, error) {
	order, err := uc.orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	if order.ReferralCode == nil || *order.ReferralCode == "" {
		return nil, invalidArgument("order carries no referral code")
	}
	return uc.recordConversion(ctx, *order.ReferralCode, ConversionOrder{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		BuyerID:     order.BuyerID,
		Amount:      order.TotalAmount,
	})
}

func duplicateConversionError(existing *AffiliateOrder) error {
	return ErrDuplicateConversion.WithMetadata(map[string]string{
		"affiliate_order_id": strconv.FormatInt(existing.ID, 10),
		"status":             string(existing.Status),
	})
}

// UpdateGlobalRate 修改全局佣金费率，只影响之后的归因
func (uc *AttributionUsecase) UpdateGlobalRate(ctx context.Context, rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return invalidArgument("rate must be between 0 and 1")
	}
	if err := uc.rates.SetGlobalRate(ctx, rate); err != nil {
		uc.log.WithContext(ctx).Errorf("Failed to update global commission rate to %s, error: %v", rate.String(), err)
		return err
	}
	uc.log.WithContext(ctx).Infof("Global commission rate set to %s", rate.String())
	return nil
}
