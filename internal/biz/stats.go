package biz

import (
	"context"

	"affiliate/internal/pkg/tracing"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/shopspring/decimal"
)

// UserPointsSummary 推广数据面板，读取时实时计算，不落库
type UserPointsSummary struct {
	AvailablePoints   int64           `json:"available_points"`
	PendingEarnings   int64           `json:"pending_earnings"`
	ConfirmedEarnings int64           `json:"confirmed_earnings"`
	TotalPointsEarned int64           `json:"total_points_earned"`
	TotalLinks        int64           `json:"total_links"`
	TotalClicks       int64           `json:"total_clicks"`
	TotalConversions  int64           `json:"total_conversions"`
	ConversionRate    decimal.Decimal `json:"conversion_rate"`
}

// LinkWithStats 推广链接及其点击、转化数
type LinkWithStats struct {
	*AffiliateLink
	Clicks      int64 `json:"clicks"`
	Conversions int64 `json:"conversions"`
}

// AffiliateOrderView 佣金记录附带订单与买卖双方展示信息
type AffiliateOrderView struct {
	*AffiliateOrder
	OrderStatus OrderStatus `json:"order_status,omitempty"`
	BuyerName   string      `json:"buyer_name,omitempty"`
	SellerName  string      `json:"seller_name,omitempty"`
}

// StatsUsecase 推广数据只读查询，任何子查询失败只降级该字段
type StatsUsecase struct {
	links       LinkRepository
	clicks      ClickRepository
	commissions CommissionRepository
	ledger      *LedgerUsecase
	orders      OrderRepository
	users       UserDirectory
	log         *log.Helper
}

// NewStatsUsecase 创建推广数据查询实例
func NewStatsUsecase(
	links LinkRepository,
	clicks ClickRepository,
	commissions CommissionRepository,
	ledger *LedgerUsecase,
	orders OrderRepository,
	users UserDirectory,
	logger log.Logger,
) *StatsUsecase {
	return &StatsUsecase{
		links:       links,
		clicks:      clicks,
		commissions: commissions,
		ledger:      ledger,
		orders:      orders,
		users:       users,
		log:         log.NewHelper(logger),
	}
}

// GetUserAffiliateStats 汇总用户推广数据
func (uc *StatsUsecase) GetUserAffiliateStats(ctx context.Context, userID int64) (*UserPointsSummary, error) {
	ctx, span := tracing.StartSpan(ctx, "StatsUsecase.GetUserAffiliateStats")
	defer span.End()

	if userID <= 0 {
		return nil, invalidArgument("user id is required")
	}

	summary := &UserPointsSummary{ConversionRate: decimal.Zero}
	degrade := func(field string, err error) {
		uc.log.WithContext(ctx).Warnf("Stats field %s degraded to zero for user: %d, error: %v", field, userID, err)
	}

	if balance, err := uc.ledger.Balance(ctx, userID); err != nil {
		degrade("available_points", err)
	} else {
		summary.AvailablePoints = balance
	}

	if agg, err := uc.ledger.repo.Aggregate(ctx, userID); err != nil {
		degrade("total_points_earned", err)
	} else {
		summary.TotalPointsEarned = agg.TotalEarned
	}

	if sums, err := uc.commissions.SumByReferrer(ctx, userID); err != nil {
		degrade("earnings", err)
	} else {
		summary.PendingEarnings = sums.Pending
		summary.ConfirmedEarnings = sums.Confirmed
		summary.TotalConversions = sums.Count
	}

	if n, err := uc.links.CountByReferrer(ctx, userID); err != nil {
		degrade("total_links", err)
	} else {
		summary.TotalLinks = n
	}

	if n, err := uc.clicks.CountByReferrer(ctx, userID); err != nil {
		degrade("total_clicks", err)
	} else {
		summary.TotalClicks = n
	}

	summary.ConversionRate = ConversionRate(summary.TotalConversions, summary.TotalClicks)
	return summary, nil
}

// ConversionRate 转化数 / 点击数，无点击时为 0
func ConversionRate(conversions, clicks int64) decimal.Decimal {
	if clicks <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(conversions).DivRound(decimal.NewFromInt(clicks), 4)
}

// GetUserAffiliateLinks 按创建时间倒序返回用户的推广链接及点击、转化数
func (uc *StatsUsecase) GetUserAffiliateLinks(ctx context.Context, userID int64, limit int) ([]*LinkWithStats, error) {
	ctx, span := tracing.StartSpan(ctx, "StatsUsecase.GetUserAffiliateLinks")
	defer span.End()

	links, err := uc.links.ListByReferrer(ctx, userID, normalizeLimit(limit))
	if err != nil {
		uc.log.WithContext(ctx).Warnf("Failed to list links for user: %d, error: %v", userID, err)
		return []*LinkWithStats{}, nil
	}

	ids := make([]int64, 0, len(links))
	for _, l := range links {
		ids = append(ids, l.ID)
	}
	clicks, err := uc.clicks.CountByLinkIDs(ctx, ids)
	if err != nil {
		uc.log.WithContext(ctx).Warnf("Failed to count clicks for user: %d links, error: %v", userID, err)
		clicks = map[int64]int64{}
	}
	conversions, err := uc.commissions.CountByLinkIDs(ctx, ids)
	if err != nil {
		uc.log.WithContext(ctx).Warnf("Failed to count conversions for user: %d links, error: %v", userID, err)
		conversions = map[int64]int64{}
	}

	out := make([]*LinkWithStats, 0, len(links))
	for _, l := range links {
		out = append(out, &LinkWithStats{
			AffiliateLink: l,
			Clicks:        clicks[l.ID],
			Conversions:   conversions[l.ID],
		})
	}
	return out, nil
}

// GetUserPointTransactions 按 seq 倒序返回用户流水
func (uc *StatsUsecase) GetUserPointTransactions(ctx context.Context, userID int64, limit int) ([]*PointTransaction, error) {
	ctx, span := tracing.StartSpan(ctx, "StatsUsecase.GetUserPointTransactions")
	defer span.End()

	txs, err := uc.ledger.ListTransactions(ctx, userID, limit)
	if err != nil {
		uc.log.WithContext(ctx).Warnf("Failed to list point transactions for user: %d, error: %v", userID, err)
		return []*PointTransaction{}, nil
	}
	return txs, nil
}

// GetUserAffiliateOrders 按创建时间倒序返回用户的佣金记录，附带订单状态与买卖双方昵称
func (uc *StatsUsecase) GetUserAffiliateOrders(ctx context.Context, userID int64, limit int) ([]*AffiliateOrderView, error) {
	ctx, span := tracing.StartSpan(ctx, "StatsUsecase.GetUserAffiliateOrders")
	defer span.End()

	rows, err := uc.commissions.ListByReferrer(ctx, userID, normalizeLimit(limit))
	if err != nil {
		uc.log.WithContext(ctx).Warnf("Failed to list affiliate orders for user: %d, error: %v", userID, err)
		return []*AffiliateOrderView{}, nil
	}

	orderIDs := make([]int64, 0, len(rows))
	userIDs := make([]int64, 0, len(rows)*2)
	for _, r := range rows {
		orderIDs = append(orderIDs, r.OrderID)
		userIDs = append(userIDs, r.BuyerID, r.SellerID)
	}
	orders, err := uc.orders.GetByIDs(ctx, orderIDs)
	if err != nil {
		uc.log.WithContext(ctx).Warnf("Failed to load orders for affiliate orders of user: %d, error: %v", userID, err)
		orders = map[int64]*Order{}
	}
	names, err := uc.users.DisplayNames(ctx, userIDs)
	if err != nil {
		uc.log.WithContext(ctx).Warnf("Failed to load display names for affiliate orders of user: %d, error: %v", userID, err)
		names = map[int64]string{}
	}

	out := make([]*AffiliateOrderView, 0, len(rows))
	for _, r := range rows {
		view := &AffiliateOrderView{
			AffiliateOrder: r,
			BuyerName:      names[r.BuyerID],
			SellerName:     names[r.SellerID],
		}
		if o, ok := orders[r.OrderID]; ok {
			view.OrderStatus = o.Status
		}
		out = append(out, view)
	}
	return out, nil
}
