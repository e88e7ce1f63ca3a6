package service

import (
	"context"

	"affiliate/internal/biz"
	"affiliate/internal/pkg/tracing"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/shopspring/decimal"
)

type CreateLinkRequest struct {
	SellerID int64 `json:"seller_id"`
}

type LinkCodeRequest struct {
	Code string `json:"code"`
}

type LinkIDRequest struct {
	ID int64 `json:"id"`
}

type ListRequest struct {
	Limit int `json:"limit"`
}

type LinkReply struct {
	Link *biz.AffiliateLink `json:"link"`
}

type ListLinksReply struct {
	Links []*biz.LinkWithStats `json:"links"`
}

type RecordClickRequest struct {
	Code        string `json:"code"`
	Fingerprint string `json:"fingerprint"`
}

type RecordClickReply struct {
	Accepted bool `json:"accepted"`
}

// RecordConversionRequest 订单归因请求，未携带 code 时按订单子系统中的推广码归因
type RecordConversionRequest struct {
	Code        string          `json:"code"`
	OrderID     int64           `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	BuyerID     int64           `json:"buyer_id"`
	Amount      decimal.Decimal `json:"amount"`
}

type CommissionReply struct {
	Commission *biz.AffiliateOrder `json:"commission"`
}

type ListOrdersReply struct {
	Orders []*biz.AffiliateOrderView `json:"orders"`
}

type ListTransactionsReply struct {
	Balance      int64                   `json:"balance"`
	Transactions []*biz.PointTransaction `json:"transactions"`
}

type RedeemRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

type GrantRequest struct {
	UserID      int64  `json:"user_id"`
	Type        string `json:"type"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

type TransactionReply struct {
	Transaction *biz.PointTransaction `json:"transaction"`
}

type Empty struct{}

// OrderEventRequest 订单状态通知，confirmed 触发归因，delivered/cancelled 触发单笔结算
type OrderEventRequest struct {
	OrderID int64  `json:"order_id"`
	Status  string `json:"status"`
}

type OrderEventReply struct {
	Commission *biz.AffiliateOrder   `json:"commission,omitempty"`
	Settlement *biz.SettlementResult `json:"settlement,omitempty"`
}

type SetRateRequest struct {
	Rate decimal.Decimal `json:"rate"`
}

type SetRateReply struct {
	Rate string `json:"rate"`
}

// AffiliateService 推广与点数接口
type AffiliateService struct {
	links       *biz.LinkUsecase
	attribution *biz.AttributionUsecase
	clicks      *biz.ClickRecorder
	ledger      *biz.LedgerUsecase
	settlement  *biz.SettlementUsecase
	stats       *biz.StatsUsecase
	operators   *OperatorAuthenticator
	logger      *log.Helper
}

// NewAffiliateService 创建 AffiliateService 实例
func NewAffiliateService(
	links *biz.LinkUsecase,
	attribution *biz.AttributionUsecase,
	clicks *biz.ClickRecorder,
	ledger *biz.LedgerUsecase,
	settlement *biz.SettlementUsecase,
	stats *biz.StatsUsecase,
	operators *OperatorAuthenticator,
	logger log.Logger,
) *AffiliateService {
	return &AffiliateService{
		links:       links,
		attribution: attribution,
		clicks:      clicks,
		ledger:      ledger,
		settlement:  settlement,
		stats:       stats,
		operators:   operators,
		logger:      log.NewHelper(logger),
	}
}

// CreateLink 为当前用户生成推广链接
func (s *AffiliateService) CreateLink(ctx context.Context, req *CreateLinkRequest) (*LinkReply, error) {
	ctx, span := tracing.StartSpan(ctx, "AffiliateService.CreateLink")
	defer span.End()

	userID, err := ExtractUserID(ctx, s.logger)
	if err != nil {
		return nil, err
	}
	link, err := s.links.CreateLink(ctx, userID, req.SellerID)
	if err != nil {
		s.logger.WithContext(ctx).Errorf("CreateLink failed for user: %d, error: %v", userID, err)
		return nil, err
	}
	return &LinkReply{Link: link}, nil
}

func (s *AffiliateService) ResolveLink(ctx context.Context, req *LinkCodeRequest) (*LinkReply, error) {
	ctx, span := tracing.StartSpan(ctx, "AffiliateService.ResolveLink")
	defer span.End()

	link, err := s.links.ResolveLink(ctx, req.Code)
	if err != nil {
		return nil, err
	}
	return &LinkReply{Link: link}, nil
}

// DisableLink 停用当前用户名下的推广链接
func (s *AffiliateService) DisableLink(ctx context.Context, req *LinkIDRequest) (*LinkReply, error) {
	ctx, span := tracing.StartSpan(ctx, "AffiliateService.DisableLink")
	defer span.End()

	userID, err := ExtractUserID(ctx, s.logger)
	if err != nil {
		return nil, err
	}
	link, err := s.links.DisableLink(ctx, userID, req.ID)
	if err != nil {
		s.logger.WithContext(ctx).Errorf("DisableLink failed for user: %d, link: %d, error: %v", userID, req.ID, err)
		return nil, err
	}
	return &LinkReply{Link: link}, nil
}

func (s *AffiliateService) ListLinks(ctx context.Context, req *ListRequest) (*ListLinksReply, error) {
	ctx, span := tracing.StartSpan(ctx, "AffiliateService.ListLinks")
	defer span.End()

	userID, err := ExtractUserID(ctx, s.logger)
	if err != nil {
		return nil, err
	}
	links, err := s.stats.GetUserAffiliateLinks(ctx, userID, req.Limit)
	if err != nil {
		return nil, err
	}
	return &ListLinksReply{Links: links}, nil
}

// RecordClick 点击只入队，由后台协程落库
func (s *AffiliateService) RecordClick(ctx context.Context, req *RecordClickRequest) (*RecordClickReply, error) {
	if req.Code == "" {
		return nil, biz.ErrInvalidArgument
	}
	return &RecordClickReply{Accepted: s.clicks.Track(req.Code, req.Fingerprint)}, nil
}

// RecordConversion 由订单子系统调用，需要运营令牌
func (s *AffiliateService) RecordConversion(ctx context.Context, req *RecordConversionRequest) (*CommissionReply, error) {
	ctx, span := tracing.StartSpan(ctx, "AffiliateService.RecordConversion")
	defer span.End()

	if _, err := s.operators.Authorize(ctx); err != nil {
		return nil, err
	}

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"order_id": req.OrderID,
		"code":     req.Code,
	})

	var (
		commission *biz.AffiliateOrder
		err        error
	)
	if req.Code == "" {
		commission, err = s.attribution.RecordOrderConversion(ctx, req.OrderID)
	} else {
		commission, err = s.attribution.RecordConversion(ctx, req.Code, biz.ConversionOrder{
			OrderID:     req.OrderID,
			OrderNumber: req.OrderNumber,
			BuyerID:     req.BuyerID,
			Amount:      req.Amount,
		})
	}
	if err != nil {
		s.logger.WithContext(ctx).Warnf("RecordConversion rejected for order: %d, error: %v", req.OrderID, err)
		return nil, err
	}
	return &CommissionReply{Commission: commission}, nil
}

func (s *AffiliateService) GetStats(ctx context.Context, _ *Empty) (*biz.UserPointsSummary, error) {
	ctx, span := tracing.StartSpan(ctx, "AffiliateService.GetStats")
	defer span.End()

	userID, err := ExtractUserID(ctx, s.logger)
	if err != nil {
		return nil, err
	}
	return s.stats.GetUserAffiliateStats(ctx, userID)
}

func (s *AffiliateService) ListOrders(ctx context.Context, req *ListRequest) (*ListOrdersReply, error) {
	ctx, span := tracing.StartSpan(ctx, "AffiliateService.ListOrders")
	defer span.End()

	userID, err := ExtractUserID(ctx, s.logger)
	if err != nil {
		return nil, err
	}
	orders, err := s.stats.GetUserAffiliateOrders(ctx, userID, req.Limit)
	if err != nil {
		return nil, err
	}
	return &ListOrdersReply{Orders: orders}, nil
}

// ListTransactions 返回当前余额与最近的点数流水
func (s *AffiliateService) ListTransactions(ctx context.Context, req *ListRequest) (*ListTransactionsReply, error) {
	ctx, span := tracing.StartSpan(ctx, "AffiliateService.ListTransactions")
	defer span.End()

	userID, err := ExtractUserID(ctx, s.logger)
	if err != nil {
		return nil, err
	}
	balance, err := s.ledger.Balance(ctx, userID)
	if err != nil {
		s.logger.WithContext(ctx).Warnf("Failed to read balance for user: %d, error: %v", userID, err)
		balance = 0
	}
	txs, err := s.stats.GetUserPointTransactions(ctx, userID, req.Limit)
	if err != nil {
		return nil, err
	}
	return &ListTransactionsReply{Balance: balance, Transactions: txs}, nil
}

// Redeem 当前用户消费点数
func (s *AffiliateService) Redeem(ctx context.Context, req *RedeemRequest) (*TransactionReply, error) {
	ctx, span := tracing.StartSpan(ctx, "AffiliateService.Redeem")
	defer span.End()

	userID, err := ExtractUserID(ctx, s.logger)
	if err != nil {
		return nil, err
	}
	tx, err := s.ledger.Spend(ctx, userID, req.Amount, req.Description)
	if err != nil {
		s.logger.WithContext(ctx).Warnf("Redeem failed for user: %d, amount: %d, error: %v", userID, req.Amount, err)
		return nil, err
	}
	return &TransactionReply{Transaction: tx}, nil
}

// Grant 运营发放奖励或退还点数
func (s *AffiliateService) Grant(ctx context.Context, req *GrantRequest) (*TransactionReply, error) {
	ctx, span := tracing.StartSpan(ctx, "AffiliateService.Grant")
	defer span.End()

	operator, err := s.operators.Authorize(ctx)
	if err != nil {
		return nil, err
	}
	if req.UserID <= 0 {
		return nil, biz.ErrInvalidArgument
	}
	tx, err := s.ledger.Grant(ctx, req.UserID, biz.PointTransactionType(req.Type), req.Amount, req.Description)
	if err != nil {
		s.logger.WithContext(ctx).Warnf("Grant by operator: %s for user: %d failed, error: %v", operator, req.UserID, err)
		return nil, err
	}
	s.logger.WithContext(ctx).Infof("Operator: %s granted %d %s points to user: %d", operator, req.Amount, req.Type, req.UserID)
	return &TransactionReply{Transaction: tx}, nil
}

// RunSettlement 运营手动触发一次全量结算
func (s *AffiliateService) RunSettlement(ctx context.Context, _ *Empty) (*biz.SettlementResult, error) {
	ctx, span := tracing.StartSpan(ctx, "AffiliateService.RunSettlement")
	defer span.End()

	operator, err := s.operators.Authorize(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.WithContext(ctx).Infof("Settlement run triggered by operator: %s", operator)
	return s.settlement.ProcessDeliveredOrdersEarnings(ctx)
}

func (s *AffiliateService) HandleOrderEvent(ctx context.Context, req *OrderEventRequest) (*OrderEventReply, error) {
	ctx, span := tracing.StartSpan(ctx, "AffiliateService.HandleOrderEvent")
	defer span.End()

	if _, err := s.operators.Authorize(ctx); err != nil {
		return nil, err
	}
	if req.OrderID <= 0 {
		return nil, biz.ErrInvalidArgument
	}

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"order_id": req.OrderID,
		"status":   req.Status,
	})

	switch biz.OrderStatus(req.Status) {
	case biz.OrderConfirmed:
		commission, err := s.attribution.RecordOrderConversion(ctx, req.OrderID)
		if err != nil {
			return nil, err
		}
		return &OrderEventReply{Commission: commission}, nil
	case biz.OrderDelivered, biz.OrderCancelled:
		result, err := s.settlement.SettleOrder(ctx, req.OrderID)
		if err != nil {
			return nil, err
		}
		return &OrderEventReply{Settlement: result}, nil
	default:
		return &OrderEventReply{}, nil
	}
}

func (s *AffiliateService) SetRate(ctx context.Context, req *SetRateRequest) (*SetRateReply, error) {
	ctx, span := tracing.StartSpan(ctx, "AffiliateService.SetRate")
	defer span.End()

	operator, err := s.operators.Authorize(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.attribution.UpdateGlobalRate(ctx, req.Rate); err != nil {
		return nil, err
	}
	s.logger.WithContext(ctx).Infof("Operator: %s changed global rate to %s", operator, req.Rate.String())
	return &SetRateReply{Rate: req.Rate.String()}, nil
}
