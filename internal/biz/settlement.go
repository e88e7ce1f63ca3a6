package biz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"affiliate/internal/conf"
	"affiliate/internal/pkg/metrics"
	"affiliate/internal/pkg/tracing"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	defaultSettlementBatchSize   = 200
	defaultSettlementConcurrency = 8
)

// SettlementError 单条佣金结算失败信息，不影响同批其它记录
type SettlementError struct {
	AffiliateOrderID int64  `json:"affiliate_order_id"`
	OrderID          int64  `json:"order_id"`
	ReferrerUserID   int64  `json:"referrer_user_id"`
	Reason           string `json:"reason"`
	Message          string `json:"message"`
}

// SettlementResult 一次结算的汇总
type SettlementResult struct {
	ProcessedCount      int               `json:"processed_count"`
	ConfirmedCount      int               `json:"confirmed_count"`
	CancelledCount      int               `json:"cancelled_count"`
	TotalPointsCredited int64             `json:"total_points_credited"`
	Errors              []SettlementError `json:"errors"`
	Interrupted         bool              `json:"interrupted"`
}

func (r *SettlementResult) merge(o *SettlementResult) {
	r.ProcessedCount += o.ProcessedCount
	r.ConfirmedCount += o.ConfirmedCount
	r.CancelledCount += o.CancelledCount
	r.TotalPointsCredited += o.TotalPointsCredited
	r.Errors = append(r.Errors, o.Errors...)
	r.Interrupted = r.Interrupted || o.Interrupted
}

func (r *SettlementResult) fail(c *AffiliateOrder, err error) {
	se := errors.FromError(err)
	r.Errors = append(r.Errors, SettlementError{
		AffiliateOrderID: c.ID,
		OrderID:          c.OrderID,
		ReferrerUserID:   c.ReferrerUserID,
		Reason:           se.Reason,
		Message:          err.Error(),
	})
}

type settleAction int

const (
	settleConfirm settleAction = iota + 1
	settleCancel
)

type settleItem struct {
	commission  *AffiliateOrder
	action      settleAction
	orderNumber string
}

// SettlementUsecase 佣金结算：订单送达后确认佣金并入账，订单取消后作废佣金
type SettlementUsecase struct {
	commissions CommissionRepository
	orders      OrderRepository
	ledger      *LedgerUsecase
	outbox      OutboxRepository
	tx          Transaction
	ids         IDGenerator
	batchSize   int
	concurrency int
	metrics     *metrics.Metrics
	now         nowFunc
	log         *log.Helper
}

// NewSettlementUsecase 创建佣金结算业务实例
func NewSettlementUsecase(
	commissions CommissionRepository,
	orders OrderRepository,
	ledger *LedgerUsecase,
	outbox OutboxRepository,
	tx Transaction,
	ids IDGenerator,
	c *conf.Settlement,
	m *metrics.Metrics,
	logger log.Logger,
) *SettlementUsecase {
	uc := &SettlementUsecase{
		commissions: commissions,
		orders:      orders,
		ledger:      ledger,
		outbox:      outbox,
		tx:          tx,
		ids:         ids,
		batchSize:   defaultSettlementBatchSize,
		concurrency: defaultSettlementConcurrency,
		metrics:     m,
		now:         time.Now,
		log:         log.NewHelper(logger),
	}
	if c != nil {
		if c.BatchSize > 0 {
			uc.batchSize = c.BatchSize
		}
		if c.Concurrency > 0 {
			uc.concurrency = c.Concurrency
		}
	}
	return uc
}

// ProcessDeliveredOrdersEarnings 扫描全部待结算佣金并按订单状态确认或作废
// 可重复执行；ctx 取消时在行间停止，未处理的记录保持 pending，下次执行继续
func (uc *SettlementUsecase) ProcessDeliveredOrdersEarnings(ctx context.Context) (*SettlementResult, error) {
	ctx, span := tracing.StartSpan(ctx, "SettlementUsecase.ProcessDeliveredOrdersEarnings")
	defer span.End()

	start := time.Now()
	result := &SettlementResult{Errors: []SettlementError{}}
	var afterID int64
	for {
		if ctx.Err() != nil {
			result.Interrupted = true
			break
		}
		page, err := uc.commissions.ListPending(ctx, afterID, uc.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				result.Interrupted = true
				break
			}
			uc.metrics.SettlementRuns.WithLabelValues("failed").Inc()
			uc.log.WithContext(ctx).Errorf("Failed to list pending commissions after id: %d, error: %v", afterID, err)
			return result, err
		}
		if len(page) == 0 {
			break
		}
		afterID = page[len(page)-1].ID

		uc.settlePage(ctx, page, result)
		if result.Interrupted || len(page) < uc.batchSize {
			break
		}
	}

	outcome := "completed"
	if result.Interrupted {
		outcome = "interrupted"
	}
	uc.metrics.SettlementRuns.WithLabelValues(outcome).Inc()
	uc.metrics.SettlementLength.Observe(time.Since(start).Seconds())

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"settlement.processed":   result.ProcessedCount,
		"settlement.credited":    result.TotalPointsCredited,
		"settlement.errors":      len(result.Errors),
		"settlement.interrupted": result.Interrupted,
	})
	uc.log.WithContext(ctx).Infof("Settlement run %s: processed %d (confirmed %d, cancelled %d), credited %d points, %d errors",
		outcome, result.ProcessedCount, result.ConfirmedCount, result.CancelledCount, result.TotalPointsCredited, len(result.Errors))
	return result, nil
}

// SettleOrder 针对单个订单状态变化进行结算，订单未送达或未取消时不做处理
func (uc *SettlementUsecase) SettleOrder(ctx context.Context, orderID int64) (*SettlementResult, error) {
	ctx, span := tracing.StartSpan(ctx, "SettlementUsecase.SettleOrder")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{"order_id": orderID})

	result := &SettlementResult{Errors: []SettlementError{}}
	commission, err := uc.commissions.GetByOrderID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCommissionNotFound
		}
		return nil, err
	}
	if commission.Status != CommissionPending {
		return result, nil
	}

	order, err := uc.orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	action, ok := actionFor(order.Status)
	if !ok {
		uc.log.WithContext(ctx).Infof("Order %d is %s, nothing to settle", orderID, order.Status)
		return result, nil
	}

	result.merge(uc.settleGroup(ctx, commission.ReferrerUserID, []settleItem{{
		commission:  commission,
		action:      action,
		orderNumber: order.OrderNumber,
	}}))
	return result, nil
}

// settlePage 处理一页待结算记录：按推广人分组，组间并行，组内串行
func (uc *SettlementUsecase) settlePage(ctx context.Context, page []*AffiliateOrder, result *SettlementResult) {
	orderIDs := make([]int64, 0, len(page))
	for _, c := range page {
		orderIDs = append(orderIDs, c.OrderID)
	}
	orders, err := uc.orders.GetByIDs(ctx, orderIDs)
	if err != nil {
		uc.log.WithContext(ctx).Errorf("Failed to load %d orders for settlement, error: %v", len(orderIDs), err)
		for _, c := range page {
			result.fail(c, err)
		}
		uc.metrics.SettlementRows.WithLabelValues("failed").Add(float64(len(page)))
		return
	}

	groups := make(map[int64][]settleItem)
	var users []int64
	for _, c := range page {
		order, ok := orders[c.OrderID]
		if !ok {
			result.fail(c, ErrOrderNotFound)
			uc.metrics.SettlementRows.WithLabelValues("failed").Inc()
			continue
		}
		action, ok := actionFor(order.Status)
		if !ok {
			continue
		}
		if _, seen := groups[c.ReferrerUserID]; !seen {
			users = append(users, c.ReferrerUserID)
		}
		groups[c.ReferrerUserID] = append(groups[c.ReferrerUserID], settleItem{
			commission:  c,
			action:      action,
			orderNumber: order.OrderNumber,
		})
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(uc.concurrency)
	for _, userID := range users {
		userID, items := userID, groups[userID]
		g.Go(func() error {
			partial := uc.settleGroup(ctx, userID, items)
			mu.Lock()
			result.merge(partial)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

// settleGroup 在用户流水锁内串行结算同一推广人的记录，开始前校验该用户账本
func (uc *SettlementUsecase) settleGroup(ctx context.Context, userID int64, items []settleItem) *SettlementResult {
	partial := &SettlementResult{}
	failAll := func(err error) {
		for _, it := range items {
			partial.fail(it.commission, err)
		}
		uc.metrics.SettlementRows.WithLabelValues("failed").Add(float64(len(items)))
	}

	err := uc.ledger.withUser(ctx, userID, func(ctx context.Context) error {
		if err := uc.ledger.VerifyUser(ctx, userID); err != nil {
			return err
		}
		for _, it := range items {
			if ctx.Err() != nil {
				partial.Interrupted = true
				return nil
			}
			credited, applied, err := uc.settleRow(ctx, it)
			if err != nil {
				if ctx.Err() != nil {
					partial.Interrupted = true
					return nil
				}
				uc.log.WithContext(ctx).Errorf("Failed to settle affiliate order: %d (order %d), error: %v",
					it.commission.ID, it.commission.OrderID, err)
				partial.fail(it.commission, err)
				uc.metrics.SettlementRows.WithLabelValues("failed").Inc()
				continue
			}
			if !applied {
				uc.metrics.SettlementRows.WithLabelValues("skipped").Inc()
				continue
			}
			partial.ProcessedCount++
			if it.action == settleConfirm {
				partial.ConfirmedCount++
				partial.TotalPointsCredited += credited
				uc.metrics.SettlementRows.WithLabelValues("confirmed").Inc()
				uc.metrics.PointsCredited.Add(float64(credited))
			} else {
				partial.CancelledCount++
				uc.metrics.SettlementRows.WithLabelValues("cancelled").Inc()
			}
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			partial.Interrupted = true
			return partial
		}
		if errors.Is(err, ErrLedgerCorrupted) {
			uc.log.WithContext(ctx).Errorf("ALARM: ledger corrupted for user: %d, halting settlement of %d rows", userID, len(items))
		} else {
			uc.log.WithContext(ctx).Errorf("Failed to settle rows for user: %d, error: %v", userID, err)
		}
		failAll(err)
	}
	return partial
}

// settleRow 单条佣金在一个事务内完成：条件更新状态、写入流水、写入事件
// 条件更新未命中说明已被其它执行者处理，applied=false
func (uc *SettlementUsecase) settleRow(ctx context.Context, it settleItem) (credited int64, applied bool, err error) {
	c := it.commission
	to := CommissionConfirmed
	eventType := EventCommissionConfirmed
	if it.action == settleCancel {
		to = CommissionCancelled
		eventType = EventCommissionCancelled
	}

	err = uc.ledger.retry(ctx, func() error {
		credited, applied = 0, false
		return uc.tx.InTx(ctx, func(ctx context.Context) error {
			now := uc.now()
			ok, err := uc.commissions.TransitionFromPending(ctx, c.ID, to, now)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}

			if to == CommissionConfirmed && c.PointsEarned > 0 {
				exists, err := uc.ledger.repo.ExistsForAffiliateOrder(ctx, c.ID, PointTransactionEarned)
				if err != nil {
					return err
				}
				if exists {
					uc.log.WithContext(ctx).Warnf("Earned transaction already exists for affiliate order: %d, confirming without credit", c.ID)
				} else {
					relatedID := c.ID
					if _, err := uc.ledger.appendInTx(ctx, AppendRequest{
						UserID:                  c.ReferrerUserID,
						Type:                    PointTransactionEarned,
						Amount:                  c.PointsEarned,
						Description:             fmt.Sprintf("Commission order #%s", it.orderNumber),
						RelatedAffiliateOrderID: &relatedID,
					}); err != nil {
						return err
					}
					credited = c.PointsEarned
				}
			}

			settled := *c
			settled.Status = to
			settled.SettledAt = &now
			settled.UpdatedAt = now
			evt, err := newOutboxEvent(uc.ids, eventType, c.ReferrerUserID, commissionEventData(&settled), now)
			if err != nil {
				return err
			}
			if err := uc.outbox.Enqueue(ctx, evt); err != nil {
				return err
			}
			applied = true
			return nil
		})
	})
	if err != nil {
		return 0, false, err
	}
	if applied {
		tracing.AddSpanEvent(ctx, "commission.settled", map[string]interface{}{
			"affiliate_order_id": c.ID,
			"status":             to,
			"credited":           credited,
		})
	}
	return credited, applied, nil
}

func actionFor(status OrderStatus) (settleAction, bool) {
	switch status {
	case OrderDelivered:
		return settleConfirm, true
	case OrderCancelled:
		return settleCancel, true
	}
	return 0, false
}
