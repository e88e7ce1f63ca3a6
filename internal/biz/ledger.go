package biz

import (
	"context"
	"strconv"
	"time"

	"affiliate/internal/conf"
	"affiliate/internal/pkg/metrics"
	"affiliate/internal/pkg/tracing"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

const (
	defaultLedgerLockTTL = 10 * time.Second
	defaultMaxRetries    = 5
	ledgerLockPrefix     = "affiliate:ledger:lock:"
)

// Unlock 释放分布式锁
type Unlock func(ctx context.Context) error

// Locker 分布式互斥锁，TryLock 不等待，未获得锁时返回 ok=false
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock Unlock, ok bool, err error)
}

// AppendRequest 写入一条点数流水的请求
type AppendRequest struct {
	UserID                  int64
	Type                    PointTransactionType
	Amount                  int64
	Description             string
	RelatedAffiliateOrderID *int64
}

type userLockKey struct{}

// withUserLock 标记 ctx 已持有该用户的流水锁
func withUserLock(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userLockKey{}, userID)
}

func holdsUserLock(ctx context.Context, userID int64) bool {
	held, ok := ctx.Value(userLockKey{}).(int64)
	return ok && held == userID
}

// LedgerUsecase 点数流水账本，所有点数变动的唯一写入路径
type LedgerUsecase struct {
	repo       PointTransactionRepository
	outbox     OutboxRepository
	locker     Locker
	tx         Transaction
	ids        IDGenerator
	lockTTL    time.Duration
	maxRetries uint64
	metrics    *metrics.Metrics
	now        nowFunc
	log        *log.Helper
}

// NewLedgerUsecase 创建点数账本业务实例
func NewLedgerUsecase(
	repo PointTransactionRepository,
	outbox OutboxRepository,
	locker Locker,
	tx Transaction,
	ids IDGenerator,
	ac *conf.Affiliate,
	sc *conf.Settlement,
	m *metrics.Metrics,
	logger log.Logger,
) *LedgerUsecase {
	uc := &LedgerUsecase{
		repo:       repo,
		outbox:     outbox,
		locker:     locker,
		tx:         tx,
		ids:        ids,
		lockTTL:    defaultLedgerLockTTL,
		maxRetries: defaultMaxRetries,
		metrics:    m,
		now:        time.Now,
		log:        log.NewHelper(logger),
	}
	if ac != nil && ac.LedgerLockTTL.AsDuration() > 0 {
		uc.lockTTL = ac.LedgerLockTTL.AsDuration()
	}
	if sc != nil && sc.MaxRetries > 0 {
		uc.maxRetries = uint64(sc.MaxRetries)
	}
	return uc
}

// AppendTransaction 追加一条流水：持有用户锁，在独立事务中比较并追加，并发冲突时退避重试
func (uc *LedgerUsecase) AppendTransaction(ctx context.Context, req AppendRequest) (*PointTransaction, error) {
	ctx, span := tracing.StartSpan(ctx, "LedgerUsecase.AppendTransaction")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"user_id": req.UserID,
		"type":    string(req.Type),
		"amount":  req.Amount,
	})

	if err := validateAppend(req); err != nil {
		return nil, err
	}

	var created *PointTransaction
	err := uc.withUser(ctx, req.UserID, func(ctx context.Context) error {
		return uc.retry(ctx, func() error {
			return uc.tx.InTx(ctx, func(ctx context.Context) error {
				pt, err := uc.appendInTx(ctx, req)
				if err != nil {
					return err
				}
				created = pt
				return nil
			})
		})
	})
	if err != nil {
		if !errors.Is(err, ErrInsufficientBalance) {
			uc.log.WithContext(ctx).Errorf("Failed to append %s transaction for user: %d, error: %v", req.Type, req.UserID, err)
		}
		return nil, err
	}

	uc.log.WithContext(ctx).Infof("Appended %s transaction id: %d, user: %d, amount: %d, balance after: %d",
		created.Type, created.ID, created.UserID, created.Amount, created.BalanceAfter)
	return created, nil
}

// appendInTx 在调用方事务内比较并追加：读取最新流水，按 seq+1 插入
// (user_id, seq) 唯一键冲突说明有并发写入，返回 ErrSettlementRace
func (uc *LedgerUsecase) appendInTx(ctx context.Context, req AppendRequest) (*PointTransaction, error) {
	var balance, seq int64
	latest, err := uc.repo.Latest(ctx, req.UserID)
	switch {
	case err == nil:
		balance, seq = latest.BalanceAfter, latest.Seq
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return nil, err
	}

	balanceAfter := balance + req.Amount
	if req.Type == PointTransactionSpent && balanceAfter < 0 {
		return nil, ErrInsufficientBalance.WithMetadata(map[string]string{
			"balance": strconv.FormatInt(balance, 10),
		})
	}

	now := uc.now()
	pt := &PointTransaction{
		ID:                      uc.ids.NextID(),
		UserID:                  req.UserID,
		Seq:                     seq + 1,
		Type:                    req.Type,
		Amount:                  req.Amount,
		Description:             req.Description,
		RelatedAffiliateOrderID: req.RelatedAffiliateOrderID,
		BalanceAfter:            balanceAfter,
		CreatedAt:               now,
	}
	if err := uc.repo.Create(ctx, pt); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrSettlementRace
		}
		return nil, err
	}

	evt, err := newOutboxEvent(uc.ids, EventPointsChanged, pt.UserID, PointsChangedData{
		UserID:        pt.UserID,
		TransactionID: pt.ID,
		Type:          string(pt.Type),
		Amount:        pt.Amount,
		BalanceAfter:  pt.BalanceAfter,
	}, now)
	if err != nil {
		return nil, err
	}
	if err := uc.outbox.Enqueue(ctx, evt); err != nil {
		return nil, err
	}
	return pt, nil
}

// withUser 获取用户流水锁后执行 fn，ctx 已持有同一用户锁时直接执行
func (uc *LedgerUsecase) withUser(ctx context.Context, userID int64, fn func(ctx context.Context) error) error {
	if holdsUserLock(ctx, userID) {
		return fn(ctx)
	}

	key := ledgerLockPrefix + strconv.FormatInt(userID, 10)
	var unlock Unlock
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = uc.lockTTL
	err := backoff.Retry(func() error {
		u, ok, err := uc.locker.TryLock(ctx, key, uc.lockTTL)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return ErrSettlementRace
		}
		unlock = u
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		uc.log.WithContext(ctx).Warnf("Failed to acquire ledger lock for user: %d, error: %v", userID, err)
		return err
	}
	defer func() {
		if uerr := unlock(context.WithoutCancel(ctx)); uerr != nil {
			uc.log.WithContext(ctx).Warnf("Failed to release ledger lock for user: %d, error: %v", userID, uerr)
		}
	}()
	return fn(withUserLock(ctx, userID))
}

// retry 仅对 ErrSettlementRace 退避重试，其余错误立即返回
func (uc *LedgerUsecase) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uc.maxRetries), ctx)
	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		uc.metrics.LedgerRetries.Inc()
		uc.log.WithContext(ctx).Infof("Retrying ledger write in %s after: %v", wait, err)
	})
}

// Balance 用户当前可用点数，即最新一条流水的 balance_after
func (uc *LedgerUsecase) Balance(ctx context.Context, userID int64) (int64, error) {
	latest, err := uc.repo.Latest(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return latest.BalanceAfter, nil
}

// VerifyUser 校验余额折叠：最新余额等于金额之和，最新 seq 等于流水条数
func (uc *LedgerUsecase) VerifyUser(ctx context.Context, userID int64) error {
	ctx, span := tracing.StartSpan(ctx, "LedgerUsecase.VerifyUser")
	defer span.End()

	latest, err := uc.repo.Latest(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	agg, err := uc.repo.Aggregate(ctx, userID)
	if err != nil {
		return err
	}
	if latest.BalanceAfter != agg.SumAmount || latest.Seq != agg.Count {
		uc.metrics.LedgerCorrupted.Inc()
		uc.log.WithContext(ctx).Errorf("Ledger fold mismatch for user: %d, balance_after: %d, sum: %d, seq: %d, count: %d",
			userID, latest.BalanceAfter, agg.SumAmount, latest.Seq, agg.Count)
		tracing.RecordError(ctx, ErrLedgerCorrupted)
		return ErrLedgerCorrupted.WithMetadata(map[string]string{
			"user_id": strconv.FormatInt(userID, 10),
		})
	}
	return nil
}

// Spend 消费点数，余额不足时返回 ErrInsufficientBalance
func (uc *LedgerUsecase) Spend(ctx context.Context, userID, amount int64, description string) (*PointTransaction, error) {
	if amount <= 0 {
		return nil, invalidArgument("spend amount must be positive")
	}
	if description == "" {
		description = "Points redemption"
	}
	return uc.AppendTransaction(ctx, AppendRequest{
		UserID:      userID,
		Type:        PointTransactionSpent,
		Amount:      -amount,
		Description: description,
	})
}

// Grant 运营发放奖励或退还点数
func (uc *LedgerUsecase) Grant(ctx context.Context, userID int64, txType PointTransactionType, amount int64, description string) (*PointTransaction, error) {
	if txType != PointTransactionBonus && txType != PointTransactionRefund {
		return nil, invalidArgument("grant type must be bonus or refund")
	}
	return uc.AppendTransaction(ctx, AppendRequest{
		UserID:      userID,
		Type:        txType,
		Amount:      amount,
		Description: description,
	})
}

// ListTransactions 按 seq 倒序返回用户流水
func (uc *LedgerUsecase) ListTransactions(ctx context.Context, userID int64, limit int) ([]*PointTransaction, error) {
	return uc.repo.ListByUserID(ctx, userID, normalizeLimit(limit))
}

func validateAppend(req AppendRequest) error {
	if req.UserID <= 0 {
		return invalidArgument("user id is required")
	}
	if !req.Type.Valid() {
		return invalidArgument("unknown transaction type")
	}
	if req.Amount == 0 {
		return invalidArgument("amount must not be zero")
	}
	if req.Type == PointTransactionSpent && req.Amount > 0 {
		return invalidArgument("spent amount must be negative")
	}
	if req.Type != PointTransactionSpent && req.Amount < 0 {
		return invalidArgument("credit amount must be positive")
	}
	if req.Description == "" {
		return invalidArgument("description is required")
	}
	return nil
}
