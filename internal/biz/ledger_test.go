package biz

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// assertFold 校验按 seq 折叠的余额与每条流水的 balance_after 一致
func assertFold(t *testing.T, env *testEnv, userID int64) int64 {
	t.Helper()
	var sum int64
	for i, tx := range env.transactionsFor(userID) {
		sum += tx.Amount
		assert.Equal(t, int64(i+1), tx.Seq)
		assert.Equal(t, sum, tx.BalanceAfter, "seq %d", tx.Seq)
	}
	balance, err := env.ledger.Balance(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, sum, balance)
	require.NoError(t, env.ledger.VerifyUser(context.Background(), userID))
	return sum
}

func TestLedgerUsecase_BalanceFold(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(nil)
	const user = int64(7)

	steps := []AppendRequest{
		{UserID: user, Type: PointTransactionEarned, Amount: 10, Description: "Commission order #1"},
		{UserID: user, Type: PointTransactionBonus, Amount: 5, Description: "Welcome bonus"},
		{UserID: user, Type: PointTransactionSpent, Amount: -12, Description: "Coupon"},
		{UserID: user, Type: PointTransactionRefund, Amount: 4, Description: "Coupon refund"},
		{UserID: user, Type: PointTransactionSpent, Amount: -7, Description: "Coupon"},
	}
	for _, req := range steps {
		_, err := env.ledger.AppendTransaction(ctx, req)
		require.NoError(t, err)
	}

	assert.Equal(t, int64(0), assertFold(t, env, user))
	assert.Len(t, env.store.outbox, len(steps))
	for _, evt := range env.store.outbox {
		assert.Equal(t, EventPointsChanged, evt.EventType)
		assert.Equal(t, "7", evt.PartitionKey)
	}
}

func TestLedgerUsecase_AppendValidation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		req     AppendRequest
		wantErr error
	}{
		{"金额为零", AppendRequest{UserID: 1, Type: PointTransactionEarned, Amount: 0, Description: "x"}, ErrInvalidArgument},
		{"消费金额为正", AppendRequest{UserID: 1, Type: PointTransactionSpent, Amount: 5, Description: "x"}, ErrInvalidArgument},
		{"入账金额为负", AppendRequest{UserID: 1, Type: PointTransactionBonus, Amount: -5, Description: "x"}, ErrInvalidArgument},
		{"未知类型", AppendRequest{UserID: 1, Type: "gift", Amount: 5, Description: "x"}, ErrInvalidArgument},
		{"缺少用户", AppendRequest{Type: PointTransactionEarned, Amount: 5, Description: "x"}, ErrInvalidArgument},
		{"缺少描述", AppendRequest{UserID: 1, Type: PointTransactionEarned, Amount: 5}, ErrInvalidArgument},
		{"余额不足", AppendRequest{UserID: 1, Type: PointTransactionSpent, Amount: -1, Description: "x"}, ErrInsufficientBalance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(nil)
			_, err := env.ledger.AppendTransaction(ctx, tt.req)
			require.Error(t, err)
			assert.True(t, kerrors.Is(err, tt.wantErr), "got %v", err)
			assert.Empty(t, env.store.txs)
			assert.Empty(t, env.store.outbox)
		})
	}
}

func TestLedgerUsecase_SpendAndGrant(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(nil)

	_, err := env.ledger.Grant(ctx, 3, PointTransactionBonus, 20, "Campaign bonus")
	require.NoError(t, err)

	_, err = env.ledger.Grant(ctx, 3, PointTransactionEarned, 20, "not allowed")
	assert.True(t, kerrors.Is(err, ErrInvalidArgument))

	pt, err := env.ledger.Spend(ctx, 3, 15, "")
	require.NoError(t, err)
	assert.Equal(t, int64(-15), pt.Amount)
	assert.Equal(t, int64(5), pt.BalanceAfter)
	assert.Equal(t, "Points redemption", pt.Description)

	_, err = env.ledger.Spend(ctx, 3, 6, "too much")
	assert.True(t, kerrors.Is(err, ErrInsufficientBalance))

	_, err = env.ledger.Spend(ctx, 3, 0, "")
	assert.True(t, kerrors.Is(err, ErrInvalidArgument))

	assert.Equal(t, int64(5), assertFold(t, env, 3))

	txs, err := env.ledger.ListTransactions(ctx, 3, 0)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, PointTransactionSpent, txs[0].Type)
}

func TestLedgerUsecase_RetriesOnRace(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(nil)
	env.store.dupOnTxCreate = 2

	pt, err := env.ledger.AppendTransaction(ctx, AppendRequest{UserID: 1, Type: PointTransactionEarned, Amount: 3, Description: "x"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), pt.Seq)
	assert.Equal(t, float64(2), testutil.ToFloat64(env.metrics.LedgerRetries))
	// 失败尝试写入的事件随事务回滚
	assert.Len(t, env.store.outbox, 1)
}

func TestLedgerUsecase_RaceSurfacesWhenRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(nil)
	env.store.dupOnTxCreate = 100

	_, err := env.ledger.AppendTransaction(ctx, AppendRequest{UserID: 1, Type: PointTransactionEarned, Amount: 3, Description: "x"})
	require.Error(t, err)
	assert.True(t, kerrors.Is(err, ErrSettlementRace))
	assert.Empty(t, env.store.txs)
}

func TestLedgerUsecase_ConcurrentAppendsSameUser(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.ledger.AppendTransaction(ctx, AppendRequest{UserID: 9, Type: PointTransactionEarned, Amount: 2, Description: "x"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(40), assertFold(t, env, 9))
}

func TestLedgerUsecase_WaitsForHeldLock(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(nil)

	unlock, ok, err := env.locker.TryLock(ctx, ledgerLockPrefix+"4", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = unlock(ctx)
	}()

	pt, err := env.ledger.AppendTransaction(ctx, AppendRequest{UserID: 4, Type: PointTransactionBonus, Amount: 1, Description: "x"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), pt.BalanceAfter)
}

func TestLedgerUsecase_VerifyUserDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(nil)

	require.NoError(t, env.ledger.VerifyUser(ctx, 5))

	_, err := env.ledger.AppendTransaction(ctx, AppendRequest{UserID: 5, Type: PointTransactionEarned, Amount: 10, Description: "x"})
	require.NoError(t, err)
	require.NoError(t, env.ledger.VerifyUser(ctx, 5))

	env.store.mu.Lock()
	env.store.txs[0].BalanceAfter = 11
	env.store.mu.Unlock()

	err = env.ledger.VerifyUser(ctx, 5)
	require.Error(t, err)
	assert.True(t, kerrors.Is(err, ErrLedgerCorrupted))
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.LedgerCorrupted))

	env.store.failAggregate = errors.New("db down")
	err = env.ledger.VerifyUser(ctx, 5)
	assert.False(t, kerrors.Is(err, ErrLedgerCorrupted))
}
