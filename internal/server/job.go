package server

import (
	"context"
	"sync"
	"time"

	"affiliate/internal/biz"
	"affiliate/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport"
)

const (
	defaultSettlementInterval = time.Minute
	defaultSettlementLockTTL  = 5 * time.Minute
	defaultOutboxInterval     = 2 * time.Second
	defaultOutboxBatchSize    = 100

	// 多实例部署时同一时刻只有一个实例执行定时结算
	settlementRunLockKey = "affiliate:settlement:run"
)

var (
	_ transport.Server = (*SettlementJob)(nil)
	_ transport.Server = (*OutboxRelay)(nil)
	_ transport.Server = (*ClickServer)(nil)
)

// ticker 按固定间隔执行 fn，Stop 时取消正在执行的 fn 并等待其返回
type ticker struct {
	interval time.Duration
	fn       func(ctx context.Context)

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newTicker(interval time.Duration, fn func(ctx context.Context)) *ticker {
	return &ticker{
		interval: interval,
		fn:       fn,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (t *ticker) start(ctx context.Context) error {
	defer close(t.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-t.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	tk := time.NewTicker(t.interval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tk.C:
			t.fn(ctx)
		}
	}
}

func (t *ticker) shutdown(ctx context.Context) error {
	t.stopOnce.Do(func() { close(t.stop) })
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SettlementJob 定时结算任务，通过 Redis 运行锁保证同一时刻只有一个实例在跑
type SettlementJob struct {
	*ticker
	run     func(ctx context.Context) (*biz.SettlementResult, error)
	locker  biz.Locker
	lockTTL time.Duration
	log     *log.Helper
}

// NewSettlementJob 创建定时结算任务
func NewSettlementJob(settlement *biz.SettlementUsecase, locker biz.Locker, c *conf.Settlement, logger log.Logger) *SettlementJob {
	return newSettlementJob(settlement.ProcessDeliveredOrdersEarnings, locker, c, logger)
}

func newSettlementJob(run func(ctx context.Context) (*biz.SettlementResult, error), locker biz.Locker, c *conf.Settlement, logger log.Logger) *SettlementJob {
	interval, lockTTL := defaultSettlementInterval, defaultSettlementLockTTL
	if c != nil {
		if c.Interval.AsDuration() > 0 {
			interval = c.Interval.AsDuration()
		}
		if c.LockTTL.AsDuration() > 0 {
			lockTTL = c.LockTTL.AsDuration()
		}
	}
	j := &SettlementJob{
		run:     run,
		locker:  locker,
		lockTTL: lockTTL,
		log:     log.NewHelper(logger),
	}
	j.ticker = newTicker(interval, j.tick)
	return j
}

func (j *SettlementJob) Start(ctx context.Context) error {
	j.log.Infof("Settlement job started, interval: %s", j.interval)
	return j.start(ctx)
}

func (j *SettlementJob) Stop(ctx context.Context) error {
	j.log.Info("Settlement job stopping")
	return j.shutdown(ctx)
}

func (j *SettlementJob) tick(ctx context.Context) {
	unlock, ok, err := j.locker.TryLock(ctx, settlementRunLockKey, j.lockTTL)
	if err != nil {
		j.log.WithContext(ctx).Errorf("Failed to acquire settlement run lock, error: %v", err)
		return
	}
	if !ok {
		j.log.WithContext(ctx).Debug("Settlement run lock held by another instance, skipping")
		return
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			j.log.WithContext(ctx).Warnf("Failed to release settlement run lock, error: %v", err)
		}
	}()

	result, err := j.run(ctx)
	if err != nil {
		j.log.WithContext(ctx).Errorf("Settlement run failed, error: %v", err)
		return
	}
	if result.ProcessedCount > 0 || len(result.Errors) > 0 || result.Interrupted {
		j.log.WithContext(ctx).Infof("Settlement run processed: %d, confirmed: %d, cancelled: %d, credited: %d, errors: %d, interrupted: %t",
			result.ProcessedCount, result.ConfirmedCount, result.CancelledCount, result.TotalPointsCredited, len(result.Errors), result.Interrupted)
	}
}

// OutboxRelay 定时将发件箱中的事件投递到消息总线
type OutboxRelay struct {
	*ticker
	flush     func(ctx context.Context, limit int) (int, error)
	batchSize int
	log       *log.Helper
}

// NewOutboxRelay 创建发件箱投递任务
func NewOutboxRelay(outbox *biz.OutboxUsecase, c *conf.Outbox, logger log.Logger) *OutboxRelay {
	return newOutboxRelay(outbox.Flush, c, logger)
}

func newOutboxRelay(flush func(ctx context.Context, limit int) (int, error), c *conf.Outbox, logger log.Logger) *OutboxRelay {
	interval, batchSize := defaultOutboxInterval, defaultOutboxBatchSize
	if c != nil {
		if c.Interval.AsDuration() > 0 {
			interval = c.Interval.AsDuration()
		}
		if c.BatchSize > 0 {
			batchSize = c.BatchSize
		}
	}
	r := &OutboxRelay{
		flush:     flush,
		batchSize: batchSize,
		log:       log.NewHelper(logger),
	}
	r.ticker = newTicker(interval, r.tick)
	return r
}

func (r *OutboxRelay) Start(ctx context.Context) error {
	r.log.Infof("Outbox relay started, interval: %s", r.interval)
	return r.start(ctx)
}

func (r *OutboxRelay) Stop(ctx context.Context) error {
	r.log.Info("Outbox relay stopping")
	return r.shutdown(ctx)
}

func (r *OutboxRelay) tick(ctx context.Context) {
	// 一批满额说明可能还有积压，继续投递直到不足一批
	for ctx.Err() == nil {
		sent, err := r.flush(ctx, r.batchSize)
		if err != nil {
			r.log.WithContext(ctx).Warnf("Outbox flush stopped after %d events, error: %v", sent, err)
			return
		}
		if sent < r.batchSize {
			return
		}
	}
}

// ClickServer 托管点击异步落库协程的生命周期
type ClickServer struct {
	recorder *biz.ClickRecorder
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex
	log      *log.Helper
}

// NewClickServer 创建点击落库服务
func NewClickServer(recorder *biz.ClickRecorder, logger log.Logger) *ClickServer {
	return &ClickServer{
		recorder: recorder,
		done:     make(chan struct{}),
		log:      log.NewHelper(logger),
	}
}

func (s *ClickServer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer close(s.done)

	s.log.Info("Click recorder started")
	return s.recorder.Run(ctx)
}

func (s *ClickServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-s.done:
		s.log.Info("Click recorder stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
