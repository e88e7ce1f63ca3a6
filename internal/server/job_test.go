package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"affiliate/internal/biz"
	"affiliate/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getTestLogger() log.Logger {
	return log.NewFilter(log.DefaultLogger, log.FilterLevel(log.LevelError))
}

// fakeLocker 进程内互斥锁，held 为 true 时模拟锁被其它实例持有
type fakeLocker struct {
	mu       sync.Mutex
	held     bool
	err      error
	acquired int
	released int
}

func (l *fakeLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (biz.Unlock, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, false, l.err
	}
	if l.held {
		return nil, false, nil
	}
	l.held = true
	l.acquired++
	return func(ctx context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.held = false
		l.released++
		return nil
	}, true, nil
}

func TestSettlementJob_Tick(t *testing.T) {
	tests := []struct {
		name         string
		locker       *fakeLocker
		runErr       error
		wantRuns     int32
		wantReleased int
	}{
		{
			name:         "获取运行锁后执行结算并释放",
			locker:       &fakeLocker{},
			wantRuns:     1,
			wantReleased: 1,
		},
		{
			name:     "运行锁被其它实例持有时跳过",
			locker:   &fakeLocker{held: true},
			wantRuns: 0,
		},
		{
			name:     "获取运行锁失败时跳过",
			locker:   &fakeLocker{err: errors.New("redis down")},
			wantRuns: 0,
		},
		{
			name:         "结算失败仍释放运行锁",
			locker:       &fakeLocker{},
			runErr:       errors.New("db down"),
			wantRuns:     1,
			wantReleased: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var runs atomic.Int32
			run := func(ctx context.Context) (*biz.SettlementResult, error) {
				runs.Add(1)
				if tt.runErr != nil {
					return nil, tt.runErr
				}
				return &biz.SettlementResult{ProcessedCount: 1, ConfirmedCount: 1, TotalPointsCredited: 10}, nil
			}
			job := newSettlementJob(run, tt.locker, &conf.Settlement{}, getTestLogger())

			job.tick(context.Background())

			assert.Equal(t, tt.wantRuns, runs.Load())
			assert.Equal(t, tt.wantReleased, tt.locker.released)
		})
	}
}

func TestSettlementJob_StopCancelsRun(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	var interrupted atomic.Bool
	run := func(ctx context.Context) (*biz.SettlementResult, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		interrupted.Store(true)
		return &biz.SettlementResult{Interrupted: true}, nil
	}
	locker := &fakeLocker{}
	job := newSettlementJob(run, locker, &conf.Settlement{Interval: conf.Duration{Duration: 10 * time.Millisecond}}, getTestLogger())

	errCh := make(chan error, 1)
	go func() { errCh <- job.Start(context.Background()) }()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("settlement run did not start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, job.Stop(ctx))
	require.NoError(t, <-errCh)
	assert.True(t, interrupted.Load())
	assert.Equal(t, 1, locker.released)
}

func TestOutboxRelay_Tick(t *testing.T) {
	tests := []struct {
		name      string
		results   []int
		failAt    int
		wantCalls int
	}{
		{
			name:      "不足一批时只投递一次",
			results:   []int{3},
			failAt:    -1,
			wantCalls: 1,
		},
		{
			name:      "满批时继续投递积压",
			results:   []int{5, 5, 2},
			failAt:    -1,
			wantCalls: 3,
		},
		{
			name:      "投递失败时停止本轮",
			results:   []int{5, 1},
			failAt:    0,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			flush := func(ctx context.Context, limit int) (int, error) {
				assert.Equal(t, 5, limit)
				i := calls
				calls++
				if i == tt.failAt {
					return tt.results[i], errors.New("broker unavailable")
				}
				return tt.results[i], nil
			}
			relay := newOutboxRelay(flush, &conf.Outbox{BatchSize: 5}, getTestLogger())

			relay.tick(context.Background())
			assert.Equal(t, tt.wantCalls, calls)
		})
	}
}

func TestOutboxRelay_StartStop(t *testing.T) {
	var calls atomic.Int32
	flush := func(ctx context.Context, limit int) (int, error) {
		calls.Add(1)
		return 0, nil
	}
	relay := newOutboxRelay(flush, &conf.Outbox{Interval: conf.Duration{Duration: 5 * time.Millisecond}}, getTestLogger())

	errCh := make(chan error, 1)
	go func() { errCh <- relay.Start(context.Background()) }()

	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, relay.Stop(ctx))
	require.NoError(t, <-errCh)
	// 重复 Stop 不阻塞
	require.NoError(t, relay.Stop(ctx))
}
