package biz

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"affiliate/internal/conf"
	"affiliate/internal/pkg/metrics"

	"github.com/go-kratos/kratos/v2/log"
)

const (
	defaultClickQueueSize = 1024
	defaultClickWorkers   = 4
	clickDrainTimeout     = 5 * time.Second
)

type clickJob struct {
	code        string
	fingerprint string
}

// ClickRecorder 点击异步落库队列，请求路径只做非阻塞入队，队列满时丢弃
type ClickRecorder struct {
	attribution *AttributionUsecase
	queue       chan clickJob
	workers     int
	stopped     atomic.Bool
	metrics     *metrics.Metrics
	log         *log.Helper
}

// NewClickRecorder 创建点击记录队列
func NewClickRecorder(attribution *AttributionUsecase, c *conf.Affiliate, m *metrics.Metrics, logger log.Logger) *ClickRecorder {
	size, workers := defaultClickQueueSize, defaultClickWorkers
	if c != nil {
		if c.ClickQueueSize > 0 {
			size = c.ClickQueueSize
		}
		if c.ClickWorkers > 0 {
			workers = c.ClickWorkers
		}
	}
	return &ClickRecorder{
		attribution: attribution,
		queue:       make(chan clickJob, size),
		workers:     workers,
		metrics:     m,
		log:         log.NewHelper(logger),
	}
}

// Track 非阻塞入队，返回是否被接收
func (r *ClickRecorder) Track(code, fingerprint string) bool {
	if code == "" {
		return false
	}
	if r.stopped.Load() {
		r.metrics.ClicksDropped.Inc()
		return false
	}
	select {
	case r.queue <- clickJob{code: code, fingerprint: fingerprint}:
		return true
	default:
		r.metrics.ClicksDropped.Inc()
		return false
	}
}

// Run 启动消费协程，ctx 结束后停止接收并在限定时间内处理完已入队的点击
func (r *ClickRecorder) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.consume(ctx)
		}()
	}
	<-ctx.Done()
	r.stopped.Store(true)
	wg.Wait()

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), clickDrainTimeout)
	defer cancel()
	r.drain(drainCtx)
	return nil
}

func (r *ClickRecorder) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-r.queue:
			r.record(context.WithoutCancel(ctx), job)
		}
	}
}

func (r *ClickRecorder) drain(ctx context.Context) {
	for {
		select {
		case job := <-r.queue:
			if ctx.Err() != nil {
				r.metrics.ClicksDropped.Inc()
				continue
			}
			r.record(ctx, job)
		default:
			return
		}
	}
}

func (r *ClickRecorder) record(ctx context.Context, job clickJob) {
	if _, err := r.attribution.RecordClick(ctx, job.code, job.fingerprint); err != nil {
		r.metrics.ClicksDropped.Inc()
		r.log.WithContext(ctx).Warnf("Dropped click for code: %s, error: %v", job.code, err)
	}
}
