package metrics

import (
	"github.com/google/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// ProviderSet is metrics providers.
var ProviderSet = wire.NewSet(NewRegistry, New, wire.Bind(new(prometheus.Registerer), new(*prometheus.Registry)), wire.Bind(new(prometheus.Gatherer), new(*prometheus.Registry)))

const namespace = "affiliate"

// Metrics 服务内的业务指标
type Metrics struct {
	ClicksRecorded   prometheus.Counter
	ClicksDropped    prometheus.Counter
	Conversions      prometheus.Counter
	SettlementRuns   *prometheus.CounterVec
	SettlementRows   *prometheus.CounterVec
	PointsCredited   prometheus.Counter
	LedgerRetries    prometheus.Counter
	LedgerCorrupted  prometheus.Counter
	OutboxPublished  prometheus.Counter
	OutboxFailures   prometheus.Counter
	SettlementLength prometheus.Histogram
}

// NewRegistry 创建进程内的指标注册表，附带 Go 运行时指标
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// New 创建并注册业务指标
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ClicksRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "clicks_recorded_total",
			Help: "Clicks persisted for known affiliate codes.",
		}),
		ClicksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "clicks_dropped_total",
			Help: "Clicks dropped because the recorder queue was full or stopping.",
		}),
		Conversions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "conversions_total",
			Help: "Orders attributed to an affiliate link.",
		}),
		SettlementRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "settlement_runs_total",
			Help: "Settlement batch runs by outcome.",
		}, []string{"outcome"}),
		SettlementRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "settlement_rows_total",
			Help: "Commission rows handled by settlement by outcome.",
		}, []string{"outcome"}),
		PointsCredited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "points_credited_total",
			Help: "Points credited to referrers by settlement.",
		}),
		LedgerRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ledger_append_retries_total",
			Help: "Ledger appends retried after a concurrent write.",
		}),
		LedgerCorrupted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ledger_corrupted_users_total",
			Help: "Users whose balance fold check failed during settlement.",
		}),
		OutboxPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "outbox_published_total",
			Help: "Outbox events delivered to the event bus.",
		}),
		OutboxFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "outbox_failures_total",
			Help: "Outbox publish attempts that failed.",
		}),
		SettlementLength: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "settlement_duration_seconds",
			Help:    "Duration of settlement batch runs.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.ClicksRecorded, m.ClicksDropped, m.Conversions,
		m.SettlementRuns, m.SettlementRows, m.PointsCredited,
		m.LedgerRetries, m.LedgerCorrupted,
		m.OutboxPublished, m.OutboxFailures, m.SettlementLength,
	)
	return m
}
