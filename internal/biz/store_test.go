package biz

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"affiliate/internal/conf"
	"affiliate/internal/pkg/metrics"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// memStore 内存版仓储，InTx 串行执行并在出错时回滚到快照
type memStore struct {
	mu   sync.Mutex
	txMu sync.Mutex

	links       map[int64]AffiliateLink
	clicks      []Click
	commissions map[int64]AffiliateOrder
	txs         []PointTransaction
	outbox      []OutboxEvent
	orders      map[int64]Order
	names       map[int64]string

	globalRate  decimal.Decimal
	sellerRates map[int64]decimal.Decimal

	// dupOnTxCreate 大于 0 时下一次写流水返回唯一键冲突，模拟并发写入
	dupOnTxCreate int
	failAggregate error
	failClicks    error
}

func newMemStore() *memStore {
	return &memStore{
		links:       map[int64]AffiliateLink{},
		commissions: map[int64]AffiliateOrder{},
		orders:      map[int64]Order{},
		names:       map[int64]string{},
		globalRate:  decimal.RequireFromString("0.05"),
		sellerRates: map[int64]decimal.Decimal{},
	}
}

func (s *memStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	links := copyMap(s.links)
	clicks := append([]Click(nil), s.clicks...)
	commissions := copyMap(s.commissions)
	txs := append([]PointTransaction(nil), s.txs...)
	outbox := append([]OutboxEvent(nil), s.outbox...)
	s.mu.Unlock()

	if err := fn(ctx); err != nil {
		s.mu.Lock()
		s.links, s.clicks, s.commissions, s.txs, s.outbox = links, clicks, commissions, txs, outbox
		s.mu.Unlock()
		return err
	}
	return nil
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// links

type memLinkRepo struct{ s *memStore }

func (r memLinkRepo) Create(_ context.Context, link *AffiliateLink) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, l := range r.s.links {
		if l.Code == link.Code {
			return gorm.ErrDuplicatedKey
		}
		if l.ActiveKey != nil && link.ActiveKey != nil && *l.ActiveKey == *link.ActiveKey {
			return gorm.ErrDuplicatedKey
		}
	}
	r.s.links[link.ID] = *link
	return nil
}

func (r memLinkRepo) GetByID(_ context.Context, id int64) (*AffiliateLink, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.links[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &l, nil
}

func (r memLinkRepo) GetByCode(_ context.Context, code string) (*AffiliateLink, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, l := range r.s.links {
		if l.Code == code {
			l := l
			return &l, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r memLinkRepo) ExistsByCode(ctx context.Context, code string) (bool, error) {
	_, err := r.GetByCode(ctx, code)
	return err == nil, nil
}

func (r memLinkRepo) FindActive(_ context.Context, referrerUserID, sellerID int64) (*AffiliateLink, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := activeKey(referrerUserID, sellerID)
	for _, l := range r.s.links {
		if l.ActiveKey != nil && *l.ActiveKey == *key {
			l := l
			return &l, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r memLinkRepo) Disable(_ context.Context, id int64, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.links[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	l.DisabledAt = &at
	l.ActiveKey = nil
	r.s.links[id] = l
	return nil
}

func (r memLinkRepo) ListByReferrer(_ context.Context, referrerUserID int64, limit int) ([]*AffiliateLink, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*AffiliateLink
	for _, l := range r.s.links {
		if l.ReferrerUserID == referrerUserID {
			l := l
			out = append(out, &l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memLinkRepo) CountByReferrer(ctx context.Context, referrerUserID int64) (int64, error) {
	links, _ := r.ListByReferrer(ctx, referrerUserID, maxListLimit*100)
	return int64(len(links)), nil
}

// clicks

type memClickRepo struct{ s *memStore }

func (r memClickRepo) Create(_ context.Context, click *Click) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.clicks = append(r.s.clicks, *click)
	return nil
}

func (r memClickRepo) CountByReferrer(_ context.Context, referrerUserID int64) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failClicks != nil {
		return 0, r.s.failClicks
	}
	var n int64
	for _, c := range r.s.clicks {
		if r.s.links[c.LinkID].ReferrerUserID == referrerUserID {
			n++
		}
	}
	return n, nil
}

func (r memClickRepo) CountByLinkIDs(_ context.Context, linkIDs []int64) (map[int64]int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := map[int64]int64{}
	for _, c := range r.s.clicks {
		for _, id := range linkIDs {
			if c.LinkID == id {
				out[id]++
			}
		}
	}
	return out, nil
}

// commissions

type memCommissionRepo struct{ s *memStore }

func (r memCommissionRepo) Create(_ context.Context, order *AffiliateOrder) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.commissions {
		if c.OrderID == order.OrderID {
			return gorm.ErrDuplicatedKey
		}
	}
	r.s.commissions[order.ID] = *order
	return nil
}

func (r memCommissionRepo) GetByOrderID(_ context.Context, orderID int64) (*AffiliateOrder, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.commissions {
		if c.OrderID == orderID {
			c := c
			return &c, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r memCommissionRepo) ListPending(_ context.Context, afterID int64, limit int) ([]*AffiliateOrder, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*AffiliateOrder
	for _, c := range r.s.commissions {
		if c.Status == CommissionPending && c.ID > afterID {
			c := c
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memCommissionRepo) TransitionFromPending(_ context.Context, id int64, to CommissionStatus, settledAt time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.commissions[id]
	if !ok || c.Status != CommissionPending {
		return false, nil
	}
	c.Status = to
	c.SettledAt = &settledAt
	c.UpdatedAt = settledAt
	r.s.commissions[id] = c
	return true, nil
}

func (r memCommissionRepo) ListByReferrer(_ context.Context, referrerUserID int64, limit int) ([]*AffiliateOrder, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*AffiliateOrder
	for _, c := range r.s.commissions {
		if c.ReferrerUserID == referrerUserID {
			c := c
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memCommissionRepo) SumByReferrer(_ context.Context, referrerUserID int64) (*CommissionSums, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sums := &CommissionSums{}
	for _, c := range r.s.commissions {
		if c.ReferrerUserID != referrerUserID {
			continue
		}
		sums.Count++
		switch c.Status {
		case CommissionPending:
			sums.Pending += c.PointsEarned
		case CommissionConfirmed:
			sums.Confirmed += c.PointsEarned
		}
	}
	return sums, nil
}

func (r memCommissionRepo) CountByLinkIDs(_ context.Context, linkIDs []int64) (map[int64]int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := map[int64]int64{}
	for _, c := range r.s.commissions {
		for _, id := range linkIDs {
			if c.LinkID == id {
				out[id]++
			}
		}
	}
	return out, nil
}

// point transactions

type memTxRepo struct{ s *memStore }

func (r memTxRepo) Create(_ context.Context, pt *PointTransaction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.dupOnTxCreate > 0 {
		r.s.dupOnTxCreate--
		return gorm.ErrDuplicatedKey
	}
	for _, t := range r.s.txs {
		if t.UserID == pt.UserID && t.Seq == pt.Seq {
			return gorm.ErrDuplicatedKey
		}
	}
	r.s.txs = append(r.s.txs, *pt)
	return nil
}

func (r memTxRepo) Latest(_ context.Context, userID int64) (*PointTransaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var latest *PointTransaction
	for _, t := range r.s.txs {
		if t.UserID == userID && (latest == nil || t.Seq > latest.Seq) {
			t := t
			latest = &t
		}
	}
	if latest == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return latest, nil
}

func (r memTxRepo) ListByUserID(_ context.Context, userID int64, limit int) ([]*PointTransaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*PointTransaction
	for _, t := range r.s.txs {
		if t.UserID == userID {
			t := t
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memTxRepo) Aggregate(_ context.Context, userID int64) (*LedgerAggregate, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failAggregate != nil {
		return nil, r.s.failAggregate
	}
	agg := &LedgerAggregate{}
	for _, t := range r.s.txs {
		if t.UserID != userID {
			continue
		}
		agg.Count++
		agg.SumAmount += t.Amount
		if t.Type == PointTransactionEarned || t.Type == PointTransactionBonus {
			agg.TotalEarned += t.Amount
		}
	}
	return agg, nil
}

func (r memTxRepo) ExistsForAffiliateOrder(_ context.Context, affiliateOrderID int64, txType PointTransactionType) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, t := range r.s.txs {
		if t.RelatedAffiliateOrderID != nil && *t.RelatedAffiliateOrderID == affiliateOrderID && t.Type == txType {
			return true, nil
		}
	}
	return false, nil
}

// outbox

type memOutboxRepo struct{ s *memStore }

func (r memOutboxRepo) Enqueue(_ context.Context, event *OutboxEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.outbox = append(r.s.outbox, *event)
	return nil
}

func (r memOutboxRepo) ListPending(_ context.Context, limit int) ([]*OutboxEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*OutboxEvent
	for _, e := range r.s.outbox {
		if e.Status == OutboxPending {
			e := e
			out = append(out, &e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r memOutboxRepo) MarkSent(_ context.Context, id int64, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i := range r.s.outbox {
		if r.s.outbox[i].ID == id {
			r.s.outbox[i].Status = OutboxSent
			r.s.outbox[i].SentAt = &at
		}
	}
	return nil
}

func (r memOutboxRepo) MarkFailed(_ context.Context, id int64, reason string, park bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i := range r.s.outbox {
		if r.s.outbox[i].ID == id {
			r.s.outbox[i].Attempts++
			r.s.outbox[i].LastError = reason
			if park {
				r.s.outbox[i].Status = OutboxFailed
			}
		}
	}
	return nil
}

// orders, users, rates

type memOrderRepo struct{ s *memStore }

func (r memOrderRepo) GetByID(_ context.Context, id int64) (*Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.orders[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &o, nil
}

func (r memOrderRepo) GetByIDs(_ context.Context, ids []int64) (map[int64]*Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := map[int64]*Order{}
	for _, id := range ids {
		if o, ok := r.s.orders[id]; ok {
			o := o
			out[id] = &o
		}
	}
	return out, nil
}

type memUserDirectory struct{ s *memStore }

func (r memUserDirectory) DisplayNames(_ context.Context, ids []int64) (map[int64]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := map[int64]string{}
	for _, id := range ids {
		if n, ok := r.s.names[id]; ok {
			out[id] = n
		}
	}
	return out, nil
}

type memRateRepo struct{ s *memStore }

func (r memRateRepo) CurrentRate(_ context.Context, sellerID int64) (decimal.Decimal, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if rate, ok := r.s.sellerRates[sellerID]; ok {
		return rate, nil
	}
	return r.s.globalRate, nil
}

func (r memRateRepo) SetGlobalRate(_ context.Context, rate decimal.Decimal) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.globalRate = rate
	return nil
}

// memLocker 进程内互斥锁
type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocker() *memLocker {
	return &memLocker{held: map[string]bool{}}
}

func (l *memLocker) TryLock(_ context.Context, key string, _ time.Duration) (Unlock, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
		return nil
	}, true, nil
}

type seqIDs struct{ n int64 }

func (g *seqIDs) NextID() int64 {
	return atomic.AddInt64(&g.n, 1)
}

func getTestLogger() log.Logger {
	return log.NewFilter(log.DefaultLogger, log.FilterLevel(log.LevelError))
}

// testEnv 组装全部用例，共享同一个内存仓储
type testEnv struct {
	store       *memStore
	locker      *memLocker
	metrics     *metrics.Metrics
	links       *LinkUsecase
	attribution *AttributionUsecase
	ledger      *LedgerUsecase
	settlement  *SettlementUsecase
	stats       *StatsUsecase
	outbox      *OutboxUsecase
}

func newTestEnv(publisher EventPublisher) *testEnv {
	s := newMemStore()
	locker := newMemLocker()
	ids := &seqIDs{}
	m := metrics.New(prometheus.NewRegistry())
	logger := getTestLogger()

	ac := &conf.Affiliate{CodeLength: 8, CodeMaxAttempts: 5, LinkCacheSize: 64}
	sc := &conf.Settlement{BatchSize: 2, Concurrency: 4, MaxRetries: 5}

	links := NewLinkUsecase(memLinkRepo{s}, ids, ac, logger)
	ledger := NewLedgerUsecase(memTxRepo{s}, memOutboxRepo{s}, locker, s, ids, ac, sc, m, logger)
	return &testEnv{
		store:       s,
		locker:      locker,
		metrics:     m,
		links:       links,
		attribution: NewAttributionUsecase(links, memClickRepo{s}, memCommissionRepo{s}, memOrderRepo{s}, memRateRepo{s}, memOutboxRepo{s}, s, ids, m, logger),
		ledger:      ledger,
		settlement:  NewSettlementUsecase(memCommissionRepo{s}, memOrderRepo{s}, ledger, memOutboxRepo{s}, s, ids, sc, m, logger),
		stats:       NewStatsUsecase(memLinkRepo{s}, memClickRepo{s}, memCommissionRepo{s}, ledger, memOrderRepo{s}, memUserDirectory{s}, logger),
		outbox:      NewOutboxUsecase(memOutboxRepo{s}, publisher, &conf.Outbox{MaxAttempts: 3}, m, logger),
	}
}

func (e *testEnv) setOrder(o Order) {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	e.store.orders[o.ID] = o
}

func (e *testEnv) setOrderStatus(id int64, status OrderStatus) {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	o := e.store.orders[id]
	o.Status = status
	e.store.orders[id] = o
}

func (e *testEnv) transactionsFor(userID int64) []PointTransaction {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	var out []PointTransaction
	for _, t := range e.store.txs {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (e *testEnv) commission(orderID int64) AffiliateOrder {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	for _, c := range e.store.commissions {
		if c.OrderID == orderID {
			return c
		}
	}
	return AffiliateOrder{}
}

// convert 创建订单并通过推广码归因
func (e *testEnv) convert(ctx context.Context, code string, orderID, buyerID int64, amount string) (*AffiliateOrder, error) {
	e.setOrder(Order{
		ID:           orderID,
		OrderNumber:  "ORD-" + decimal.NewFromInt(orderID).String(),
		Status:       OrderConfirmed,
		TotalAmount:  decimal.RequireFromString(amount),
		BuyerID:      buyerID,
		SellerID:     900,
		ReferralCode: &code,
	})
	return e.attribution.RecordOrderConversion(ctx, orderID)
}
