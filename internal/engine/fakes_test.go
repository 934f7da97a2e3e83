package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/exchange/bourse/internal/types"
	"github.com/exchange/bourse/pkg/logger"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var testNow = time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)

type memStore struct {
	mu      sync.Mutex
	orders  map[int64]*types.Order
	saveErr error
}

func newMemStore(orders ...*types.Order) *memStore {
	s := &memStore{orders: make(map[int64]*types.Order)}
	for _, o := range orders {
		s.orders[o.ID] = o.Clone()
	}
	return s
}

func (s *memStore) Save(_ context.Context, o *types.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *memStore) FindPending(context.Context) ([]*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Order
	for _, o := range s.orders {
		if o.Status.Resting() {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) FindByID(_ context.Context, id int64) (*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, errOrderNotFound(id)
	}
	return o.Clone(), nil
}

func (s *memStore) get(id int64) (*types.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	return o, ok
}

type recorder struct {
	mu        sync.Mutex
	txs       []*types.Transaction
	history   []*types.HistoryEntry
	updated   []*types.Order
	cancelled []*types.Order
	trades    []types.OrderExecution
	settled   []*types.Transaction

	settleErr func(tx *types.Transaction) error
	notifyErr error
}

func (r *recorder) RecordTransaction(_ context.Context, tx *types.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txs = append(r.txs, tx)
	return nil
}

func (r *recorder) RecordHistory(_ context.Context, h *types.HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, h)
	return nil
}

func (r *recorder) OrderUpdated(_ context.Context, o *types.Order, _ []types.OrderExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, o.Clone())
	return r.notifyErr
}

func (r *recorder) OrderCancelled(_ context.Context, o *types.Order, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, o.Clone())
	return r.notifyErr
}

func (r *recorder) TradeExecuted(_ context.Context, _ string, exec types.OrderExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, exec)
	return r.notifyErr
}

func (r *recorder) OnTransactionSettled(_ context.Context, tx *types.Transaction) error {
	if r.settleErr != nil {
		if err := r.settleErr(tx); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settled = append(r.settled, tx)
	return nil
}

func (r *recorder) historyFor(id int64) []*types.HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.HistoryEntry
	for _, h := range r.history {
		if h.OrderID == id {
			out = append(out, h)
		}
	}
	return out
}

type fakeMarket struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	last   []decimal.Decimal
	err    error

	// 下一次 CurrentPrice 在 gate 关闭前阻塞
	gate    chan struct{}
	entered chan struct{}
}

// holdNext 让下一次 CurrentPrice 阻塞，返回进入通知与放行函数
func (m *fakeMarket) holdNext() (<-chan struct{}, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = make(chan struct{})
	m.entered = make(chan struct{})
	gate := m.gate
	return m.entered, func() { close(gate) }
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{prices: make(map[string]decimal.Decimal)}
}

func (m *fakeMarket) set(symbol, price string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = d(price)
}

func (m *fakeMarket) CurrentPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	gate, entered := m.gate, m.entered
	m.gate, m.entered = nil, nil
	m.mu.Unlock()
	if gate != nil {
		close(entered)
		<-gate
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return decimal.Zero, m.err
	}
	return m.prices[symbol], nil
}

func (m *fakeMarket) UpdateLastTrade(_ context.Context, _ string, price, _ decimal.Decimal, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = append(m.last, price)
	return nil
}

var errBoom = errors.New("boom")

type harness struct {
	engine *Engine
	store  *memStore
	rec    *recorder
	market *fakeMarket
}

func newHarness(orders ...*types.Order) *harness {
	h := &harness{
		store:  newMemStore(orders...),
		rec:    &recorder{},
		market: newFakeMarket(),
	}
	h.engine = New(Deps{
		Store:      h.store,
		Executions: h.rec,
		Audit:      h.rec,
		Market:     h.market,
		Notifier:   h.rec,
		Settlement: h.rec,
	}, WithLogger(logger.Nop()), WithClock(func() time.Time { return testNow }))
	return h
}

func limit(id, user int64, side types.Side, price, qty string) *types.Order {
	return &types.Order{
		ID:       id,
		UserID:   user,
		Symbol:   "AAPL",
		Side:     side,
		Type:     types.OrderTypeLimit,
		Price:    types.NewPrice(d(price)),
		Quantity: d(qty),
	}
}

func market(id, user int64, side types.Side, qty string) *types.Order {
	return &types.Order{
		ID:       id,
		UserID:   user,
		Symbol:   "AAPL",
		Side:     side,
		Type:     types.OrderTypeMarket,
		Quantity: d(qty),
	}
}

func stop(id, user int64, side types.Side, stopPrice, qty string) *types.Order {
	return &types.Order{
		ID:        id,
		UserID:    user,
		Symbol:    "AAPL",
		Side:      side,
		Type:      types.OrderTypeStop,
		StopPrice: types.NewPrice(d(stopPrice)),
		Quantity:  d(qty),
	}
}
