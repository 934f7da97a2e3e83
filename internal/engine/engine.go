// Package engine 撮合引擎：按证券分簿、价格-时间优先撮合、止损激活与成交后处理
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/exchange/bourse/internal/metrics"
	"github.com/exchange/bourse/internal/orderbook"
	"github.com/exchange/bourse/internal/types"
	apperrors "github.com/exchange/bourse/pkg/errors"
	"github.com/exchange/bourse/pkg/logger"
	"github.com/exchange/bourse/pkg/tracing"
)

// Deps 引擎依赖的外部端口，未设置的端口为空操作
type Deps struct {
	Store      OrderStore
	Executions ExecutionSink
	Audit      AuditSink
	Market     MarketDataPort
	Notifier   NotificationPort
	Settlement SettlementHandler
	IDs        IDGenerator
}

// Option 引擎选项
type Option func(*Engine)

// WithFees 设置费率
func WithFees(f FeeSchedule) Option {
	return func(e *Engine) { e.fees = f }
}

// WithLogger 设置日志
func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithClock 设置时钟
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// symbolBook 单个证券的订单簿与处理锁。
// mu 串行化该证券的下单/撤单/改单及其成交后处理，订单簿自身的锁只保护簿内结构。
type symbolBook struct {
	mu   sync.Mutex
	book *orderbook.OrderBook
}

// Engine 撮合引擎
type Engine struct {
	mu    sync.RWMutex
	books map[string]*symbolBook

	store      OrderStore
	executions ExecutionSink
	audit      AuditSink
	market     MarketDataPort
	notifier   NotificationPort
	settlement SettlementHandler
	ids        IDGenerator

	fees FeeSchedule
	log  *logger.Logger
	now  func() time.Time

	seqMu sync.Mutex
	seq   int64
}

// New 创建撮合引擎
func New(deps Deps, opts ...Option) *Engine {
	e := &Engine{
		books:      make(map[string]*symbolBook),
		store:      deps.Store,
		executions: deps.Executions,
		audit:      deps.Audit,
		market:     deps.Market,
		notifier:   deps.Notifier,
		settlement: deps.Settlement,
		ids:        deps.IDs,
		fees:       DefaultFeeSchedule(),
		log:        logger.New("matching-engine", nil),
		now:        time.Now,
	}
	if e.store == nil {
		e.store = nopStore{}
	}
	if e.executions == nil {
		e.executions = nopSinks{}
	}
	if e.audit == nil {
		e.audit = nopSinks{}
	}
	if e.notifier == nil {
		e.notifier = nopSinks{}
	}
	if e.settlement == nil {
		e.settlement = nopSinks{}
	}
	if e.market == nil {
		e.market = nopMarket{}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// getOrCreate 双重检查创建证券订单簿
func (e *Engine) getOrCreate(symbol string) *symbolBook {
	e.mu.RLock()
	sb, ok := e.books[symbol]
	e.mu.RUnlock()
	if ok {
		return sb
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if sb, ok = e.books[symbol]; ok {
		return sb
	}
	sb = &symbolBook{book: orderbook.NewOrderBook(symbol)}
	e.books[symbol] = sb
	e.log.Infof("order book created", logger.Fields{"symbol": symbol})
	return sb
}

func (e *Engine) lookup(symbol string) (*symbolBook, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sb, ok := e.books[symbol]
	return sb, ok
}

// InitializeOrderBook 预先创建订单簿，重复调用无副作用
func (e *Engine) InitializeOrderBook(symbol string) *orderbook.OrderBook {
	return e.getOrCreate(symbol).book
}

// GetOrderBook 获取订单簿
func (e *Engine) GetOrderBook(symbol string) (*orderbook.OrderBook, bool) {
	sb, ok := e.lookup(symbol)
	if !ok {
		return nil, false
	}
	return sb.book, true
}

// AllSymbols 已创建订单簿的证券，按字母排序
func (e *Engine) AllSymbols() []string {
	e.mu.RLock()
	out := make([]string, 0, len(e.books))
	for s := range e.books {
		out = append(out, s)
	}
	e.mu.RUnlock()
	sort.Strings(out)
	return out
}

// ResetOrderBooks 清空订单簿，symbol 为空时清空全部（管理操作）
func (e *Engine) ResetOrderBooks(symbol string) {
	for _, s := range e.AllSymbols() {
		if symbol != "" && s != symbol {
			continue
		}
		sb, _ := e.lookup(s)
		sb.mu.Lock()
		sb.book.Clear()
		sb.mu.Unlock()
		e.updateDepthMetrics(sb.book)
		e.log.Warnf("order book cleared", logger.Fields{"symbol": s})
	}
}

// ProcessOrder 下单入口：校验、按类型撮合、成交后处理。
// 拒绝以结果返回，不会返回 Go error。
func (e *Engine) ProcessOrder(ctx context.Context, order *types.Order) *MatchingResult {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "engine.ProcessOrder")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("order.id", order.ID),
		attribute.String("order.symbol", order.Symbol),
		attribute.String("order.type", string(order.Type)),
	)

	o := order.Clone()
	if o.Status == "" {
		o.Status = types.StatusPending
	}
	if o.DateEntry.IsZero() {
		o.DateEntry = e.now()
	}

	var res *MatchingResult
	if err := validate(o); err != nil {
		res = e.reject(ctx, o, err)
	} else {
		sb := e.getOrCreate(o.Symbol)
		sb.mu.Lock()
		res = e.process(ctx, sb.book, o)
		sb.mu.Unlock()
		e.updateDepthMetrics(sb.book)
	}

	if res.Err != nil {
		tracing.SetError(ctx, res.Err)
	}
	metrics.IncOrdersProcessed(string(order.Type), string(res.Status))
	metrics.ObserveMatchingLatency(time.Since(start))
	return res
}

func validate(o *types.Order) *apperrors.Error {
	switch {
	case o.Symbol == "":
		return apperrors.New(apperrors.CodeInvalidOrder, "symbol is required")
	case !o.Side.Valid():
		return apperrors.Newf(apperrors.CodeInvalidOrder, "invalid side %d", o.Side)
	case !o.Type.Valid():
		return apperrors.Newf(apperrors.CodeInvalidOrder, "unknown order type %q", o.Type)
	case !o.Quantity.IsPositive():
		return apperrors.New(apperrors.CodeInvalidOrder, "quantity must be positive")
	case o.ExecQty.IsNegative() || o.ExecQty.GreaterThanOrEqual(o.Quantity):
		return apperrors.New(apperrors.CodeInvalidOrder, "executed quantity out of range")
	case !o.Status.Resting():
		return apperrors.Newf(apperrors.CodeInvalidOrder, "order in status %s cannot be processed", o.Status)
	case o.Type.NeedsPrice() && (!o.Price.Valid || !o.Price.Decimal.IsPositive()):
		return apperrors.Newf(apperrors.CodeInvalidOrder, "%s order requires a positive price", o.Type)
	case o.Type.NeedsStopPrice() && (!o.StopPrice.Valid || !o.StopPrice.Decimal.IsPositive()):
		return apperrors.Newf(apperrors.CodeInvalidOrder, "%s order requires a positive stop price", o.Type)
	}
	return nil
}

// process 调用方持有 symbolBook.mu
func (e *Engine) process(ctx context.Context, book *orderbook.OrderBook, o *types.Order) *MatchingResult {
	switch o.Type {
	case types.OrderTypeMarket:
		return e.processMarket(ctx, book, o)
	case types.OrderTypeLimit:
		return e.processLimit(ctx, book, o)
	case types.OrderTypeStop, types.OrderTypeStopLimit:
		return e.processStop(ctx, book, o)
	default:
		return e.reject(ctx, o, apperrors.Newf(apperrors.CodeInvalidOrder, "unknown order type %q", o.Type))
	}
}

// processMarket 市价单按被动方价格逐档成交，剩余部分不挂单
func (e *Engine) processMarket(ctx context.Context, book *orderbook.OrderBook, o *types.Order) *MatchingResult {
	prev := snapshotOf(o)
	match := book.Match(o, decimal.NullDecimal{}, false)
	if len(match.Fills) == 0 {
		return e.reject(ctx, o, apperrors.New(apperrors.CodeNoLiquidity, msgNoLiquid))
	}

	execs := e.executeFills(ctx, o, match.Fills)
	if o.IsFilled() {
		o.Status = types.StatusFilled
	} else {
		o.Status = types.StatusPartial
	}
	return e.finish(ctx, o, prev, execs)
}

// processLimit 只与价格交叉的对手单成交，剩余部分挂单
func (e *Engine) processLimit(ctx context.Context, book *orderbook.OrderBook, o *types.Order) *MatchingResult {
	prev := snapshotOf(o)
	match := book.Match(o, o.Price, true)

	execs := e.executeFills(ctx, o, match.Fills)
	if o.IsFilled() {
		o.Status = types.StatusFilled
	}
	return e.finish(ctx, o, prev, execs)
}

// processStop 达到触发价时转为市价/限价单处理，否则进入止损队列
func (e *Engine) processStop(ctx context.Context, book *orderbook.OrderBook, o *types.Order) *MatchingResult {
	current := e.currentPrice(ctx, o.Symbol)
	if current.IsPositive() && orderbook.StopTriggered(o, current) {
		e.log.Infof("stop order triggered", logger.Fields{
			"order_id":   o.ID,
			"symbol":     o.Symbol,
			"stop_price": o.StopPrice.Decimal.String(),
			"current":    current.String(),
		})
		tracing.AddEvent(ctx, "stop.triggered", attribute.String("current", current.String()))
		activateStop(o)
		return e.process(ctx, book, o)
	}

	prev := snapshotOf(o)
	book.AddStopOrder(o)
	return e.finish(ctx, o, prev, nil)
}

// activateStop STOP 转为 MARKET，STOP_LIMIT 转为 LIMIT
func activateStop(o *types.Order) {
	switch o.Type {
	case types.OrderTypeStop:
		o.Type = types.OrderTypeMarket
	case types.OrderTypeStopLimit:
		o.Type = types.OrderTypeLimit
	}
}

func (e *Engine) currentPrice(ctx context.Context, symbol string) decimal.Decimal {
	price, err := e.market.CurrentPrice(ctx, symbol)
	if err != nil {
		metrics.IncSideEffectError("market_data")
		e.log.WithError(err).Warnf("current price lookup failed", logger.Fields{"symbol": symbol})
		return decimal.Zero
	}
	return price
}

type orderSnapshot struct {
	status  types.Status
	execQty decimal.Decimal
}

func snapshotOf(o *types.Order) orderSnapshot {
	return orderSnapshot{status: o.Status, execQty: o.ExecQty}
}

// finish 持久化主动方并生成结果
func (e *Engine) finish(ctx context.Context, o *types.Order, prev orderSnapshot, execs []types.OrderExecution) *MatchingResult {
	e.saveOrder(ctx, o)
	e.recordHistory(ctx, o, prev, historyReason(o, execs))
	e.notifyUpdated(ctx, o, execs)

	res := &MatchingResult{Order: o, Executions: execs}
	switch {
	case o.Status == types.StatusFilled:
		res.Status, res.Message = ResultFilled, msgFilled
	case len(execs) > 0:
		res.Status, res.Message = ResultPartial, msgPartial
	default:
		res.Status, res.Message = ResultPending, msgPending
	}
	return res
}

func historyReason(o *types.Order, execs []types.OrderExecution) string {
	switch {
	case len(execs) > 0:
		return "matched"
	case o.Type.NeedsStopPrice():
		return "stop order parked"
	default:
		return "order accepted"
	}
}

// reject 拒绝订单，不修改订单簿
func (e *Engine) reject(ctx context.Context, o *types.Order, err *apperrors.Error) *MatchingResult {
	prev := snapshotOf(o)
	if types.CanTransition(o.Status, types.StatusRejected) {
		o.Status = types.StatusRejected
	}
	o.RejectReason = err.Message

	if o.ID > 0 {
		e.saveOrder(ctx, o)
		e.recordHistory(ctx, o, prev, err.Message)
		e.notifyUpdated(ctx, o, nil)
	}
	e.log.Infof("order rejected", logger.Fields{
		"order_id": o.ID,
		"symbol":   o.Symbol,
		"code":     string(err.Code),
		"reason":   err.Message,
	})
	return &MatchingResult{Order: o, Status: ResultRejected, Message: err.Message, Err: err}
}

func (e *Engine) updateDepthMetrics(book *orderbook.OrderBook) {
	st := book.Stats()
	metrics.SetOrderbookDepth(book.Symbol, "buy", float64(st.TotalBuyOrders))
	metrics.SetOrderbookDepth(book.Symbol, "sell", float64(st.TotalSellOrders))
	metrics.SetOrderbookDepth(book.Symbol, "stop", float64(st.StopOrders))
}
