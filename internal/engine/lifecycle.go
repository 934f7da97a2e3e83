package engine

import (
	"context"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/exchange/bourse/internal/metrics"
	"github.com/exchange/bourse/internal/types"
	apperrors "github.com/exchange/bourse/pkg/errors"
	"github.com/exchange/bourse/pkg/logger"
	"github.com/exchange/bourse/pkg/tracing"
)

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// CheckStopOrders 用当前参考价检查止损队列，触发的订单在同一把证券锁内转换并撮合，
// 期间撤单/改单只能看到撮合完成后的状态
func (e *Engine) CheckStopOrders(ctx context.Context, symbol string) []*MatchingResult {
	sb, ok := e.lookup(symbol)
	if !ok {
		return nil
	}
	current := e.currentPrice(ctx, symbol)
	if !current.IsPositive() {
		return nil
	}

	sb.mu.Lock()
	triggered := sb.book.CheckStopOrders(current)
	results := make([]*MatchingResult, 0, len(triggered))
	for _, o := range triggered {
		results = append(results, e.triggerStop(ctx, sb, o, current))
	}
	sb.mu.Unlock()

	if len(triggered) == 0 {
		return nil
	}
	e.updateDepthMetrics(sb.book)
	metrics.AddStopTriggered(symbol, len(triggered))
	e.log.Infof("stop orders triggered", logger.Fields{
		"symbol":  symbol,
		"count":   len(triggered),
		"current": current.String(),
	})
	return results
}

// triggerStop 调用方持有 sb.mu
func (e *Engine) triggerStop(ctx context.Context, sb *symbolBook, o *types.Order, current decimal.Decimal) *MatchingResult {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "engine.TriggerStop")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("order.id", o.ID),
		attribute.String("order.symbol", o.Symbol),
		attribute.String("current", current.String()),
	)

	activateStop(o)
	res := e.process(ctx, sb.book, o)
	if res.Err != nil {
		tracing.SetError(ctx, res.Err)
	}
	metrics.IncOrdersProcessed(string(o.Type), string(res.Status))
	metrics.ObserveMatchingLatency(time.Since(start))
	return res
}

// locate 找到订单所属证券：先查内存订单簿，再查存储
func (e *Engine) locate(ctx context.Context, orderID int64) (*symbolBook, error) {
	for _, s := range e.AllSymbols() {
		sb, _ := e.lookup(s)
		if _, ok := sb.book.GetOrder(orderID); ok {
			return sb, nil
		}
	}
	o, err := e.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return e.getOrCreate(o.Symbol), nil
}

func (e *Engine) load(ctx context.Context, orderID int64) (*types.Order, error) {
	o, err := e.store.FindByID(ctx, orderID)
	if err != nil {
		if apperrors.Is(err, apperrors.CodeOrderNotFound) {
			return nil, err
		}
		return nil, apperrors.Wrap(apperrors.CodeDownstream, "load order", err)
	}
	if o == nil {
		return nil, errOrderNotFound(orderID)
	}
	return o, nil
}

// resolve 调用方持有 sb.mu：订单仍在簿内时取簿内状态，否则以存储为准。
// 等锁期间订单可能已被撮合成交，不能沿用加锁前读到的快照。
func (e *Engine) resolve(ctx context.Context, sb *symbolBook, orderID int64) (*types.Order, error) {
	if o, ok := sb.book.GetOrder(orderID); ok {
		return o, nil
	}
	return e.load(ctx, orderID)
}

func checkOwner(o *types.Order, userID int64) error {
	if userID != 0 && o.UserID != userID {
		return apperrors.Newf(apperrors.CodePermissionDenied, "order %d does not belong to user %d", o.ID, userID)
	}
	return nil
}

// CancelOrder 撤单：未知或已终态的订单返回 CodeOrderNotFound，userID 为 0 时不校验归属
func (e *Engine) CancelOrder(ctx context.Context, orderID, userID int64, reason string) (*types.Order, error) {
	sb, err := e.locate(ctx, orderID)
	if err != nil {
		return nil, err
	}

	sb.mu.Lock()
	o, err := e.resolve(ctx, sb, orderID)
	if err != nil {
		sb.mu.Unlock()
		return nil, err
	}
	if o.Status.Terminal() {
		sb.mu.Unlock()
		return nil, apperrors.Newf(apperrors.CodeOrderNotFound, "order %d is already %s", orderID, o.Status)
	}
	if err := checkOwner(o, userID); err != nil {
		sb.mu.Unlock()
		return nil, err
	}

	sb.book.RemoveOrder(orderID)
	prev := snapshotOf(o)
	o.Status = types.StatusCancelled
	if reason == "" {
		reason = "cancelled by user"
	}
	e.saveOrder(ctx, o)
	e.recordHistory(ctx, o, prev, reason)
	if err := e.notifier.OrderCancelled(ctx, o, reason); err != nil {
		metrics.IncSideEffectError("notification")
		e.log.WithError(err).Warnf("cancel notification failed", logger.Fields{"order_id": o.ID})
	}
	sb.mu.Unlock()

	e.updateDepthMetrics(sb.book)
	e.log.Infof("order cancelled", logger.Fields{"order_id": o.ID, "symbol": o.Symbol, "reason": reason})
	return o, nil
}

// ModifyOrder 改单：仅 PENDING 订单，移出订单簿后按新价格/数量重新撮合，失去时间优先
func (e *Engine) ModifyOrder(ctx context.Context, orderID, userID int64, price, quantity decimal.NullDecimal) (*MatchingResult, error) {
	sb, err := e.locate(ctx, orderID)
	if err != nil {
		return nil, err
	}

	sb.mu.Lock()
	defer func() {
		sb.mu.Unlock()
		e.updateDepthMetrics(sb.book)
	}()

	o, err := e.resolve(ctx, sb, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status.Terminal() {
		return nil, apperrors.Newf(apperrors.CodeOrderNotFound, "order %d is already %s", orderID, o.Status)
	}
	if o.Status != types.StatusPending {
		return nil, apperrors.Newf(apperrors.CodeInvalidOrderState, "only pending orders can be modified, order %d is %s", orderID, o.Status)
	}
	if err := checkOwner(o, userID); err != nil {
		return nil, err
	}

	updated := o.Clone()
	if quantity.Valid {
		updated.Quantity = quantity.Decimal
	}
	if price.Valid {
		if !updated.Type.NeedsPrice() {
			return nil, apperrors.Newf(apperrors.CodeInvalidOrder, "%s order has no limit price", updated.Type)
		}
		updated.Price = price
	}
	updated.DateEntry = e.now()
	if verr := validate(updated); verr != nil {
		return nil, verr
	}

	sb.book.RemoveOrder(orderID)
	e.recordHistory(ctx, updated, snapshotOf(o), "order modified")
	e.log.Infof("order modified", logger.Fields{
		"order_id": orderID,
		"price":    updated.Price.Decimal.String(),
		"quantity": updated.Quantity.String(),
	})
	return e.process(ctx, sb.book, updated), nil
}

// LoadStats 启动回放统计
type LoadStats struct {
	Loaded   int `json:"loaded"`
	Rejected int `json:"rejected"`
}

// LoadPendingOrders 启动时回放存储中的未完成订单，单个订单失败不影响其他订单
func (e *Engine) LoadPendingOrders(ctx context.Context) (LoadStats, error) {
	var st LoadStats
	orders, err := e.store.FindPending(ctx)
	if err != nil {
		return st, apperrors.Wrap(apperrors.CodeDownstream, "load pending orders", err)
	}

	for _, o := range orders {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		res := e.ProcessOrder(ctx, o)
		if res.Status == ResultRejected {
			st.Rejected++
			e.log.Warnf("pending order rejected during replay", logger.Fields{
				"order_id": o.ID,
				"symbol":   o.Symbol,
				"reason":   res.Message,
			})
			continue
		}
		st.Loaded++
	}

	e.log.Infof("pending orders loaded", logger.Fields{
		"loaded":   st.Loaded,
		"rejected": st.Rejected,
		"symbols":  len(e.AllSymbols()),
	})
	return st, nil
}
