package engine

import (
	"context"

	"github.com/exchange/bourse/internal/metrics"
	"github.com/exchange/bourse/internal/orderbook"
	"github.com/exchange/bourse/internal/types"
	"github.com/exchange/bourse/pkg/logger"
)

func (e *Engine) executeFills(ctx context.Context, aggressor *types.Order, fills []orderbook.Fill) []types.OrderExecution {
	if len(fills) == 0 {
		return nil
	}
	execs := make([]types.OrderExecution, 0, len(fills))
	for _, f := range fills {
		execs = append(execs, e.executeMatch(ctx, aggressor, f))
	}
	return execs
}

// executeMatch 成交后处理。被动方的成交数量、均价与出簿已在订单簿锁内完成，
// 这里负责费用、双边流水、审计、结算回调、行情与通知；端口失败只记录，不回滚成交。
func (e *Engine) executeMatch(ctx context.Context, aggressor *types.Order, f orderbook.Fill) types.OrderExecution {
	passive := f.Passive
	exec := types.OrderExecution{
		ID:               e.nextID(),
		Symbol:           aggressor.Symbol,
		AggressorOrderID: aggressor.ID,
		PassiveOrderID:   passive.ID,
		AggressorSide:    aggressor.Side,
		Quantity:         f.Quantity,
		Price:            f.Price,
		Timestamp:        e.now(),
	}

	e.saveOrder(ctx, passive)
	e.recordHistory(ctx, passive, orderSnapshot{status: f.PassivePrevStatus, execQty: f.PassivePrevExecQty},
		"matched against order "+formatID(aggressor.ID))

	buyer, seller := aggressor, passive
	if aggressor.Side == types.SideSell {
		buyer, seller = passive, aggressor
	}
	e.settleSide(ctx, exec, buyer)
	e.settleSide(ctx, exec, seller)

	if err := e.market.UpdateLastTrade(ctx, exec.Symbol, exec.Price, exec.Quantity, exec.Timestamp); err != nil {
		e.sideEffectFailed("market_data", err, exec)
	}
	if err := e.notifier.TradeExecuted(ctx, exec.Symbol, exec); err != nil {
		e.sideEffectFailed("notification", err, exec)
	}
	e.notifyUpdated(ctx, passive, []types.OrderExecution{exec})

	metrics.IncExecutions(exec.Symbol)
	e.log.Debugf("execution created", logger.Fields{
		"execution_id": exec.ID,
		"symbol":       exec.Symbol,
		"aggressor":    exec.AggressorOrderID,
		"passive":      exec.PassiveOrderID,
		"qty":          exec.Quantity.String(),
		"price":        exec.Price.String(),
	})
	return exec
}

// settleSide 记录一方流水并回调结算，两者失败互不影响
func (e *Engine) settleSide(ctx context.Context, exec types.OrderExecution, order *types.Order) {
	if order.Synthetic() {
		return
	}
	tx := e.fees.Transaction(e.nextID(), exec, order)
	if err := e.executions.RecordTransaction(ctx, tx); err != nil {
		e.sideEffectFailed("execution_sink", err, exec)
	}
	if err := e.settlement.OnTransactionSettled(ctx, tx); err != nil {
		e.sideEffectFailed("settlement", err, exec)
	}
}

func (e *Engine) saveOrder(ctx context.Context, o *types.Order) {
	if o.Synthetic() {
		return
	}
	if err := e.store.Save(ctx, o); err != nil {
		metrics.IncSideEffectError("order_store")
		e.log.WithError(err).Errorf("save order failed", logger.Fields{"order_id": o.ID, "status": string(o.Status)})
	}
}

func (e *Engine) recordHistory(ctx context.Context, o *types.Order, prev orderSnapshot, reason string) {
	if o.Synthetic() {
		return
	}
	entry := &types.HistoryEntry{
		OrderID:         o.ID,
		PreviousStatus:  prev.status,
		NewStatus:       o.Status,
		PreviousExecQty: prev.execQty,
		NewExecQty:      o.ExecQty,
		Reason:          reason,
		ChangedBy:       o.UserID,
		ChangedAt:       e.now(),
	}
	if err := e.audit.RecordHistory(ctx, entry); err != nil {
		metrics.IncSideEffectError("audit")
		e.log.WithError(err).Warnf("record order history failed", logger.Fields{"order_id": o.ID})
	}
}

func (e *Engine) notifyUpdated(ctx context.Context, o *types.Order, execs []types.OrderExecution) {
	if o.Synthetic() {
		return
	}
	if err := e.notifier.OrderUpdated(ctx, o, execs); err != nil {
		metrics.IncSideEffectError("notification")
		e.log.WithError(err).Warnf("order update notification failed", logger.Fields{"order_id": o.ID})
	}
}

func (e *Engine) sideEffectFailed(port string, err error, exec types.OrderExecution) {
	metrics.IncSideEffectError(port)
	e.log.WithError(err).Errorf("post-trade side effect failed", logger.Fields{
		"port":         port,
		"execution_id": exec.ID,
		"symbol":       exec.Symbol,
	})
}

// nextID 优先使用雪花 ID，生成失败时退回进程内序号
func (e *Engine) nextID() int64 {
	if e.ids != nil {
		id, err := e.ids.Generate()
		if err == nil {
			return id
		}
		e.log.WithError(err).Warn("id generator failed, falling back to local sequence")
	}
	e.seqMu.Lock()
	defer e.seqMu.Unlock()
	e.seq++
	return e.seq
}
