package orderbook

import (
	"github.com/shopspring/decimal"

	"github.com/exchange/bourse/internal/types"
)

// Fill 一次撮合成交（簿内部分已生效）
type Fill struct {
	// Passive 成交后的被动方快照
	Passive            *types.Order
	PassivePrevStatus  types.Status
	PassivePrevExecQty decimal.Decimal
	Quantity           decimal.Decimal
	Price              decimal.Decimal
}

// MatchResult 撮合结果
type MatchResult struct {
	Fills []Fill
	// NoLiquidity 撮合开始时对手盘没有价格档位
	NoLiquidity bool
	// Rested 剩余部分已挂入订单簿
	Rested bool
}

// Match 在同一把锁内完成对手盘遍历、被动方更新与剩余挂单。
// limit 无效时按市价撮合；成交价为被动方价格。taker 的成交数量与均价被原地更新。
func (ob *OrderBook) Match(taker *types.Order, limit decimal.NullDecimal, rest bool) *MatchResult {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	opp := ob.sideFor(taker.Side.Opposite())
	result := &MatchResult{NoLiquidity: len(opp.prices) == 0}

	for taker.Remaining().IsPositive() && len(opp.prices) > 0 {
		best := opp.prices[0]
		if limit.Valid && !crosses(taker.Side, best, limit.Decimal) {
			break
		}

		level := opp.levels[priceKey(best)]
		for e := level.Orders.Front(); e != nil && taker.Remaining().IsPositive(); {
			next := e.Next()
			maker := e.Value.(*types.Order)

			qty := decimal.Min(taker.Remaining(), maker.Remaining())
			fill := Fill{
				PassivePrevStatus:  maker.Status,
				PassivePrevExecQty: maker.ExecQty,
				Quantity:           qty,
				Price:              best,
			}

			maker.ApplyFill(qty, best)
			level.Total = level.Total.Sub(qty)
			if maker.IsFilled() {
				maker.Status = types.StatusFilled
				ob.removeOrderLocked(maker.ID)
			} else {
				maker.Status = types.StatusPartial
			}
			taker.ApplyFill(qty, best)

			fill.Passive = maker.Clone()
			result.Fills = append(result.Fills, fill)
			e = next
		}
	}

	if rest && taker.Remaining().IsPositive() {
		if taker.ExecQty.IsPositive() {
			taker.Status = types.StatusPartial
		} else {
			taker.Status = types.StatusPending
		}
		ob.removeOrderLocked(taker.ID)
		ob.addOrderLocked(taker.Clone())
		result.Rested = true
	}
	return result
}

// crosses 买单要求 ask <= limit，卖单要求 bid >= limit
func crosses(side types.Side, passive, limit decimal.Decimal) bool {
	if side == types.SideBuy {
		return passive.LessThanOrEqual(limit)
	}
	return passive.GreaterThanOrEqual(limit)
}
