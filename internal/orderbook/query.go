package orderbook

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/exchange/bourse/internal/types"
)

var two = decimal.NewFromInt(2)

// PriceQty 价格数量对
type PriceQty struct {
	Price  decimal.Decimal `json:"price"`
	Qty    decimal.Decimal `json:"qty"`
	Orders int             `json:"orders"`
}

// Depth 盘口深度
type Depth struct {
	Symbol    string     `json:"symbol"`
	Bids      []PriceQty `json:"bids"`
	Asks      []PriceQty `json:"asks"`
	Timestamp time.Time  `json:"timestamp"`
}

// Stats 订单簿统计
type Stats struct {
	Symbol          string              `json:"symbol"`
	TotalBuyOrders  int                 `json:"totalBuyOrders"`
	TotalSellOrders int                 `json:"totalSellOrders"`
	StopOrders      int                 `json:"stopOrders"`
	TotalBuyVolume  decimal.Decimal     `json:"totalBuyVolume"`
	TotalSellVolume decimal.Decimal     `json:"totalSellVolume"`
	BestBid         decimal.NullDecimal `json:"bestBid"`
	BestAsk         decimal.NullDecimal `json:"bestAsk"`
	Spread          decimal.NullDecimal `json:"spread"`
	MidPrice        decimal.NullDecimal `json:"midPrice"`
}

// BestBid 最优买价
func (ob *OrderBook) BestBid() (decimal.Decimal, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.bids.best()
}

// BestAsk 最优卖价
func (ob *OrderBook) BestAsk() (decimal.Decimal, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.asks.best()
}

// Spread 买卖价差，任一边为空时无定义
func (ob *OrderBook) Spread() (decimal.Decimal, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.spreadLocked()
}

// MidPrice 中间价，四舍五入到 4 位小数
func (ob *OrderBook) MidPrice() (decimal.Decimal, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.midLocked()
}

func (ob *OrderBook) spreadLocked() (decimal.Decimal, bool) {
	bid, okBid := ob.bids.best()
	ask, okAsk := ob.asks.best()
	if !okBid || !okAsk {
		return decimal.Zero, false
	}
	return ask.Sub(bid), true
}

func (ob *OrderBook) midLocked() (decimal.Decimal, bool) {
	bid, okBid := ob.bids.best()
	ask, okAsk := ob.asks.best()
	if !okBid || !okAsk {
		return decimal.Zero, false
	}
	return bid.Add(ask).DivRound(two, 4), true
}

// HasLiquidity 某一边是否有可成交的价格档位
func (ob *OrderBook) HasLiquidity(side types.Side) bool {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return len(ob.sideFor(side).prices) > 0
}

// VolumeAtPrice 某价位剩余总量
func (ob *OrderBook) VolumeAtPrice(side types.Side, price decimal.Decimal) decimal.Decimal {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	if level, ok := ob.sideFor(side).levels[priceKey(price)]; ok {
		return level.Total
	}
	return decimal.Zero
}

// Depth 获取前 limit 档深度，不含无价格与零数量档位；limit<=0 时两边为空
func (ob *OrderBook) Depth(limit int) Depth {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	return Depth{
		Symbol:    ob.Symbol,
		Bids:      depthOf(ob.bids, limit),
		Asks:      depthOf(ob.asks, limit),
		Timestamp: ob.now(),
	}
}

func depthOf(s *bookSide, limit int) []PriceQty {
	if limit <= 0 {
		return []PriceQty{}
	}
	out := make([]PriceQty, 0, min(limit, len(s.prices)))
	for _, p := range s.prices {
		if len(out) >= limit {
			break
		}
		level := s.levels[priceKey(p)]
		if !level.Total.IsPositive() {
			continue
		}
		out = append(out, PriceQty{Price: p, Qty: level.Total, Orders: level.Orders.Len()})
	}
	return out
}

// Stats 订单簿统计
func (ob *OrderBook) Stats() Stats {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	st := Stats{
		Symbol:          ob.Symbol,
		TotalBuyOrders:  ob.bids.count,
		TotalSellOrders: ob.asks.count,
		StopOrders:      ob.stops.Len(),
		TotalBuyVolume:  volumeOf(ob.bids),
		TotalSellVolume: volumeOf(ob.asks),
	}
	if p, ok := ob.bids.best(); ok {
		st.BestBid = decimal.NewNullDecimal(p)
	}
	if p, ok := ob.asks.best(); ok {
		st.BestAsk = decimal.NewNullDecimal(p)
	}
	if s, ok := ob.spreadLocked(); ok {
		st.Spread = decimal.NewNullDecimal(s)
	}
	if m, ok := ob.midLocked(); ok {
		st.MidPrice = decimal.NewNullDecimal(m)
	}
	return st
}

func volumeOf(s *bookSide) decimal.Decimal {
	total := decimal.Zero
	s.each(func(l *PriceLevel) bool {
		total = total.Add(l.Total)
		return true
	})
	return total
}
