// Package orderbook 单个证券的订单簿：价格-时间优先的买卖盘与止损队列
package orderbook

import (
	"container/list"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/exchange/bourse/internal/types"
)

type slot struct {
	order   *types.Order
	element *list.Element
	level   *PriceLevel
	side    *bookSide
}

// OrderBook 订单簿，簿内保存订单副本，对外只返回快照
type OrderBook struct {
	Symbol string

	bids *bookSide
	asks *bookSide

	// 挂单索引
	orders map[int64]*slot

	// 止损队列，不参与排序与撮合
	stops     *list.List // *types.Order
	stopIndex map[int64]*list.Element

	mu sync.RWMutex

	syntheticSeq int64
	now          func() time.Time
}

// NewOrderBook 创建订单簿
func NewOrderBook(symbol string) *OrderBook {
	return &OrderBook{
		Symbol:    symbol,
		bids:      newBookSide(types.SideBuy),
		asks:      newBookSide(types.SideSell),
		orders:    make(map[int64]*slot),
		stops:     list.New(),
		stopIndex: make(map[int64]*list.Element),
		now:       time.Now,
	}
}

func (ob *OrderBook) sideFor(side types.Side) *bookSide {
	if side == types.SideBuy {
		return ob.bids
	}
	return ob.asks
}

// AddOrder 挂单，相同 ID 的订单被替换
func (ob *OrderBook) AddOrder(order *types.Order) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	ob.removeOrderLocked(order.ID)
	ob.addOrderLocked(order.Clone())
}

func (ob *OrderBook) addOrderLocked(order *types.Order) {
	if order.DateEntry.IsZero() {
		order.DateEntry = ob.now()
	}
	side := ob.sideFor(order.Side)
	level := side.levelFor(order.Price)

	elem := level.insert(order, side.side)
	level.Total = level.Total.Add(order.Remaining())
	side.count++
	ob.orders[order.ID] = &slot{order: order, element: elem, level: level, side: side}
}

// AddStopOrder 加入止损队列
func (ob *OrderBook) AddStopOrder(order *types.Order) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	ob.removeOrderLocked(order.ID)
	cp := order.Clone()
	if cp.DateEntry.IsZero() {
		cp.DateEntry = ob.now()
	}
	ob.stopIndex[cp.ID] = ob.stops.PushBack(cp)
}

// AddSyntheticOrder 挂入内部生成的限价流动性，返回簿内分配的负数 ID
func (ob *OrderBook) AddSyntheticOrder(side types.Side, price, quantity decimal.Decimal) int64 {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	ob.syntheticSeq++
	order := &types.Order{
		ID:        -ob.syntheticSeq,
		Symbol:    ob.Symbol,
		Side:      side,
		Type:      types.OrderTypeLimit,
		Price:     types.NewPrice(price),
		Quantity:  quantity,
		Status:    types.StatusPending,
		DateEntry: ob.now(),
		Origin:    types.OriginSynthetic,
	}
	ob.addOrderLocked(order)
	return order.ID
}

// RemoveOrder 移除挂单或止损单，不存在时为空操作
func (ob *OrderBook) RemoveOrder(orderID int64) (*types.Order, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	removed := ob.removeOrderLocked(orderID)
	if removed == nil {
		return nil, false
	}
	return removed.Clone(), true
}

func (ob *OrderBook) removeOrderLocked(orderID int64) *types.Order {
	if s, ok := ob.orders[orderID]; ok {
		s.level.Orders.Remove(s.element)
		s.level.Total = s.level.Total.Sub(s.order.Remaining())
		s.side.count--
		s.side.dropIfEmpty(s.level)
		delete(ob.orders, orderID)
		return s.order
	}
	if e, ok := ob.stopIndex[orderID]; ok {
		ob.stops.Remove(e)
		delete(ob.stopIndex, orderID)
		return e.Value.(*types.Order)
	}
	return nil
}

// GetOrder 获取挂单或止损单快照
func (ob *OrderBook) GetOrder(orderID int64) (*types.Order, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	if s, ok := ob.orders[orderID]; ok {
		return s.order.Clone(), true
	}
	if e, ok := ob.stopIndex[orderID]; ok {
		return e.Value.(*types.Order).Clone(), true
	}
	return nil, false
}

// Orders 单边挂单快照，按优先级排列
func (ob *OrderBook) Orders(side types.Side) []*types.Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	bs := ob.sideFor(side)
	out := make([]*types.Order, 0, bs.count)
	bs.each(func(l *PriceLevel) bool {
		for e := l.Orders.Front(); e != nil; e = e.Next() {
			out = append(out, e.Value.(*types.Order).Clone())
		}
		return true
	})
	return out
}

// StopOrders 止损队列快照
func (ob *OrderBook) StopOrders() []*types.Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	out := make([]*types.Order, 0, ob.stops.Len())
	for e := ob.stops.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*types.Order).Clone())
	}
	return out
}

// CheckStopOrders 取出已触发的止损单：买单 current >= stop，卖单 current <= stop
func (ob *OrderBook) CheckStopOrders(currentPrice decimal.Decimal) []*types.Order {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	var triggered []*types.Order
	for e := ob.stops.Front(); e != nil; {
		next := e.Next()
		o := e.Value.(*types.Order)
		if stopTriggered(o, currentPrice) {
			triggered = append(triggered, o)
			ob.stops.Remove(e)
			delete(ob.stopIndex, o.ID)
		}
		e = next
	}
	return triggered
}

// StopTriggered 止损触发判断
func StopTriggered(order *types.Order, currentPrice decimal.Decimal) bool {
	return stopTriggered(order, currentPrice)
}

func stopTriggered(o *types.Order, current decimal.Decimal) bool {
	if !o.StopPrice.Valid {
		return false
	}
	if o.Side == types.SideBuy {
		return current.GreaterThanOrEqual(o.StopPrice.Decimal)
	}
	return current.LessThanOrEqual(o.StopPrice.Decimal)
}

// Clear 清空订单簿（管理操作）
func (ob *OrderBook) Clear() {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	ob.bids.reset()
	ob.asks.reset()
	ob.orders = make(map[int64]*slot)
	ob.stops.Init()
	ob.stopIndex = make(map[int64]*list.Element)
}
