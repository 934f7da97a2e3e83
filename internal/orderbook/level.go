package orderbook

import (
	"container/list"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/exchange/bourse/internal/types"
)

// PriceTimeKey 价格-时间优先排序键
type PriceTimeKey struct {
	Price   decimal.NullDecimal
	Arrival time.Time
	OrderID int64
}

func keyOf(o *types.Order) PriceTimeKey {
	return PriceTimeKey{Price: o.Price, Arrival: o.DateEntry, OrderID: o.ID}
}

// Compare 同方向内比较优先级，<0 表示 k 排在前面。
// 买盘价格降序、卖盘价格升序，无价格排最后，其次按到达时间、订单 ID 升序。
func (k PriceTimeKey) Compare(other PriceTimeKey, side types.Side) int {
	switch {
	case k.Price.Valid && !other.Price.Valid:
		return -1
	case !k.Price.Valid && other.Price.Valid:
		return 1
	case k.Price.Valid && other.Price.Valid:
		if c := k.Price.Decimal.Cmp(other.Price.Decimal); c != 0 {
			if side == types.SideBuy {
				return -c
			}
			return c
		}
	}

	if !k.Arrival.Equal(other.Arrival) {
		if k.Arrival.Before(other.Arrival) {
			return -1
		}
		return 1
	}
	switch {
	case k.OrderID < other.OrderID:
		return -1
	case k.OrderID > other.OrderID:
		return 1
	}
	return 0
}

// PriceLevel 价格档位
type PriceLevel struct {
	Price  decimal.NullDecimal
	Orders *list.List // *types.Order
	Total  decimal.Decimal
}

func newPriceLevel(price decimal.NullDecimal) *PriceLevel {
	return &PriceLevel{Price: price, Orders: list.New()}
}

// insert 按时间优先插入，正常情况直接追加到队尾
func (l *PriceLevel) insert(o *types.Order, side types.Side) *list.Element {
	k := keyOf(o)
	for e := l.Orders.Back(); e != nil; e = e.Prev() {
		if keyOf(e.Value.(*types.Order)).Compare(k, side) <= 0 {
			return l.Orders.InsertAfter(o, e)
		}
	}
	return l.Orders.PushFront(o)
}

// bookSide 单边盘口
type bookSide struct {
	side     types.Side
	levels   map[string]*PriceLevel
	prices   []decimal.Decimal // 按优先级排序
	unpriced *PriceLevel       // 无价格订单，排在所有价格档位之后
	count    int
}

func newBookSide(side types.Side) *bookSide {
	return &bookSide{
		side:     side,
		levels:   make(map[string]*PriceLevel),
		prices:   make([]decimal.Decimal, 0),
		unpriced: newPriceLevel(decimal.NullDecimal{}),
	}
}

func priceKey(p decimal.Decimal) string {
	return p.String()
}

func (s *bookSide) levelFor(price decimal.NullDecimal) *PriceLevel {
	if !price.Valid {
		return s.unpriced
	}
	k := priceKey(price.Decimal)
	level, ok := s.levels[k]
	if !ok {
		level = newPriceLevel(price)
		s.levels[k] = level
		s.prices = insertPrice(s.prices, price.Decimal, s.side == types.SideBuy)
	}
	return level
}

func (s *bookSide) dropIfEmpty(level *PriceLevel) {
	if level == s.unpriced || level.Orders.Len() > 0 {
		return
	}
	delete(s.levels, priceKey(level.Price.Decimal))
	s.prices = removePrice(s.prices, level.Price.Decimal, s.side == types.SideBuy)
}

// each 按优先级遍历档位（含无价格档位），fn 返回 false 停止
func (s *bookSide) each(fn func(*PriceLevel) bool) {
	for _, p := range s.prices {
		if !fn(s.levels[priceKey(p)]) {
			return
		}
	}
	if s.unpriced.Orders.Len() > 0 {
		fn(s.unpriced)
	}
}

func (s *bookSide) best() (decimal.Decimal, bool) {
	if len(s.prices) == 0 {
		return decimal.Zero, false
	}
	return s.prices[0], true
}

func (s *bookSide) reset() {
	*s = *newBookSide(s.side)
}

// searchPrice 二分查找第一个优先级不高于 price 的位置
func searchPrice(prices []decimal.Decimal, price decimal.Decimal, descending bool) int {
	return sort.Search(len(prices), func(i int) bool {
		if descending {
			return prices[i].LessThanOrEqual(price)
		}
		return prices[i].GreaterThanOrEqual(price)
	})
}

// insertPrice 插入价格并保持排序
func insertPrice(prices []decimal.Decimal, price decimal.Decimal, descending bool) []decimal.Decimal {
	i := searchPrice(prices, price, descending)
	if i < len(prices) && prices[i].Equal(price) {
		return prices
	}
	prices = append(prices, decimal.Decimal{})
	copy(prices[i+1:], prices[i:])
	prices[i] = price
	return prices
}

// removePrice 移除价格
func removePrice(prices []decimal.Decimal, price decimal.Decimal, descending bool) []decimal.Decimal {
	i := searchPrice(prices, price, descending)
	if i < len(prices) && prices[i].Equal(price) {
		return append(prices[:i], prices[i+1:]...)
	}
	return prices
}
