// Package types 撮合核心共享的订单模型
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side 订单方向，与持久化的 sign 字段一致
type Side int8

const (
	SideBuy  Side = 1
	SideSell Side = -1
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Valid 是否为已知方向
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite 对手方向
func (s Side) Opposite() Side {
	return -s
}

// ParseSide 解析 BUY/SELL 或 1/-1
func ParseSide(v string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "BUY", "1":
		return SideBuy, nil
	case "SELL", "-1":
		return SideSell, nil
	default:
		return 0, fmt.Errorf("invalid side %q", v)
	}
}

// OrderType 订单类型
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// Valid 是否为已知类型
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop, OrderTypeStopLimit:
		return true
	}
	return false
}

// NeedsPrice 限价类订单必须带价格
func (t OrderType) NeedsPrice() bool {
	return t == OrderTypeLimit || t == OrderTypeStopLimit
}

// NeedsStopPrice 止损类订单必须带触发价
func (t OrderType) NeedsStopPrice() bool {
	return t == OrderTypeStop || t == OrderTypeStopLimit
}

// ParseOrderType 解析订单类型
func ParseOrderType(v string) (OrderType, error) {
	t := OrderType(strings.ToUpper(strings.TrimSpace(v)))
	if !t.Valid() {
		return "", fmt.Errorf("invalid order type %q", v)
	}
	return t, nil
}

// Status 订单状态
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPartial   Status = "PARTIAL"
	StatusFilled    Status = "FILLED"
	StatusCancelled Status = "CANCELLED"
	StatusRejected  Status = "REJECTED"
)

// Terminal 终态不可再变更
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// Resting 可以占用订单簿位置的状态
func (s Status) Resting() bool {
	return s == StatusPending || s == StatusPartial
}

var transitions = map[Status][]Status{
	StatusPending: {StatusPending, StatusPartial, StatusFilled, StatusRejected, StatusCancelled},
	StatusPartial: {StatusPartial, StatusFilled, StatusCancelled},
}

// CanTransition 状态机校验
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Origin 订单来源
type Origin uint8

const (
	// OriginPersisted 持久化的用户订单
	OriginPersisted Origin = iota
	// OriginSynthetic 订单簿内部生成的流动性，不落库
	OriginSynthetic
)

func (o Origin) String() string {
	if o == OriginSynthetic {
		return "SYNTHETIC"
	}
	return "PERSISTED"
}

// Order 订单
type Order struct {
	ID           int64               `json:"id"`
	UserID       int64               `json:"userId"`
	Symbol       string              `json:"symbol"`
	Side         Side                `json:"side"`
	Type         OrderType           `json:"orderType"`
	Price        decimal.NullDecimal `json:"price"`
	StopPrice    decimal.NullDecimal `json:"stopPrice"`
	Quantity     decimal.Decimal     `json:"quantity"`
	ExecQty      decimal.Decimal     `json:"execQty"`
	ExecAvgPrice decimal.NullDecimal `json:"execAvgPrice"`
	Status       Status              `json:"status"`
	DateEntry    time.Time           `json:"dateEntry"`
	Origin       Origin              `json:"origin"`
	RejectReason string              `json:"rejectReason,omitempty"`
}

// Remaining 剩余未成交数量
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.ExecQty)
}

// IsFilled 是否已全部成交
func (o *Order) IsFilled() bool {
	return !o.Remaining().IsPositive()
}

// Synthetic 是否为内部生成订单
func (o *Order) Synthetic() bool {
	return o.Origin == OriginSynthetic
}

// Clone 深拷贝（decimal 本身不可变）
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	cp := *o
	return &cp
}

// ApplyFill 累加成交数量并更新成交均价，均价保留 4 位小数
func (o *Order) ApplyFill(qty, price decimal.Decimal) {
	prevQty := o.ExecQty
	newQty := prevQty.Add(qty)

	avg := price
	if o.ExecAvgPrice.Valid && prevQty.IsPositive() {
		avg = o.ExecAvgPrice.Decimal.Mul(prevQty).Add(price.Mul(qty)).DivRound(newQty, 4)
	}

	o.ExecQty = newQty
	o.ExecAvgPrice = decimal.NewNullDecimal(avg)
}

// SetStatus 按状态机变更状态
func (o *Order) SetStatus(to Status) error {
	if !CanTransition(o.Status, to) {
		return fmt.Errorf("order %d: illegal status transition %s -> %s", o.ID, o.Status, to)
	}
	o.Status = to
	return nil
}

// NewPrice 构造可空价格
func NewPrice(v decimal.Decimal) decimal.NullDecimal {
	return decimal.NewNullDecimal(v)
}
