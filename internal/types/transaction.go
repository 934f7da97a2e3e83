package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatusSettled 成交即结算的流水状态
const TransactionStatusSettled = "SETTLED"

// OrderExecution 一笔撮合成交，创建后不可变
type OrderExecution struct {
	ID               int64           `json:"id"`
	Symbol           string          `json:"symbol"`
	AggressorOrderID int64           `json:"aggressorOrderId"`
	PassiveOrderID   int64           `json:"passiveOrderId"`
	AggressorSide    Side            `json:"aggressorSide"`
	Quantity         decimal.Decimal `json:"quantity"`
	Price            decimal.Decimal `json:"price"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Amount 成交金额
func (e OrderExecution) Amount() decimal.Decimal {
	return e.Quantity.Mul(e.Price)
}

// Transaction 单边成交流水（每笔成交买卖各一条）
type Transaction struct {
	ID              int64           `json:"id"`
	ExecutionID     int64           `json:"executionId"`
	OrderID         int64           `json:"orderId"`
	UserID          int64           `json:"userId"`
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	Quantity        decimal.Decimal `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	Amount          decimal.Decimal `json:"amount"`
	Commission      decimal.Decimal `json:"commission"`
	Tax             decimal.Decimal `json:"tax"`
	NetAmount       decimal.Decimal `json:"netAmount"`
	TransactionDate time.Time       `json:"transactionDate"`
	SettlementDate  time.Time       `json:"settlementDate"`
	Status          string          `json:"status"`
}

// HistoryEntry 订单状态变更审计
type HistoryEntry struct {
	OrderID         int64           `json:"orderId"`
	PreviousStatus  Status          `json:"previousStatus"`
	NewStatus       Status          `json:"newStatus"`
	PreviousExecQty decimal.Decimal `json:"previousExecQty"`
	NewExecQty      decimal.Decimal `json:"newExecQty"`
	Reason          string          `json:"reason"`
	ChangedBy       int64           `json:"changedBy"`
	ChangedAt       time.Time       `json:"changedAt"`
}

// SettlementDate T+2 结算日
func SettlementDate(tradeTime time.Time) time.Time {
	y, m, d := tradeTime.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, tradeTime.Location()).AddDate(0, 0, 2)
}
