package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/exchange/bourse/internal/types"
)

// OrderStore 订单持久化
type OrderStore interface {
	Save(ctx context.Context, order *types.Order) error
	FindPending(ctx context.Context) ([]*types.Order, error)
	// FindByID 不存在时返回 CodeOrderNotFound
	FindByID(ctx context.Context, id int64) (*types.Order, error)
}

// ExecutionSink 成交流水
type ExecutionSink interface {
	RecordTransaction(ctx context.Context, tx *types.Transaction) error
}

// AuditSink 订单状态审计
type AuditSink interface {
	RecordHistory(ctx context.Context, entry *types.HistoryEntry) error
}

// MarketDataPort 行情参考价与最新成交
type MarketDataPort interface {
	CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	UpdateLastTrade(ctx context.Context, symbol string, price, quantity decimal.Decimal, ts time.Time) error
}

// NotificationPort 用户通知
type NotificationPort interface {
	OrderUpdated(ctx context.Context, order *types.Order, executions []types.OrderExecution) error
	OrderCancelled(ctx context.Context, order *types.Order, reason string) error
	TradeExecuted(ctx context.Context, symbol string, execution types.OrderExecution) error
}

// SettlementHandler 结算回调，每笔成交买卖各调用一次
type SettlementHandler interface {
	OnTransactionSettled(ctx context.Context, tx *types.Transaction) error
}

// IDGenerator 成交 / 流水 ID
type IDGenerator interface {
	Generate() (int64, error)
}

type nopStore struct{}

func (nopStore) Save(context.Context, *types.Order) error { return nil }
func (nopStore) FindPending(context.Context) ([]*types.Order, error) { return nil, nil }
func (nopStore) FindByID(_ context.Context, id int64) (*types.Order, error) {
	return nil, errOrderNotFound(id)
}

type nopSinks struct{}

func (nopSinks) RecordTransaction(context.Context, *types.Transaction) error  { return nil }
func (nopSinks) RecordHistory(context.Context, *types.HistoryEntry) error     { return nil }
func (nopSinks) OnTransactionSettled(context.Context, *types.Transaction) error { return nil }
func (nopSinks) OrderUpdated(context.Context, *types.Order, []types.OrderExecution) error {
	return nil
}
func (nopSinks) OrderCancelled(context.Context, *types.Order, string) error { return nil }
func (nopSinks) TradeExecuted(context.Context, string, types.OrderExecution) error {
	return nil
}

type nopMarket struct{}

func (nopMarket) CurrentPrice(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (nopMarket) UpdateLastTrade(context.Context, string, decimal.Decimal, decimal.Decimal, time.Time) error {
	return nil
}
