// Package notify publishes order events to users over Redis pub/sub and
// trade / settlement records to Redis Streams.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/exchange/bourse/internal/types"
	"github.com/exchange/bourse/pkg/tracing"
)

const (
	// DefaultUserChannel per-user private channel template.
	DefaultUserChannel = "private:user:{userId}:events"
	// DefaultTradeStream public trade stream.
	DefaultTradeStream = "bourse:trades"
	// DefaultSettlementStream per-side settlement stream.
	DefaultSettlementStream = "bourse:settlements"
)

// Config publisher settings.
type Config struct {
	UserChannel      string
	TradeStream      string
	SettlementStream string
	// MaxLen approximate stream cap, 0 keeps everything.
	MaxLen int64
}

// Publisher implements the engine's NotificationPort and SettlementHandler.
type Publisher struct {
	client           redis.Cmdable
	channelFormat    string
	hasUserID        bool
	tradeStream      string
	settlementStream string
	maxLen           int64
}

// NewPublisher creates a publisher.
func NewPublisher(client redis.Cmdable, cfg Config) *Publisher {
	channel := cfg.UserChannel
	if channel == "" {
		channel = DefaultUserChannel
	}
	format, hasUserID := normalizeUserChannelFormat(channel)
	p := &Publisher{
		client:           client,
		channelFormat:    format,
		hasUserID:        hasUserID,
		tradeStream:      cfg.TradeStream,
		settlementStream: cfg.SettlementStream,
		maxLen:           cfg.MaxLen,
	}
	if p.tradeStream == "" {
		p.tradeStream = DefaultTradeStream
	}
	if p.settlementStream == "" {
		p.settlementStream = DefaultSettlementStream
	}
	return p
}

// OrderEvent payload of an order update.
type OrderEvent struct {
	Order      *types.Order           `json:"order"`
	Executions []types.OrderExecution `json:"executions,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
}

// OrderUpdated notifies the owner of a status or fill change.
func (p *Publisher) OrderUpdated(ctx context.Context, order *types.Order, executions []types.OrderExecution) error {
	if order == nil || order.Synthetic() {
		return nil
	}
	return p.publish(ctx, order.UserID, "order", eventName(order.Status), OrderEvent{
		Order:      order,
		Executions: executions,
		Reason:     order.RejectReason,
	})
}

// OrderCancelled notifies the owner of a cancellation.
func (p *Publisher) OrderCancelled(ctx context.Context, order *types.Order, reason string) error {
	if order == nil || order.Synthetic() {
		return nil
	}
	return p.publish(ctx, order.UserID, "order", "cancelled", OrderEvent{Order: order, Reason: reason})
}

// TradeExecuted appends the execution to the public trade stream.
func (p *Publisher) TradeExecuted(ctx context.Context, symbol string, exec types.OrderExecution) error {
	return p.xadd(ctx, p.tradeStream, "TRADE", symbol, exec)
}

// OnTransactionSettled appends one side of an execution to the settlement stream
// and pushes it to the owner.
func (p *Publisher) OnTransactionSettled(ctx context.Context, tx *types.Transaction) error {
	if tx == nil {
		return nil
	}
	if err := p.xadd(ctx, p.settlementStream, "TRANSACTION", tx.Symbol, tx); err != nil {
		return err
	}
	return p.publish(ctx, tx.UserID, "trade", "", tx)
}

func (p *Publisher) xadd(ctx context.Context, stream, eventType, symbol string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", strings.ToLower(eventType), err)
	}
	values := map[string]interface{}{
		"type":   eventType,
		"symbol": symbol,
		"data":   string(raw),
	}
	tracing.InjectRedisStream(ctx, values)

	args := &redis.XAddArgs{Stream: stream, Values: values}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	return nil
}

func (p *Publisher) publish(ctx context.Context, userID int64, channel string, event string, data interface{}) error {
	if userID <= 0 {
		return nil
	}
	payload := map[string]interface{}{
		"channel": channel,
		"data":    data,
	}
	if event != "" {
		payload["event"] = event
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	target := p.channelFormat
	if p.hasUserID {
		target = fmt.Sprintf(p.channelFormat, userID)
	}
	return p.client.Publish(ctx, target, raw).Err()
}

func eventName(s types.Status) string {
	switch s {
	case types.StatusPending:
		return "accepted"
	case types.StatusPartial:
		return "partially_filled"
	case types.StatusFilled:
		return "filled"
	case types.StatusRejected:
		return "rejected"
	case types.StatusCancelled:
		return "cancelled"
	default:
		return "updated"
	}
}

func normalizeUserChannelFormat(template string) (string, bool) {
	if strings.Contains(template, "{userId}") {
		return strings.ReplaceAll(template, "{userId}", "%d"), true
	}
	return template, false
}
