// Package handler Redis Stream 订单指令接入（NEW / CANCEL / MODIFY）
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/exchange/bourse/internal/engine"
	"github.com/exchange/bourse/internal/metrics"
	"github.com/exchange/bourse/internal/types"
	apperrors "github.com/exchange/bourse/pkg/errors"
	"github.com/exchange/bourse/pkg/health"
	"github.com/exchange/bourse/pkg/logger"
	"github.com/exchange/bourse/pkg/tracing"
)

// 指令类型
const (
	TypeNew    = "NEW"
	TypeCancel = "CANCEL"
	TypeModify = "MODIFY"
)

// Processor 撮合引擎入口
type Processor interface {
	ProcessOrder(ctx context.Context, order *types.Order) *engine.MatchingResult
	CancelOrder(ctx context.Context, orderID, userID int64, reason string) (*types.Order, error)
	ModifyOrder(ctx context.Context, orderID, userID int64, price, quantity decimal.NullDecimal) (*engine.MatchingResult, error)
}

// OrderMessage 订单指令（从 Redis Stream 的 data 字段读取）
type OrderMessage struct {
	Type      string              `json:"type"`
	OrderID   int64               `json:"orderId"`
	UserID    int64               `json:"userId"`
	Symbol    string              `json:"symbol"`
	Side      string              `json:"side"`      // BUY / SELL / 1 / -1
	OrderType string              `json:"orderType"` // MARKET / LIMIT / STOP / STOP_LIMIT
	Price     decimal.NullDecimal `json:"price"`
	StopPrice decimal.NullDecimal `json:"stopPrice"`
	Quantity  decimal.NullDecimal `json:"quantity"`
	Timestamp int64               `json:"timestamp"` // 毫秒，可选
	Reason    string              `json:"reason"`
}

// Order 转换为引擎订单，非法方向/类型留给引擎校验并拒绝
func (m *OrderMessage) Order() *types.Order {
	side, err := types.ParseSide(m.Side)
	if err != nil {
		side = 0
	}
	o := &types.Order{
		ID:        m.OrderID,
		UserID:    m.UserID,
		Symbol:    strings.ToUpper(strings.TrimSpace(m.Symbol)),
		Side:      side,
		Type:      types.OrderType(strings.ToUpper(strings.TrimSpace(m.OrderType))),
		Price:     m.Price,
		StopPrice: m.StopPrice,
		Quantity:  m.Quantity.Decimal,
		Status:    types.StatusPending,
		Origin:    types.OriginPersisted,
	}
	if m.Timestamp > 0 {
		o.DateEntry = time.UnixMilli(m.Timestamp)
	}
	return o
}

const (
	defaultMaxStreamRetries = 10
	defaultClaimMinIdle     = 30 * time.Second
	defaultPendingInterval  = 30 * time.Second
	readCount               = 100
	readBlock               = time.Second
)

// Config 配置
type Config struct {
	OrderStream string
	Group       string
	Consumer    string
	DedupeTTL   time.Duration
	Logger      *logger.Logger
}

// Handler 订单指令消费者
type Handler struct {
	redis redis.Cmdable
	proc  Processor
	log   *logger.Logger
	now   func() time.Time

	orderStream string
	group       string
	consumer    string
	dedupeTTL   time.Duration

	wg   sync.WaitGroup
	loop health.LoopMonitor
}

// NewHandler 创建消费者
func NewHandler(rdb redis.Cmdable, proc Processor, cfg *Config) *Handler {
	dedupeTTL := cfg.DedupeTTL
	if dedupeTTL <= 0 {
		dedupeTTL = 24 * time.Hour
	}
	log := cfg.Logger
	if log == nil {
		log = logger.New("matching", nil)
	}
	consumer := cfg.Consumer
	if consumer == "" {
		consumer = "matching-1"
	}
	return &Handler{
		redis:       rdb,
		proc:        proc,
		log:         log,
		now:         time.Now,
		orderStream: cfg.OrderStream,
		group:       cfg.Group,
		consumer:    consumer,
		dedupeTTL:   dedupeTTL,
	}
}

// Start 创建消费者组并启动消费循环
func (h *Handler) Start(ctx context.Context) error {
	err := h.redis.XGroupCreateMkStream(ctx, h.orderStream, h.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}

	h.loop.Tick()
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.consumeLoop(ctx)
	}()
	return nil
}

// Wait 等待消费循环退出（ctx 取消后）
func (h *Handler) Wait() {
	h.wg.Wait()
}

// Monitor 消费循环心跳
func (h *Handler) Monitor() *health.LoopMonitor {
	return &h.loop
}

func (h *Handler) ConsumeLoopHealthy(now time.Time, maxAge time.Duration) (bool, time.Duration, string) {
	return h.loop.Healthy(now, maxAge)
}

func (h *Handler) consumeLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			h.loop.SetError(fmt.Errorf("panic: %v", r))
			h.log.Errorf("consumeLoop panic", logger.Fields{
				"panic": r, "stack": string(debug.Stack()),
			})
		}
	}()

	pendingTicker := time.NewTicker(defaultPendingInterval)
	defer pendingTicker.Stop()

	if err := h.processPending(ctx); err != nil {
		h.loop.SetError(err)
		h.log.WithError(err).Warn("process pending error")
	}

	for {
		h.loop.Tick()

		select {
		case <-ctx.Done():
			return
		case <-pendingTicker.C:
			if err := h.processPending(ctx); err != nil {
				h.loop.SetError(err)
				h.log.WithError(err).Warn("process pending error")
			}
			continue
		default:
		}

		if _, err := h.consumeOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			h.loop.SetError(err)
			h.log.WithError(err).Warn("read stream error")
		}
	}
}

// consumeOnce 读取一批新消息并逐条处理，返回读取条数
func (h *Handler) consumeOnce(ctx context.Context) (int, error) {
	results, err := h.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    h.group,
		Consumer: h.consumer,
		Streams:  []string{h.orderStream, ">"},
		Count:    readCount,
		Block:    readBlock,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, err
	}

	n := 0
	for _, result := range results {
		for _, msg := range result.Messages {
			h.processMessage(ctx, msg)
			n++
		}
	}
	return n, nil
}

func (h *Handler) processMessage(ctx context.Context, msg redis.XMessage) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		h.log.WithField("msgId", msg.ID).Warn("message without data field")
		h.ack(ctx, msg.ID)
		return
	}

	var orderMsg OrderMessage
	if err := json.Unmarshal([]byte(data), &orderMsg); err != nil {
		h.log.WithError(err).WithField("msgId", msg.ID).Warn("unmarshal message error")
		h.ack(ctx, msg.ID)
		return
	}
	orderMsg.Type = strings.ToUpper(strings.TrimSpace(orderMsg.Type))

	ctx = tracing.ExtractRedisStream(ctx, msg.Values)
	ctx, span := tracing.StartSpan(ctx, "handler.order_message")
	defer span.End()

	key := h.dedupeKey(&orderMsg, msg.ID)
	if !h.shouldProcess(ctx, key) {
		h.ack(ctx, msg.ID)
		return
	}

	if err := h.dispatch(ctx, &orderMsg); err != nil {
		tracing.SetError(ctx, err)
		if apperrors.IsRetryable(err) {
			// 保留在 pending 列表中等待重投
			metrics.IncStreamError()
			h.releaseDedupe(ctx, key)
			h.log.WithError(err).Warnf("order command failed, will retry", logger.Fields{
				"msgId": msg.ID, "type": orderMsg.Type, "orderId": orderMsg.OrderID,
			})
			return
		}
		h.log.WithError(err).Infof("order command refused", logger.Fields{
			"msgId": msg.ID, "type": orderMsg.Type, "orderId": orderMsg.OrderID,
			"code": string(apperrors.CodeOf(err)),
		})
	}

	h.ack(ctx, msg.ID)
}

func (h *Handler) dispatch(ctx context.Context, msg *OrderMessage) error {
	switch msg.Type {
	case TypeNew:
		res := h.proc.ProcessOrder(ctx, msg.Order())
		h.log.Debugf("order processed", logger.Fields{
			"orderId": msg.OrderID, "status": string(res.Status), "executions": len(res.Executions),
		})
		return nil
	case TypeCancel:
		_, err := h.proc.CancelOrder(ctx, msg.OrderID, msg.UserID, msg.Reason)
		return err
	case TypeModify:
		_, err := h.proc.ModifyOrder(ctx, msg.OrderID, msg.UserID, msg.Price, msg.Quantity)
		return err
	default:
		return apperrors.Newf(apperrors.CodeInvalidParam, "unknown command type %q", msg.Type)
	}
}

// dedupeKey NEW/CANCEL 按订单去重，MODIFY 同一订单可多次，按消息 ID 去重
func (h *Handler) dedupeKey(msg *OrderMessage, msgID string) string {
	if msg.OrderID <= 0 {
		return ""
	}
	typ := strings.ToLower(msg.Type)
	if msg.Type == TypeModify {
		return fmt.Sprintf("dedupe:%s:%d:%s", typ, msg.OrderID, msgID)
	}
	return fmt.Sprintf("dedupe:%s:%d", typ, msg.OrderID)
}

func (h *Handler) shouldProcess(ctx context.Context, key string) bool {
	if h.dedupeTTL <= 0 || key == "" {
		return true
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	ok, err := h.redis.SetNX(timeoutCtx, key, "1", h.dedupeTTL).Result()
	if err != nil {
		h.log.WithError(err).Warn("dedupe check error")
		return true
	}
	return ok
}

func (h *Handler) releaseDedupe(ctx context.Context, key string) {
	if h.dedupeTTL <= 0 || key == "" {
		return
	}
	if err := h.redis.Del(ctx, key).Err(); err != nil {
		h.log.WithError(err).Warn("release dedupe key error")
	}
}

func (h *Handler) processPending(ctx context.Context) error {
	if summary, err := h.redis.XPending(ctx, h.orderStream, h.group).Result(); err == nil {
		metrics.SetStreamPending(summary.Count)
	}

	pending, err := h.redis.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: h.orderStream,
		Group:  h.group,
		Start:  "-",
		End:    "+",
		Count:  readCount,
	}).Result()
	if err != nil {
		return err
	}

	var ids []string
	dlqIDs := make(map[string]int64)
	for _, entry := range pending {
		if entry.Idle < defaultClaimMinIdle {
			continue
		}
		ids = append(ids, entry.ID)
		if entry.RetryCount > defaultMaxStreamRetries {
			dlqIDs[entry.ID] = entry.RetryCount
		}
	}
	if len(ids) == 0 {
		return nil
	}

	claimed, err := h.redis.XClaim(ctx, &redis.XClaimArgs{
		Stream:   h.orderStream,
		Group:    h.group,
		Consumer: h.consumer,
		MinIdle:  defaultClaimMinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return err
	}

	for _, msg := range claimed {
		if retryCount, toDLQ := dlqIDs[msg.ID]; toDLQ {
			if err := h.sendToDLQ(ctx, &msg, fmt.Sprintf("max retries exceeded: %d", retryCount)); err != nil {
				metrics.IncStreamError()
				h.log.WithError(err).Warn("send dlq error")
				continue
			}
			metrics.IncStreamDLQ()
			h.ack(ctx, msg.ID)
			continue
		}
		h.processMessage(ctx, msg)
	}
	return nil
}

func (h *Handler) dlqStream() string {
	return h.orderStream + ":dlq"
}

func (h *Handler) sendToDLQ(ctx context.Context, msg *redis.XMessage, reason string) error {
	return h.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: h.dlqStream(),
		Values: []interface{}{
			"stream", h.orderStream,
			"msgId", msg.ID,
			"reason", reason,
			"data", msg.Values["data"],
			"tsMs", h.now().UnixMilli(),
			"group", h.group,
			"consumer", h.consumer,
		},
	}).Err()
}

func (h *Handler) ack(ctx context.Context, msgID string) {
	if err := h.redis.XAck(ctx, h.orderStream, h.group, msgID).Err(); err != nil {
		metrics.IncStreamError()
		h.log.WithError(err).WithField("msgId", msgID).Warn("ack error")
	}
}
