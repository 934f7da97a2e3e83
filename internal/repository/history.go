package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/exchange/bourse/internal/types"
)

// ErrHistoryQueueFull 队列已满，记录被丢弃
var ErrHistoryQueueFull = errors.New("history: queue full, entry dropped")

// HistoryRepository 订单状态历史，实现引擎的 AuditSink。
// 默认异步写入，不阻塞撮合主流程。
type HistoryRepository struct {
	db *sql.DB

	queue   chan *types.HistoryEntry
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	onError func(error)
}

// HistoryOption 选项
type HistoryOption func(*historyOptions)

type historyOptions struct {
	queueSize   int
	workers     int
	onError     func(error)
	synchronous bool
}

// WithQueueSize 队列长度
func WithQueueSize(size int) HistoryOption {
	return func(o *historyOptions) {
		if size > 0 {
			o.queueSize = size
		}
	}
}

// WithWorkers 写入协程数
func WithWorkers(n int) HistoryOption {
	return func(o *historyOptions) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithErrorHandler 异步写入失败回调
func WithErrorHandler(fn func(error)) HistoryOption {
	return func(o *historyOptions) {
		if fn != nil {
			o.onError = fn
		}
	}
}

// WithSynchronousWrite RecordHistory 直接写库并返回错误
func WithSynchronousWrite() HistoryOption {
	return func(o *historyOptions) {
		o.synchronous = true
	}
}

// NewHistoryRepository 创建历史仓储
func NewHistoryRepository(db *sql.DB, opts ...HistoryOption) *HistoryRepository {
	cfg := historyOptions{
		queueSize: 4096,
		workers:   2,
		onError:   func(error) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	r := &HistoryRepository{db: db, onError: cfg.onError}
	if cfg.synchronous {
		return r
	}

	r.queue = make(chan *types.HistoryEntry, cfg.queueSize)
	for i := 0; i < cfg.workers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for entry := range r.queue {
				if err := r.insert(context.Background(), entry); err != nil {
					r.onError(err)
				}
			}
		}()
	}
	return r
}

// RecordHistory 记录一条状态变更
func (r *HistoryRepository) RecordHistory(ctx context.Context, entry *types.HistoryEntry) error {
	if r == nil || entry == nil {
		return nil
	}
	if r.queue == nil {
		return r.insert(ctx, entry)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return r.insert(ctx, entry)
	}
	select {
	case r.queue <- entry:
		return nil
	default:
		r.onError(ErrHistoryQueueFull)
		return ErrHistoryQueueFull
	}
}

// Close 停止接收并等待队列写完
func (r *HistoryRepository) Close() {
	if r == nil || r.queue == nil {
		return
	}
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *HistoryRepository) insert(ctx context.Context, e *types.HistoryEntry) error {
	query := `
		INSERT INTO bourse.order_history
		(order_id, previous_status, new_status, previous_exec_qty, new_exec_qty, reason, changed_by, changed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.ExecContext(ctx, query,
		e.OrderID, string(e.PreviousStatus), string(e.NewStatus), e.PreviousExecQty, e.NewExecQty,
		e.Reason, e.ChangedBy, e.ChangedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order history %d: %w", e.OrderID, err)
	}
	return nil
}

// ListByOrder 某订单的历史，按时间排序
func (r *HistoryRepository) ListByOrder(ctx context.Context, orderID int64) ([]*types.HistoryEntry, error) {
	query := `
		SELECT order_id, previous_status, new_status, previous_exec_qty, new_exec_qty, reason, changed_by, changed_at
		FROM bourse.order_history
		WHERE order_id = $1
		ORDER BY changed_at ASC
	`
	rows, err := r.db.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("list order history: %w", err)
	}
	defer rows.Close()

	var out []*types.HistoryEntry
	for rows.Next() {
		var (
			e         types.HistoryEntry
			prev, cur string
		)
		if err := rows.Scan(&e.OrderID, &prev, &cur, &e.PreviousExecQty, &e.NewExecQty, &e.Reason, &e.ChangedBy, &e.ChangedAt); err != nil {
			return nil, fmt.Errorf("scan order history: %w", err)
		}
		e.PreviousStatus, e.NewStatus = types.Status(prev), types.Status(cur)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order history: %w", err)
	}
	return out, nil
}
