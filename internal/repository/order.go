package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/exchange/bourse/internal/types"
	apperrors "github.com/exchange/bourse/pkg/errors"
)

// OrderRepository 订单仓储，实现引擎的 OrderStore
type OrderRepository struct {
	db *sql.DB
}

// NewOrderRepository 创建仓储
func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

const orderColumns = `id, user_id, symbol, sign, order_type, price, stop_price,
		       quantity, exec_qty, exec_avg_price, status, date_entry, reject_reason`

// Save 写入或更新订单。合成订单不落库。
func (r *OrderRepository) Save(ctx context.Context, o *types.Order) error {
	if o.Synthetic() {
		return nil
	}
	query := `
		INSERT INTO bourse.orders
		(id, user_id, symbol, sign, order_type, price, stop_price,
		 quantity, exec_qty, exec_avg_price, status, date_entry, reject_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			order_type = EXCLUDED.order_type,
			price = EXCLUDED.price,
			quantity = EXCLUDED.quantity,
			exec_qty = EXCLUDED.exec_qty,
			exec_avg_price = EXCLUDED.exec_avg_price,
			status = EXCLUDED.status,
			date_entry = EXCLUDED.date_entry,
			reject_reason = EXCLUDED.reject_reason
	`
	_, err := r.db.ExecContext(ctx, query,
		o.ID, o.UserID, o.Symbol, int64(o.Side), string(o.Type), o.Price, o.StopPrice,
		o.Quantity, o.ExecQty, o.ExecAvgPrice, string(o.Status), o.DateEntry,
		nullString(o.RejectReason),
	)
	if err != nil {
		return fmt.Errorf("save order %d: %w", o.ID, err)
	}
	return nil
}

// FindPending 所有未完成订单，按入场时间回放
func (r *OrderRepository) FindPending(ctx context.Context) ([]*types.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM bourse.orders
		WHERE status IN ('PENDING', 'PARTIAL')
		ORDER BY date_entry ASC, id ASC
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("find pending orders: %w", err)
	}
	defer rows.Close()

	var orders []*types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return orders, nil
}

// FindByID 按 ID 查询，不存在时返回 CodeOrderNotFound
func (r *OrderRepository) FindByID(ctx context.Context, id int64) (*types.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM bourse.orders
		WHERE id = $1
	`
	o, err := scanOrder(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.CodeOrderNotFound, "order %d not found", id)
	}
	return o, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row scanner) (*types.Order, error) {
	var (
		o            types.Order
		sign         int64
		orderType    string
		status       string
		rejectReason sql.NullString
	)
	err := row.Scan(
		&o.ID, &o.UserID, &o.Symbol, &sign, &orderType, &o.Price, &o.StopPrice,
		&o.Quantity, &o.ExecQty, &o.ExecAvgPrice, &status, &o.DateEntry, &rejectReason,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}

	o.Side = types.Side(sign)
	o.Type = types.OrderType(orderType)
	o.Status = types.Status(status)
	o.RejectReason = rejectReason.String
	o.Origin = types.OriginPersisted
	return &o, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
