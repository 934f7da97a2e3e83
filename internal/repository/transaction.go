package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/exchange/bourse/internal/types"
)

// TransactionRepository 成交流水仓储，实现引擎的 ExecutionSink
type TransactionRepository struct {
	db *sql.DB
}

// NewTransactionRepository 创建仓储
func NewTransactionRepository(db *sql.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// RecordTransaction 写入单边流水，重复写入同一 ID 时忽略
func (r *TransactionRepository) RecordTransaction(ctx context.Context, tx *types.Transaction) error {
	query := `
		INSERT INTO bourse.transactions
		(id, execution_id, order_id, user_id, symbol, sign, quantity, price, amount,
		 commission, tax, net_amount, transaction_date, settlement_date, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query,
		tx.ID, tx.ExecutionID, tx.OrderID, tx.UserID, tx.Symbol, int64(tx.Side),
		tx.Quantity, tx.Price, tx.Amount, tx.Commission, tx.Tax, tx.NetAmount,
		tx.TransactionDate, tx.SettlementDate, tx.Status,
	)
	if err != nil {
		return fmt.Errorf("insert transaction %d: %w", tx.ID, err)
	}
	return nil
}

// ListByOrder 某订单的所有流水
func (r *TransactionRepository) ListByOrder(ctx context.Context, orderID int64) ([]*types.Transaction, error) {
	query := `
		SELECT id, execution_id, order_id, user_id, symbol, sign, quantity, price, amount,
		       commission, tax, net_amount, transaction_date, settlement_date, status
		FROM bourse.transactions
		WHERE order_id = $1
		ORDER BY transaction_date ASC, id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []*types.Transaction
	for rows.Next() {
		var (
			tx   types.Transaction
			sign int64
		)
		if err := rows.Scan(
			&tx.ID, &tx.ExecutionID, &tx.OrderID, &tx.UserID, &tx.Symbol, &sign,
			&tx.Quantity, &tx.Price, &tx.Amount, &tx.Commission, &tx.Tax, &tx.NetAmount,
			&tx.TransactionDate, &tx.SettlementDate, &tx.Status,
		); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		tx.Side = types.Side(sign)
		out = append(out, &tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, nil
}
