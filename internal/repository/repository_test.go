package repository

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"

	"github.com/exchange/bourse/internal/types"
	apperrors "github.com/exchange/bourse/pkg/errors"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var entry = time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC)

var orderRowColumns = []string{
	"id", "user_id", "symbol", "sign", "order_type", "price", "stop_price",
	"quantity", "exec_qty", "exec_avg_price", "status", "date_entry", "reject_reason",
}

func TestOrderRepository_Save(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	repo := NewOrderRepository(db)
	order := &types.Order{
		ID:           101,
		UserID:       7,
		Symbol:       "AAPL",
		Side:         types.SideSell,
		Type:         types.OrderTypeLimit,
		Price:        types.NewPrice(d("187.25")),
		Quantity:     d("100"),
		ExecQty:      d("40"),
		ExecAvgPrice: types.NewPrice(d("187.25")),
		Status:       types.StatusPartial,
		DateEntry:    entry,
	}

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO bourse.orders`)).
		WithArgs(
			int64(101), int64(7), "AAPL", int64(-1), "LIMIT", "187.25", nil,
			"100", "40", "187.25", "PARTIAL", entry, nil,
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := repo.Save(context.Background(), order); err != nil {
		t.Fatalf("save order: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestOrderRepository_SaveSkipsSynthetic(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	repo := NewOrderRepository(db)
	if err := repo.Save(context.Background(), &types.Order{ID: -1, Origin: types.OriginSynthetic}); err != nil {
		t.Fatalf("save synthetic: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestOrderRepository_SaveError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO bourse.orders`)).WillReturnError(errors.New("connection reset"))
	err = NewOrderRepository(db).Save(context.Background(), &types.Order{ID: 1, Side: types.SideBuy, Quantity: d("1")})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestOrderRepository_FindPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows(orderRowColumns).
		AddRow(1, 10, "AAPL", 1, "LIMIT", "150.5", nil, "10", "0", nil, "PENDING", entry, nil).
		AddRow(2, 11, "AAPL", -1, "STOP_LIMIT", "140", "141", "5", "2", "140", "PARTIAL", entry.Add(time.Second), nil)
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE status IN ('PENDING', 'PARTIAL')`)).WillReturnRows(rows)

	orders, err := NewOrderRepository(db).FindPending(context.Background())
	if err != nil {
		t.Fatalf("find pending: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(orders))
	}

	first := orders[0]
	if first.Side != types.SideBuy || first.Type != types.OrderTypeLimit || !first.Price.Decimal.Equal(d("150.5")) {
		t.Fatalf("unexpected first order %+v", first)
	}
	if first.StopPrice.Valid || first.ExecAvgPrice.Valid {
		t.Fatal("expected null stop price and avg price")
	}

	second := orders[1]
	if second.Side != types.SideSell || second.Status != types.StatusPartial ||
		!second.StopPrice.Decimal.Equal(d("141")) || !second.Remaining().Equal(d("3")) {
		t.Fatalf("unexpected second order %+v", second)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestOrderRepository_FindByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()
	repo := NewOrderRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE id = $1`)).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(orderRowColumns).
			AddRow(5, 10, "MSFT", 1, "MARKET", nil, nil, "3", "0", nil, "REJECTED", entry, "no liquidity available"))

	o, err := repo.FindByID(context.Background(), 5)
	if err != nil {
		t.Fatalf("find by id: %v", err)
	}
	if o.Status != types.StatusRejected || o.RejectReason != "no liquidity available" || o.Price.Valid {
		t.Fatalf("unexpected order %+v", o)
	}

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE id = $1`)).
		WithArgs(int64(6)).
		WillReturnRows(sqlmock.NewRows(orderRowColumns))
	if _, err := repo.FindByID(context.Background(), 6); !apperrors.Is(err, apperrors.CodeOrderNotFound) {
		t.Fatalf("expected ORDER_NOT_FOUND, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTransactionRepository_RecordTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	tx := &types.Transaction{
		ID:              9001,
		ExecutionID:     9000,
		OrderID:         101,
		UserID:          7,
		Symbol:          "AAPL",
		Side:            types.SideBuy,
		Quantity:        d("100"),
		Price:           d("50"),
		Amount:          d("5000"),
		Commission:      d("15"),
		Tax:             d("5"),
		NetAmount:       d("5020"),
		TransactionDate: entry,
		SettlementDate:  types.SettlementDate(entry),
		Status:          types.TransactionStatusSettled,
	}

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO bourse.transactions`)).
		WithArgs(
			int64(9001), int64(9000), int64(101), int64(7), "AAPL", int64(1),
			"100", "50", "5000", "15", "5", "5020", entry, types.SettlementDate(entry), "SETTLED",
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := NewTransactionRepository(db).RecordTransaction(context.Background(), tx); err != nil {
		t.Fatalf("record transaction: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTransactionRepository_ListByOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{
		"id", "execution_id", "order_id", "user_id", "symbol", "sign", "quantity", "price", "amount",
		"commission", "tax", "net_amount", "transaction_date", "settlement_date", "status",
	}).AddRow(1, 2, 101, 7, "AAPL", -1, "10", "50", "500", "10", "0.5", "489.5", entry, entry.AddDate(0, 0, 2), "SETTLED")
	mock.ExpectQuery(regexp.QuoteMeta(`FROM bourse.transactions`)).WithArgs(int64(101)).WillReturnRows(rows)

	txs, err := NewTransactionRepository(db).ListByOrder(context.Background(), 101)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(txs) != 1 || txs[0].Side != types.SideSell || !txs[0].NetAmount.Equal(d("489.5")) {
		t.Fatalf("unexpected transactions %+v", txs)
	}
}

func historyEntry(id int64) *types.HistoryEntry {
	return &types.HistoryEntry{
		OrderID:         id,
		PreviousStatus:  types.StatusPending,
		NewStatus:       types.StatusPartial,
		PreviousExecQty: d("0"),
		NewExecQty:      d("4"),
		Reason:          "matched",
		ChangedBy:       7,
		ChangedAt:       entry,
	}
}

func TestHistoryRepository_SynchronousWrite(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO bourse.order_history`)).
		WithArgs(int64(3), "PENDING", "PARTIAL", "0", "4", "matched", int64(7), entry).
		WillReturnResult(sqlmock.NewResult(1, 1))

	repo := NewHistoryRepository(db, WithSynchronousWrite())
	if err := repo.RecordHistory(context.Background(), historyEntry(3)); err != nil {
		t.Fatalf("record history: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestHistoryRepository_AsyncDrainsOnClose(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()
	mock.MatchExpectationsInOrder(false)

	for i := 0; i < 3; i++ {
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO bourse.order_history`)).
			WillReturnResult(sqlmock.NewResult(1, 1))
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	repo := NewHistoryRepository(db, WithWorkers(1), WithErrorHandler(func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}))
	for i := int64(1); i <= 3; i++ {
		if err := repo.RecordHistory(context.Background(), historyEntry(i)); err != nil {
			t.Fatalf("record history: %v", err)
		}
	}
	repo.Close()

	if len(errs) != 0 {
		t.Fatalf("unexpected async errors: %v", errs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestHistoryRepository_AsyncReportsErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO bourse.order_history`)).WillReturnError(errors.New("disk full"))

	errCh := make(chan error, 1)
	repo := NewHistoryRepository(db, WithWorkers(1), WithErrorHandler(func(err error) { errCh <- err }))
	if err := repo.RecordHistory(context.Background(), historyEntry(1)); err != nil {
		t.Fatalf("enqueue should not fail: %v", err)
	}
	repo.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected insert error")
		}
	default:
		t.Fatal("expected error handler to be called")
	}
}
