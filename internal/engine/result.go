package engine

import (
	"github.com/shopspring/decimal"

	"github.com/exchange/bourse/internal/types"
	apperrors "github.com/exchange/bourse/pkg/errors"
)

// ResultStatus 撮合结果
type ResultStatus string

const (
	ResultFilled   ResultStatus = "FILLED"
	ResultPartial  ResultStatus = "PARTIAL"
	ResultPending  ResultStatus = "PENDING"
	ResultRejected ResultStatus = "REJECTED"
)

const (
	msgFilled   = "order fully executed"
	msgPartial  = "order partially executed"
	msgPending  = "order pending in book"
	msgNoLiquid = "no liquidity available"
)

// MatchingResult 一次下单处理的结果
type MatchingResult struct {
	Order      *types.Order           `json:"order"`
	Executions []types.OrderExecution `json:"executions"`
	Status     ResultStatus           `json:"status"`
	Message    string                 `json:"message"`
	// Err 仅在 REJECTED 时非空
	Err error `json:"-"`
}

// Executed 是否产生成交
func (r *MatchingResult) Executed() bool {
	return len(r.Executions) > 0
}

// ExecutedQuantity 本次处理成交总量
func (r *MatchingResult) ExecutedQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, e := range r.Executions {
		total = total.Add(e.Quantity)
	}
	return total
}

// ErrorCode 拒绝原因错误码
func (r *MatchingResult) ErrorCode() apperrors.Code {
	return apperrors.CodeOf(r.Err)
}

func errOrderNotFound(id int64) error {
	return apperrors.Newf(apperrors.CodeOrderNotFound, "order %d not found", id)
}
