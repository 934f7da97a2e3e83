package engine

import (
	"github.com/shopspring/decimal"

	"github.com/exchange/bourse/internal/types"
)

// FeeSchedule 佣金与税费
type FeeSchedule struct {
	CommissionRate decimal.Decimal
	TaxRate        decimal.Decimal
	MinCommission  decimal.Decimal
}

// DefaultFeeSchedule 佣金 0.3%（最低 10.00），税 0.1%
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		CommissionRate: decimal.RequireFromString("0.003"),
		TaxRate:        decimal.RequireFromString("0.001"),
		MinCommission:  decimal.RequireFromString("10.00"),
	}
}

// Commission max(notional*rate, minimum)
func (f FeeSchedule) Commission(notional decimal.Decimal) decimal.Decimal {
	return decimal.Max(notional.Mul(f.CommissionRate), f.MinCommission)
}

// Tax notional*taxRate
func (f FeeSchedule) Tax(notional decimal.Decimal) decimal.Decimal {
	return notional.Mul(f.TaxRate)
}

// NetAmount 买方支付金额加费用，卖方收到金额减费用
func (f FeeSchedule) NetAmount(side types.Side, notional decimal.Decimal) decimal.Decimal {
	fees := f.Commission(notional).Add(f.Tax(notional))
	if side == types.SideBuy {
		return notional.Add(fees)
	}
	return notional.Sub(fees)
}

// Transaction 构造某一方的成交流水
func (f FeeSchedule) Transaction(id int64, exec types.OrderExecution, order *types.Order) *types.Transaction {
	notional := exec.Amount()
	return &types.Transaction{
		ID:              id,
		ExecutionID:     exec.ID,
		OrderID:         order.ID,
		UserID:          order.UserID,
		Symbol:          exec.Symbol,
		Side:            order.Side,
		Quantity:        exec.Quantity,
		Price:           exec.Price,
		Amount:          notional,
		Commission:      f.Commission(notional),
		Tax:             f.Tax(notional),
		NetAmount:       f.NetAmount(order.Side, notional),
		TransactionDate: exec.Timestamp,
		SettlementDate:  types.SettlementDate(exec.Timestamp),
		Status:          types.TransactionStatusSettled,
	}
}
