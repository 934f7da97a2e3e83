package marketdata

import (
	"time"

	"github.com/shopspring/decimal"
)

// DailyStats 当日统计
type DailyStats struct {
	Open       decimal.NullDecimal `json:"open"`
	High       decimal.NullDecimal `json:"high"`
	Low        decimal.NullDecimal `json:"low"`
	Close      decimal.NullDecimal `json:"close"`
	Volume     decimal.Decimal     `json:"volume"`
	TradeCount int64               `json:"tradeCount"`
}

// Update 计入一笔成交
func (s *DailyStats) Update(price, qty decimal.Decimal) {
	if !s.Open.Valid {
		s.Open = decimal.NewNullDecimal(price)
	}
	if !s.High.Valid || price.GreaterThan(s.High.Decimal) {
		s.High = decimal.NewNullDecimal(price)
	}
	if !s.Low.Valid || price.LessThan(s.Low.Decimal) {
		s.Low = decimal.NewNullDecimal(price)
	}
	s.Close = decimal.NewNullDecimal(price)
	s.Volume = s.Volume.Add(qty)
	s.TradeCount++
}

// Reset 以开盘价重置
func (s *DailyStats) Reset(open decimal.Decimal) {
	p := decimal.NewNullDecimal(open)
	s.Open, s.High, s.Low, s.Close = p, p, p, p
	s.Volume = decimal.Zero
	s.TradeCount = 0
}

// Variation 相对开盘价涨跌幅（百分比，4 位小数）
func (s *DailyStats) Variation(price decimal.Decimal) decimal.NullDecimal {
	if !s.Open.Valid || !s.Open.Decimal.IsPositive() {
		return decimal.NullDecimal{}
	}
	v := price.Sub(s.Open.Decimal).DivRound(s.Open.Decimal, 4).Mul(decimal.NewFromInt(100))
	return decimal.NewNullDecimal(v)
}

// Summary 持久化的行情汇总
type Summary struct {
	Symbol    string              `json:"symbol"`
	Price     decimal.NullDecimal `json:"price"`
	Open      decimal.NullDecimal `json:"open"`
	High      decimal.NullDecimal `json:"high"`
	Low       decimal.NullDecimal `json:"low"`
	Volume    decimal.Decimal     `json:"volume"`
	Variation decimal.NullDecimal `json:"variation"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

func (s *Summary) stats() *DailyStats {
	return &DailyStats{
		Open:   s.Open,
		High:   s.High,
		Low:    s.Low,
		Close:  s.Price,
		Volume: s.Volume,
	}
}

// MarketStatus 行情快照
type MarketStatus struct {
	Symbol       string              `json:"symbol"`
	CurrentPrice decimal.Decimal     `json:"currentPrice"`
	Open         decimal.NullDecimal `json:"open"`
	High         decimal.NullDecimal `json:"high"`
	Low          decimal.NullDecimal `json:"low"`
	Close        decimal.NullDecimal `json:"close"`
	Volume       decimal.Decimal     `json:"volume"`
	TradeCount   int64               `json:"tradeCount"`
	Timestamp    time.Time           `json:"timestamp"`
}

func nullString(v decimal.NullDecimal) string {
	if !v.Valid {
		return ""
	}
	return v.Decimal.String()
}

func parseNull(v string) decimal.NullDecimal {
	if v == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}
