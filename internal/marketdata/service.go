// Package marketdata 行情参考价与当日统计，汇总数据保存在 Redis 哈希中
package marketdata

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/exchange/bourse/pkg/logger"
)

// DefaultKeyPrefix 汇总哈希键前缀，完整键为 market:summary:{symbol}
const DefaultKeyPrefix = "market:summary:"

// Service 行情服务，实现撮合引擎的 MarketDataPort
type Service struct {
	rdb    redis.Cmdable
	prefix string
	log    *logger.Logger
	now    func() time.Time

	mu     sync.RWMutex
	prices map[string]decimal.Decimal
	stats  map[string]*DailyStats
}

// NewService 创建行情服务
func NewService(rdb redis.Cmdable, log *logger.Logger) *Service {
	if log == nil {
		log = logger.New("marketdata", nil)
	}
	return &Service{
		rdb:    rdb,
		prefix: DefaultKeyPrefix,
		log:    log,
		now:    time.Now,
		prices: make(map[string]decimal.Decimal),
		stats:  make(map[string]*DailyStats),
	}
}

func (s *Service) key(symbol string) string {
	return s.prefix + symbol
}

// CurrentPrice 当前参考价：先查缓存，再查 Redis 汇总，都没有时返回 0
func (s *Service) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	s.mu.RLock()
	p, ok := s.prices[symbol]
	s.mu.RUnlock()
	if ok {
		return p, nil
	}

	sum, err := s.loadSummary(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if sum == nil || !sum.Price.Valid {
		s.log.Warnf("no price available", logger.Fields{"symbol": symbol})
		return decimal.Zero, nil
	}

	s.mu.Lock()
	s.prices[symbol] = sum.Price.Decimal
	s.mu.Unlock()
	return sum.Price.Decimal, nil
}

// UpdateLastTrade 更新最新成交价、当日统计与汇总
func (s *Service) UpdateLastTrade(ctx context.Context, symbol string, price, qty decimal.Decimal, ts time.Time) error {
	if _, err := s.DailyStats(ctx, symbol); err != nil {
		return err
	}

	s.mu.Lock()
	s.prices[symbol] = price
	st, ok := s.stats[symbol]
	if !ok {
		st = &DailyStats{}
		s.stats[symbol] = st
	}
	st.Update(price, qty)
	snapshot := *st
	s.mu.Unlock()

	key := s.key(symbol)
	fields := map[string]interface{}{
		"symbol":     symbol,
		"price":      price.String(),
		"open":       nullString(snapshot.Open),
		"high":       nullString(snapshot.High),
		"low":        nullString(snapshot.Low),
		"variation":  nullString(snapshot.Variation(price)),
		"updated_at": ts.UTC().Format(time.RFC3339Nano),
	}
	// volume 多实例共享累加，用 HINCRBYFLOAT 与其余字段在同一 MULTI 中提交
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.HIncrByFloat(ctx, key, "volume", qty.InexactFloat64())
		return nil
	})
	if err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

// DailyStats 当日统计，缓存缺失时从汇总恢复
func (s *Service) DailyStats(ctx context.Context, symbol string) (DailyStats, error) {
	s.mu.RLock()
	st, ok := s.stats[symbol]
	if ok {
		out := *st
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	loaded := &DailyStats{}
	sum, err := s.loadSummary(ctx, symbol)
	if err != nil {
		return DailyStats{}, err
	}
	if sum != nil {
		loaded = sum.stats()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.stats[symbol]; !ok {
		st = loaded
		s.stats[symbol] = st
	}
	return *st, nil
}

// ResetDailyStats 开盘重置：以当前参考价作为开盘价
func (s *Service) ResetDailyStats() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for symbol, st := range s.stats {
		if p, ok := s.prices[symbol]; ok {
			st.Reset(p)
			n++
		}
	}
	s.log.Infof("daily statistics reset", logger.Fields{"symbols": n})
	return n
}

// MarketStatus 行情快照
func (s *Service) MarketStatus(ctx context.Context, symbol string) (*MarketStatus, error) {
	price, err := s.CurrentPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	sum, err := s.loadSummary(ctx, symbol)
	if err != nil {
		return nil, err
	}
	st, err := s.DailyStats(ctx, symbol)
	if err != nil {
		return nil, err
	}

	status := &MarketStatus{
		Symbol:       symbol,
		CurrentPrice: price,
		Close:        st.Close,
		Volume:       st.Volume,
		TradeCount:   st.TradeCount,
		Timestamp:    s.now(),
	}
	if sum != nil {
		status.Open, status.High, status.Low = sum.Open, sum.High, sum.Low
	}
	return status, nil
}

// Initialize 启动时从 Redis 汇总加载价格与统计，返回加载的证券数
func (s *Service) Initialize(ctx context.Context) (int, error) {
	var cursor uint64
	loaded := 0
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			return loaded, fmt.Errorf("scan summaries: %w", err)
		}
		for _, k := range keys {
			sum, err := s.loadSummary(ctx, strings.TrimPrefix(k, s.prefix))
			if err != nil {
				return loaded, err
			}
			if sum == nil || !sum.Price.Valid {
				continue
			}
			s.mu.Lock()
			s.prices[sum.Symbol] = sum.Price.Decimal
			s.stats[sum.Symbol] = sum.stats()
			s.mu.Unlock()
			loaded++
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	s.log.Infof("market data initialized", logger.Fields{"symbols": loaded})
	return loaded, nil
}

// EnsureReferencePrice 证券没有任何价格时写入默认参考价，返回是否写入
func (s *Service) EnsureReferencePrice(ctx context.Context, symbol string, price decimal.Decimal) (bool, error) {
	current, err := s.CurrentPrice(ctx, symbol)
	if err != nil {
		return false, err
	}
	if current.IsPositive() {
		return false, nil
	}

	set, err := s.rdb.HSetNX(ctx, s.key(symbol), "price", price.String()).Result()
	if err != nil {
		return false, fmt.Errorf("seed reference price: %w", err)
	}
	if set {
		if err := s.rdb.HSet(ctx, s.key(symbol), "symbol", symbol, "updated_at", s.now().UTC().Format(time.RFC3339Nano)).Err(); err != nil {
			return false, fmt.Errorf("seed reference price: %w", err)
		}
	}

	s.mu.Lock()
	s.prices[symbol] = price
	s.mu.Unlock()
	return set, nil
}

// ClearCaches 清空内存缓存，Redis 汇总保留
func (s *Service) ClearCaches() {
	s.mu.Lock()
	s.prices = make(map[string]decimal.Decimal)
	s.stats = make(map[string]*DailyStats)
	s.mu.Unlock()
	s.log.Info("market data caches cleared")
}

// Symbols 缓存中有价格的证券
func (s *Service) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.prices))
	for sym := range s.prices {
		out = append(out, sym)
	}
	return out
}

func (s *Service) loadSummary(ctx context.Context, symbol string) (*Summary, error) {
	vals, err := s.rdb.HGetAll(ctx, s.key(symbol)).Result()
	if err != nil {
		return nil, fmt.Errorf("load summary %s: %w", symbol, err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	sum := &Summary{
		Symbol:    symbol,
		Price:     parseNull(vals["price"]),
		Open:      parseNull(vals["open"]),
		High:      parseNull(vals["high"]),
		Low:       parseNull(vals["low"]),
		Volume:    parseNull(vals["volume"]).Decimal,
		Variation: parseNull(vals["variation"]),
	}
	if ts, err := time.Parse(time.RFC3339Nano, vals["updated_at"]); err == nil {
		sum.UpdatedAt = ts
	}
	return sum, nil
}
