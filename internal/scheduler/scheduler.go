// Package scheduler 定时任务：止损单扫描、开盘统计重置、统计日志
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/exchange/bourse/internal/engine"
	"github.com/exchange/bourse/internal/orderbook"
	"github.com/exchange/bourse/pkg/health"
	"github.com/exchange/bourse/pkg/logger"
	"github.com/exchange/bourse/pkg/redis"
)

// Engine 调度依赖的引擎能力
type Engine interface {
	AllSymbols() []string
	CheckStopOrders(ctx context.Context, symbol string) []*engine.MatchingResult
	GetOrderBook(symbol string) (*orderbook.OrderBook, bool)
}

// DailyResetter 当日统计重置
type DailyResetter interface {
	ResetDailyStats() int
}

const (
	DefaultStopCheckInterval = 5 * time.Second
	DefaultDailyResetCron    = "0 9 * * MON-FRI"
	DefaultStatsLogInterval  = time.Hour
	defaultLockKey           = "lock:matching:daily-reset"
	defaultLockTTL           = time.Minute
)

// Config 配置
type Config struct {
	StopCheckInterval time.Duration
	DailyResetCron    string
	StatsLogInterval  time.Duration
	Location          *time.Location

	// Locker 非空时开盘重置在分布式锁内执行，多实例只有一个生效
	Locker  goredis.Cmdable
	LockKey string
	LockTTL time.Duration

	Logger *logger.Logger
}

// Scheduler 定时任务调度器
type Scheduler struct {
	eng    Engine
	market DailyResetter
	cfg    Config
	log    *logger.Logger
	owner  string

	cron *cron.Cron
	loop health.LoopMonitor
}

// New 创建调度器
func New(eng Engine, market DailyResetter, cfg Config) *Scheduler {
	if cfg.StopCheckInterval <= 0 {
		cfg.StopCheckInterval = DefaultStopCheckInterval
	}
	if cfg.DailyResetCron == "" {
		cfg.DailyResetCron = DefaultDailyResetCron
	}
	if cfg.StatsLogInterval <= 0 {
		cfg.StatsLogInterval = DefaultStatsLogInterval
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.LockKey == "" {
		cfg.LockKey = defaultLockKey
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	log := cfg.Logger
	if log == nil {
		log = logger.New("matching-scheduler", nil)
	}
	return &Scheduler{
		eng:    eng,
		market: market,
		cfg:    cfg,
		log:    log,
		owner:  uuid.NewString(),
	}
}

// Start 注册并启动定时任务
func (s *Scheduler) Start(ctx context.Context) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(s.cfg.DailyResetCron); err != nil {
		return fmt.Errorf("invalid daily reset cron %q: %w", s.cfg.DailyResetCron, err)
	}

	clog := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(s.cfg.Location),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)

	if _, err := c.AddFunc(every(s.cfg.StopCheckInterval), func() {
		if ctx.Err() != nil {
			return
		}
		s.SweepOnce(ctx)
	}); err != nil {
		return fmt.Errorf("schedule stop sweep: %w", err)
	}
	if _, err := c.AddFunc(s.cfg.DailyResetCron, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.DailyReset(ctx); err != nil {
			s.log.WithError(err).Warn("daily reset failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule daily reset: %w", err)
	}
	if _, err := c.AddFunc(every(s.cfg.StatsLogInterval), s.LogStats); err != nil {
		return fmt.Errorf("schedule stats log: %w", err)
	}

	s.cron = c
	s.loop.Tick()
	c.Start()
	s.log.Infof("scheduler started", logger.Fields{
		"stopCheckInterval": s.cfg.StopCheckInterval.String(),
		"dailyResetCron":    s.cfg.DailyResetCron,
		"statsLogInterval":  s.cfg.StatsLogInterval.String(),
	})
	return nil
}

// Stop 停止调度并等待运行中的任务结束
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// Monitor 止损扫描心跳
func (s *Scheduler) Monitor() *health.LoopMonitor {
	return &s.loop
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// SweepOnce 对所有证券执行一次止损检查，返回触发的订单数
func (s *Scheduler) SweepOnce(ctx context.Context) int {
	total := 0
	var lastErr error
	for _, symbol := range s.eng.AllSymbols() {
		n, err := s.check(ctx, symbol)
		if err != nil {
			lastErr = err
			s.log.WithError(err).Errorf("stop sweep failed", logger.Fields{"symbol": symbol})
			continue
		}
		total += n
	}
	s.loop.Tick()
	s.loop.SetError(lastErr)
	if total > 0 {
		s.log.Infof("stop sweep triggered orders", logger.Fields{"count": total})
	}
	return total
}

// Trigger 手动触发单个证券的止损检查
func (s *Scheduler) Trigger(ctx context.Context, symbol string) ([]*engine.MatchingResult, error) {
	var results []*engine.MatchingResult
	err := safely(func() {
		results = s.eng.CheckStopOrders(ctx, symbol)
	})
	return results, err
}

func (s *Scheduler) check(ctx context.Context, symbol string) (int, error) {
	results, err := s.Trigger(ctx, symbol)
	return len(results), err
}

func safely(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	fn()
	return nil
}

// DailyReset 开盘重置当日统计，配置了锁时未抢到锁返回 false
func (s *Scheduler) DailyReset(ctx context.Context) (bool, error) {
	if s.market == nil {
		return false, nil
	}
	if s.cfg.Locker != nil {
		lock := redis.NewLock(s.cfg.Locker, s.cfg.LockKey, s.owner, s.cfg.LockTTL)
		ok, err := lock.Acquire(ctx)
		if err != nil {
			return false, fmt.Errorf("acquire daily reset lock: %w", err)
		}
		if !ok {
			s.log.Debug("daily reset lock held by another instance")
			return false, nil
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				s.log.WithError(err).Warn("release daily reset lock failed")
			}
		}()
	}
	n := s.market.ResetDailyStats()
	s.log.Infof("daily statistics reset", logger.Fields{"symbols": n})
	return true, nil
}

// LogStats 输出各证券订单簿统计
func (s *Scheduler) LogStats() {
	symbols := s.eng.AllSymbols()
	for _, symbol := range symbols {
		book, ok := s.eng.GetOrderBook(symbol)
		if !ok {
			continue
		}
		st := book.Stats()
		s.log.Infof("order book statistics", logger.Fields{
			"symbol":     symbol,
			"buyOrders":  st.TotalBuyOrders,
			"sellOrders": st.TotalSellOrders,
			"stopOrders": st.StopOrders,
			"buyVolume":  st.TotalBuyVolume.String(),
			"sellVolume": st.TotalSellVolume.String(),
		})
	}
	s.log.Infof("engine statistics", logger.Fields{"symbols": len(symbols)})
}

// cronLogger 适配 cron.Logger
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugf("cron: "+msg, kv(keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithError(err).Errorf("cron: "+msg, kv(keysAndValues))
}

func kv(keysAndValues []interface{}) logger.Fields {
	f := make(logger.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		f[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return f
}
