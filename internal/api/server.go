// Package api 撮合服务内部管理接口
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/exchange/bourse/internal/engine"
	"github.com/exchange/bourse/internal/marketdata"
	"github.com/exchange/bourse/internal/metrics"
	"github.com/exchange/bourse/internal/orderbook"
	apperrors "github.com/exchange/bourse/pkg/errors"
	"github.com/exchange/bourse/pkg/health"
	"github.com/exchange/bourse/pkg/logger"
	"github.com/exchange/bourse/pkg/response"
	"github.com/exchange/bourse/pkg/tracing"
)

const (
	internalTokenHeader = "X-Internal-Token"
	metricsTokenHeader  = "X-Metrics-Token"
	defaultDepthLevels  = 10
	maxDepthLevels      = 500
)

// Engine 订单簿查询与管理
type Engine interface {
	GetOrderBook(symbol string) (*orderbook.OrderBook, bool)
	AllSymbols() []string
	ResetOrderBooks(symbol string)
}

// Market 行情查询
type Market interface {
	CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	MarketStatus(ctx context.Context, symbol string) (*marketdata.MarketStatus, error)
}

// Jobs 手动触发的定时任务
type Jobs interface {
	Trigger(ctx context.Context, symbol string) ([]*engine.MatchingResult, error)
	DailyReset(ctx context.Context) (bool, error)
}

// Config 配置
type Config struct {
	InternalToken      string
	MetricsToken       string
	AllowInternalReset bool
	DepthLevels        int
	Health             *health.Health
	Logger             *logger.Logger
}

// Server 管理接口
type Server struct {
	eng    Engine
	market Market
	jobs   Jobs
	cfg    Config
	log    *logger.Logger
	router *mux.Router
}

// NewServer 创建并注册路由
func NewServer(eng Engine, market Market, jobs Jobs, cfg Config) *Server {
	if cfg.DepthLevels <= 0 {
		cfg.DepthLevels = defaultDepthLevels
	}
	if cfg.Health == nil {
		cfg.Health = health.New()
		cfg.Health.SetReady(true)
	}
	log := cfg.Logger
	if log == nil {
		log = logger.New("matching-api", nil)
	}
	s := &Server{
		eng:    eng,
		market: market,
		jobs:   jobs,
		cfg:    cfg,
		log:    log,
		router: mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.cfg.Health.LiveHandler()).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.cfg.Health.ReadyHandler()).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.metricsHandler()).Methods(http.MethodGet)

	m := s.router.PathPrefix("/matching").Subrouter()
	m.Use(s.requireInternalAuth)
	m.HandleFunc("/symbols", s.handleSymbols).Methods(http.MethodGet)
	m.HandleFunc("/orderbook/{symbol}", s.handleOrderBook).Methods(http.MethodGet)
	m.HandleFunc("/orderbook/{symbol}/stats", s.handleOrderBookStats).Methods(http.MethodGet)
	m.HandleFunc("/market/{symbol}", s.handleMarketStatus).Methods(http.MethodGet)
	m.HandleFunc("/price/{symbol}", s.handlePrice).Methods(http.MethodGet)
	m.HandleFunc("/check-stops/{symbol}", s.handleCheckStops).Methods(http.MethodPost)
	m.HandleFunc("/reset-daily-stats", s.handleResetDailyStats).Methods(http.MethodPost)

	if s.cfg.AllowInternalReset {
		in := s.router.PathPrefix("/internal").Subrouter()
		in.Use(s.requireInternalAuth)
		in.HandleFunc("/reset", s.handleReset).Methods(http.MethodPost)
	}
}

// Handler 带请求 ID、panic 恢复与链路追踪的根处理器
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = tracing.HTTPMiddleware(h)
	h = response.RecoveryMiddleware(s.log)(h)
	return response.RequestIDMiddleware(h)
}

func (s *Server) requireInternalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.InternalToken != "" && !tokenEqual(r.Header.Get(internalTokenHeader), s.cfg.InternalToken) {
			response.WriteErrorCode(w, r, apperrors.CodeUnauthenticated, "invalid internal token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsHandler() http.Handler {
	h := metrics.Handler()
	if s.cfg.MetricsToken == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !metricsAuthorized(r, s.cfg.MetricsToken) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func metricsAuthorized(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	if tokenEqual(strings.TrimSpace(r.Header.Get(metricsTokenHeader)), token) {
		return true
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") && tokenEqual(strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")), token) {
		return true
	}
	return false
}

func tokenEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func symbolVar(r *http.Request) string {
	return strings.ToUpper(strings.TrimSpace(mux.Vars(r)["symbol"]))
}

func (s *Server) book(w http.ResponseWriter, r *http.Request) (*orderbook.OrderBook, bool) {
	symbol := symbolVar(r)
	book, ok := s.eng.GetOrderBook(symbol)
	if !ok {
		response.WriteError(w, r, apperrors.Newf(apperrors.CodeSymbolNotFound, "order book for %s not found", symbol))
		return nil, false
	}
	return book, true
}

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"symbols": s.eng.AllSymbols(),
	})
}

func (s *Server) handleOrderBook(w http.ResponseWriter, r *http.Request) {
	book, ok := s.book(w, r)
	if !ok {
		return
	}
	levels := s.cfg.DepthLevels
	if v := r.URL.Query().Get("levels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			response.WriteErrorCode(w, r, apperrors.CodeInvalidParam, "levels must be a positive integer")
			return
		}
		levels = min(n, maxDepthLevels)
	}
	response.WriteJSON(w, http.StatusOK, book.Depth(levels))
}

func (s *Server) handleOrderBookStats(w http.ResponseWriter, r *http.Request) {
	book, ok := s.book(w, r)
	if !ok {
		return
	}
	response.WriteJSON(w, http.StatusOK, book.Stats())
}

func (s *Server) handleMarketStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.market.MarketStatus(r.Context(), symbolVar(r))
	if err != nil {
		response.WriteError(w, r, apperrors.Wrap(apperrors.CodeDownstream, "market status unavailable", err))
		return
	}
	response.WriteJSON(w, http.StatusOK, st)
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	symbol := symbolVar(r)
	price, err := s.market.CurrentPrice(r.Context(), symbol)
	if err != nil {
		response.WriteError(w, r, apperrors.Wrap(apperrors.CodeDownstream, "price unavailable", err))
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"symbol": symbol,
		"price":  price,
	})
}

func (s *Server) handleCheckStops(w http.ResponseWriter, r *http.Request) {
	symbol := symbolVar(r)
	if _, ok := s.eng.GetOrderBook(symbol); !ok {
		response.WriteError(w, r, apperrors.Newf(apperrors.CodeSymbolNotFound, "order book for %s not found", symbol))
		return
	}
	results, err := s.jobs.Trigger(r.Context(), symbol)
	if err != nil {
		s.log.WithError(err).Errorf("manual stop check failed", logger.Fields{"symbol": symbol})
		response.WriteErrorCode(w, r, apperrors.CodeInternal, "stop check failed")
		return
	}
	if results == nil {
		results = []*engine.MatchingResult{}
	}
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":    symbol,
		"triggered": len(results),
		"results":   results,
	})
}

func (s *Server) handleResetDailyStats(w http.ResponseWriter, r *http.Request) {
	ran, err := s.jobs.DailyReset(r.Context())
	if err != nil {
		response.WriteError(w, r, apperrors.Wrap(apperrors.CodeDownstream, "daily reset failed", err))
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{"reset": ran})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("symbol")))
	s.eng.ResetOrderBooks(symbol)
	s.log.Warnf("order books reset via internal endpoint", logger.Fields{"symbol": symbol})
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"reset":  true,
		"symbol": symbol,
	})
}
