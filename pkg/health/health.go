// Package health 存活/就绪探针与依赖检查
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

// Checker 单个依赖检查
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

type CheckResult struct {
	Status  Status        `json:"status"`
	Latency time.Duration `json:"latency"`
	Message string        `json:"message,omitempty"`
}

// Report 探针结果
type Report struct {
	Status       Status                 `json:"status"`
	Dependencies map[string]CheckResult `json:"dependencies,omitempty"`
}

// HTTPStatus up 为 200，其余 503
func (r Report) HTTPStatus() int {
	if r.Status == StatusUp {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

const defaultCheckTimeout = 2 * time.Second

// Option 选项
type Option func(*Health)

// WithTimeout 单个依赖检查超时
func WithTimeout(d time.Duration) Option {
	return func(h *Health) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// Health 依赖检查集合，同名检查后注册者覆盖先注册者
type Health struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	ready    atomic.Bool
	timeout  time.Duration
}

func New(opts ...Option) *Health {
	h := &Health{checkers: make(map[string]Checker), timeout: defaultCheckTimeout}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Health) Register(c Checker) {
	if c == nil {
		return
	}
	h.mu.Lock()
	h.checkers[c.Name()] = c
	h.mu.Unlock()
}

func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

func (h *Health) IsReady() bool {
	return h.ready.Load()
}

// Live 进程存活即 up
func (h *Health) Live() Report {
	return Report{Status: StatusUp}
}

// Ready 未 SetReady(true) 时为 down；任一依赖 down 时为 degraded
func (h *Health) Ready(ctx context.Context) Report {
	deps := h.evaluate(ctx)
	if !h.IsReady() {
		return Report{Status: StatusDown, Dependencies: deps}
	}
	status := StatusUp
	for _, r := range deps {
		if r.Status != StatusUp {
			status = StatusDegraded
			break
		}
	}
	return Report{Status: status, Dependencies: deps}
}

type namedResult struct {
	name string
	res  CheckResult
}

func (h *Health) evaluate(ctx context.Context) map[string]CheckResult {
	h.mu.RLock()
	checkers := make([]Checker, 0, len(h.checkers))
	for _, c := range h.checkers {
		checkers = append(checkers, c)
	}
	h.mu.RUnlock()
	if len(checkers) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	out := make(chan namedResult, len(checkers))
	for _, c := range checkers {
		go func(c Checker) {
			out <- namedResult{name: c.Name(), res: h.runOne(ctx, c)}
		}(c)
	}

	deps := make(map[string]CheckResult, len(checkers))
	for range checkers {
		r := <-out
		deps[r.name] = r.res
	}
	return deps
}

func (h *Health) runOne(ctx context.Context, c Checker) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() { done <- c.Check(ctx) }()

	var res CheckResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = CheckResult{Status: StatusDown, Message: "timeout"}
	}
	if res.Latency <= 0 {
		res.Latency = time.Since(start)
	}
	if res.Status == "" {
		res.Status = StatusDown
	}
	return res
}

func writeReport(w http.ResponseWriter, r Report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(r.HTTPStatus())
	_ = json.NewEncoder(w).Encode(r)
}

func (h *Health) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeReport(w, h.Live())
	}
}

func (h *Health) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeReport(w, h.Ready(r.Context()))
	}
}

// funcChecker 以函数实现 Checker
type funcChecker struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

func (c funcChecker) Name() string { return c.name }

func (c funcChecker) Check(ctx context.Context) CheckResult { return c.fn(ctx) }

// NewPingChecker ping 失败即 down（postgres PingContext、redis Ping 等）
func NewPingChecker(name string, ping func(ctx context.Context) error) Checker {
	return funcChecker{name: name, fn: func(ctx context.Context) CheckResult {
		if ping == nil {
			return CheckResult{Status: StatusDown, Message: "not configured"}
		}
		if err := ping(ctx); err != nil {
			return CheckResult{Status: StatusDown, Message: err.Error()}
		}
		return CheckResult{Status: StatusUp}
	}}
}

// NewLoopChecker 后台循环 maxAge 内无心跳即 down
func NewLoopChecker(name string, mon *LoopMonitor, maxAge time.Duration) Checker {
	return funcChecker{name: name, fn: func(context.Context) CheckResult {
		st := mon.State()
		ok, age, lastErr := mon.Healthy(time.Now(), maxAge)
		if !ok {
			msg := "stale"
			if st.Beats == 0 {
				msg = "not started"
			}
			if lastErr != "" {
				msg = lastErr
			}
			return CheckResult{Status: StatusDown, Latency: age, Message: msg}
		}
		return CheckResult{Status: StatusUp, Latency: age, Message: lastErr}
	}}
}
