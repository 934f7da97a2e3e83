package health

import (
	"sync"
	"time"
)

// LoopState 后台循环状态快照
type LoopState struct {
	LastBeat    time.Time `json:"lastBeat"`
	Beats       uint64    `json:"beats"`
	LastError   string    `json:"lastError,omitempty"`
	LastErrorAt time.Time `json:"lastErrorAt"`
}

// LoopMonitor 后台循环心跳，零值可用
type LoopMonitor struct {
	mu    sync.RWMutex
	state LoopState
	clock func() time.Time
}

func (m *LoopMonitor) now() time.Time {
	if m.clock != nil {
		return m.clock()
	}
	return time.Now()
}

// Tick 记录一次心跳
func (m *LoopMonitor) Tick() {
	now := m.now()
	m.mu.Lock()
	m.state.LastBeat = now
	m.state.Beats++
	m.mu.Unlock()
}

// SetError 记录最近一次错误，nil 清空
func (m *LoopMonitor) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		m.state.LastError = ""
		return
	}
	m.state.LastError = err.Error()
	m.state.LastErrorAt = m.now()
}

func (m *LoopMonitor) LastError() string {
	return m.State().LastError
}

func (m *LoopMonitor) State() LoopState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Healthy 最近 maxAge 内是否有心跳，从未心跳视为不健康；maxAge<=0 取 10s
func (m *LoopMonitor) Healthy(now time.Time, maxAge time.Duration) (bool, time.Duration, string) {
	st := m.State()
	if st.Beats == 0 {
		return false, 0, st.LastError
	}
	if maxAge <= 0 {
		maxAge = 10 * time.Second
	}
	age := now.Sub(st.LastBeat)
	if age < 0 {
		age = 0
	}
	return age <= maxAge, age, st.LastError
}
