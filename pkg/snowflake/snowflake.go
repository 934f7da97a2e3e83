// Package snowflake 成交与流水 ID：毫秒时间(41) | 节点(10) | 序号(12)
package snowflake

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Epoch 2024-01-01 00:00:00 UTC
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	nodeBits = 10
	seqBits  = 12

	MaxNode = 1<<nodeBits - 1
	maxSeq  = 1<<seqBits - 1

	// 时钟回拨容忍窗口，窗口内沿用上次时间戳继续递增序号
	maxBackwardDrift = 5 * time.Millisecond
)

var ErrClockBackwards = errors.New("snowflake: clock moved backwards beyond tolerance")

// ID 雪花 ID
type ID int64

// Time 生成时间（毫秒精度）
func (id ID) Time() time.Time {
	return Epoch.Add(time.Duration(int64(id)>>(nodeBits+seqBits)) * time.Millisecond)
}

// Node 生成节点
func (id ID) Node() int64 {
	return int64(id) >> seqBits & MaxNode
}

// Seq 毫秒内序号
func (id ID) Seq() int64 {
	return int64(id) & maxSeq
}

// Option 生成器选项
type Option func(*Generator)

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		if now != nil {
			g.now = now
		}
	}
}

// Generator 单节点 ID 生成器，并发安全
type Generator struct {
	mu     sync.Mutex
	node   int64
	lastMs int64
	seq    int64
	now    func() time.Time
}

// New 创建生成器，node 取值 [0, 1023]
func New(node int64, opts ...Option) (*Generator, error) {
	if node < 0 || node > MaxNode {
		return nil, fmt.Errorf("snowflake: node %d out of range [0, %d]", node, MaxNode)
	}
	g := &Generator{node: node, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *Generator) elapsedMs() int64 {
	return g.now().Sub(Epoch).Milliseconds()
}

// Next 生成下一个 ID
func (g *Generator) Next() (ID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.elapsedMs()
	if ms < g.lastMs {
		if time.Duration(g.lastMs-ms)*time.Millisecond > maxBackwardDrift {
			return 0, ErrClockBackwards
		}
		ms = g.lastMs
	}

	if ms == g.lastMs {
		g.seq = (g.seq + 1) & maxSeq
		if g.seq == 0 {
			for ms <= g.lastMs {
				ms = g.elapsedMs()
			}
		}
	} else {
		g.seq = 0
	}
	g.lastMs = ms

	return ID(ms<<(nodeBits+seqBits) | g.node<<seqBits | g.seq), nil
}

// Generate 生成 int64 形式的 ID
func (g *Generator) Generate() (int64, error) {
	id, err := g.Next()
	return int64(id), err
}
