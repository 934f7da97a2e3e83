// Package redis go-redis 客户端构建与单实例互斥锁
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c Config) normalize() Config {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 100
	}
	if c.MinIdleConns <= 0 {
		c.MinIdleConns = 10
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 3 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 3 * time.Second
	}
	return c
}

// Options 补齐默认值后的 go-redis 选项
func (c Config) Options() *redis.Options {
	c = c.normalize()
	return &redis.Options{
		Addr:         c.Addr,
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     c.PoolSize,
		MinIdleConns: c.MinIdleConns,
		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
	}
}

// NewClient ping 不通时关闭连接并返回错误
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	opts := cfg.Options()
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return client, nil
}

// ErrLockNotHeld 释放时锁已过期或被他人持有
var ErrLockNotHeld = errors.New("redis lock not held")

// Lock SET NX PX 互斥锁，owner 标识持有者
type Lock struct {
	rdb   redis.Cmdable
	key   string
	owner string
	ttl   time.Duration
}

func NewLock(rdb redis.Cmdable, key, owner string, ttl time.Duration) *Lock {
	return &Lock{rdb: rdb, key: key, owner: owner, ttl: ttl}
}

func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	return l.rdb.SetNX(ctx, l.key, l.owner, l.ttl).Result()
}

// compare-and-delete
var unlock = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v ~= ARGV[1] then
	return 0
end
return redis.call("DEL", KEYS[1])
`)

// Release 仅删除自己持有的锁
func (l *Lock) Release(ctx context.Context) error {
	n, err := unlock.Run(ctx, l.rdb, []string{l.key}, l.owner).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}
