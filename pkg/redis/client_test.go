package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestNewClientPing(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewClient(context.Background(), Config{Addr: mr.Addr(), DialTimeout: time.Second})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Close()

	mr.Close()
	if _, err := NewClient(context.Background(), Config{Addr: mr.Addr(), DialTimeout: 200 * time.Millisecond}); err == nil {
		t.Fatal("expected ping failure on closed server")
	}
}

func TestLockAcquireRelease(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewClient(context.Background(), Config{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Close()
	ctx := context.Background()

	a := NewLock(client, "lock:daily-reset", "node-a", time.Minute)
	b := NewLock(client, "lock:daily-reset", "node-b", time.Minute)

	if ok, err := a.Acquire(ctx); err != nil || !ok {
		t.Fatalf("expected a to acquire, ok=%v err=%v", ok, err)
	}
	if ok, _ := b.Acquire(ctx); ok {
		t.Fatal("expected b to be blocked")
	}
	if err := b.Release(ctx); !errors.Is(err, ErrLockNotHeld) {
		t.Fatalf("release by non-holder: expected ErrLockNotHeld, got %v", err)
	}
	if !mr.Exists("lock:daily-reset") {
		t.Fatal("non-holder must not release the lock")
	}
	if err := a.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if mr.Exists("lock:daily-reset") {
		t.Fatal("expected lock released")
	}
}

func TestConfigOptionsDefaults(t *testing.T) {
	opts := Config{Addr: "redis:6379", DB: 2}.Options()
	if opts.Addr != "redis:6379" || opts.DB != 2 {
		t.Fatalf("unexpected options %+v", opts)
	}
	if opts.PoolSize != 100 || opts.DialTimeout != 5*time.Second || opts.ReadTimeout != 3*time.Second {
		t.Fatalf("expected defaults, got pool=%d dial=%v read=%v", opts.PoolSize, opts.DialTimeout, opts.ReadTimeout)
	}
	if (Config{}).Options().Addr != "localhost:6379" {
		t.Fatal("expected default addr")
	}
}
