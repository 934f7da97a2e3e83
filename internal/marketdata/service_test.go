package marketdata

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/exchange/bourse/pkg/logger"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewService(client, logger.Nop()), mr, client
}

func TestCurrentPrice_FallsBackToSummary(t *testing.T) {
	svc, mr, _ := newTestService(t)
	ctx := context.Background()

	p, err := svc.CurrentPrice(ctx, "AAPL")
	if err != nil || !p.IsZero() {
		t.Fatalf("expected zero price for unknown symbol, got %s %v", p, err)
	}

	mr.HSet("market:summary:AAPL", "price", "187.25")
	p, err = svc.CurrentPrice(ctx, "AAPL")
	if err != nil || !p.Equal(d("187.25")) {
		t.Fatalf("expected 187.25 from summary, got %s %v", p, err)
	}

	// 缓存命中后不再读取 Redis
	mr.HSet("market:summary:AAPL", "price", "1")
	if p, _ = svc.CurrentPrice(ctx, "AAPL"); !p.Equal(d("187.25")) {
		t.Fatalf("expected cached price, got %s", p)
	}
}

func TestUpdateLastTrade(t *testing.T) {
	svc, mr, _ := newTestService(t)
	ctx := context.Background()
	ts := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)

	trades := []struct{ price, qty string }{
		{"100", "10"},
		{"104", "5"},
		{"98", "5"},
		{"101", "20"},
	}
	for _, tr := range trades {
		if err := svc.UpdateLastTrade(ctx, "AAPL", d(tr.price), d(tr.qty), ts); err != nil {
			t.Fatalf("update last trade: %v", err)
		}
	}

	st, err := svc.DailyStats(ctx, "AAPL")
	if err != nil {
		t.Fatalf("daily stats: %v", err)
	}
	if !st.Open.Decimal.Equal(d("100")) || !st.High.Decimal.Equal(d("104")) ||
		!st.Low.Decimal.Equal(d("98")) || !st.Close.Decimal.Equal(d("101")) {
		t.Fatalf("unexpected ohlc %+v", st)
	}
	if !st.Volume.Equal(d("40")) || st.TradeCount != 4 {
		t.Fatalf("unexpected volume/count %s/%d", st.Volume, st.TradeCount)
	}

	if got := mr.HGet("market:summary:AAPL", "price"); got != "101" {
		t.Fatalf("expected summary price 101, got %q", got)
	}
	if got := mr.HGet("market:summary:AAPL", "volume"); got != "40" {
		t.Fatalf("expected summary volume 40, got %q", got)
	}
	if got := mr.HGet("market:summary:AAPL", "variation"); got != "1" {
		t.Fatalf("expected variation 1, got %q", got)
	}

	p, _ := svc.CurrentPrice(ctx, "AAPL")
	if !p.Equal(d("101")) {
		t.Fatalf("expected current price 101, got %s", p)
	}
}

func TestResetDailyStats(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now()
	svc.UpdateLastTrade(ctx, "AAPL", d("100"), d("10"), now)
	svc.UpdateLastTrade(ctx, "AAPL", d("110"), d("10"), now)

	if n := svc.ResetDailyStats(); n != 1 {
		t.Fatalf("expected 1 symbol reset, got %d", n)
	}
	st, _ := svc.DailyStats(ctx, "AAPL")
	if !st.Open.Decimal.Equal(d("110")) || !st.Low.Decimal.Equal(d("110")) || !st.Volume.IsZero() || st.TradeCount != 0 {
		t.Fatalf("unexpected stats after reset %+v", st)
	}
}

func TestInitializeAndMarketStatus(t *testing.T) {
	svc, mr, _ := newTestService(t)
	ctx := context.Background()
	mr.HSet("market:summary:AAPL", "price", "150", "open", "148", "high", "152", "low", "147", "volume", "1200")
	mr.HSet("market:summary:MSFT", "price", "410.5")
	mr.HSet("market:summary:EMPTY", "volume", "0")

	n, err := svc.Initialize(ctx)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 symbols loaded, got %d", n)
	}

	status, err := svc.MarketStatus(ctx, "AAPL")
	if err != nil {
		t.Fatalf("market status: %v", err)
	}
	if !status.CurrentPrice.Equal(d("150")) || !status.High.Decimal.Equal(d("152")) ||
		!status.Close.Decimal.Equal(d("150")) || !status.Volume.Equal(d("1200")) {
		t.Fatalf("unexpected status %+v", status)
	}

	svc.ClearCaches()
	if len(svc.Symbols()) != 0 {
		t.Fatal("expected caches cleared")
	}
	p, _ := svc.CurrentPrice(ctx, "MSFT")
	if !p.Equal(d("410.5")) {
		t.Fatalf("expected price reloaded from redis, got %s", p)
	}
}

func TestEnsureReferencePrice(t *testing.T) {
	svc, mr, _ := newTestService(t)
	ctx := context.Background()
	mr.HSet("market:summary:MSFT", "price", "410")

	set, err := svc.EnsureReferencePrice(ctx, "AAPL", d("100.00"))
	if err != nil || !set {
		t.Fatalf("expected reference price to be seeded, got %v %v", set, err)
	}
	if got := mr.HGet("market:summary:AAPL", "price"); got != "100" {
		t.Fatalf("unexpected seeded price %q", got)
	}

	set, err = svc.EnsureReferencePrice(ctx, "MSFT", d("100.00"))
	if err != nil || set {
		t.Fatalf("existing price must be kept, got %v %v", set, err)
	}
}

func TestDailyStatsVariation(t *testing.T) {
	var st DailyStats
	if st.Variation(d("10")).Valid {
		t.Fatal("variation undefined without open")
	}
	st.Update(d("80"), d("1"))
	if v := st.Variation(d("81")); !v.Decimal.Equal(d("1.25")) {
		t.Fatalf("expected 1.25, got %s", v.Decimal)
	}
}

func TestUpdateLastTrade_VolumeSharedAcrossInstances(t *testing.T) {
	a, mr, client := newTestService(t)
	b := NewService(client, logger.Nop())
	ctx := context.Background()
	ts := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for _, svc := range []*Service{a, b} {
		wg.Add(1)
		go func(svc *Service) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if err := svc.UpdateLastTrade(ctx, "AAPL", d("100"), d("2"), ts); err != nil {
					t.Errorf("update last trade: %v", err)
					return
				}
			}
		}(svc)
	}
	wg.Wait()

	if got := mr.HGet("market:summary:AAPL", "volume"); got != "100" {
		t.Fatalf("expected summary volume 100 from both instances, got %q", got)
	}
	if got := mr.HGet("market:summary:AAPL", "price"); got != "100" {
		t.Fatalf("expected summary price 100, got %q", got)
	}
}
