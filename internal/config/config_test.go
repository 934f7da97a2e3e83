package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"APP_ENV", "HTTP_PORT", "SYMBOLS", "COMMISSION_RATE", "TAX_RATE", "MIN_COMMISSION", "STOP_CHECK_INTERVAL", "DAILY_RESET_CRON", "WORKER_ID", "TRACING_SAMPLE_RATE"} {
		t.Setenv(k, "")
	}

	cfg := Load()
	if cfg.AppEnv != "dev" || cfg.HTTPPort != 8082 {
		t.Fatalf("unexpected defaults: env=%s port=%d", cfg.AppEnv, cfg.HTTPPort)
	}
	if cfg.CommissionRate.String() != "0.003" || cfg.TaxRate.String() != "0.001" || cfg.MinCommission.String() != "10" {
		t.Fatalf("unexpected fee defaults: %s %s %s", cfg.CommissionRate, cfg.TaxRate, cfg.MinCommission)
	}
	if cfg.StopCheckInterval != 5*time.Second || cfg.DailyResetCron != "0 9 * * MON-FRI" {
		t.Fatalf("unexpected job defaults: %s %q", cfg.StopCheckInterval, cfg.DailyResetCron)
	}
	if len(cfg.Symbols) != 5 || cfg.Symbols[0] != "PETR4" {
		t.Fatalf("unexpected symbols: %v", cfg.Symbols)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate in dev: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SYMBOLS", " petr4, vale3 ,PETR4,, itub4")
	t.Setenv("COMMISSION_RATE", "0.0025")
	t.Setenv("STOP_CHECK_INTERVAL", "2s")
	t.Setenv("WORKER_ID", "12")

	cfg := Load()
	if got := strings.Join(cfg.Symbols, ","); got != "PETR4,VALE3,ITUB4" {
		t.Fatalf("unexpected symbols: %s", got)
	}
	if cfg.CommissionRate.String() != "0.0025" {
		t.Fatalf("unexpected commission rate: %s", cfg.CommissionRate)
	}
	if cfg.StopCheckInterval != 2*time.Second || cfg.WorkerID != 12 {
		t.Fatalf("unexpected interval/worker: %s %d", cfg.StopCheckInterval, cfg.WorkerID)
	}
}

func TestValidate(t *testing.T) {
	strong := strings.Repeat("k", 40)
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"ok prod", func(c *Config) { c.AppEnv = "prod"; c.InternalToken = strong }, ""},
		{"bad port", func(c *Config) { c.HTTPPort = 70000 }, "HTTP_PORT"},
		{"bad worker", func(c *Config) { c.WorkerID = 2048 }, "WORKER_ID"},
		{"negative tax", func(c *Config) { c.TaxRate = c.TaxRate.Neg() }, "negative"},
		{"huge commission", func(c *Config) { c.CommissionRate = c.CommissionRate.Add(c.CommissionRate.Shift(3)) }, "below 1"},
		{"fast sweep", func(c *Config) { c.StopCheckInterval = 100 * time.Millisecond }, "STOP_CHECK_INTERVAL"},
		{"sample rate", func(c *Config) { c.TracingSampleRate = 2 }, "TRACING_SAMPLE_RATE"},
		{"prod without token", func(c *Config) { c.AppEnv = "prod" }, "INTERNAL_TOKEN is required"},
		{"prod short token", func(c *Config) { c.AppEnv = "prod"; c.InternalToken = "short" }, "at least"},
		{"prod reset", func(c *Config) { c.AppEnv = "prod"; c.InternalToken = strong; c.AllowInternalReset = true }, "ALLOW_INTERNAL_RESET"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"APP_ENV", "HTTP_PORT", "WORKER_ID", "INTERNAL_TOKEN", "ALLOW_INTERNAL_RESET", "TRACING_SAMPLE_RATE"} {
				t.Setenv(k, "")
			}
			cfg := Load()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
