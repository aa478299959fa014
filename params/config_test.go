package params

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("WS_URL", "wss://example.test/ws")
	t.Setenv("RECONNECT_MAX_ATTEMPTS", "7")
	t.Setenv("BATCH_FLUSH_DELAY_MS", "250")
	t.Setenv("SETTLE_MIN_VALUE", "5000000")
	t.Setenv("HB_PING_INTERVAL_MS", "not-a-number")

	cfg := LoadFromEnv("testdata/does-not-exist.env")

	if cfg.Transport.URL != "wss://example.test/ws" {
		t.Errorf("URL = %q", cfg.Transport.URL)
	}
	if cfg.Heartbeat.MaxAttempts != 7 {
		t.Errorf("MaxAttempts = %d, want 7", cfg.Heartbeat.MaxAttempts)
	}
	if cfg.Batch.FlushDelay != 250*time.Millisecond {
		t.Errorf("FlushDelay = %v, want 250ms", cfg.Batch.FlushDelay)
	}
	if !cfg.Settlement.MinValue.Equal(decimal.NewFromInt(5_000_000)) {
		t.Errorf("MinValue = %s", cfg.Settlement.MinValue)
	}
	// malformed values keep the default
	if cfg.Heartbeat.PingInterval != Default().Heartbeat.PingInterval {
		t.Errorf("PingInterval = %v, want default", cfg.Heartbeat.PingInterval)
	}
}

func TestReceiveTimeout(t *testing.T) {
	h := Default().Heartbeat
	if got, want := h.ReceiveTimeout(), 30*time.Second; got != want {
		t.Fatalf("ReceiveTimeout() = %v, want %v", got, want)
	}
}
