package config

import (
	"testing"
	"time"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("addr=%q", cfg.Addr)
	}
	if cfg.PingInterval != 30*time.Second || cfg.PongTimeout != 10*time.Second {
		t.Fatalf("heartbeat=%v/%v", cfg.PingInterval, cfg.PongTimeout)
	}
	if cfg.QueueCapacity != 100 || cfg.MinChunkRunes != 10 {
		t.Fatalf("limits=%d/%d", cfg.QueueCapacity, cfg.MinChunkRunes)
	}
	if cfg.InterruptWait != time.Second || cfg.CleanupTTL != time.Hour {
		t.Fatalf("timeouts=%v/%v", cfg.InterruptWait, cfg.CleanupTTL)
	}
	if cfg.MaxErrorTolerance != 5 || cfg.ErrorBackoff != 500*time.Millisecond {
		t.Fatalf("error budget=%d/%v", cfg.MaxErrorTolerance, cfg.ErrorBackoff)
	}
	if len(cfg.AuthTokens) != 0 {
		t.Fatalf("tokens=%v", cfg.AuthTokens)
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("DMP_ADDR", ":9999")
	t.Setenv("DMP_AUTH_TOKENS", "alpha, beta ,")
	t.Setenv("DMP_PING_INTERVAL", "5s")
	t.Setenv("DMP_QUEUE_CAPACITY", "7")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":9999" || cfg.PingInterval != 5*time.Second || cfg.QueueCapacity != 7 {
		t.Fatalf("cfg=%+v", cfg)
	}
	if _, ok := cfg.AuthTokens["alpha"]; !ok {
		t.Fatalf("tokens=%v", cfg.AuthTokens)
	}
	if _, ok := cfg.AuthTokens["beta"]; !ok {
		t.Fatalf("tokens=%v", cfg.AuthTokens)
	}
	if len(cfg.AuthTokens) != 2 {
		t.Fatalf("tokens=%v", cfg.AuthTokens)
	}
}

func TestLoadFromEnvRejectsInvalid(t *testing.T) {
	t.Setenv("DMP_PING_INTERVAL", "not-a-duration")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestLoadFromEnvRejectsBadInt(t *testing.T) {
	t.Setenv("DMP_QUEUE_CAPACITY", "ten")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error for invalid integer")
	}
}
