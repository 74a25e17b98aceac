package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("VISTORE_SERVER_API_TOKEN", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 4600 {
		t.Errorf("Port = %d, want 4600", cfg.Server.Port)
	}
	if cfg.Storage.PoolSize != 5 {
		t.Errorf("PoolSize = %d, want 5", cfg.Storage.PoolSize)
	}
	if cfg.Cache.DerivedTTL != 10*time.Minute {
		t.Errorf("DerivedTTL = %v, want 10m", cfg.Cache.DerivedTTL)
	}
	if cfg.Cache.ImmutableTTL != 24*time.Hour {
		t.Errorf("ImmutableTTL = %v, want 24h", cfg.Cache.ImmutableTTL)
	}
	if cfg.Consistency.FrameCountTolerance != 0.25 {
		t.Errorf("FrameCountTolerance = %v, want 0.25", cfg.Consistency.FrameCountTolerance)
	}
	if cfg.Prefetch.WarmTimeout != 5*time.Second {
		t.Errorf("WarmTimeout = %v, want 5s", cfg.Prefetch.WarmTimeout)
	}
	if cfg.Storage.DataDir == "" {
		t.Error("DataDir default not applied")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("VISTORE_SERVER_API_TOKEN", "secret")
	t.Setenv("VISTORE_SERVER_PORT", "9000")
	t.Setenv("VISTORE_STORAGE_DATA_DIR", "/var/lib/vistore")
	t.Setenv("VISTORE_CACHE_L1_CAPACITY", "500")
	t.Setenv("VISTORE_TX_BACKOFF_BASE", "250ms")
	t.Setenv("VISTORE_CONSISTENCY_SWEEP_INTERVAL", "1h")
	t.Setenv("VISTORE_PREFETCH_WARM_TIMEOUT", "30s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Storage.DataDir != "/var/lib/vistore" {
		t.Errorf("DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Cache.L1Capacity != 500 {
		t.Errorf("L1Capacity = %d, want 500", cfg.Cache.L1Capacity)
	}
	if cfg.Tx.BackoffBase != 250*time.Millisecond {
		t.Errorf("BackoffBase = %v, want 250ms", cfg.Tx.BackoffBase)
	}
	if cfg.Consistency.SweepInterval != time.Hour {
		t.Errorf("SweepInterval = %v, want 1h", cfg.Consistency.SweepInterval)
	}
	if cfg.Prefetch.WarmTimeout != 30*time.Second {
		t.Errorf("WarmTimeout = %v, want 30s", cfg.Prefetch.WarmTimeout)
	}
}

func TestLoadRequiresToken(t *testing.T) {
	t.Setenv("VISTORE_SERVER_API_TOKEN", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error without API token")
	}
}
