package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("addr = %q, want :8080", cfg.Server.Addr)
	}
	if cfg.Hytale.PoolMin != 1 || cfg.Hytale.PoolMax != 10 {
		t.Errorf("pool bounds = [%d, %d], want [1, 10]", cfg.Hytale.PoolMin, cfg.Hytale.PoolMax)
	}
	if !cfg.Upstream.RawTLSEnabled {
		t.Error("raw TLS should default to enabled")
	}
	if cfg.Cache.Bypass {
		t.Error("cache bypass should default to off")
	}
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("TEST_XBOX_KEY", "xbl-key-from-env")

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "keys:\n  xbox: ${TEST_XBOX_KEY}\n  steam: [a, b]\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Keys.Xbox != "xbl-key-from-env" {
		t.Errorf("xbox key = %q, want env value", cfg.Keys.Xbox)
	}
	if len(cfg.Keys.Steam) != 2 {
		t.Errorf("steam keys = %v, want 2 entries", cfg.Keys.Steam)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STEAM_APIKEY", "k1")
	t.Setenv("STEAM_APIKEY3", "k3")
	t.Setenv("HYTALE_SESSION_POOL_MIN", "2")
	t.Setenv("HYTALE_SESSION_POOL_MAX", "5")
	t.Setenv("BYPASS_CACHE", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Keys.Steam) != 2 || cfg.Keys.Steam[0] != "k1" || cfg.Keys.Steam[1] != "k3" {
		t.Errorf("steam keys = %v, want [k1 k3]", cfg.Keys.Steam)
	}
	if cfg.Hytale.PoolMin != 2 || cfg.Hytale.PoolMax != 5 {
		t.Errorf("pool bounds = [%d, %d], want [2, 5]", cfg.Hytale.PoolMin, cfg.Hytale.PoolMax)
	}
	if !cfg.Cache.Bypass {
		t.Error("BYPASS_CACHE=true should enable bypass")
	}
}

func TestValidatePoolBounds(t *testing.T) {
	t.Setenv("HYTALE_SESSION_POOL_MIN", "0")
	if _, err := Load(""); err == nil {
		t.Error("pool_min=0 should fail validation")
	}
}

func TestValidatePoolOrder(t *testing.T) {
	t.Setenv("HYTALE_SESSION_POOL_MIN", "6")
	t.Setenv("HYTALE_SESSION_POOL_MAX", "3")
	if _, err := Load(""); err == nil {
		t.Error("pool_max < pool_min should fail validation")
	}
}
