package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestLoad_CacheTTLFromYAML(t *testing.T) {
	path := writeConfigFile(t, "cache_ttl: 45s\n")
	t.Setenv("CHARTGAME_CONFIG", path)
	t.Setenv("CHARTGAME_CACHE_TTL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := time.Duration(cfg.CacheTTL); got != 45*time.Second {
		t.Errorf("expected cache TTL 45s, got %s", got)
	}
}

func TestLoad_CacheTTLRejectsBareNumber(t *testing.T) {
	// A bare number would silently mean nanoseconds; it must be refused.
	path := writeConfigFile(t, "cache_ttl: 30\n")
	t.Setenv("CHARTGAME_CONFIG", path)

	if _, err := Load(); err == nil {
		t.Error("expected an error for a unitless cache_ttl")
	}
}

func TestLoad_CacheTTLEnvOverride(t *testing.T) {
	path := writeConfigFile(t, "cache_ttl: 45s\n")
	t.Setenv("CHARTGAME_CONFIG", path)
	t.Setenv("CHARTGAME_CACHE_TTL", "2m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := time.Duration(cfg.CacheTTL); got != 2*time.Minute {
		t.Errorf("expected env override 2m, got %s", got)
	}

	t.Setenv("CHARTGAME_CACHE_TTL", "not-a-duration")
	if _, err := Load(); err == nil {
		t.Error("expected an error for a malformed CHARTGAME_CACHE_TTL")
	}
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Setenv("CHARTGAME_CONFIG", "")
	t.Setenv("CHARTGAME_CACHE_TTL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if time.Duration(cfg.CacheTTL) != 30*time.Second {
		t.Errorf("expected default cache TTL 30s, got %s", time.Duration(cfg.CacheTTL))
	}
	if cfg.Game.StartCash != 10_000_000 {
		t.Errorf("expected default start cash, got %d", cfg.Game.StartCash)
	}
}
