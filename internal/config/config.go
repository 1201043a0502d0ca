// Package config loads server configuration from an optional YAML file
// with environment variables taking precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "5m". yaml.v3 would otherwise read a bare number as
// nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	dur, err := time.ParseDuration(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(dur)
	return nil
}

// Config is the complete server configuration.
type Config struct {
	Addr        string   `yaml:"addr"`
	DatabaseURL string   `yaml:"database_url"`
	RedisURL    string   `yaml:"redis_url"`
	CacheTTL    Duration `yaml:"cache_ttl"`

	Identity IdentityConfig `yaml:"identity"`
	Game     GameConfig     `yaml:"game"`
}

// IdentityConfig points at the external identity service. When URL is
// empty the server falls back to a static development verifier.
type IdentityConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	// DevToken maps onto a fixed dev user when no identity URL is set.
	DevToken string `yaml:"dev_token"`
	DevUser  string `yaml:"dev_user"`
}

// GameConfig carries the default parameters of a new session.
type GameConfig struct {
	StartCash   int64 `yaml:"start_cash"`
	FeeBps      int64 `yaml:"fee_bps"`
	SlippageBps int64 `yaml:"slippage_bps"`
	MaxTurns    int   `yaml:"max_turns"`
	VisibleDays int   `yaml:"visible_days"`
	HistoryDays int   `yaml:"history_days"`
	StartHearts int64 `yaml:"start_hearts"`
}

// Default returns a configuration with sensible defaults.
func Default() Config {
	return Config{
		Addr:     ":8080",
		CacheTTL: Duration(30 * time.Second),
		Identity: IdentityConfig{
			DevToken: "dev",
			DevUser:  "dev-user",
		},
		Game: GameConfig{
			StartCash:   10_000_000,
			FeeBps:      5,
			SlippageBps: 0,
			MaxTurns:    50,
			VisibleDays: 120,
			HistoryDays: 2500,
			StartHearts: 5,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// CHARTGAME_CONFIG (if any), then environment overrides.
func Load() (Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("CHARTGAME_CONFIG")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		if !strings.HasPrefix(port, ":") {
			port = ":" + port
		}
		cfg.Addr = port
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_URL")); v != "" {
		cfg.RedisURL = v
	}
	if v := strings.TrimSpace(os.Getenv("IDENTITY_URL")); v != "" {
		cfg.Identity.URL = strings.TrimRight(v, "/")
	}
	if v := strings.TrimSpace(os.Getenv("IDENTITY_API_KEY")); v != "" {
		cfg.Identity.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("CHARTGAME_CACHE_TTL")); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("parse CHARTGAME_CACHE_TTL: %w", err)
		}
		cfg.CacheTTL = Duration(dur)
	}
	cfg.Game.StartCash = envInt64("CHARTGAME_START_CASH", cfg.Game.StartCash)
	cfg.Game.FeeBps = envInt64("CHARTGAME_FEE_BPS", cfg.Game.FeeBps)
	cfg.Game.SlippageBps = envInt64("CHARTGAME_SLIPPAGE_BPS", cfg.Game.SlippageBps)
	cfg.Game.MaxTurns = envInt("CHARTGAME_MAX_TURNS", cfg.Game.MaxTurns)
	cfg.Game.VisibleDays = envInt("CHARTGAME_VISIBLE_DAYS", cfg.Game.VisibleDays)
	cfg.Game.StartHearts = envInt64("CHARTGAME_START_HEARTS", cfg.Game.StartHearts)

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Game.StartCash <= 0 {
		return fmt.Errorf("game.start_cash must be positive")
	}
	if c.Game.MaxTurns <= 0 {
		return fmt.Errorf("game.max_turns must be positive")
	}
	if c.Game.VisibleDays <= 0 {
		return fmt.Errorf("game.visible_days must be positive")
	}
	if c.Game.FeeBps < 0 || c.Game.SlippageBps < 0 {
		return fmt.Errorf("game fee/slippage bps must be non-negative")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache_ttl must be positive")
	}
	return nil
}

func envInt64(key string, fallback int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envInt(key string, fallback int) int {
	return int(envInt64(key, int64(fallback)))
}
