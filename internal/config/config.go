// Package config loads the vault's environment and file configuration:
// .env via godotenv, an optional YAML overlay, then env-tag decoding.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/vaultwright/secretcore/infrastructure/runtime"
)

// OverflowPolicy is the event bus backpressure policy.
type OverflowPolicy string

const (
	OverflowBlock      OverflowPolicy = "block"
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	OverflowDropNewest OverflowPolicy = "drop_newest"
)

// Config is the full set of recognized options, all overridable by the
// host process.
type Config struct {
	VaultPath       string        `yaml:"vault_path" env:"VAULT_PATH"`
	AuditDir        string        `yaml:"audit_dir" env:"AUDIT_DIR"`
	TMaxRead        time.Duration `yaml:"t_max_read" env:"T_MAX_READ"`
	TMaxRotate      time.Duration `yaml:"t_max_rotate" env:"T_MAX_ROTATE"`
	NRetain         int           `yaml:"n_retain" env:"N_RETAIN"`
	GraceDefault    time.Duration `yaml:"grace_default" env:"GRACE_DEFAULT"`
	RotationWorkers int           `yaml:"rotation_workers" env:"ROTATION_WORKERS"`
	EventQueueDepth int           `yaml:"event_queue_depth" env:"EVENT_QUEUE_DEPTH"`
	EventOverflow   string        `yaml:"event_overflow" env:"EVENT_OVERFLOW"`

	// PolicyPath, if set, points at a YAML file seeding the principal policy
	// table on first load. The table itself lives inside the vault document
	// once loaded.
	PolicyPath string `yaml:"policy_path" env:"PRINCIPAL_POLICY_PATH"`

	// Tuning knobs resolved via runtime.Resolve* (yaml value, then env var,
	// then fallback) rather than envdecode, so an unset yaml field falls
	// through to the env override instead of zeroing the default.
	// MetricsEnabled is the exception: a set METRICS_ENABLED overrides the
	// yaml value.
	RotationTick   time.Duration `yaml:"rotation_tick"`
	GraceTick      time.Duration `yaml:"grace_tick"`
	AccessRPS      int           `yaml:"access_rps"`
	AccessBurst    int           `yaml:"access_burst"`
	MetricsEnabled bool          `yaml:"metrics_enabled"`

	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig selects the logger's level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// Defaults returns the built-in default for every option.
func Defaults() *Config {
	return &Config{
		VaultPath:       "./vault",
		AuditDir:        "./audit",
		TMaxRead:        time.Hour,
		TMaxRotate:      5 * time.Minute,
		NRetain:         3,
		GraceDefault:    10 * time.Minute,
		RotationWorkers: 4,
		EventQueueDepth: 256,
		EventOverflow:   string(OverflowBlock),
	}
}

// Load reads .env, an optional YAML overlay (CONFIG_FILE or ./vaultd.yaml),
// then environment variables, in that precedence order (env wins).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()

	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		path = "vaultd.yaml"
	}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	cfg.RotationTick = runtime.ResolveDuration(cfg.RotationTick, "ROTATION_TICK", 30*time.Second)
	cfg.GraceTick = runtime.ResolveDuration(cfg.GraceTick, "GRACE_TICK", time.Minute)
	cfg.AccessRPS = runtime.ResolveInt(cfg.AccessRPS, "ACCESS_RPS", 50)
	cfg.AccessBurst = runtime.ResolveInt(cfg.AccessBurst, "ACCESS_BURST", 100)
	cfg.MetricsEnabled = runtime.ResolveBool(cfg.MetricsEnabled, "METRICS_ENABLED")
	cfg.Logging.Level = runtime.ResolveString(cfg.Logging.Level, "LOG_LEVEL", "info")
	cfg.Logging.Format = runtime.ResolveString(cfg.Logging.Format, "LOG_FORMAT", "json")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Overflow returns the parsed OverflowPolicy, defaulting to block for an
// unrecognized value.
func (c *Config) Overflow() OverflowPolicy {
	switch OverflowPolicy(c.EventOverflow) {
	case OverflowDropOldest:
		return OverflowDropOldest
	case OverflowDropNewest:
		return OverflowDropNewest
	default:
		return OverflowBlock
	}
}

// Validate rejects configurations no component could run under, before any
// component is constructed from them.
func (c *Config) Validate() error {
	if c.NRetain < 1 {
		return fmt.Errorf("config: n_retain must be >= 1, got %d", c.NRetain)
	}
	if c.TMaxRead <= 0 || c.TMaxRotate <= 0 {
		return fmt.Errorf("config: t_max_read and t_max_rotate must be positive")
	}
	if c.RotationWorkers < 1 {
		return fmt.Errorf("config: rotation_workers must be >= 1, got %d", c.RotationWorkers)
	}
	if c.EventQueueDepth < 1 {
		return fmt.Errorf("config: event_queue_depth must be >= 1, got %d", c.EventQueueDepth)
	}
	return nil
}
