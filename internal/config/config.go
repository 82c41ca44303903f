// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	DB       DBConfig       `mapstructure:"db"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Sweep    SweepConfig    `mapstructure:"sweep"`
	Campaign CampaignConfig `mapstructure:"campaign"`
	Watchdog WatchdogConfig `mapstructure:"watchdog"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig controls access to postgres. An empty DSN selects the in-memory
// stores (dev mode).
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int    `mapstructure:"max_conns"`
	MinConns        int    `mapstructure:"min_conns"`
	ConnLifetimeMin int    `mapstructure:"conn_lifetime_minutes"`
}

// RedisConfig selects the shared cooldown backend. An empty address falls
// back to the in-process keeper.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// WorkerConfig sizes the worker fleet.
type WorkerConfig struct {
	Count              int    `mapstructure:"count"`
	Type               string `mapstructure:"type"`
	HeartbeatSeconds   int    `mapstructure:"heartbeat_seconds"`
	IdleDelaySeconds   int    `mapstructure:"idle_delay_seconds"`
	DefaultPageTarget  int    `mapstructure:"default_page_target"`
	MaxAttempts        int    `mapstructure:"max_attempts"`
	ClaimSelectRetries int    `mapstructure:"claim_select_retries"`
	FilterProvider     string `mapstructure:"filter_provider"`
	FilterCountry      string `mapstructure:"filter_country"`
	FilterCategory     string `mapstructure:"filter_category"`
	FilterMinPriority  int    `mapstructure:"filter_min_priority"`
}

// SweepConfig controls orphan recovery.
type SweepConfig struct {
	IntervalMinutes       int            `mapstructure:"interval_minutes"`
	DefaultTimeoutMinutes int            `mapstructure:"default_timeout_minutes"`
	TypeTimeoutMinutes    map[string]int `mapstructure:"type_timeout_minutes"`
}

// CampaignConfig names the scheduled jobs. A probe interval of zero disables
// the scheduled dry-run; the probe job stays triggerable via the API.
type CampaignConfig struct {
	JobName              string `mapstructure:"job_name"`
	IntervalMinutes      int    `mapstructure:"interval_minutes"`
	ProbeJobName         string `mapstructure:"probe_job_name"`
	ProbeIntervalMinutes int    `mapstructure:"probe_interval_minutes"`
	ProbeProvider        string `mapstructure:"probe_provider"`
}

// WatchdogConfig controls self-healing thresholds.
type WatchdogConfig struct {
	Enabled             bool  `mapstructure:"enabled"`
	IntervalSeconds     int   `mapstructure:"interval_seconds"`
	StaleAfterMinutes   int   `mapstructure:"stale_after_minutes"`
	ProcessCeiling      int   `mapstructure:"process_ceiling"`
	MemoryCeilingBytes  int64 `mapstructure:"memory_ceiling_bytes"`
	EscalationWindowMin int   `mapstructure:"escalation_window_minutes"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLOPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 2)
	v.SetDefault("db.conn_lifetime_minutes", 30)
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.type", "http")
	v.SetDefault("worker.heartbeat_seconds", 30)
	v.SetDefault("worker.idle_delay_seconds", 10)
	v.SetDefault("worker.default_page_target", 10)
	v.SetDefault("worker.max_attempts", 5)
	v.SetDefault("worker.claim_select_retries", 5)
	v.SetDefault("sweep.interval_minutes", 5)
	v.SetDefault("sweep.default_timeout_minutes", 30)
	v.SetDefault("sweep.type_timeout_minutes", map[string]int{"browser": 90})
	v.SetDefault("campaign.job_name", "scheduled_crawl")
	v.SetDefault("campaign.interval_minutes", 60)
	v.SetDefault("campaign.probe_job_name", "provider_dryrun")
	v.SetDefault("campaign.probe_interval_minutes", 0)
	v.SetDefault("watchdog.enabled", true)
	v.SetDefault("watchdog.interval_seconds", 60)
	v.SetDefault("watchdog.stale_after_minutes", 10)
	v.SetDefault("watchdog.escalation_window_minutes", 120)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("worker.count must be > 0")
	}
	if c.Worker.HeartbeatSeconds <= 0 {
		return fmt.Errorf("worker.heartbeat_seconds must be > 0")
	}
	if c.Sweep.DefaultTimeoutMinutes*60 <= c.Worker.HeartbeatSeconds {
		return fmt.Errorf("sweep.default_timeout_minutes must exceed the worker heartbeat interval")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// HeartbeatInterval converts the worker heartbeat knob into a duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Worker.HeartbeatSeconds) * time.Second
}

// SweepTimeouts converts the per-type sweep knobs into durations.
func (c Config) SweepTimeouts() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.Sweep.TypeTimeoutMinutes))
	for workerType, minutes := range c.Sweep.TypeTimeoutMinutes {
		out[workerType] = time.Duration(minutes) * time.Minute
	}
	return out
}
