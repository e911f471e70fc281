// Package model defines the intent, status, payload, and configuration types shared by tempvoice.
package model

import (
	"fmt"
	"os"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

type Config struct {
	Queue      QueueConfig      `yaml:"queue"`
	Locks      LocksConfig      `yaml:"locks"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Governor   GovernorConfig   `yaml:"governor"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Inbox      InboxConfig      `yaml:"inbox"`
	Daemon     DaemonConfig     `yaml:"daemon"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type QueueConfig struct {
	GlobalCapacity           int     `yaml:"global_capacity"`
	PerGuildCapacity         int     `yaml:"per_guild_capacity"`
	DedupWindowMs            int     `yaml:"dedup_window_ms"`
	LeaseDurationOnDequeueMs int     `yaml:"lease_duration_on_dequeue_ms"`
	LeaseToDeadline          bool    `yaml:"lease_to_deadline"`
	CleanupIntervalMs        int     `yaml:"cleanup_interval_ms"`
	PressureWarnPct          float64 `yaml:"pressure_warn_pct"`
	PressureCriticalPct      float64 `yaml:"pressure_critical_pct"`
	MinInterActionDelayMs    int     `yaml:"min_inter_action_delay_ms"`
	FairnessThreshold        float64 `yaml:"fairness_threshold"`
	CostUnitMs               int     `yaml:"cost_unit_ms"`
	DumpFile                 string  `yaml:"dump_file"`
}

type LocksConfig struct {
	DefaultLockDurationMs int `yaml:"default_lock_duration_ms"`
	CleanupIntervalMs     int `yaml:"cleanup_interval_ms"`
}

// DispatcherConfig sizes the worker pool. Retries wait a jittered exponential
// backoff between the two retry_backoff bounds.
type DispatcherConfig struct {
	Workers               int `yaml:"workers"`
	PollIntervalMs        int `yaml:"poll_interval_ms"`
	ExecuteTimeoutMs      int `yaml:"execute_timeout_ms"`
	RetryBackoffInitialMs int `yaml:"retry_backoff_initial_ms"`
	RetryBackoffMaxMs     int `yaml:"retry_backoff_max_ms"`
}

type GovernorConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	OverflowThreshold int     `yaml:"overflow_threshold"`
	WindowSec         int     `yaml:"window_sec"`
	CooldownSec       int     `yaml:"cooldown_sec"`
}

type ExecutorConfig struct {
	// Mode is "webhook" or "log".
	Mode       string `yaml:"mode"`
	WebhookURL string `yaml:"webhook_url"`
	AuthToken  string `yaml:"auth_token"`
}

type InboxConfig struct {
	Enabled    bool `yaml:"enabled"`
	DefaultTTL int  `yaml:"default_ttl_sec"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec  int `yaml:"shutdown_timeout_sec"`
	SnapshotIntervalSec int `yaml:"snapshot_interval_sec"`
	MetricsIntervalSec  int `yaml:"metrics_interval_sec"`
	RequestTimeoutMs    int `yaml:"request_timeout_ms"`
	MaxConnections      int `yaml:"max_connections"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the configuration used when no config file is present.
func DefaultConfig() Config {
	var cfg Config
	cfg.Inbox.Enabled = true
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	q := &c.Queue
	setInt(&q.GlobalCapacity, 500)
	setInt(&q.PerGuildCapacity, 50)
	setInt(&q.DedupWindowMs, 5000)
	setInt(&q.LeaseDurationOnDequeueMs, 15000)
	setInt(&q.CleanupIntervalMs, 30000)
	setFloat(&q.PressureWarnPct, 70)
	setFloat(&q.PressureCriticalPct, 90)
	setInt(&q.MinInterActionDelayMs, 250)
	setFloat(&q.FairnessThreshold, 0.1)
	setInt(&q.CostUnitMs, 100)
	if q.DumpFile == "" {
		q.DumpFile = "state/queue.json"
	}

	setInt(&c.Locks.DefaultLockDurationMs, 10000)
	setInt(&c.Locks.CleanupIntervalMs, 30000)

	setInt(&c.Dispatcher.Workers, 4)
	setInt(&c.Dispatcher.PollIntervalMs, 200)
	setInt(&c.Dispatcher.ExecuteTimeoutMs, 30000)
	setInt(&c.Dispatcher.RetryBackoffInitialMs, 1000)
	setInt(&c.Dispatcher.RetryBackoffMaxMs, 60000)

	setFloat(&c.Governor.RequestsPerSecond, 45)
	setInt(&c.Governor.Burst, 50)
	setInt(&c.Governor.OverflowThreshold, 20)
	setInt(&c.Governor.WindowSec, 10)
	setInt(&c.Governor.CooldownSec, 30)

	if c.Executor.Mode == "" {
		c.Executor.Mode = "log"
	}
	setInt(&c.Inbox.DefaultTTL, 60)

	setInt(&c.Daemon.ShutdownTimeoutSec, 30)
	setInt(&c.Daemon.SnapshotIntervalSec, 60)
	setInt(&c.Daemon.MetricsIntervalSec, 10)
	setInt(&c.Daemon.RequestTimeoutMs, 30000)
	setInt(&c.Daemon.MaxConnections, 64)

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate rejects configurations the queue cannot operate under.
func (c *Config) Validate() error {
	q := c.Queue
	if q.PerGuildCapacity > q.GlobalCapacity {
		return fmt.Errorf("queue.per_guild_capacity (%d) exceeds queue.global_capacity (%d)", q.PerGuildCapacity, q.GlobalCapacity)
	}
	if q.PressureWarnPct > q.PressureCriticalPct {
		return fmt.Errorf("queue.pressure_warn_pct (%.0f) exceeds queue.pressure_critical_pct (%.0f)", q.PressureWarnPct, q.PressureCriticalPct)
	}
	if q.FairnessThreshold < 0 || q.FairnessThreshold > 1 {
		return fmt.Errorf("queue.fairness_threshold must be within [0,1], got %v", q.FairnessThreshold)
	}
	switch c.Executor.Mode {
	case "log":
	case "webhook":
		if c.Executor.WebhookURL == "" {
			return fmt.Errorf("executor.webhook_url is required in webhook mode")
		}
	default:
		return fmt.Errorf("unknown executor.mode %q", c.Executor.Mode)
	}
	return nil
}

// LoadConfig reads a YAML config file. A missing file yields the defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := Config{Inbox: InboxConfig{Enabled: true}}
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func setInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func setFloat(v *float64, def float64) {
	if *v <= 0 {
		*v = def
	}
}
