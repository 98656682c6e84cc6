// Package config handles loading and validating Coral configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Coral.
type Config struct {
	Server        ServerConfig         `json:"server" yaml:"server"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite default
	Registry      *RegistryConfig      `json:"registry,omitempty" yaml:"registry,omitempty"`           // nil = defaults
	Worker        *WorkerConfig        `json:"worker,omitempty" yaml:"worker,omitempty"`               // nil = defaults
	Orchestrator  *OrchestratorConfig  `json:"orchestrator,omitempty" yaml:"orchestrator,omitempty"`   // nil = defaults
	Workflows     *WorkflowsConfig     `json:"workflows,omitempty" yaml:"workflows,omitempty"`         // nil = built-in definitions only
	RateLimit     *RateLimitConfig     `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`       // nil = unlimited
	Scheduler     *SchedulerConfig     `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`         // nil = maintenance jobs disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Logging       *LoggingConfig       `json:"logging,omitempty" yaml:"logging,omitempty"`             // nil = text at info level
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	ListenAddr string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8480"
	APIKeys    map[string]string `json:"api_keys" yaml:"api_keys"`       // key -> client ID. Empty disables auth.
	EnableDocs bool              `json:"enable_docs" yaml:"enable_docs"`
	WSToken    string            `json:"ws_token" yaml:"ws_token"` // Event stream token. Empty disables WS auth.
}

// Addr returns the listen address, defaulting to ":8480".
func (s ServerConfig) Addr() string {
	if s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8480"
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite under the data directory.
type StorageConfig struct {
	Driver   string          `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres"
	SQLite   *SQLiteConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres *PostgresConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: coral.db in the working directory.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default)
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800
}

// ConnMaxLifetime returns the connection lifetime, defaulting to 30 minutes.
func (p *PostgresConfig) ConnMaxLifetime() time.Duration {
	if p != nil && p.ConnMaxLifetimeS > 0 {
		return time.Duration(p.ConnMaxLifetimeS) * time.Second
	}
	return 30 * time.Minute
}

// RegistryConfig tunes the worker registry and thread audit.
type RegistryConfig struct {
	ThreadHistoryLimit int `json:"thread_history_limit" yaml:"thread_history_limit"` // Default: 1000
	ThreadIdleTimeoutS int `json:"thread_idle_timeout_s" yaml:"thread_idle_timeout_s"` // Default: 300
	SweepIntervalS     int `json:"sweep_interval_s" yaml:"sweep_interval_s"`         // Default: 60
}

// ThreadIdleTimeout returns the idle timeout, defaulting to 5 minutes.
func (r *RegistryConfig) ThreadIdleTimeout() time.Duration {
	if r != nil && r.ThreadIdleTimeoutS > 0 {
		return time.Duration(r.ThreadIdleTimeoutS) * time.Second
	}
	return 5 * time.Minute
}

// SweepInterval returns the sweep interval, defaulting to 1 minute.
func (r *RegistryConfig) SweepInterval() time.Duration {
	if r != nil && r.SweepIntervalS > 0 {
		return time.Duration(r.SweepIntervalS) * time.Second
	}
	return time.Minute
}

// HistoryLimit returns the per-thread audit history cap, defaulting to 1000.
func (r *RegistryConfig) HistoryLimit() int {
	if r != nil && r.ThreadHistoryLimit > 0 {
		return r.ThreadHistoryLimit
	}
	return 1000
}

// WorkerConfig tunes agent runtimes.
type WorkerConfig struct {
	MailboxCapacity    int `json:"mailbox_capacity" yaml:"mailbox_capacity"`         // Default: 1000
	HeartbeatIntervalS int `json:"heartbeat_interval_s" yaml:"heartbeat_interval_s"` // Default: 30
	DrainGraceS        int `json:"drain_grace_s" yaml:"drain_grace_s"`               // Default: 5
}

// Capacity returns the mailbox capacity, defaulting to 1000.
func (w *WorkerConfig) Capacity() int {
	if w != nil && w.MailboxCapacity > 0 {
		return w.MailboxCapacity
	}
	return 1000
}

// HeartbeatInterval returns the heartbeat period, defaulting to 30 seconds.
func (w *WorkerConfig) HeartbeatInterval() time.Duration {
	if w != nil && w.HeartbeatIntervalS > 0 {
		return time.Duration(w.HeartbeatIntervalS) * time.Second
	}
	return 30 * time.Second
}

// DrainGrace returns the shutdown drain grace, defaulting to 5 seconds.
func (w *WorkerConfig) DrainGrace() time.Duration {
	if w != nil && w.DrainGraceS > 0 {
		return time.Duration(w.DrainGraceS) * time.Second
	}
	return 5 * time.Second
}

// OrchestratorConfig tunes the workflow engine.
type OrchestratorConfig struct {
	WatchdogGraceS      int `json:"watchdog_grace_s" yaml:"watchdog_grace_s"`             // Default: 5
	DefaultTaskTimeoutS int `json:"default_task_timeout_s" yaml:"default_task_timeout_s"` // Default: 60
}

// WatchdogGrace returns the extra time past a task timeout before the
// watchdog fires, defaulting to 5 seconds.
func (o *OrchestratorConfig) WatchdogGrace() time.Duration {
	if o != nil && o.WatchdogGraceS > 0 {
		return time.Duration(o.WatchdogGraceS) * time.Second
	}
	return 5 * time.Second
}

// DefaultTaskTimeout returns the timeout for steps that declare none,
// defaulting to 60 seconds.
func (o *OrchestratorConfig) DefaultTaskTimeout() time.Duration {
	if o != nil && o.DefaultTaskTimeoutS > 0 {
		return time.Duration(o.DefaultTaskTimeoutS) * time.Second
	}
	return 60 * time.Second
}

// WorkflowsConfig points at external workflow definitions.
type WorkflowsConfig struct {
	DefinitionsPath string `json:"definitions_path" yaml:"definitions_path"` // YAML file of workflow definitions.
}

// RateLimitConfig configures per-client API rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// SchedulerConfig configures background maintenance jobs.
type SchedulerConfig struct {
	PollIntervalS int    `json:"poll_interval_s" yaml:"poll_interval_s"` // Default: 30
	RetentionDays int    `json:"retention_days" yaml:"retention_days"`   // Default: 30. Archived workflows older than this are purged.
	PurgeSchedule string `json:"purge_schedule" yaml:"purge_schedule"`   // Cron expression. Default: hourly.
}

// PollInterval returns the scheduler poll period, defaulting to 30 seconds.
func (s *SchedulerConfig) PollInterval() time.Duration {
	if s != nil && s.PollIntervalS > 0 {
		return time.Duration(s.PollIntervalS) * time.Second
	}
	return 30 * time.Second
}

// Retention returns the archive retention window, defaulting to 30 days.
func (s *SchedulerConfig) Retention() time.Duration {
	if s != nil && s.RetentionDays > 0 {
		return time.Duration(s.RetentionDays) * 24 * time.Hour
	}
	return 30 * 24 * time.Hour
}

// Purge returns the purge cron expression, defaulting to hourly.
func (s *SchedulerConfig) Purge() string {
	if s != nil && s.PurgeSchedule != "" {
		return s.PurgeSchedule
	}
	return "0 * * * *"
}

// ObservabilityConfig configures metrics, tracing, and health checks.
// When nil, all observability features are disabled.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path, defaulting to "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry tracing over OTLP.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"` // OTLP collector endpoint, host:port.
	Protocol    string  `json:"protocol" yaml:"protocol"` // "grpc" (default) or "http"
	Insecure    bool    `json:"insecure" yaml:"insecure"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"` // 0 < rate <= 1. Default: 1.0.
	ServiceName string  `json:"service_name" yaml:"service_name"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // "debug", "info" (default), "warn", "error"
	Format string `json:"format" yaml:"format"` // "text" (default) or "json"
}

// DefaultConfigPath returns the default config file path (~/.coral/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/coral.yaml"
	}
	return filepath.Join(home, ".coral", "config.yaml")
}

// Default returns a configuration that runs with no config file:
// SQLite storage next to the binary, no auth, no tracing.
func Default() *Config {
	cfg := &Config{
		Observability: &ObservabilityConfig{
			Metrics: &MetricsConfig{Enabled: true},
		},
	}
	cfg.applyEnv()
	return cfg
}

// Load reads a YAML or JSON config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML,
// everything else for JSON. Environment variables take precedence over
// file values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if addr := os.Getenv("CORAL_LISTEN_ADDR"); addr != "" {
		c.Server.ListenAddr = addr
	}
	if key := os.Getenv("CORAL_API_KEY"); key != "" {
		if c.Server.APIKeys == nil {
			c.Server.APIKeys = make(map[string]string)
		}
		c.Server.APIKeys[key] = "env"
	}
	if token := os.Getenv("CORAL_WS_TOKEN"); token != "" {
		c.Server.WSToken = token
	}
	if dsn := os.Getenv("CORAL_DB_DSN"); dsn != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresConfig{}
		}
		c.Storage.Driver = "postgres"
		c.Storage.Postgres.DSN = dsn
	}
	if path := os.Getenv("CORAL_DEFINITIONS"); path != "" {
		if c.Workflows == nil {
			c.Workflows = &WorkflowsConfig{}
		}
		c.Workflows.DefinitionsPath = path
	}
}

// Validate checks for configuration errors that would surface later as
// confusing runtime failures.
func (c *Config) Validate() error {
	switch driver := c.Storage.StorageDriver(); driver {
	case "sqlite":
	case "postgres":
		if c.Storage == nil || c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage driver %q requires a postgres DSN", driver)
		}
	default:
		return fmt.Errorf("unknown storage driver %q", driver)
	}

	if t := c.tracing(); t != nil && t.Enabled {
		if t.Endpoint == "" {
			return fmt.Errorf("tracing enabled but no endpoint configured")
		}
		if t.SampleRate < 0 || t.SampleRate > 1 {
			return fmt.Errorf("tracing sample_rate %v out of range (0, 1]", t.SampleRate)
		}
	}
	return nil
}

func (c *Config) tracing() *TracingConfig {
	if c.Observability == nil {
		return nil
	}
	return c.Observability.Tracing
}
