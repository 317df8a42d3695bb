// Package config handles loading and validating Kestrel configuration.
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

	"github.com/kestrelid/kestrel/internal/domain"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Kestrel.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.kestrel/data. Override: KESTREL_DATA_DIR env var.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`   // nil = SQLite default (derived from data dir)
	Engine        EngineConfig         `json:"engine" yaml:"engine"`
	Security      SecurityConfig       `json:"security" yaml:"security"`
	Gateway       GatewayConfig        `json:"gateway" yaml:"gateway"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Retention     *RetentionConfig     `json:"retention,omitempty" yaml:"retention,omitempty"`         // nil = execution log kept forever
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data dir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: KESTREL_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// EngineConfig configures the script sandbox and network policy.
type EngineConfig struct {
	AllowedDomains          []string `json:"allowed_domains" yaml:"allowed_domains"`                       // fetch() allowlist ("host" or "host:port"). Empty = all fetches blocked.
	MaxRequestsPerExecution int      `json:"max_requests_per_execution" yaml:"max_requests_per_execution"` // Default: 5.
	RequestTimeoutMS        int      `json:"request_timeout_ms" yaml:"request_timeout_ms"`                 // Per-fetch timeout. Default: 10000.
	MaxResponseBytes        int64    `json:"max_response_bytes" yaml:"max_response_bytes"`                 // Default: 1 MiB.
	MaxTimerDelayMS         int      `json:"max_timer_delay_ms" yaml:"max_timer_delay_ms"`                 // setTimeout cap. Default: 30000.
	MaxHeapMB               int      `json:"max_heap_mb" yaml:"max_heap_mb"`                               // Per-invocation memory guard. Default: 100. 0 disables.
	AllowPrivateIPs         bool     `json:"allow_private_ips" yaml:"allow_private_ips"`                   // Test-only escape hatch.
}

// SandboxConfig converts the section into the engine's runtime configuration,
// applying defaults for unset fields.
func (e EngineConfig) SandboxConfig() domain.SandboxConfig {
	cfg := domain.DefaultSandboxConfig()
	cfg.AllowedDomains = e.AllowedDomains
	cfg.AllowPrivateIPs = e.AllowPrivateIPs
	if e.MaxRequestsPerExecution > 0 {
		cfg.MaxRequestsPerExecution = e.MaxRequestsPerExecution
	}
	if e.RequestTimeoutMS > 0 {
		cfg.RequestTimeout = time.Duration(e.RequestTimeoutMS) * time.Millisecond
	}
	if e.MaxResponseBytes > 0 {
		cfg.MaxResponseBytes = e.MaxResponseBytes
	}
	if e.MaxTimerDelayMS > 0 {
		cfg.MaxTimerDelay = time.Duration(e.MaxTimerDelayMS) * time.Millisecond
	}
	if e.MaxHeapMB != 0 {
		cfg.MaxHeapMB = max(e.MaxHeapMB, 0)
	}
	return cfg
}

// SecurityConfig configures API-key access control.
type SecurityConfig struct {
	Roles       map[string]RoleConfig `json:"roles,omitempty" yaml:"roles,omitempty"` // Empty = built-in admin/viewer roles.
	DefaultRole string                `json:"default_role" yaml:"default_role"`       // Role for keys with no role set. Empty = deny.
	Keys        []APIKeyConfig        `json:"keys" yaml:"keys"`
}

// RoleConfig defines a role's rights.
type RoleConfig struct {
	Rights []string `json:"rights" yaml:"rights"`
}

// APIKeyConfig declares one API key. Every key is scoped to a single service.
type APIKeyConfig struct {
	Key       string `json:"key" yaml:"key"` // Override for key i: KESTREL_API_KEY_<i> env var.
	Name      string `json:"name" yaml:"name"`
	ServiceID string `json:"service_id" yaml:"service_id"` // UUID of the owning service.
	Role      string `json:"role" yaml:"role"`
}

// GatewayConfig configures the HTTP API gateway.
type GatewayConfig struct {
	ListenAddr          string          `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	EnableDocs          bool            `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64           `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 1 MiB.
	RateLimit           RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8080".
func (g GatewayConfig) Addr() string {
	if g.ListenAddr != "" {
		return g.ListenAddr
	}
	return ":8080"
}

// RateLimitConfig configures per-key rate limiting for the gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "kestrel"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures threshold-based anomaly detection over action
// error rates.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// RetentionConfig configures execution-log pruning.
// When nil, log rows are kept forever.
type RetentionConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"` // Default: 30.
	Schedule   string `json:"schedule" yaml:"schedule"`         // Cron expression. Default: "0 3 * * *".
}

// MaxAge returns the retention age with a default of 30 days.
func (r *RetentionConfig) MaxAge() time.Duration {
	days := 30
	if r != nil && r.MaxAgeDays > 0 {
		days = r.MaxAgeDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// CronSchedule returns the sweep schedule with a default of 03:00 daily.
func (r *RetentionConfig) CronSchedule() string {
	if r != nil && r.Schedule != "" {
		return r.Schedule
	}
	return "0 3 * * *"
}

// DefaultConfigPath returns the default config file path (~/.kestrel/config.json).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/kestrel.json" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".kestrel", "config.json")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Environment variables take precedence over config values.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the loaded config.
func applyEnvOverrides(cfg *Config) {
	if envDD := os.Getenv("KESTREL_DATA_DIR"); envDD != "" {
		cfg.DataDir = envDD
	}
	if envDSN := os.Getenv("KESTREL_DB_DSN"); envDSN != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "postgres"}
		}
		if cfg.Storage.Postgres == nil {
			cfg.Storage.Postgres = &PostgresStorageConfig{}
		}
		cfg.Storage.Postgres.DSN = envDSN
	}
	// Key material can be kept out of the config file entirely.
	for i := range cfg.Security.Keys {
		if envKey := os.Getenv(fmt.Sprintf("KESTREL_API_KEY_%d", i)); envKey != "" {
			cfg.Security.Keys[i].Key = envKey
		}
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".kestrel", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ResolvedDataDir(), "kestrel.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

func (c *Config) validate() error {
	// Storage driver validation.
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.Storage.StorageDriver() == "postgres" {
		if c.Storage == nil || c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (or set KESTREL_DB_DSN)")
		}
	}

	// Engine limits must not be negative.
	if c.Engine.MaxRequestsPerExecution < 0 {
		return fmt.Errorf("engine.max_requests_per_execution must not be negative")
	}
	if c.Engine.RequestTimeoutMS < 0 {
		return fmt.Errorf("engine.request_timeout_ms must not be negative")
	}
	if c.Engine.MaxResponseBytes < 0 {
		return fmt.Errorf("engine.max_response_bytes must not be negative")
	}
	if c.Engine.MaxHeapMB < 0 {
		return fmt.Errorf("engine.max_heap_mb must not be negative")
	}

	// Security: default role and key roles must exist when custom roles are defined.
	if len(c.Security.Roles) > 0 {
		if c.Security.DefaultRole != "" {
			if _, ok := c.Security.Roles[c.Security.DefaultRole]; !ok {
				return fmt.Errorf("security.default_role %q not found in roles", c.Security.DefaultRole)
			}
		}
		for i, k := range c.Security.Keys {
			if k.Role == "" {
				continue
			}
			if _, ok := c.Security.Roles[k.Role]; !ok {
				return fmt.Errorf("security.keys[%d].role %q not found in roles", i, k.Role)
			}
		}
	}
	for i, k := range c.Security.Keys {
		if k.ServiceID == "" {
			return fmt.Errorf("security.keys[%d].service_id is required", i)
		}
	}

	// Retention window must be positive when enabled.
	if c.Retention != nil && c.Retention.Enabled && c.Retention.MaxAgeDays < 0 {
		return fmt.Errorf("retention.max_age_days must not be negative")
	}

	return nil
}
