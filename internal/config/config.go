package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Governor GovernorConfig `yaml:"governor"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Security SecurityConfig `yaml:"security"`
	TLS      TLSConfig      `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type SandboxConfig struct {
	QueryTimeout   time.Duration `yaml:"query_timeout"`
	MetricTimeout  time.Duration `yaml:"metric_timeout"`
	MemoryBytes    int64         `yaml:"memory_bytes"`
	MaxCodeBytes   int           `yaml:"max_code_bytes"`
	MaxResultBytes int           `yaml:"max_result_bytes"`
	MaxConcurrent  int           `yaml:"max_concurrent"`
}

type GovernorConfig struct {
	Window       time.Duration `yaml:"window"`
	MaxPerWindow int           `yaml:"max_per_window"`
	AuditBuffer  int           `yaml:"audit_buffer"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

// SecurityConfig maps API keys to user identities. Each key authenticates
// exactly one user; the sandbox trusts the mapped user ID as the caller's
// own.
type SecurityConfig struct {
	APIKeyHeader     string            `yaml:"api_key_header"`
	KeyUsers         map[string]string `yaml:"key_users"`
	DefaultWeekStart string            `yaml:"default_week_start"` // monday, sunday or saturday
	DefaultTimezone  string            `yaml:"default_timezone"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    15 * time.Second, // > max query timeout + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		Sandbox: SandboxConfig{
			QueryTimeout:   5 * time.Second,
			MetricTimeout:  1 * time.Second,
			MemoryBytes:    64 << 20,
			MaxCodeBytes:   100 << 10,
			MaxResultBytes: 1 << 20,
			MaxConcurrent:  100,
		},
		Governor: GovernorConfig{
			Window:       time.Minute,
			MaxPerWindow: 30,
			AuditBuffer:  10000,
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:     "X-API-Key",
			DefaultWeekStart: "monday",
			DefaultTimezone:  "UTC",
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Sandbox.QueryTimeout < 100*time.Millisecond || c.Sandbox.QueryTimeout > 60*time.Second {
		return fmt.Errorf("sandbox.query_timeout must be 100ms-60s, got %s", c.Sandbox.QueryTimeout)
	}
	if c.Sandbox.MetricTimeout > c.Sandbox.QueryTimeout {
		return fmt.Errorf("sandbox.metric_timeout (%s) must be <= query_timeout (%s)",
			c.Sandbox.MetricTimeout, c.Sandbox.QueryTimeout)
	}
	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox.max_concurrent must be >= 1")
	}
	if c.Sandbox.MemoryBytes < 1<<20 {
		return fmt.Errorf("sandbox.memory_bytes must be >= 1MB")
	}
	if c.Governor.MaxPerWindow < 1 {
		return fmt.Errorf("governor.max_per_window must be >= 1")
	}
	if c.Governor.Window < time.Second {
		return fmt.Errorf("governor.window must be >= 1s")
	}
	if _, err := ParseWeekStart(c.Security.DefaultWeekStart); err != nil {
		return err
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable — connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ParseWeekStart converts a lowercase day name to a time.Weekday.
func ParseWeekStart(name string) (time.Weekday, error) {
	switch strings.ToLower(name) {
	case "", "monday":
		return time.Monday, nil
	case "sunday":
		return time.Sunday, nil
	case "saturday":
		return time.Saturday, nil
	default:
		return time.Monday, fmt.Errorf("security.default_week_start must be monday, sunday or saturday, got %q", name)
	}
}
