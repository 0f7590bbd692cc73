package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen          string         `json:"listen" yaml:"listen"`
	Debug           bool           `json:"debug" yaml:"debug"`
	DataDir         string         `json:"data_dir" yaml:"data_dir"`
	BootstrapScript string         `json:"bootstrap_script" yaml:"bootstrap_script"`
	TenantHeader    string         `json:"tenant_header" yaml:"tenant_header"`
	MaxQueryBytes   int64          `json:"max_query_bytes" yaml:"max_query_bytes"`
	SQLite          SQLiteConfig   `json:"sqlite" yaml:"sqlite"`
	Eviction        EvictionConfig `json:"eviction" yaml:"eviction"`
	Schema          SchemaConfig   `json:"schema" yaml:"schema"`
	Metrics         MetricsConfig  `json:"metrics" yaml:"metrics"`
	CORS            CORSConfig     `json:"cors" yaml:"cors"`
}

type SQLiteConfig struct {
	BusyTimeout time.Duration `json:"busy_timeout" yaml:"busy_timeout"`
	ForeignKeys bool          `json:"foreign_keys" yaml:"foreign_keys"`
	JournalMode string        `json:"journal_mode" yaml:"journal_mode"`
}

type EvictionConfig struct {
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	Interval    time.Duration `json:"interval" yaml:"interval"`
	Retention   time.Duration `json:"retention" yaml:"retention"`
	RunOnStart  bool          `json:"run_on_start" yaml:"run_on_start"`
	Rule        string        `json:"rule" yaml:"rule"`
	OrphanGrace time.Duration `json:"orphan_grace" yaml:"orphan_grace"`
}

type SchemaConfig struct {
	SampleRows int `json:"sample_rows" yaml:"sample_rows"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

type CORSConfig struct {
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen:        ":3001",
		DataDir:       "user_dbs",
		TenantHeader:  "X-User-ID",
		MaxQueryBytes: 1 << 20,
		SQLite: SQLiteConfig{
			BusyTimeout: 5 * time.Second,
			ForeignKeys: true,
			JournalMode: "DELETE",
		},
		Eviction: EvictionConfig{
			Enabled:     true,
			Interval:    24 * time.Hour,
			Retention:   10 * 24 * time.Hour,
			RunOnStart:  true,
			OrphanGrace: time.Hour,
		},
		Schema: SchemaConfig{SampleRows: 1000},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		CORS: CORSConfig{AllowedOrigins: []string{"*"}},
	}
}

// Load reads the YAML file at path on top of the defaults. An empty path
// skips the file. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		host := c.Listen
		if idx := strings.LastIndex(host, ":"); idx >= 0 {
			host = host[:idx]
		} else {
			host = ""
		}
		c.Listen = host + ":" + port
	}
	if dir := strings.TrimSpace(os.Getenv("SANDBOX_DATA_DIR")); dir != "" {
		c.DataDir = dir
	}
}

func (c *Config) setDefaults() {
	if c.TenantHeader == "" {
		c.TenantHeader = "X-User-ID"
	}
	if c.MaxQueryBytes <= 0 {
		c.MaxQueryBytes = 1 << 20
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Eviction.OrphanGrace <= 0 {
		c.Eviction.OrphanGrace = time.Hour
	}
}

func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.SQLite.BusyTimeout < 0 {
		return fmt.Errorf("sqlite.busy_timeout must not be negative")
	}
	switch strings.ToUpper(c.SQLite.JournalMode) {
	case "", "DELETE", "TRUNCATE", "PERSIST", "WAL":
	default:
		return fmt.Errorf("unsupported sqlite.journal_mode %s", c.SQLite.JournalMode)
	}
	if c.Eviction.Interval <= 0 {
		return fmt.Errorf("eviction.interval must be positive")
	}
	if c.Eviction.Retention <= 0 {
		return fmt.Errorf("eviction.retention must be positive")
	}
	if c.Schema.SampleRows <= 0 {
		return fmt.Errorf("schema.sample_rows must be positive")
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}
	return nil
}
