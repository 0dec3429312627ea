// ABOUTME: Configuration loading and parsing for convstore
// ABOUTME: YAML or TOML files with ${VAR} expansion, CONVSTORE_* env overrides and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. CONVSTORE_DATABASE_DSN.
const EnvPrefix = "CONVSTORE"

// Config represents the complete convstore configuration
type Config struct {
	Database      DatabaseConfig      `yaml:"database" toml:"database"`
	Conversations ConversationsConfig `yaml:"conversations" toml:"conversations"`
	Stats         StatsConfig         `yaml:"stats" toml:"stats"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
}

// DatabaseConfig selects and tunes the store backend
type DatabaseConfig struct {
	Driver     string `yaml:"driver" toml:"driver"` // sqlite, sqlite3 or postgres
	Path       string `yaml:"path" toml:"path"`     // SQLite file
	DSN        string `yaml:"dsn" toml:"dsn"`       // PostgreSQL connection string
	// Busy transactions are retried this many times; 0 turns retries off
	MaxRetries int    `yaml:"max_retries" toml:"max_retries" split_words:"true"`

	BusyTimeout    time.Duration `yaml:"-" toml:"-" split_words:"true"`
	BusyTimeoutRaw string        `yaml:"busy_timeout" toml:"busy_timeout" ignored:"true"`
}

// ConversationsConfig holds conversation defaults
type ConversationsConfig struct {
	DefaultModel   string `yaml:"default_model" toml:"default_model" split_words:"true"`
	MaxTitleLength int    `yaml:"max_title_length" toml:"max_title_length" split_words:"true"`
}

// StatsConfig controls the background consistency checker
type StatsConfig struct {
	Repair bool `yaml:"repair" toml:"repair"`

	CheckInterval     time.Duration `yaml:"-" toml:"-" split_words:"true"`
	ReportSuppression time.Duration `yaml:"-" toml:"-" split_words:"true"`

	// Raw string values for unmarshaling
	CheckIntervalRaw     string `yaml:"check_interval" toml:"check_interval" ignored:"true"`
	ReportSuppressionRaw string `yaml:"report_suppression" toml:"report_suppression" ignored:"true"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // text, json or color
	File   string `yaml:"file" toml:"file"`     // optional JSON log file
}

// Default returns a configuration that works out of the box with a local
// SQLite file.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:         "sqlite",
			Path:           "convstore.db",
			MaxRetries:     5,
			BusyTimeout:    5 * time.Second,
			BusyTimeoutRaw: "5s",
		},
		Conversations: ConversationsConfig{
			DefaultModel:   "deepseek-chat",
			MaxTitleLength: 500,
		},
		Stats: StatsConfig{
			CheckInterval:        10 * time.Minute,
			CheckIntervalRaw:     "10m",
			ReportSuppression:    time.Hour,
			ReportSuppressionRaw: "1h",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "color",
		},
	}
}

// Load reads a configuration file on top of Default and applies environment
// overrides. An empty path skips the file. Files ending in .toml are parsed
// as TOML, everything else as YAML. Environment variables in the format
// ${VAR_NAME} are expanded before parsing.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		expanded := expandEnvVars(string(data))

		if strings.EqualFold(filepath.Ext(path), ".toml") {
			if _, err := toml.Decode(expanded, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		} else if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// applyEnv overrides each section from CONVSTORE_<SECTION>_<KEY>, e.g.
// CONVSTORE_STATS_CHECK_INTERVAL=30s. Unset variables leave the file value
// alone. Durations are read directly, so this runs after parseDurations.
func applyEnv(cfg *Config) error {
	sections := []struct {
		name   string
		target any
	}{
		{"DATABASE", &cfg.Database},
		{"CONVERSATIONS", &cfg.Conversations},
		{"STATS", &cfg.Stats},
		{"LOGGING", &cfg.Logging},
	}
	for _, s := range sections {
		if err := envconfig.Process(EnvPrefix+"_"+s.name, s.target); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "sqlite3":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for driver %q", c.Database.Driver)
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver postgres")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite, sqlite3 or postgres, got %q", c.Database.Driver)
	}
	if c.Database.MaxRetries < 0 {
		return fmt.Errorf("database.max_retries must not be negative")
	}

	if strings.TrimSpace(c.Conversations.DefaultModel) == "" {
		return fmt.Errorf("conversations.default_model is required")
	}
	if c.Conversations.MaxTitleLength <= 0 {
		return fmt.Errorf("conversations.max_title_length must be positive")
	}

	if c.Stats.CheckInterval <= 0 {
		return fmt.Errorf("stats.check_interval must be positive")
	}

	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Logging.Format {
	case "text", "json", "color":
	default:
		return fmt.Errorf("logging.format must be text, json or color, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"database.busy_timeout", cfg.Database.BusyTimeoutRaw, &cfg.Database.BusyTimeout},
		{"stats.check_interval", cfg.Stats.CheckIntervalRaw, &cfg.Stats.CheckInterval},
		{"stats.report_suppression", cfg.Stats.ReportSuppressionRaw, &cfg.Stats.ReportSuppression},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
