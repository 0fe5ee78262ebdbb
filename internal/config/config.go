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
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Search     SearchConfig     `mapstructure:"search"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Files      FilesConfig      `mapstructure:"files"`
	Nodes      NodesConfig      `mapstructure:"nodes"`
	Logging    LoggingConfig    `mapstructure:"logging"`
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

// SearchConfig governs worker pool pacing and the default candidate space.
type SearchConfig struct {
	Workers          int     `mapstructure:"workers"`
	YearStartDefault int     `mapstructure:"year_start_default"`
	YearEndDefault   int     `mapstructure:"year_end_default"`
	DelayMinMs       int     `mapstructure:"delay_min_ms"`
	DelayMaxMs       int     `mapstructure:"delay_max_ms"`
	PauseEveryN      int     `mapstructure:"pause_every_n"`
	PauseSeconds     int     `mapstructure:"pause_seconds"`
	MaxRetries       int     `mapstructure:"max_retries"`
	RequestsPerSec   float64 `mapstructure:"requests_per_sec"`
}

// BrowserConfig configures the chromedp sessions.
type BrowserConfig struct {
	Headless      bool   `mapstructure:"headless"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	UserAgent     string `mapstructure:"user_agent"`
}

// CheckpointConfig controls durable progress persistence.
type CheckpointConfig struct {
	Path   string `mapstructure:"path"`
	EveryN int    `mapstructure:"every_n"`
}

// FilesConfig sets upload and result directories.
type FilesConfig struct {
	UploadDir       string `mapstructure:"upload_dir"`
	ResultDir       string `mapstructure:"result_dir"`
	MaxUploadMBytes int    `mapstructure:"max_upload_mbytes"`
}

// NodesConfig describes the multi-node deployment. Addresses lists every
// node's base URL in partition order; Index is this node's position in it.
// An empty list means single-node operation.
type NodesConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Index     int      `mapstructure:"index"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CURP")
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
	v.SetDefault("search.workers", 6)
	v.SetDefault("search.year_start_default", 1940)
	v.SetDefault("search.year_end_default", 2005)
	v.SetDefault("search.delay_min_ms", 500)
	v.SetDefault("search.delay_max_ms", 2500)
	v.SetDefault("search.pause_every_n", 75)
	v.SetDefault("search.pause_seconds", 15)
	v.SetDefault("search.max_retries", 3)
	v.SetDefault("search.requests_per_sec", 0)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.nav_timeout_seconds", 90)
	v.SetDefault("checkpoint.path", "checkpoints.db")
	v.SetDefault("checkpoint.every_n", 100)
	v.SetDefault("files.upload_dir", "uploads")
	v.SetDefault("files.result_dir", "results")
	v.SetDefault("files.max_upload_mbytes", 16)
	v.SetDefault("nodes.index", 0)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Search.Workers <= 0 {
		return fmt.Errorf("search.workers must be > 0")
	}
	if c.Search.YearStartDefault > c.Search.YearEndDefault {
		return fmt.Errorf("search.year_start_default must not exceed search.year_end_default")
	}
	if c.Search.DelayMinMs < 0 || c.Search.DelayMaxMs < c.Search.DelayMinMs {
		return fmt.Errorf("search delay bounds invalid: min %dms max %dms", c.Search.DelayMinMs, c.Search.DelayMaxMs)
	}
	if c.Browser.NavTimeoutSec <= 0 {
		return fmt.Errorf("browser.nav_timeout_seconds must be > 0")
	}
	if c.Checkpoint.Path == "" {
		return fmt.Errorf("checkpoint.path must be set")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if len(c.Nodes.Addresses) > 0 {
		if c.Nodes.Index < 0 || c.Nodes.Index >= len(c.Nodes.Addresses) {
			return fmt.Errorf("nodes.index %d out of range for %d addresses", c.Nodes.Index, len(c.Nodes.Addresses))
		}
	}
	return nil
}

// DelayMin returns the lower jitter bound as a duration.
func (c Config) DelayMin() time.Duration {
	return time.Duration(c.Search.DelayMinMs) * time.Millisecond
}

// DelayMax returns the upper jitter bound as a duration.
func (c Config) DelayMax() time.Duration {
	return time.Duration(c.Search.DelayMaxMs) * time.Millisecond
}

// PauseDuration returns the stealth pause length.
func (c Config) PauseDuration() time.Duration {
	return time.Duration(c.Search.PauseSeconds) * time.Second
}

// NavTimeout returns the browser navigation budget.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Browser.NavTimeoutSec) * time.Second
}

// NodeCount reports how many nodes participate; single-node deployments
// report 1.
func (c Config) NodeCount() int {
	if len(c.Nodes.Addresses) == 0 {
		return 1
	}
	return len(c.Nodes.Addresses)
}
