// Package config loads feedsyncd configuration from YAML, environment
// variables, and defaults, and watches the config file for hot reload.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// File is the full configuration tree as read from disk and env.
type File struct {
	Database  Database  `mapstructure:"database"`
	Upstream  Upstream  `mapstructure:"upstream"`
	Sync      Sync      `mapstructure:"sync"`
	Queue     Queue     `mapstructure:"queue"`
	RateLimit RateLimit `mapstructure:"rate_limit"`
	Status    Status    `mapstructure:"status"`
	Log       Log       `mapstructure:"log"`
}

// Database configures the local SQLite cache.
type Database struct {
	// Path to the SQLite file (default: ~/.feedsyncd/feedsync.db)
	Path string `mapstructure:"path"`
}

// Upstream configures the feed aggregation service client.
type Upstream struct {
	BaseURL string `mapstructure:"base_url"`

	// TokenFile holds the bearer token; it is re-read on auth failure
	// so an external refresher can rotate it.
	TokenFile string `mapstructure:"token_file"`

	Timeout time.Duration `mapstructure:"timeout"`
}

// Sync configures the engine's cycle cadence and batching. These are
// the hot-reloadable tunables.
type Sync struct {
	Interval       time.Duration `mapstructure:"interval"`
	FullPullEvery  time.Duration `mapstructure:"full_pull_every"`
	PullPageSize   int           `mapstructure:"pull_page_size"`
	PushBatchSize  int           `mapstructure:"push_batch_size"`
	PushTimeBudget time.Duration `mapstructure:"push_time_budget"`

	// TriggerPolicy is "coalesce" or "queued"
	TriggerPolicy string `mapstructure:"trigger_policy"`

	// ChainFreshness triggers an incremental sync after each local
	// read or star action
	ChainFreshness bool `mapstructure:"chain_freshness"`
}

// Queue configures retry backoff for failed pushes.
type Queue struct {
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// RateLimit configures the local call budget ledger.
type RateLimit struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// Status configures the HTTP/WebSocket status server.
type Status struct {
	Port int `mapstructure:"port"`
}

// Log configures log output.
type Log struct {
	// File enables rotating file output when set; empty logs to stderr
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads configuration from the given path, falling back to the
// default search locations when path is empty. Environment variables
// prefixed FEEDSYNC_ override file values (FEEDSYNC_SYNC_INTERVAL=5m).
// A missing config file is not an error unless a path was given
// explicitly.
func Load(path string) (*File, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("feedsyncd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "feedsyncd"))
		}
	}

	v.SetEnvPrefix("FEEDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if path != "" {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		// No config file in the search path: run on defaults and env.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg File
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (f *File) Validate() error {
	if f.Sync.PullPageSize <= 0 {
		return fmt.Errorf("sync.pull_page_size must be positive, got %d", f.Sync.PullPageSize)
	}
	if f.Sync.PushBatchSize <= 0 {
		return fmt.Errorf("sync.push_batch_size must be positive, got %d", f.Sync.PushBatchSize)
	}
	switch f.Sync.TriggerPolicy {
	case "coalesce", "queued":
	default:
		return fmt.Errorf("sync.trigger_policy must be coalesce or queued, got %q", f.Sync.TriggerPolicy)
	}
	if f.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive, got %d", f.Queue.MaxAttempts)
	}
	if f.RateLimit.Limit <= 0 {
		return fmt.Errorf("rate_limit.limit must be positive, got %d", f.RateLimit.Limit)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()

	v.SetDefault("database.path", filepath.Join(home, ".feedsyncd", "feedsync.db"))

	v.SetDefault("upstream.base_url", "https://api.feedreader.example")
	v.SetDefault("upstream.token_file", filepath.Join(home, ".feedsyncd", "token"))
	v.SetDefault("upstream.timeout", 30*time.Second)

	v.SetDefault("sync.interval", 15*time.Minute)
	v.SetDefault("sync.full_pull_every", 7*24*time.Hour)
	v.SetDefault("sync.pull_page_size", 100)
	v.SetDefault("sync.push_batch_size", 50)
	v.SetDefault("sync.push_time_budget", 2*time.Minute)
	v.SetDefault("sync.trigger_policy", "coalesce")
	v.SetDefault("sync.chain_freshness", false)

	v.SetDefault("queue.backoff_base", 30*time.Second)
	v.SetDefault("queue.backoff_cap", time.Hour)
	v.SetDefault("queue.max_attempts", 8)

	v.SetDefault("rate_limit.limit", 250)
	v.SetDefault("rate_limit.window", 24*time.Hour)

	v.SetDefault("status.port", 8745)

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 20)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 14)
}
