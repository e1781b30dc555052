// Package config loads runtime configuration from an optional YAML file with
// environment-variable overrides. Environment always wins.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Provider selects the mailbox backend: gmail or outlook.
	Provider string `yaml:"provider"`

	// DataDir holds the SQLite databases, one per account.
	DataDir string `yaml:"data_dir"`

	// ListenAddr is the HTTP control surface bind address.
	ListenAddr string `yaml:"listen_addr"`

	// AuthServerURL is the token service that vends provider credentials.
	AuthServerURL string `yaml:"auth_server_url"`

	// JWKSURL enables JWT verification on the HTTP surface when set.
	JWKSURL string `yaml:"jwks_url"`

	// NATSURL enables JetStream event publishing when set.
	NATSURL string `yaml:"nats_url"`

	Sync    SyncConfig    `yaml:"sync"`
	Actions ActionsConfig `yaml:"actions"`

	// RatePerSecond caps outbound provider calls. Zero disables limiting.
	RatePerSecond int `yaml:"rate_per_second"`
}

type SyncConfig struct {
	PageSize      int64         `yaml:"page_size"`
	FetchWorkers  int           `yaml:"fetch_workers"`
	BatchSize     int           `yaml:"batch_size"`
	PartialWindow time.Duration `yaml:"partial_window"`
}

type ActionsConfig struct {
	MaxRetries  int           `yaml:"max_retries"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// Load reads the YAML file at path (skipped when path is empty or the file is
// absent), applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Provider:   "gmail",
		DataDir:    "data",
		ListenAddr: ":8080",
		Sync: SyncConfig{
			PageSize:      500,
			FetchWorkers:  8,
			BatchSize:     50,
			PartialWindow: 30 * 24 * time.Hour,
		},
		Actions: ActionsConfig{
			MaxRetries:  5,
			BaseBackoff: time.Second,
			MaxBackoff:  time.Minute,
		},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if v := os.Getenv("MAILMIRROR_PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if v := os.Getenv("MAILMIRROR_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("MAILMIRROR_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("MAILMIRROR_AUTH_SERVER_URL"); v != "" {
		cfg.AuthServerURL = v
	}
	if v := os.Getenv("MAILMIRROR_JWKS_URL"); v != "" {
		cfg.JWKSURL = v
	}
	if v := os.Getenv("MAILMIRROR_NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
	if v := os.Getenv("MAILMIRROR_RATE_PER_SECOND"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid MAILMIRROR_RATE_PER_SECOND: %w", err)
		}
		cfg.RatePerSecond = n
	}
	if v := os.Getenv("MAILMIRROR_SYNC_PAGE_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid MAILMIRROR_SYNC_PAGE_SIZE: %w", err)
		}
		cfg.Sync.PageSize = n
	}
	if v := os.Getenv("MAILMIRROR_SYNC_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid MAILMIRROR_SYNC_WORKERS: %w", err)
		}
		cfg.Sync.FetchWorkers = n
	}
	if v := os.Getenv("MAILMIRROR_PARTIAL_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid MAILMIRROR_PARTIAL_WINDOW: %w", err)
		}
		cfg.Sync.PartialWindow = d
	}
	if v := os.Getenv("MAILMIRROR_ACTION_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid MAILMIRROR_ACTION_MAX_RETRIES: %w", err)
		}
		cfg.Actions.MaxRetries = n
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Provider != "gmail" && c.Provider != "outlook" {
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	if c.AuthServerURL == "" {
		return fmt.Errorf("auth_server_url is required")
	}
	if c.Sync.PageSize <= 0 || c.Sync.FetchWorkers <= 0 || c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync settings must be positive")
	}
	if c.Actions.MaxRetries <= 0 {
		return fmt.Errorf("actions.max_retries must be positive")
	}
	return nil
}

// DBPath returns the SQLite path for an account database.
func (c *Config) DBPath(email string) string {
	return filepath.Join(c.DataDir, email+".db")
}
