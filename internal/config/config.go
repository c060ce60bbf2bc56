package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/livinlefevreloca/syncrawl/internal/agent"
	"github.com/livinlefevreloca/syncrawl/internal/db"
	"github.com/livinlefevreloca/syncrawl/internal/logging"
	"github.com/livinlefevreloca/syncrawl/internal/scheduler"
	"github.com/livinlefevreloca/syncrawl/internal/stats"
	"github.com/livinlefevreloca/syncrawl/internal/syncer"
	"github.com/livinlefevreloca/syncrawl/internal/transport"
)

// Config represents the application configuration. The coordinator reads
// every section except agent; an agent reads agent and logging.
type Config struct {
	Coordinator scheduler.Config `toml:"coordinator"`
	Server      transport.Config `toml:"server"`
	Worklist    WorklistConfig   `toml:"worklist"`
	Storage     StorageConfig    `toml:"storage"`
	Database    db.Config        `toml:"database"`
	Syncer      syncer.Config    `toml:"syncer"`
	Stats       stats.Config     `toml:"stats"`
	Logging     logging.Config   `toml:"logging"`
	Agent       agent.Config     `toml:"agent"`
}

// WorklistConfig locates the list of targets to crawl
type WorklistConfig struct {
	Path string `toml:"path"`
}

// StorageConfig holds local output settings
type StorageConfig struct {
	// Directory receiving one sub-directory per run with its crawl log
	Path string `toml:"path"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Coordinator: scheduler.DefaultConfig(),
		Server:      transport.DefaultConfig(),
		Worklist: WorklistConfig{
			Path: "worklist.txt",
		},
		Storage: StorageConfig{
			Path: "storage",
		},
		Database: db.DefaultConfig(),
		Syncer:   syncer.DefaultConfig(),
		Stats:    stats.DefaultConfig(),
		Logging:  logging.DefaultConfig(),
		Agent:    agent.DefaultConfig(),
	}
}

// LoadFromFile loads configuration from a TOML file on top of the defaults.
// Keys the file does not know are rejected.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	md, err := toml.DecodeFile(path, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config keys: %v", undecoded)
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}
	return LoadFromFile(configPath)
}

// Validate checks the sections a coordinator needs
func (c *Config) Validate() error {
	if err := c.Coordinator.Validate(); err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return err
	}

	if !c.Coordinator.TestRun && c.Worklist.Path == "" {
		return fmt.Errorf("worklist path must be specified unless test_run is set")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage path must be specified")
	}

	if c.Database.Driver != "sqlite3" && c.Database.Driver != "sqlite" {
		return fmt.Errorf("unsupported database driver: %s (must be sqlite3 or sqlite)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN must be specified")
	}
	if c.Database.MaxOpenConns < 0 || c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database pool sizes must not be negative")
	}

	if err := c.Syncer.Validate(); err != nil {
		return fmt.Errorf("syncer: %w", err)
	}
	if err := c.Stats.Validate(); err != nil {
		return fmt.Errorf("stats: %w", err)
	}

	return c.Logging.Validate()
}

// ValidateAgent checks the sections an agent needs
func (c *Config) ValidateAgent() error {
	if err := c.Agent.Validate(); err != nil {
		return err
	}
	return c.Logging.Validate()
}
