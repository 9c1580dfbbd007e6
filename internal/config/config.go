// Package config loads the application configuration: a TOML file for the
// process itself and YAML files for the routing tables, which operators edit
// far more often than the process config.
package config

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/arbormail/mailflow/internal/api"
	"github.com/arbormail/mailflow/internal/cache"
	"github.com/arbormail/mailflow/internal/relay"
	"github.com/arbormail/mailflow/internal/routing"
)

// Config is the application configuration.
type Config struct {
	Broker struct {
		// DSN is the Postgres connection string of the job broker. Empty
		// selects the in-memory broker (development only).
		DSN string `toml:"dsn"`
		// RetentionHours bounds how long settled jobs are kept.
		RetentionHours int `toml:"retention_hours"`
	} `toml:"broker"`

	Workers struct {
		Pattern         string `toml:"pattern"`
		TeamSize        int    `toml:"team_size"`
		TeamConcurrency int    `toml:"team_concurrency"`
		PollIntervalSec int    `toml:"poll_interval_sec"`
	} `toml:"workers"`

	Routing struct {
		// StaticFile is the YAML static routing table (domain -> target).
		StaticFile string `toml:"static_file"`
		// EnvironmentsFile is the YAML dynamic-routing table.
		EnvironmentsFile string `toml:"environments_file"`
		// DirectFile is the YAML direct-routing configuration.
		DirectFile string `toml:"direct_file"`
		// AuthorityTimeoutSec bounds routing-authority calls.
		AuthorityTimeoutSec int `toml:"authority_timeout_sec"`
	} `toml:"routing"`

	SRS struct {
		Secret  string `toml:"secret"`
		MaxDays int    `toml:"max_days"`
	} `toml:"srs"`

	Relay relay.Config `toml:"relay"`
	Cache cache.Config `toml:"cache"`
	API   api.Config   `toml:"api"`

	Logging struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"logging"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Broker.RetentionHours = 48
	cfg.Workers.Pattern = "mail-*"
	cfg.Workers.TeamSize = 10
	cfg.Workers.TeamConcurrency = 5
	cfg.Workers.PollIntervalSec = 2
	cfg.Routing.AuthorityTimeoutSec = 20
	cfg.SRS.MaxDays = 21
	cfg.Relay.Port = 25
	cfg.Cache.Type = "memory"
	cfg.API.Enabled = true
	cfg.API.ListenAddr = ":8025"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	return cfg
}

// FindConfigFile locates the configuration file when none was given on the
// command line: the MAILFLOW_CONFIG environment variable, then the standard
// locations. Returns "" when nothing is found.
func FindConfigFile() string {
	if path := os.Getenv("MAILFLOW_CONFIG"); path != "" {
		return path
	}
	candidates := []string{
		"mailflow.toml",
		"config/mailflow.toml",
		"/etc/mailflow/mailflow.toml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// LoadConfig reads the TOML application configuration. A missing path yields
// the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = FindConfigFile()
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadStaticRoutes reads the YAML static routing table.
func LoadStaticRoutes(path string) (routing.ResolverConfig, error) {
	var cfg routing.ResolverConfig
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading static routes: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing static routes %s: %w", path, err)
	}
	return cfg, nil
}

// LoadEnvironments reads the YAML dynamic-routing table.
func LoadEnvironments(path string) (routing.RoutingTableConfig, error) {
	var cfg routing.RoutingTableConfig
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading environments: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing environments %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDirectConfig reads the YAML direct-routing configuration.
func LoadDirectConfig(path string) (routing.DirectConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading direct routing config: %w", err)
	}
	var cfg routing.DirectConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing direct routing config %s: %w", path, err)
	}
	return cfg, nil
}
