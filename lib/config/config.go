// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Environment selects which override section applies.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Transport backends.
const (
	BackendMesh      = "mesh"
	BackendMulticast = "multicast"
	BackendDatabase  = "database"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TABLETOP_"

// Config is the complete tabletop configuration.
type Config struct {
	Environment Environment `yaml:"environment" env:"ENVIRONMENT"`

	Identity  IdentityConfig  `yaml:"identity"`
	Transport TransportConfig `yaml:"transport"`
	Database  DatabaseConfig  `yaml:"database"`
	Relay     RelayConfig     `yaml:"relay"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Secret    SecretConfig    `yaml:"secret"`

	Development *Overrides `yaml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides replaces whole sections for one environment. Only sections
// that are present take effect.
type Overrides struct {
	Transport *TransportConfig `yaml:"transport,omitempty"`
	Database  *DatabaseConfig  `yaml:"database,omitempty"`
	Relay     *RelayConfig     `yaml:"relay,omitempty"`
	Snapshot  *SnapshotConfig  `yaml:"snapshot,omitempty"`
}

// IdentityConfig names who this process is and which channel it joins.
type IdentityConfig struct {
	UserID   string `yaml:"user_id" env:"USER_ID"`
	GMUserID string `yaml:"gm_user_id" env:"GM_USER_ID"`
	Channel  string `yaml:"channel" env:"CHANNEL"`
}

// TransportConfig selects and tunes the peer transport.
type TransportConfig struct {
	// Backend is one of mesh, multicast or database.
	Backend string `yaml:"backend" env:"BACKEND"`

	// RelayURL is the base URL of the multicast relay, used for mesh
	// signalling and multicast traffic.
	RelayURL string `yaml:"relay_url" env:"RELAY_URL"`

	ThrottleWindow    time.Duration `yaml:"throttle_window" env:"THROTTLE_WINDOW"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`

	ICEServers []string `yaml:"ice_servers" env:"ICE_SERVERS" envSeparator:","`
}

// DatabaseConfig configures the SQLite realtime database backend.
type DatabaseConfig struct {
	Path         string        `yaml:"path" env:"PATH"`
	PoolSize     int           `yaml:"pool_size" env:"POOL_SIZE"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
}

// RelayConfig configures the tabletop-relay server.
type RelayConfig struct {
	ListenAddress string `yaml:"listen_address" env:"LISTEN_ADDRESS"`

	// RedisAddress selects the Redis stream store when set; otherwise
	// records are kept in memory.
	RedisAddress string `yaml:"redis_address" env:"REDIS_ADDRESS"`

	// Retention caps the records kept per channel.
	Retention int `yaml:"retention" env:"RETENTION"`

	LongPollWait time.Duration `yaml:"long_poll_wait" env:"LONG_POLL_WAIT"`
}

// SnapshotConfig configures durable saves.
type SnapshotConfig struct {
	Directory     string        `yaml:"directory" env:"DIRECTORY"`
	QuiescePeriod time.Duration `yaml:"quiesce_period" env:"QUIESCE_PERIOD"`
}

// SecretConfig locates the age-sealed GM secret.
type SecretConfig struct {
	SealedPath string `yaml:"sealed_path" env:"SEALED_PATH"`
}

// Default returns a Config with development defaults.
func Default() *Config {
	stateDirectory := filepath.Join(os.TempDir(), "tabletop")
	if homeDirectory, err := os.UserHomeDir(); err == nil {
		stateDirectory = filepath.Join(homeDirectory, ".local", "state", "tabletop")
	}

	return &Config{
		Environment: Development,
		Transport: TransportConfig{
			Backend:           BackendMesh,
			RelayURL:          "http://localhost:8750",
			ThrottleWindow:    250 * time.Millisecond,
			HeartbeatInterval: 5 * time.Second,
		},
		Database: DatabaseConfig{
			Path:         filepath.Join(stateDirectory, "realtime.db"),
			PoolSize:     4,
			PollInterval: 200 * time.Millisecond,
		},
		Relay: RelayConfig{
			ListenAddress: "localhost:8750",
			Retention:     1000,
			LongPollWait:  25 * time.Second,
		},
		Snapshot: SnapshotConfig{
			Directory:     filepath.Join(stateDirectory, "snapshots"),
			QuiescePeriod: 5 * time.Second,
		},
		Secret: SecretConfig{
			SealedPath: filepath.Join(stateDirectory, "gm-secret.age"),
		},
	}
}

// Load reads the file named by TABLETOP_CONFIG.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvPrefix + "CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("%sCONFIG environment variable not set; "+
			"set it to the path of your tabletop.yaml config file, or use --config flag", EnvPrefix)
	}
	return LoadFile(configPath)
}

// LoadFile reads path, applies the matching environment section and
// then TABLETOP_* environment variables. An empty path skips the file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	// The environment itself may come from TABLETOP_ENVIRONMENT, and it
	// decides which override section applies.
	if value := os.Getenv(EnvPrefix + "ENVIRONMENT"); value != "" {
		cfg.Environment = Environment(value)
	}
	cfg.applyEnvironmentOverrides()

	if err := cfg.applyEnvironmentVariables(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if overrides.Transport != nil {
		c.Transport = mergeTransport(c.Transport, *overrides.Transport)
	}
	if overrides.Database != nil {
		if overrides.Database.Path != "" {
			c.Database.Path = overrides.Database.Path
		}
		if overrides.Database.PoolSize != 0 {
			c.Database.PoolSize = overrides.Database.PoolSize
		}
		if overrides.Database.PollInterval != 0 {
			c.Database.PollInterval = overrides.Database.PollInterval
		}
	}
	if overrides.Relay != nil {
		if overrides.Relay.ListenAddress != "" {
			c.Relay.ListenAddress = overrides.Relay.ListenAddress
		}
		if overrides.Relay.RedisAddress != "" {
			c.Relay.RedisAddress = overrides.Relay.RedisAddress
		}
		if overrides.Relay.Retention != 0 {
			c.Relay.Retention = overrides.Relay.Retention
		}
		if overrides.Relay.LongPollWait != 0 {
			c.Relay.LongPollWait = overrides.Relay.LongPollWait
		}
	}
	if overrides.Snapshot != nil {
		if overrides.Snapshot.Directory != "" {
			c.Snapshot.Directory = overrides.Snapshot.Directory
		}
		if overrides.Snapshot.QuiescePeriod != 0 {
			c.Snapshot.QuiescePeriod = overrides.Snapshot.QuiescePeriod
		}
	}
}

func mergeTransport(base, override TransportConfig) TransportConfig {
	if override.Backend != "" {
		base.Backend = override.Backend
	}
	if override.RelayURL != "" {
		base.RelayURL = override.RelayURL
	}
	if override.ThrottleWindow != 0 {
		base.ThrottleWindow = override.ThrottleWindow
	}
	if override.HeartbeatInterval != 0 {
		base.HeartbeatInterval = override.HeartbeatInterval
	}
	if len(override.ICEServers) > 0 {
		base.ICEServers = override.ICEServers
	}
	return base
}

func (c *Config) applyEnvironmentVariables() error {
	sections := []struct {
		prefix string
		target any
	}{
		{"IDENTITY_", &c.Identity},
		{"TRANSPORT_", &c.Transport},
		{"DATABASE_", &c.Database},
		{"RELAY_", &c.Relay},
		{"SNAPSHOT_", &c.Snapshot},
		{"SECRET_", &c.Secret},
	}
	for _, section := range sections {
		options := env.Options{Prefix: EnvPrefix + section.prefix}
		if err := env.ParseWithOptions(section.target, options); err != nil {
			return fmt.Errorf("parsing %s%s* environment: %w", EnvPrefix, section.prefix, err)
		}
	}
	return nil
}

// Validate checks the settings every binary depends on.
func (c *Config) Validate() error {
	var errs []error

	if !slices.Contains([]Environment{Development, Staging, Production}, c.Environment) {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	backends := []string{BackendMesh, BackendMulticast, BackendDatabase}
	if !slices.Contains(backends, c.Transport.Backend) {
		errs = append(errs, fmt.Errorf("transport.backend must be one of: %v", backends))
	}
	if c.Transport.Backend != BackendDatabase && c.Transport.RelayURL == "" {
		errs = append(errs, errors.New("transport.relay_url is required for the mesh and multicast backends"))
	}
	if c.Transport.ThrottleWindow < 0 {
		errs = append(errs, errors.New("transport.throttle_window must not be negative"))
	}
	if c.Transport.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("transport.heartbeat_interval must be positive"))
	}
	if c.Database.PoolSize < 1 {
		errs = append(errs, errors.New("database.pool_size must be at least 1"))
	}
	if c.Relay.Retention < 1 {
		errs = append(errs, errors.New("relay.retention must be at least 1"))
	}

	return errors.Join(errs...)
}
