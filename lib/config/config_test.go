// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tabletop.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Environment != Development {
		t.Errorf("Environment = %q, want %q", cfg.Environment, Development)
	}
	if cfg.Transport.Backend != BackendMesh {
		t.Errorf("Transport.Backend = %q, want %q", cfg.Transport.Backend, BackendMesh)
	}
	if cfg.Transport.HeartbeatInterval != 5*time.Second {
		t.Errorf("HeartbeatInterval = %v", cfg.Transport.HeartbeatInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoad_RequiresTabletopConfig(t *testing.T) {
	t.Setenv("TABLETOP_CONFIG", "")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "TABLETOP_CONFIG") {
		t.Fatalf("Load error = %v, want mention of TABLETOP_CONFIG", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
identity:
  user_id: alice
  gm_user_id: alice
  channel: T1
transport:
  backend: database
  heartbeat_interval: 2s
database:
  path: /tmp/rt.db
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Identity.Channel != "T1" || cfg.Identity.UserID != "alice" {
		t.Errorf("Identity = %+v", cfg.Identity)
	}
	if cfg.Transport.Backend != BackendDatabase {
		t.Errorf("Backend = %q", cfg.Transport.Backend)
	}
	if cfg.Transport.HeartbeatInterval != 2*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 2s", cfg.Transport.HeartbeatInterval)
	}
	// Unset fields keep defaults.
	if cfg.Transport.ThrottleWindow != 250*time.Millisecond {
		t.Errorf("ThrottleWindow = %v, want default", cfg.Transport.ThrottleWindow)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
environment: production
transport:
  backend: mesh
production:
  transport:
    backend: multicast
    relay_url: https://relay.example
  relay:
    retention: 50
staging:
  transport:
    backend: database
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Transport.Backend != BackendMulticast {
		t.Errorf("Backend = %q, want production override", cfg.Transport.Backend)
	}
	if cfg.Transport.RelayURL != "https://relay.example" {
		t.Errorf("RelayURL = %q", cfg.Transport.RelayURL)
	}
	if cfg.Relay.Retention != 50 {
		t.Errorf("Retention = %d", cfg.Relay.Retention)
	}
	if cfg.Transport.HeartbeatInterval != 5*time.Second {
		t.Errorf("HeartbeatInterval = %v, want untouched default", cfg.Transport.HeartbeatInterval)
	}
}

func TestEnvironmentVariablesOverrideFile(t *testing.T) {
	path := writeConfig(t, `
identity:
  user_id: alice
transport:
  backend: mesh
`)
	t.Setenv("TABLETOP_IDENTITY_USER_ID", "bob")
	t.Setenv("TABLETOP_TRANSPORT_BACKEND", "multicast")
	t.Setenv("TABLETOP_TRANSPORT_THROTTLE_WINDOW", "100ms")
	t.Setenv("TABLETOP_TRANSPORT_ICE_SERVERS", "stun:a.example,stun:b.example")
	t.Setenv("TABLETOP_RELAY_REDIS_ADDRESS", "localhost:6379")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Identity.UserID != "bob" {
		t.Errorf("UserID = %q, want env override", cfg.Identity.UserID)
	}
	if cfg.Transport.Backend != BackendMulticast {
		t.Errorf("Backend = %q", cfg.Transport.Backend)
	}
	if cfg.Transport.ThrottleWindow != 100*time.Millisecond {
		t.Errorf("ThrottleWindow = %v", cfg.Transport.ThrottleWindow)
	}
	if len(cfg.Transport.ICEServers) != 2 || cfg.Transport.ICEServers[1] != "stun:b.example" {
		t.Errorf("ICEServers = %v", cfg.Transport.ICEServers)
	}
	if cfg.Relay.RedisAddress != "localhost:6379" {
		t.Errorf("RedisAddress = %q", cfg.Relay.RedisAddress)
	}
}

func TestEnvironmentVariableSelectsOverrideSection(t *testing.T) {
	path := writeConfig(t, `
staging:
  transport:
    backend: database
`)
	t.Setenv("TABLETOP_ENVIRONMENT", "staging")
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Transport.Backend != BackendDatabase {
		t.Errorf("Backend = %q, want staging override", cfg.Transport.Backend)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad environment", func(c *Config) { c.Environment = "qa" }, "invalid environment"},
		{"bad backend", func(c *Config) { c.Transport.Backend = "carrier-pigeon" }, "transport.backend"},
		{"mesh without relay", func(c *Config) { c.Transport.RelayURL = "" }, "relay_url"},
		{"database without relay", func(c *Config) {
			c.Transport.Backend = BackendDatabase
			c.Transport.RelayURL = ""
		}, ""},
		{"zero heartbeat", func(c *Config) { c.Transport.HeartbeatInterval = 0 }, "heartbeat_interval"},
		{"zero retention", func(c *Config) { c.Relay.Retention = 0 }, "retention"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := Default()
			test.mutate(cfg)
			err := cfg.Validate()
			if test.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), test.wantErr) {
				t.Fatalf("Validate error = %v, want containing %q", err, test.wantErr)
			}
		})
	}
}
