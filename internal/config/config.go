// Package config loads the container runtime's configuration: environment
// variables first (per the startup contract), optionally overlaid with
// defaults from a TOML file named by CONFIG_PATH, under a named PROFILE
// table.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration marshals as a Go duration string in TOML, matching the pattern
// used elsewhere in this codebase for human-readable interval fields.
type Duration struct{ time.Duration }

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// Config is the fully-resolved configuration for one container process.
type Config struct {
	ServerURL   string
	TokenID     string
	TokenSecret string

	HeartbeatInterval  Duration
	HeartbeatTimeout   Duration
	MaxObjectSizeBytes int64
	IdleTimeout        Duration // zero disables idle shutdown
}

// Default returns the built-in defaults, before environment or file
// overrides are applied.
func Default() Config {
	return Config{
		HeartbeatInterval:  Duration{15 * time.Second},
		HeartbeatTimeout:   Duration{3 * time.Second},
		MaxObjectSizeBytes: 1 << 20, // 1 MiB
	}
}

// fileConfig is the shape of the optional TOML config file: one table per
// named profile.
type fileConfig struct {
	Profile map[string]profile `toml:"profile"`
}

type profile struct {
	ServerURL          string    `toml:"server_url,omitempty"`
	TokenID            string    `toml:"token_id,omitempty"`
	TokenSecret        string    `toml:"token_secret,omitempty"`
	HeartbeatInterval  *Duration `toml:"heartbeat_interval,omitempty"`
	HeartbeatTimeout   *Duration `toml:"heartbeat_timeout,omitempty"`
	MaxObjectSizeBytes *int64    `toml:"max_object_size_bytes,omitempty"`
	IdleTimeout        *Duration `toml:"idle_timeout,omitempty"`
}

// Env is the subset of os.Getenv this package depends on, so tests can
// supply a fake environment without touching process-global state.
type Env func(key string) string

// Load resolves a Config from env (file defaults first, then environment
// variable overrides, matching §6 of the specification: SERVER_URL,
// TOKEN_ID, TOKEN_SECRET, CONFIG_PATH, PROFILE).
func Load(env Env) (*Config, error) {
	cfg := Default()

	configPath := env("CONFIG_PATH")
	profileName := env("PROFILE")

	if configPath != "" {
		if err := applyFile(&cfg, configPath, profileName); err != nil {
			return nil, err
		}
	}

	if v := env("SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := env("TOKEN_ID"); v != "" {
		cfg.TokenID = v
	}
	if v := env("TOKEN_SECRET"); v != "" {
		cfg.TokenSecret = v
	}
	if v := env("IDLE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("config: parsing IDLE_TIMEOUT: %w", err)
		}
		cfg.IdleTimeout = Duration{d}
	}

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("config: SERVER_URL is required")
	}

	return &cfg, nil
}

// OSEnv is an Env backed by the process environment.
func OSEnv(key string) string { return os.Getenv(key) }

func applyFile(cfg *Config, configPath, profileName string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: reading %s: %w", configPath, err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("config: parsing %s: %w", configPath, err)
	}

	if profileName == "" {
		profileName = "default"
	}

	p, ok := fc.Profile[profileName]
	if !ok {
		return nil
	}

	if p.ServerURL != "" {
		cfg.ServerURL = p.ServerURL
	}
	if p.TokenID != "" {
		cfg.TokenID = p.TokenID
	}
	if p.TokenSecret != "" {
		cfg.TokenSecret = p.TokenSecret
	}
	if p.HeartbeatInterval != nil {
		cfg.HeartbeatInterval = *p.HeartbeatInterval
	}
	if p.HeartbeatTimeout != nil {
		cfg.HeartbeatTimeout = *p.HeartbeatTimeout
	}
	if p.MaxObjectSizeBytes != nil {
		cfg.MaxObjectSizeBytes = *p.MaxObjectSizeBytes
	}
	if p.IdleTimeout != nil {
		cfg.IdleTimeout = *p.IdleTimeout
	}

	return nil
}
