// Package config loads ChainPulse's TOML configuration file (spec §6).
// Config loading itself is a thin, deliberately uninteresting collaborator
// per the spec's scope note; what matters is the shape it produces.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/chainpulse/chainpulse/internal/credentials"
	"github.com/chainpulse/chainpulse/internal/ibc"
	"github.com/chainpulse/chainpulse/internal/logging"
)

// Config mirrors the recognized TOML keys in spec.md §6.
type Config struct {
	Chains   map[string]ChainConfig `toml:"chains"`
	Database DatabaseConfig         `toml:"database"`
	Metrics  MetricsConfig          `toml:"metrics"`
	API      APIConfig              `toml:"api"`
	EventBus EventBusConfig         `toml:"eventbus"`
	Logging  logging.Config         `toml:"logging"`
}

type ChainConfig struct {
	URL                  string `toml:"url"`
	CometVersion         string `toml:"comet_version"`
	Username             string `toml:"username"`
	Password             string `toml:"password"`
	IBCVersion           string `toml:"ibc_version"`
	ReconnectEveryBlocks int    `toml:"reconnect_every_blocks"`
}

type DatabaseConfig struct {
	Path                  string `toml:"path"`
	StuckThresholdSeconds int    `toml:"stuck_threshold_seconds"`
}

type MetricsConfig struct {
	Enabled         bool   `toml:"enabled"`
	Port            int    `toml:"port"`
	PopulateOnStart bool   `toml:"populate_on_start"`
	HostSampleEvery string `toml:"host_sample_every"`
}

type APIConfig struct {
	Enabled     bool   `toml:"enabled"`
	ListenAddr  string `toml:"listen_addr"`
	RequireAuth bool   `toml:"require_auth"`
	JWTSecret   string `toml:"jwt_secret"`
}

type EventBusConfig struct {
	Enabled         bool   `toml:"enabled"`
	URL             string `toml:"url"`
	MaxReconnects   int    `toml:"max_reconnects"`
	ReconnectWaitMs int    `toml:"reconnect_wait_ms"`
}

// ResolvedChain is a ChainConfig with its version parsed and its URL
// resolved against the credential file when it used a ref: indirection.
type ResolvedChain struct {
	ChainID              string
	URL                  string
	Version              ibc.CometVersion
	Username             string
	Password             string
	ReconnectEveryBlocks int
}

// Load reads and validates the TOML file at path. Any validation failure
// (unknown comet_version, malformed TOML, missing credential lookup) is
// fatal per spec §7.4 — callers should exit non-zero on a non-nil error.
func Load(path, credentialsPath string) (Config, []ResolvedChain, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 3000
	}
	if cfg.Database.StuckThresholdSeconds == 0 {
		cfg.Database.StuckThresholdSeconds = 900 // spec §3 default: 15 minutes
	}

	var creds *credentials.File
	needsCreds := false
	for _, c := range cfg.Chains {
		if strings.HasPrefix(c.URL, "ref:") {
			needsCreds = true
			break
		}
	}
	if needsCreds {
		f, err := credentials.Load(credentialsPath)
		if err != nil {
			return Config{}, nil, fmt.Errorf("config: %w", err)
		}
		creds = f
	}

	resolved := make([]ResolvedChain, 0, len(cfg.Chains))
	for chainID, c := range cfg.Chains {
		version, ok := ibc.ParseCometVersion(c.CometVersion)
		if !ok {
			return Config{}, nil, fmt.Errorf("config: chain %q: unknown comet_version %q", chainID, c.CometVersion)
		}

		url, username, password := c.URL, c.Username, c.Password
		if strings.HasPrefix(url, "ref:") {
			name := strings.TrimPrefix(url, "ref:")
			entry, ok := creds.Lookup(name)
			if !ok {
				return Config{}, nil, fmt.Errorf("config: chain %q: no credential entry for ref:%s", chainID, name)
			}
			url = entry.URL
			if username == "" {
				username = entry.Username
			}
			if password == "" {
				password = entry.Password
			}
		}

		resolved = append(resolved, ResolvedChain{
			ChainID:              chainID,
			URL:                  url,
			Version:              version,
			Username:             username,
			Password:             password,
			ReconnectEveryBlocks: c.ReconnectEveryBlocks,
		})
	}

	return cfg, resolved, nil
}

// StuckThreshold returns the configured stuck-packet age threshold,
// defaulting to 15 minutes when unset (spec §3).
func (c Config) StuckThreshold() time.Duration {
	if c.Database.StuckThresholdSeconds == 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.Database.StuckThresholdSeconds) * time.Second
}

// HostSampleInterval parses Metrics.HostSampleEvery, defaulting to 15s.
func (c Config) HostSampleInterval() time.Duration {
	if c.Metrics.HostSampleEvery == "" {
		return 15 * time.Second
	}
	d, err := time.ParseDuration(c.Metrics.HostSampleEvery)
	if err != nil {
		return 15 * time.Second
	}
	return d
}
