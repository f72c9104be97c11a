// Copyright 2026 The Chime API Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Chime client
// hosts.
//
// Configuration is loaded from a single YAML file passed explicitly
// (--config flag or the CHIME_CONFIG environment variable). There is
// no automatic discovery and no fallback chain — the host always knows
// exactly which file is in effect.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSigninURL is the initial sign-in endpoint. Every other
// service URL is resolved dynamically from the device registration
// response; this is the only hardcoded endpoint in the client.
const DefaultSigninURL = "https://signin.id.ue1.app.chime.aws"

// Config is the client configuration.
type Config struct {
	// SigninURL is the base URL for initial sign-in and device
	// registration. Defaults to DefaultSigninURL.
	SigninURL string `yaml:"signin_url"`

	// TokenFile is the path to a file containing the sign-in token
	// (trailing whitespace is trimmed). Required unless the host
	// supplies the token programmatically.
	TokenFile string `yaml:"token_file"`

	// CredentialCache is the path where the client persists the
	// current session token across restarts, so a reconnect uses the
	// freshest token rather than the original sign-in token. Empty
	// disables the cache.
	CredentialCache string `yaml:"credential_cache"`

	// StateDB is the path to the SQLite database holding per-room
	// last-seen markers. Empty keeps markers in memory only, which
	// re-delivers recent history on every connect.
	StateDB string `yaml:"state_db"`

	// RequestTimeout bounds each REST request. Zero disables the
	// per-request timeout. The streaming channel is not subject to
	// this timeout.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration defaults.
func Default() Config {
	return Config{
		SigninURL:      DefaultSigninURL,
		RequestTimeout: 30 * time.Second,
		LogLevel:       "info",
	}
}

// Load reads and validates a configuration file. Fields absent from
// the file keep their Default values.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	if c.SigninURL == "" {
		return fmt.Errorf("signin_url must not be empty")
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout must not be negative")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}
	return nil
}
