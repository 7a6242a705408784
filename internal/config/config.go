// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TripVault Contributors

// Package config loads host configuration from file, environment, and flags.
package config

import (
	"encoding/hex"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

// Config holds host configuration for the TripVault server.
type Config struct {
	HTTPAddr    string `koanf:"http.addr"`
	MetricsAddr string `koanf:"metrics.addr"`
	DatabaseURL string `koanf:"database.url"`
	LogFormat   string `koanf:"log.format"`

	// PluginsDir is the directory scanned for installed extensions.
	PluginsDir string `koanf:"plugins.dir"`
	// LuaRocksBin is the package manager used to install extension
	// runtime dependencies. Empty disables dependency installation.
	LuaRocksBin string `koanf:"plugins.luarocks"`
	// SettingsKey is a hex-encoded 32-byte key used to encrypt
	// per-extension settings at rest.
	SettingsKey string `koanf:"plugins.settings_key"`
}

// Defaults returns the built-in configuration defaults.
func Defaults() Config {
	return Config{
		HTTPAddr:    "127.0.0.1:8520",
		MetricsAddr: "127.0.0.1:9100",
		LogFormat:   "json",
		PluginsDir:  "plugins",
		LuaRocksBin: "luarocks",
	}
}

// Load reads configuration in precedence order: defaults, YAML file (if
// path is non-empty), TRIPVAULT_* environment variables, then flags.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	defaults := Defaults()
	seed := map[string]any{
		"http.addr":        defaults.HTTPAddr,
		"metrics.addr":     defaults.MetricsAddr,
		"log.format":       defaults.LogFormat,
		"plugins.dir":      defaults.PluginsDir,
		"plugins.luarocks": defaults.LuaRocksBin,
	}
	for key, val := range seed {
		if err := k.Set(key, val); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("key", key).Wrap(err)
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("path", path).Hint("config file must be valid YAML").Wrap(err)
		}
	}

	// TRIPVAULT_DATABASE_URL -> database.url
	err := k.Load(env.Provider("TRIPVAULT_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "TRIPVAULT_")), "_", ".")
	}), nil)
	if err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").With("provider", "env").Wrap(err)
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("provider", "flags").Wrap(err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").With("operation", "unmarshal").Wrap(err)
	}
	return &cfg, nil
}

// Validate checks constraints that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return oops.Code("CONFIG_INVALID").Errorf("database.url is required")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return oops.Code("CONFIG_INVALID").Errorf("log.format must be 'json' or 'text', got %q", c.LogFormat)
	}
	if c.PluginsDir == "" {
		return oops.Code("CONFIG_INVALID").Errorf("plugins.dir is required")
	}
	if c.SettingsKey != "" {
		key, err := hex.DecodeString(c.SettingsKey)
		if err != nil {
			return oops.Code("CONFIG_INVALID").Hint("plugins.settings_key must be hex").Wrap(err)
		}
		if len(key) != 32 {
			return oops.Code("CONFIG_INVALID").Errorf("plugins.settings_key must decode to 32 bytes, got %d", len(key))
		}
	}
	return nil
}

// SettingsKeyBytes decodes the settings encryption key. Returns nil when
// no key is configured, in which case settings are stored unencrypted.
func (c *Config) SettingsKeyBytes() *[32]byte {
	if c.SettingsKey == "" {
		return nil
	}
	raw, err := hex.DecodeString(c.SettingsKey)
	if err != nil || len(raw) != 32 {
		return nil
	}
	var key [32]byte
	copy(key[:], raw)
	return &key
}
