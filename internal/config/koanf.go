// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in order of priority.
// The first file found will be used.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/oscrelay/config.yaml",
	"/etc/oscrelay/config.yml",
}

// ConfigPathEnvVar is the environment variable that can override the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// EnvPrefix prefixes every configuration environment variable.
const EnvPrefix = "OSCRELAY_"

// legacyStorePath is the pre-tagged store setting: a bare directory.
const legacyStorePath = "manager.store"

// Load reads configuration with koanf from layered sources:
//
//  1. Defaults: Built-in sensible defaults
//  2. Config File: Optional YAML config file (CONFIG_PATH or DefaultConfigPaths)
//  3. Environment Variables: OSCRELAY_ prefixed, e.g. OSCRELAY_OSC_PORT -> osc.port
//
// The result is validated; a *ValidationError lists every invalid field.
func Load() (*Config, error) {
	return LoadFile(findConfigFile())
}

// LoadFile is Load with an explicit config file. An empty path skips the
// file layer.
func LoadFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	known := envKeys(k)

	// Layer 2: config file, loaded apart so a legacy store string can be
	// upgraded before it is merged over the defaults.
	if configPath != "" {
		fk := koanf.New(".")
		if err := fk.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
		if err := upgradeLegacyStore(fk); err != nil {
			return nil, err
		}
		if err := k.Merge(fk); err != nil {
			return nil, fmt.Errorf("failed to merge config file %s: %w", configPath, err)
		}
	}

	// Layer 3: environment variables (highest priority)
	if err := k.Load(env.Provider(EnvPrefix, ".", func(key string) string {
		return known[key]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	if err := upgradeLegacyStore(k); err != nil {
		return nil, err
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// findConfigFile searches for a config file in the default paths.
// Returns the path to the first file found, or empty string if none found.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// envKeys maps every accepted environment variable to its config path:
// OSCRELAY_MANAGER_STORE_FLUSH_INTERVAL -> manager.store_flush_interval.
// Paths come from the defaults, so underscores inside a key name are
// never mistaken for nesting.
func envKeys(k *koanf.Koanf) map[string]string {
	keys := make(map[string]string)
	for _, path := range k.Keys() {
		keys[envName(path)] = path
	}
	for _, path := range sliceConfigPaths {
		keys[envName(path)] = path
	}
	keys[envName(legacyStorePath)] = legacyStorePath
	return keys
}

func envName(path string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(path, ".", "_"))
}

// upgradeLegacyStore rewrites manager.store given as a bare string into
// the tagged form: a path becomes {kind: file, path}, "" becomes memory.
func upgradeLegacyStore(k *koanf.Koanf) error {
	legacy, ok := k.Get(legacyStorePath).(string)
	if !ok {
		return nil
	}
	k.Delete(legacyStorePath)

	kind, path := StoreFile, legacy
	if strings.TrimSpace(legacy) == "" {
		kind, path = StoreMemory, ""
	}
	if err := k.Set(legacyStorePath+".kind", kind); err != nil {
		return fmt.Errorf("failed to upgrade %s: %w", legacyStorePath, err)
	}
	if err := k.Set(legacyStorePath+".path", path); err != nil {
		return fmt.Errorf("failed to upgrade %s: %w", legacyStorePath, err)
	}
	return nil
}

// sliceConfigPaths defines which config paths should be parsed as comma-separated slices
var sliceConfigPaths = []string{
	"websocket.allowed_origins",
}

// processSliceFields converts comma-separated string values to slices for known slice fields.
// This is necessary because env vars come in as strings, but the config expects slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok {
			continue
		}

		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}
