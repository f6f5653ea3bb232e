// Copyright 2025 PkgStore Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config locates the pkgstore configuration directory and loads
// user settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"pkgstore/internal/artifacts"
)

// getConfigDir returns the config directory path. Uses PKGSTORE_CONFIG_DIR
// if set, otherwise ~/.pkgstore. Computed dynamically to support test
// isolation.
func getConfigDir() string {
	if dir := os.Getenv("PKGSTORE_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".pkgstore")
}

// ConfigDir returns the configuration directory path.
func ConfigDir() string {
	return getConfigDir()
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(getConfigDir(), "settings.yaml")
}

// DefaultRoot returns the install root used when none is given: the
// PKGSTORE_ROOT env var, or <config dir>/store.
func DefaultRoot() string {
	if root := os.Getenv("PKGSTORE_ROOT"); root != "" {
		return root
	}
	return filepath.Join(getConfigDir(), "store")
}

// EnsureConfigDir creates the config directory if it doesn't exist.
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0o700)
}

// Settings are the user-tunable knobs of the install database.
type Settings struct {
	// DBLockTimeout bounds whole-table lock waits, in seconds.
	DBLockTimeout int `yaml:"db_lock_timeout"`

	// PackageLockTimeout bounds per-package lock waits, in seconds.
	// Zero waits forever: package builds legitimately hold their locks
	// for hours.
	PackageLockTimeout int `yaml:"package_lock_timeout"`

	// LogLevel: trace, debug, info, warn, off (default: warn).
	LogLevel string `yaml:"log_level"`
}

func defaultSettings() Settings {
	return Settings{
		DBLockTimeout:      120,
		PackageLockTimeout: 0,
		LogLevel:           "warn",
	}
}

// LoadSettings reads settings.yaml, falling back to defaults when the
// file does not exist.
func LoadSettings() (*Settings, error) {
	data, err := os.ReadFile(SettingsPath())
	if err != nil {
		if os.IsNotExist(err) {
			settings := defaultSettings()
			return &settings, nil
		}
		return nil, err
	}

	settings := defaultSettings()
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("parse %s: %w", SettingsPath(), err)
	}
	return &settings, nil
}

// InitConfigDir initializes the config directory, writing a default
// settings file if none exists.
func InitConfigDir() error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	path := SettingsPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, artifacts.DefaultSettings, 0o600); err != nil {
			return fmt.Errorf("failed to create default settings: %w", err)
		}
	}
	return nil
}
