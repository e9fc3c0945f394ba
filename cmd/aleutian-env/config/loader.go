// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianEnv/pkg/logging"
)

const (
	// EnvPrefix marks environment overrides. Nested keys use a double
	// underscore: ALEUTIAN_ENV_EXECUTOR__MAX_ATTEMPTS=5.
	EnvPrefix = "ALEUTIAN_ENV_"

	// ConfigPathEnvVar overrides the config file location.
	ConfigPathEnvVar = "ALEUTIAN_ENV_CONFIG"

	FileName = "config.yaml"
)

var validate = validator.New()

// DefaultPath is $XDG_CONFIG_HOME/aleutian-env/config.yaml.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, AppName, FileName)
}

// Load resolves the config file and loads it.
//
// # Description
//
// An explicit path must exist. Without one, ALEUTIAN_ENV_CONFIG is used,
// then DefaultPath; either is created with the defaults on first run.
//
// # Outputs
//
//   - *Config: validated configuration.
//   - string: the file that was loaded.
func Load(path string) (*Config, string, error) {
	if path == "" {
		path = os.Getenv(ConfigPathEnvVar)
		if path == "" {
			path = DefaultPath()
		}
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "First run detected, creating the config at %s\n", path)
			if err := createDefault(path); err != nil {
				return nil, "", err
			}
		}
	}
	cfg, err := LoadFile(path)
	return cfg, path, err
}

// LoadFile loads configuration in layers: defaults, then the YAML file at
// path (skipped when empty), then ALEUTIAN_ENV_ environment variables.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	cfg.expandPaths()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

// envTransformFunc maps ALEUTIAN_ENV_SNAPSHOT__THRESHOLD_MIB to
// snapshot.threshold_mib. Variables without a section are ignored.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	if !strings.Contains(key, "__") {
		return ""
	}
	return strings.ReplaceAll(key, "__", ".")
}

func (c *Config) expandPaths() {
	for _, p := range []*string{
		&c.Project.Dir, &c.State.Dir, &c.State.EnvDir, &c.Lock.Dir,
		&c.Logging.Dir, &c.Compat.RulesFile, &c.Telemetry.TraceFile, &c.Telemetry.MetricsTextfile,
	} {
		*p = logging.ExpandPath(*p)
	}
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yamlv3.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}
