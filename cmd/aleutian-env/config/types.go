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
	"path/filepath"
	"time"

	"github.com/adrg/xdg"

	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/compat"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/constraints"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/executor"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/orchestrator"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/registry"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/resolver"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/snapshot"
)

// CurrentConfigVersion is written into new config files.
const CurrentConfigVersion = "1"

// AppName names the XDG subdirectories.
const AppName = "aleutian-env"

// Config is the full CLI configuration.
type Config struct {
	Meta MetaConfig `koanf:"meta" yaml:"meta"`

	// Project locates the declarative files of the managed project.
	Project ProjectConfig `koanf:"project" yaml:"project"`

	// State holds everything the engine owns: the environment, the work
	// directory, snapshots and persisted state.
	State StateConfig `koanf:"state" yaml:"state"`

	Runtime     RuntimeConfig     `koanf:"runtime" yaml:"runtime"`
	Compat      CompatConfig      `koanf:"compat" yaml:"compat"`
	Constraints ConstraintsConfig `koanf:"constraints" yaml:"constraints"`
	Resolver    ResolverConfig    `koanf:"resolver" yaml:"resolver"`
	Registry    RegistryConfig    `koanf:"registry" yaml:"registry"`
	Executor    ExecutorConfig    `koanf:"executor" yaml:"executor"`
	Snapshot    SnapshotConfig    `koanf:"snapshot" yaml:"snapshot"`
	Lock        LockConfig        `koanf:"lock" yaml:"lock"`
	Auxiliary   AuxiliaryConfig   `koanf:"auxiliary" yaml:"auxiliary"`
	Logging     LoggingConfig     `koanf:"logging" yaml:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry" yaml:"telemetry"`
}

type MetaConfig struct {
	Version string `koanf:"version" yaml:"version"`
}

type ProjectConfig struct {
	Dir          string `koanf:"dir" yaml:"dir" validate:"required"`
	Requirements string `koanf:"requirements" yaml:"requirements" validate:"required"`
	Lock         string `koanf:"lock" yaml:"lock" validate:"required"`
	KnownGood    string `koanf:"known_good" yaml:"known_good" validate:"required"`
}

type StateConfig struct {
	Dir    string `koanf:"dir" yaml:"dir" validate:"required"`
	EnvDir string `koanf:"env_dir" yaml:"env_dir" validate:"required"`
}

type RuntimeConfig struct {
	Pyenv string `koanf:"pyenv" yaml:"pyenv" validate:"required"`

	// Range bounds the versions DEFAULT may select, e.g. ">=3.11, <3.14".
	Range string `koanf:"range" yaml:"range" validate:"required"`
}

type CompatConfig struct {
	// Store is "badger", "file" or "memory".
	Store        string        `koanf:"store" yaml:"store" validate:"oneof=badger file memory"`
	RulesFile    string        `koanf:"rules_file" yaml:"rules_file,omitempty"`
	Cooldown     time.Duration `koanf:"cooldown" yaml:"cooldown" validate:"gte=0"`
	ProbeTimeout time.Duration `koanf:"probe_timeout" yaml:"probe_timeout" validate:"gte=0"`
}

// ConstraintsConfig replaces the shipped smart-default table when
// Override is set.
type ConstraintsConfig struct {
	Override   bool                    `koanf:"override" yaml:"override"`
	CrossRules []constraints.CrossRule `koanf:"cross_rules" yaml:"cross_rules,omitempty" validate:"dive"`
	Packages   map[string]string       `koanf:"packages" yaml:"packages,omitempty"`
}

// SmartDefaults returns the table to use, nil for the shipped one.
func (c ConstraintsConfig) SmartDefaults() *constraints.SmartDefaults {
	if !c.Override {
		return nil
	}
	return &constraints.SmartDefaults{CrossRules: c.CrossRules, Packages: c.Packages}
}

type ResolverConfig struct {
	MaxPasses          int `koanf:"max_passes" yaml:"max_passes" validate:"gte=1,lte=10"`
	RequiringScanDepth int `koanf:"requiring_scan_depth" yaml:"requiring_scan_depth" validate:"gte=1"`
	SampleRank         int `koanf:"sample_rank" yaml:"sample_rank" validate:"gte=1"`
	FallbackRank       int `koanf:"fallback_rank" yaml:"fallback_rank" validate:"gte=1"`
}

type RegistryConfig struct {
	PyPIURL         string        `koanf:"pypi_url" yaml:"pypi_url" validate:"required,url"`
	AnacondaURL     string        `koanf:"anaconda_url" yaml:"anaconda_url" validate:"omitempty,url"`
	AnacondaChannel string        `koanf:"anaconda_channel" yaml:"anaconda_channel"`
	ManifestsURL    string        `koanf:"manifests_url" yaml:"manifests_url" validate:"omitempty,url"`
	CallTimeout     time.Duration `koanf:"call_timeout" yaml:"call_timeout" validate:"gt=0"`
	RateLimit       float64       `koanf:"rate_limit" yaml:"rate_limit" validate:"gte=0"`
	Burst           int           `koanf:"burst" yaml:"burst" validate:"gte=0"`
}

type ExecutorConfig struct {
	MaxAttempts     int           `koanf:"max_attempts" yaml:"max_attempts" validate:"gte=1,lte=10"`
	BackoffBase     time.Duration `koanf:"backoff_base" yaml:"backoff_base" validate:"gt=0"`
	RollbackTimeout time.Duration `koanf:"rollback_timeout" yaml:"rollback_timeout" validate:"gt=0"`
}

type SnapshotConfig struct {
	// ThresholdMiB is the largest environment archived in full.
	ThresholdMiB int64 `koanf:"threshold_mib" yaml:"threshold_mib" validate:"gte=1"`
	MaxPerKind   int   `koanf:"max_per_kind" yaml:"max_per_kind" validate:"gte=1"`
}

type LockConfig struct {
	Dir              string        `koanf:"dir" yaml:"dir" validate:"required"`
	Name             string        `koanf:"name" yaml:"name" validate:"required"`
	MaxAttempts      int           `koanf:"max_attempts" yaml:"max_attempts" validate:"gte=1"`
	FreshMarkerGrace time.Duration `koanf:"fresh_marker_grace" yaml:"fresh_marker_grace" validate:"gte=0"`
}

type AuxiliaryConfig struct {
	Enabled bool `koanf:"enabled" yaml:"enabled"`
}

type LoggingConfig struct {
	Level string `koanf:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `koanf:"dir" yaml:"dir,omitempty"`
	JSON  bool   `koanf:"json" yaml:"json"`
	Quiet bool   `koanf:"quiet" yaml:"quiet"`
}

type TelemetryConfig struct {
	TraceFile       string `koanf:"trace_file" yaml:"trace_file,omitempty"`
	MetricsTextfile string `koanf:"metrics_textfile" yaml:"metrics_textfile,omitempty"`
}

// -----------------------------------------------------------------------------
// Derived paths
// -----------------------------------------------------------------------------

func (c *Config) projectPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Project.Dir, name)
}

func (c *Config) RequirementsPath() string { return c.projectPath(c.Project.Requirements) }
func (c *Config) LockPath() string         { return c.projectPath(c.Project.Lock) }
func (c *Config) KnownGoodPath() string    { return c.projectPath(c.Project.KnownGood) }

func (c *Config) WorkDir() string          { return filepath.Join(c.State.Dir, "work") }
func (c *Config) ResolverPinsPath() string { return filepath.Join(c.WorkDir(), constraints.ResolverFileName) }
func (c *Config) SnapshotDir() string      { return filepath.Join(c.State.Dir, "snapshots") }
func (c *Config) OperationLog() string     { return filepath.Join(c.State.Dir, "operations.jsonl") }
func (c *Config) CompatStateFile() string  { return filepath.Join(c.State.Dir, "compat-state.yaml") }
func (c *Config) CompatBadgerDir() string  { return filepath.Join(c.State.Dir, "compat.badger") }
func (c *Config) ProbeDir() string         { return filepath.Join(c.State.Dir, "probes") }

// ThresholdBytes converts the snapshot threshold.
func (c *Config) ThresholdBytes() int64 { return c.Snapshot.ThresholdMiB << 20 }

// DefaultConfig returns the shipped configuration.
func DefaultConfig() Config {
	stateDir := filepath.Join(xdg.StateHome, AppName)
	return Config{
		Meta: MetaConfig{Version: CurrentConfigVersion},
		Project: ProjectConfig{
			Dir:          ".",
			Requirements: "requirements.txt",
			Lock:         "requirements.lock",
			KnownGood:    "requirements.lock.good",
		},
		State: StateConfig{
			Dir:    stateDir,
			EnvDir: filepath.Join(xdg.DataHome, AppName, "venv"),
		},
		Runtime: RuntimeConfig{Pyenv: "pyenv", Range: compat.DefaultRuntimeRange},
		Compat: CompatConfig{
			Store:        "badger",
			Cooldown:     compat.DefaultCooldown,
			ProbeTimeout: compat.DefaultProbeTimeout,
		},
		Resolver: ResolverConfig{
			MaxPasses:          orchestrator.DefaultMaxResolverPasses,
			RequiringScanDepth: resolver.RequiringScanDepth,
			SampleRank:         resolver.SampleRank,
			FallbackRank:       resolver.FallbackRank,
		},
		Registry: RegistryConfig{
			PyPIURL:         "https://pypi.org",
			AnacondaURL:     "https://api.anaconda.org",
			AnacondaChannel: "conda-forge",
			CallTimeout:     registry.DefaultCallTimeout,
			RateLimit:       5,
			Burst:           5,
		},
		Executor: ExecutorConfig{
			MaxAttempts:     executor.DefaultMaxAttempts,
			BackoffBase:     executor.DefaultBackoffBase,
			RollbackTimeout: orchestrator.DefaultRollbackTimeout,
		},
		Snapshot: SnapshotConfig{ThresholdMiB: snapshot.DefaultThreshold >> 20, MaxPerKind: snapshot.DefaultMaxPerKind},
		Lock: LockConfig{
			Dir:              filepath.Join(xdg.RuntimeDir, AppName),
			Name:             "aleutian-env.lock",
			MaxAttempts:      5,
			FreshMarkerGrace: 10 * time.Second,
		},
		Auxiliary: AuxiliaryConfig{Enabled: true},
		Logging:   LoggingConfig{Level: "info", Dir: filepath.Join(stateDir, "logs")},
	}
}
