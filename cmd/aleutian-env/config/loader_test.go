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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefaultConfig_Validates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, Validate(&cfg))
	assert.Equal(t, int64(500<<20), cfg.ThresholdBytes())
	assert.Equal(t, "badger", cfg.Compat.Store)
}

func TestLoadFile_Layers(t *testing.T) {
	path := writeConfig(t, `
executor:
  max_attempts: 5
  backoff_base: 30s
logging:
  level: debug
compat:
  store: file
`)
	t.Setenv("ALEUTIAN_ENV_EXECUTOR__MAX_ATTEMPTS", "7")
	t.Setenv("ALEUTIAN_ENV_SNAPSHOT__THRESHOLD_MIB", "100")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Executor.MaxAttempts, "environment wins over the file")
	assert.Equal(t, 30*time.Second, cfg.Executor.BackoffBase)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "file", cfg.Compat.Store)
	assert.Equal(t, int64(100<<20), cfg.ThresholdBytes())
	assert.Equal(t, DefaultConfig().Registry.PyPIURL, cfg.Registry.PyPIURL, "untouched keys keep defaults")
}

func TestLoadFile_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown store", "compat:\n  store: sqlite\n"},
		{"zero attempts", "executor:\n  max_attempts: 0\n"},
		{"bad level", "logging:\n  level: verbose\n"},
		{"cross rule without target", "constraints:\n  override: true\n  cross_rules:\n    - when: torch\n      specifier: \">=1\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadFile_MissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_CreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", FileName)
	t.Setenv(ConfigPathEnvVar, path)

	cfg, loaded, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, path, loaded)
	assert.FileExists(t, path)

	def := DefaultConfig()
	assert.Equal(t, def.Executor.BackoffBase, cfg.Executor.BackoffBase)
	assert.Equal(t, def.Compat.Cooldown, cfg.Compat.Cooldown)
	assert.Equal(t, def.Runtime.Range, cfg.Runtime.Range)
}

func TestSmartDefaultsOverride(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, `
constraints:
  override: true
  cross_rules:
    - when: torch
      target: numpy
      specifier: "<2"
  packages:
    pandas: ">=2.2"
`))
	require.NoError(t, err)
	sd := cfg.Constraints.SmartDefaults()
	require.NotNil(t, sd)
	require.Len(t, sd.CrossRules, 1)
	assert.Equal(t, "numpy", sd.CrossRules[0].Target)
	assert.Equal(t, ">=2.2", sd.Packages["pandas"])

	assert.Nil(t, DefaultConfig().Constraints.SmartDefaults())
}

func TestDerivedPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Project.Dir = "/work/app"
	cfg.Project.KnownGood = "/var/lib/good.lock"
	cfg.State.Dir = "/state"

	assert.Equal(t, "/work/app/requirements.txt", cfg.RequirementsPath())
	assert.Equal(t, "/var/lib/good.lock", cfg.KnownGoodPath())
	assert.Equal(t, "/state/work", cfg.WorkDir())
	assert.Equal(t, "/state/operations.jsonl", cfg.OperationLog())
}

func TestEnvTransformFunc(t *testing.T) {
	assert.Equal(t, "executor.max_attempts", envTransformFunc("ALEUTIAN_ENV_EXECUTOR__MAX_ATTEMPTS"))
	assert.Equal(t, "", envTransformFunc("ALEUTIAN_ENV_CONFIG"))
}
