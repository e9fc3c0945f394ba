// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resolver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/registry"
)

func TestParse_Golden(t *testing.T) {
	inputs, err := filepath.Glob(filepath.Join("testdata", "*.txt"))
	require.NoError(t, err)
	require.NotEmpty(t, inputs)

	for _, in := range inputs {
		name := strings.TrimSuffix(filepath.Base(in), ".txt")
		t.Run(name, func(t *testing.T) {
			report, err := os.ReadFile(in)
			require.NoError(t, err)
			golden, err := os.ReadFile(strings.TrimSuffix(in, ".txt") + ".golden.json")
			require.NoError(t, err)

			var want []ConflictRecord
			require.NoError(t, json.Unmarshal(golden, &want))

			got := Parse(string(report))
			if len(want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, want, got)
		})
	}
}

func TestParse_Deduplicates(t *testing.T) {
	line := "liba 2.0 requires libb<3.0, but you have libb 3.2 which is incompatible.\n"
	assert.Len(t, Parse(line+line), 1)
}

const scenarioC = "liba 2.0 requires libb<3.0, but you have libb 3.2 which is incompatible.\n"

func libbRegistry() *registry.StaticRegistry {
	return &registry.StaticRegistry{
		Releases: map[string][]string{
			"libb": {"2.5", "2.6", "2.7", "2.8", "2.9.1", "2.9.2rc1", "3.0", "3.1", "3.2"},
			"liba": {"1.6", "1.7", "1.8", "1.9", "2.0", "2.1"},
		},
	}
}

func TestResolve_ScenarioC(t *testing.T) {
	reg := libbRegistry()
	index := &registry.StaticIndex{Err: errors.New("must not be consulted")}
	r := New(reg, index, nil, Config{})

	out := r.Resolve(context.Background(), scenarioC, nil)
	require.False(t, out.Inconclusive())
	require.Len(t, out.Candidates, 1)
	c := out.Candidates[0]
	assert.Equal(t, "libb", c.Package)
	assert.Equal(t, "2.9.1", c.Version)
	assert.Equal(t, StrategyRegistry, c.Strategy)
	assert.Contains(t, c.Rationale, "<3.0")

	require.Len(t, out.Attempts, 1, "later strategies are not evaluated")
}

func TestResolve_RegistryScansRequiringPackage(t *testing.T) {
	reg := &registry.StaticRegistry{
		Releases: map[string][]string{
			"libb": {"3.1", "3.2"},
			"liba": {"1.0", "1.9", "2.0", "2.1", "2.2", "2.3", "2.4"},
		},
		Requires: map[string][]registry.Requirement{
			"liba==2.4": {{Name: "libb", Specifier: "<3.0"}},
			"liba==2.3": {{Name: "six"}, {Name: "libb", Specifier: ">=2.0,<3.3"}},
			"liba==1.0": {{Name: "libb"}},
		},
	}
	r := New(reg, nil, nil, Config{})

	out := r.Resolve(context.Background(), scenarioC, nil)
	require.Len(t, out.Candidates, 1)
	assert.Equal(t, "liba", out.Candidates[0].Package)
	assert.Equal(t, "2.3", out.Candidates[0].Version)
	assert.Equal(t, StrategyRegistry, out.Candidates[0].Strategy)
}

func TestResolve_ScanDepthIsBounded(t *testing.T) {
	reg := &registry.StaticRegistry{
		Releases: map[string][]string{
			"libb": {"3.1", "3.2"},
			"liba": {"1.0", "2.0", "2.1", "2.2", "2.3", "2.4"},
		},
		Requires: map[string][]registry.Requirement{
			"liba==1.0": {{Name: "libb"}},
		},
	}
	r := New(reg, nil, nil, Config{})
	out := r.Resolve(context.Background(), scenarioC, nil)

	for _, call := range reg.Calls {
		assert.NotEqual(t, "deps liba==1.0", call, "only the last %d releases are scanned", RequiringScanDepth)
	}
	// The fallback still produces a pin for libb.
	require.Len(t, out.Candidates, 1)
	assert.Equal(t, StrategyFallback, out.Candidates[0].Strategy)
}

func TestResolve_StrategyOrder(t *testing.T) {
	down := &registry.StaticRegistry{Err: registry.ErrUnavailable}
	index := &registry.StaticIndex{Builds: map[string][]registry.Combination{
		"liba": {{Version: "2.0", Depends: map[string]string{"libb": ">=2.8"}}},
		"libb": {{Version: "2.7"}, {Version: "2.8"}, {Version: "2.9.1"}, {Version: "3.2"}},
	}}
	manifests := &registry.StaticManifests{Texts: []string{
		"libb==2.5\n", "libb==2.6\n", "libb==2.7\n", "libb==2.8\n", "libb==2.9.1\n", "libb==3.2\n",
	}}

	tests := []struct {
		name      string
		reg       registry.Registry
		index     registry.SecondaryIndex
		manifests registry.ManifestSource
		want      Strategy
		version   string
	}{
		{"registry wins", libbRegistry(), index, manifests, StrategyRegistry, "2.9.1"},
		{"index when registry is down", down, index, manifests, StrategyIndex, "2.9.1"},
		{"sampling when index is empty", down, &registry.StaticIndex{}, manifests, StrategySampling, "2.6"},
		{"fallback last", &registry.StaticRegistry{Releases: map[string][]string{
			"libb": {"3.1", "3.2", "3.3", "3.4", "3.5", "3.6", "3.7"},
		}}, &registry.StaticIndex{}, &registry.StaticManifests{}, StrategyFallback, "3.2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(tt.reg, tt.index, tt.manifests, Config{})
			out := r.Resolve(context.Background(), scenarioC, nil)
			require.Len(t, out.Candidates, 1)
			assert.Equal(t, tt.want, out.Candidates[0].Strategy)
			assert.Equal(t, tt.version, out.Candidates[0].Version)

			last := out.Attempts[len(out.Attempts)-1]
			assert.Equal(t, tt.want, last.Strategy)
			assert.True(t, last.Found)
		})
	}
}

func TestResolve_IndexHonorsRecordedDependency(t *testing.T) {
	down := &registry.StaticRegistry{Err: registry.ErrUnavailable}
	index := &registry.StaticIndex{Builds: map[string][]registry.Combination{
		"liba": {{Version: "2.0", Depends: map[string]string{"libb": "<2.9"}}},
		"libb": {{Version: "2.8"}, {Version: "2.9.1"}},
	}}
	out := New(down, index, nil, Config{}).Resolve(context.Background(), scenarioC, nil)
	require.Len(t, out.Candidates, 1)
	assert.Equal(t, "2.8", out.Candidates[0].Version)
}

func TestResolve_RejectsUserPinnedTargets(t *testing.T) {
	r := New(libbRegistry(), nil, nil, Config{})
	pinned := func(pkg string) bool { return pkg == "libb" }

	out := r.Resolve(context.Background(), scenarioC, pinned)
	assert.True(t, out.Inconclusive())
	assert.NotEmpty(t, out.Rejected)
	for _, c := range out.Rejected {
		assert.Equal(t, "libb", c.Package)
	}
}

func TestResolve_UnparseableIsInconclusive(t *testing.T) {
	reg := libbRegistry()
	out := New(reg, nil, nil, Config{}).Resolve(context.Background(), "Segmentation fault (core dumped)", nil)
	assert.True(t, out.Inconclusive())
	assert.Empty(t, out.Records)
	assert.Empty(t, reg.Calls, "no upstream calls without a parsed conflict")
}

func TestResolve_FirstCandidatePerPackageWins(t *testing.T) {
	report := "liba 2.0 requires libb<3.0, but you have libb 3.2 which is incompatible.\n" +
		"libc 1.0 requires libb<2.9, but you have libb 3.2 which is incompatible.\n"
	out := New(libbRegistry(), nil, nil, Config{}).Resolve(context.Background(), report, nil)
	require.Len(t, out.Records, 2)
	require.Len(t, out.Candidates, 1)
	assert.Equal(t, "2.9.1", out.Candidates[0].Version)
}

func TestResolve_ResetsCacheEachPass(t *testing.T) {
	cache := registry.NewCache()
	r := New(libbRegistry(), nil, nil, Config{Cache: cache})
	r.Resolve(context.Background(), scenarioC, nil)
	assert.Equal(t, 0, cache.Hits())
}
