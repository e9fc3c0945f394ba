// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package constraints

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, text string) File {
	t.Helper()
	f, err := Parse(strings.NewReader(text))
	require.NoError(t, err)
	return f
}

func find(entries []Entry, pkg string) (Entry, bool) {
	for _, e := range entries {
		if e.Key() == pkg {
			return e, true
		}
	}
	return Entry{}, false
}

func TestParse(t *testing.T) {
	f := mustParse(t, `
# data stack
--index-url https://pypi.org/simple
numpy
pandas>=2.0   # floor
requests==2.31.0
scikit-learn >= 1.3, <1.6
uvicorn[standard]
black ; python_version >= "3.11"
mylib @ https://example.com/mylib-1.0.tar.gz#sha256=abc
`)
	require.Len(t, f.Entries, 7)
	assert.Equal(t, []string{"--index-url https://pypi.org/simple"}, f.Options)

	tests := []struct {
		pkg     string
		op      Operator
		version string
		spec    string
	}{
		{"numpy", OpNone, "", ""},
		{"pandas", OpMin, "2.0", ">=2.0"},
		{"requests", OpPin, "2.31.0", "==2.31.0"},
		{"scikit-learn", OpSpec, "", ">=1.3,<1.6"},
		{"uvicorn", OpNone, "", ""},
		{"black", OpNone, "", ""},
		{"mylib", OpSpec, "", "@ https://example.com/mylib-1.0.tar.gz#sha256=abc"},
	}
	for _, tt := range tests {
		e, ok := find(f.Entries, tt.pkg)
		require.True(t, ok, tt.pkg)
		assert.Equal(t, tt.op, e.Operator, tt.pkg)
		assert.Equal(t, tt.version, e.Version, tt.pkg)
		assert.Equal(t, tt.spec, e.SpecString(), tt.pkg)
		assert.Equal(t, OriginUser, e.Origin)
	}

	uv, _ := find(f.Entries, "uvicorn")
	assert.Equal(t, "[standard]", uv.Extras)
	black, _ := find(f.Entries, "black")
	assert.Equal(t, `python_version >= "3.11"`, black.Marker)
	assert.Equal(t, `black ; python_version >= "3.11"`, black.String())
}

func TestParse_BadLine(t *testing.T) {
	_, err := Parse(strings.NewReader("numpy\nrequests=>2\n"))
	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 2, perr.Line)
}

func TestMerge_NonDestructive(t *testing.T) {
	f := mustParse(t, "numpy==1.24.4\npandas\nscipy>=1.9\n")
	defaults := SmartDefaults{Packages: map[string]string{"numpy": ">=1.26", "pandas": ">=2.1", "scipy": ">=1.11"}}

	before := append([]Entry(nil), f.Entries...)
	merged := Merge(f.Entries, defaults, nil)
	assert.Equal(t, before, f.Entries, "input must not be mutated")

	numpy, _ := find(merged, "numpy")
	assert.Equal(t, "==1.24.4", numpy.SpecString())
	assert.Equal(t, OriginUser, numpy.Origin)

	scipy, _ := find(merged, "scipy")
	assert.Equal(t, ">=1.9", scipy.SpecString())

	pandas, _ := find(merged, "pandas")
	assert.Equal(t, ">=2.1", pandas.SpecString())
	assert.Equal(t, OriginSmartDefault, pandas.Origin)
}

func TestMerge_Idempotent(t *testing.T) {
	f := mustParse(t, "tensorflow\nnumpy\npandas\nrequests==2.31.0\n")
	once := Merge(f.Entries, DefaultSmartDefaults(), nil)
	twice := Merge(once, DefaultSmartDefaults(), nil)
	assert.Equal(t, once, twice)
	assert.Equal(t, Render(nil, once), Render(nil, twice))
}

func TestMerge_CrossRulesBeforePackageDefaults(t *testing.T) {
	f := mustParse(t, "tensorflow\nnumpy\n")
	merged := Merge(f.Entries, DefaultSmartDefaults(), nil)

	numpy, _ := find(merged, "numpy")
	assert.Equal(t, "<2.0", numpy.SpecString(), "cross-package rule wins over per-package default")
	assert.Equal(t, OriginSmartDefault, numpy.Origin)
}

func TestMerge_CrossRuleUndeclaredTarget(t *testing.T) {
	f := mustParse(t, "pyspark\n")
	merged := Merge(f.Entries, DefaultSmartDefaults(), nil)

	arrow, ok := find(merged, "pyarrow")
	require.True(t, ok)
	assert.True(t, arrow.ConstraintOnly)
	assert.Equal(t, ">=4.0", arrow.SpecString())

	r := Render(nil, merged)
	assert.Contains(t, r.Constraints, "pyarrow>=4.0")
	assert.Contains(t, r.Requirements, "-c "+ConstraintsFileName)
	assert.NotContains(t, r.Requirements, "pyarrow")
}

func TestMerge_CrossRuleHonorsUserPin(t *testing.T) {
	f := mustParse(t, "tensorflow\nnumpy==2.1.0\n")
	merged := Merge(f.Entries, DefaultSmartDefaults(), nil)
	numpy, _ := find(merged, "numpy")
	assert.Equal(t, "==2.1.0", numpy.SpecString())
	assert.Equal(t, OriginUser, numpy.Origin)
}

func TestDuplicatePins_ScenarioA(t *testing.T) {
	f := mustParse(t, "numpy==1.24.0\npandas\nNumPy==1.26.4\nrequests==2.31.0\nrequests==2.31.0\n")
	dups := DuplicatePins(f.Entries)
	require.Len(t, dups, 1)
	assert.Equal(t, "numpy", dups[0].Package)
	assert.Equal(t, []string{"==1.24.0", "==1.26.4"}, dups[0].Specs)
	assert.Contains(t, dups[0].String(), "vs")
}

func TestAddResolverPins(t *testing.T) {
	f := mustParse(t, "liba==2.0\nlibb\n")
	merged, rejected := AddResolverPins(f.Entries, []Entry{
		{Package: "libb", Operator: OpPin, Version: "2.9.1"},
		{Package: "liba", Operator: OpPin, Version: "1.9"},
	})
	require.Len(t, rejected, 1)
	assert.Equal(t, "liba", rejected[0].Package)

	liba, _ := find(merged, "liba")
	assert.Equal(t, "==2.0", liba.SpecString(), "user pin survives")

	merged, _ = AddResolverPins(merged, []Entry{{Package: "libb", Operator: OpPin, Version: "2.9.2"}})
	var pins []string
	for _, e := range merged {
		if e.Origin == OriginResolver {
			pins = append(pins, e.String())
		}
	}
	assert.Equal(t, []string{"libb==2.9.2"}, pins)
}

func TestAddResolverPins_RejectsMalformed(t *testing.T) {
	f := mustParse(t, "libb\n")
	merged, rejected := AddResolverPins(f.Entries, []Entry{
		{Package: "libb", Operator: OpPin, Version: "2.9.1\n--index-url http://evil"},
		{Package: "--pre", Operator: OpPin, Version: "1.0"},
		{Package: "libc", Operator: OpPin, Version: "1.4"},
	})
	require.Len(t, rejected, 2)

	var pins []string
	for _, e := range merged {
		if e.Origin == OriginResolver {
			pins = append(pins, e.String())
		}
	}
	assert.Equal(t, []string{"libc==1.4"}, pins)
}

func TestResolverPinsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", ResolverFileName)

	pins, err := LoadResolverPins(path)
	require.NoError(t, err)
	assert.Empty(t, pins)

	entries := []Entry{
		{Package: "libb", Operator: OpPin, Version: "2.9.1", Origin: OriginResolver, ConstraintOnly: true},
		{Package: "numpy", Operator: OpMin, Version: "1.26", Origin: OriginSmartDefault},
	}
	require.NoError(t, SaveResolverPins(path, entries))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "libb==2.9.1  # origin: resolver\n", string(data))

	pins, err = LoadResolverPins(path)
	require.NoError(t, err)
	require.Len(t, pins, 1)
	assert.Equal(t, OriginResolver, pins[0].Origin)
	assert.True(t, pins[0].ConstraintOnly)
}

func TestWriteFiles(t *testing.T) {
	dir := t.TempDir()
	f := mustParse(t, "--extra-index-url https://download.pytorch.org/whl/cpu\ntorch\n")
	merged := Merge(f.Entries, DefaultSmartDefaults(), nil)

	path, err := WriteFiles(dir, f.Options, merged)
	require.NoError(t, err)
	req, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(req), "--extra-index-url https://download.pytorch.org/whl/cpu\n")
	assert.Contains(t, string(req), "torch\n")

	con, err := os.ReadFile(filepath.Join(dir, ConstraintsFileName))
	require.NoError(t, err)
	assert.Contains(t, string(con), "typing-extensions>=4.8")
}
