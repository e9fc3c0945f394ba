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
	"log/slog"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/toolchain"
	"github.com/AleutianAI/AleutianEnv/pkg/validation"
)

// CrossRule constrains Target whenever When is declared.
type CrossRule struct {
	When      string `koanf:"when" yaml:"when" validate:"required"`
	Target    string `koanf:"target" yaml:"target" validate:"required"`
	Specifier string `koanf:"specifier" yaml:"specifier" validate:"required"`
}

// SmartDefaults is the table of known-good constraints applied to
// packages the user declared without a version.
type SmartDefaults struct {
	// CrossRules are applied first, in order.
	CrossRules []CrossRule

	// Packages maps a package name to its default specifier.
	Packages map[string]string
}

// DefaultSmartDefaults returns the shipped table.
func DefaultSmartDefaults() SmartDefaults {
	return SmartDefaults{
		CrossRules: []CrossRule{
			{When: "tensorflow", Target: "numpy", Specifier: "<2.0"},
			{When: "pyspark", Target: "pyarrow", Specifier: ">=4.0"},
			{When: "torch", Target: "typing-extensions", Specifier: ">=4.8"},
		},
		Packages: map[string]string{
			"numpy":      ">=1.26",
			"pandas":     ">=2.1",
			"scipy":      ">=1.11",
			"matplotlib": ">=3.8",
			"jupyterlab": ">=4.0",
			"ipykernel":  ">=6.25",
		},
	}
}

// Merge applies smart defaults to existing without touching user intent.
//
// # Description
//
// The input slice is not modified. Cross-package rules run first: when
// the trigger is declared, a target declared without a version receives
// the rule's specifier, an explicitly constrained target is left as is
// (and the decision logged), and an undeclared target gets a
// ConstraintOnly entry. Per-package defaults then apply to entries still
// without an operator. Entries that already carry any operator, whatever
// their origin, are never changed, so Merge(Merge(x)) == Merge(x).
//
// # Inputs
//
//   - existing: parsed entries, typically user and resolver origin.
//   - defaults: the smart-default table.
//   - logger: receives one line per honored user constraint. May be nil.
//
// # Outputs
//
//   - []Entry: merged entries in input order, constraint-only additions last.
func Merge(existing []Entry, defaults SmartDefaults, logger *slog.Logger) []Entry {
	if logger == nil {
		logger = slog.Default()
	}
	out := append([]Entry(nil), existing...)

	index := func(name string) int {
		key := toolchain.NormalizeName(name)
		for i, e := range out {
			if e.Key() == key {
				return i
			}
		}
		return -1
	}
	declared := func(name string) bool {
		i := index(name)
		return i >= 0 && !out[i].ConstraintOnly
	}

	for _, rule := range defaults.CrossRules {
		if !declared(rule.When) {
			continue
		}
		i := index(rule.Target)
		switch {
		case i < 0:
			out = append(out, Entry{Package: rule.Target, ConstraintOnly: true}.withSpecifier(rule.Specifier, OriginSmartDefault))
		case !out[i].Explicit():
			out[i] = out[i].withSpecifier(rule.Specifier, OriginSmartDefault)
		case out[i].Origin == OriginUser:
			logger.Info("honoring user constraint over cross-package default",
				"package", out[i].Package, "user", out[i].SpecString(),
				"default", rule.Specifier, "trigger", rule.When)
		}
	}

	names := make([]string, 0, len(defaults.Packages))
	for name := range defaults.Packages {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		i := index(name)
		if i < 0 || out[i].ConstraintOnly {
			continue
		}
		if out[i].Explicit() {
			if out[i].Origin == OriginUser {
				logger.Debug("honoring user constraint", "package", out[i].Package, "user", out[i].SpecString())
			}
			continue
		}
		out[i] = out[i].withSpecifier(defaults.Packages[name], OriginSmartDefault)
	}
	return out
}

// AddResolverPins appends resolver-origin pins as constraint-only entries.
// A pin for a package the user constrained explicitly, or one whose name
// or version would not render as a plain requirement line, is dropped and
// reported in rejected. A newer resolver pin replaces an older one.
func AddResolverPins(entries []Entry, pins []Entry) (merged []Entry, rejected []Entry) {
	merged = append([]Entry(nil), entries...)
	for _, pin := range pins {
		pin.Origin = OriginResolver
		pin.ConstraintOnly = true
		if validation.ValidatePin(pin.Package, pin.Version) != nil || IsUserPinned(merged, pin.Package) {
			rejected = append(rejected, pin)
			continue
		}
		replaced := false
		for i, e := range merged {
			if e.Origin == OriginResolver && e.Key() == pin.Key() {
				merged[i] = pin
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, pin)
		}
	}
	return merged, rejected
}

// IsUserPinned reports whether the user constrained pkg explicitly.
func IsUserPinned(entries []Entry, pkg string) bool {
	key := toolchain.NormalizeName(pkg)
	for _, e := range entries {
		if e.Origin == OriginUser && e.Explicit() && e.Key() == key {
			return true
		}
	}
	return false
}

// DuplicatePin describes a package the user pinned more than once to
// different versions.
type DuplicatePin struct {
	Package string
	Specs   []string
}

func (d DuplicatePin) String() string {
	return d.Package + " (" + strings.Join(d.Specs, " vs ") + ")"
}

// DuplicatePins finds user "==" pins that disagree on the same package.
// Such a file can never compile and picking one of the user's own pins
// automatically is not acceptable.
func DuplicatePins(entries []Entry) []DuplicatePin {
	specs := make(map[string][]string)
	var order []string
	for _, e := range entries {
		if e.Origin != OriginUser || e.Operator != OpPin {
			continue
		}
		k := e.Key()
		if _, ok := specs[k]; !ok {
			order = append(order, k)
		}
		spec := e.SpecString()
		dup := false
		for _, s := range specs[k] {
			if s == spec {
				dup = true
			}
		}
		if !dup {
			specs[k] = append(specs[k], spec)
		}
	}
	var out []DuplicatePin
	for _, k := range order {
		if len(specs[k]) > 1 {
			out = append(out, DuplicatePin{Package: k, Specs: specs[k]})
		}
	}
	return out
}
