// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compat

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/versions"
)

// Rule recommends an interpreter version for signatures that match a
// known incompatibility. Rules are evaluated in order; the first match
// wins.
type Rule struct {
	ID                 string
	Predicate          func(Signature) bool
	RecommendedVersion string
	Reason             string

	// Probe describes how to test whether the issue is fixed on the
	// default version. A zero Probe disables adaptive promotion.
	Probe ProbeSpec
}

// ProbeSpec names the package to install and the script that exercises
// its primary operation.
type ProbeSpec struct {
	Package string `yaml:"package"`
	Script  string `yaml:"script"`
}

// RuleSpec is the declarative form of a Rule, used for the built-in
// table and for user rule files.
type RuleSpec struct {
	ID                 string    `yaml:"id"`
	Platform           string    `yaml:"platform,omitempty"`
	Architecture       string    `yaml:"arch,omitempty"`
	MinOSVersion       string    `yaml:"min_os_version,omitempty"`
	MaxOSVersion       string    `yaml:"max_os_version,omitempty"`
	Requires           []string  `yaml:"requires,omitempty"`
	Excludes           []string  `yaml:"excludes,omitempty"`
	RecommendedVersion string    `yaml:"recommended_version"`
	Reason             string    `yaml:"reason"`
	Probe              ProbeSpec `yaml:"probe,omitempty"`
}

// Compile turns the spec into a Rule.
//
// # Description
//
// Every non-empty field narrows the match. MinOSVersion is inclusive and
// MaxOSVersion exclusive. An OS version that cannot be parsed never
// matches a rule with an OS bound.
func (s RuleSpec) Compile() (Rule, error) {
	if s.ID == "" {
		return Rule{}, fmt.Errorf("rule without id")
	}
	if s.RecommendedVersion == "" {
		return Rule{}, fmt.Errorf("rule %s: recommended_version is required", s.ID)
	}
	var minOS, maxOS versions.Version
	var err error
	if s.MinOSVersion != "" {
		if minOS, err = versions.Parse(s.MinOSVersion); err != nil {
			return Rule{}, fmt.Errorf("rule %s: min_os_version: %w", s.ID, err)
		}
	}
	if s.MaxOSVersion != "" {
		if maxOS, err = versions.Parse(s.MaxOSVersion); err != nil {
			return Rule{}, fmt.Errorf("rule %s: max_os_version: %w", s.ID, err)
		}
	}

	spec := s
	pred := func(sig Signature) bool {
		if spec.Platform != "" && sig.Platform != spec.Platform {
			return false
		}
		if spec.Architecture != "" && sig.Architecture != spec.Architecture {
			return false
		}
		if !minOS.IsZero() || !maxOS.IsZero() {
			osv, err := versions.Parse(sig.OSVersion)
			if err != nil {
				return false
			}
			if !minOS.IsZero() && osv.Compare(minOS) < 0 {
				return false
			}
			if !maxOS.IsZero() && osv.Compare(maxOS) >= 0 {
				return false
			}
		}
		for _, pkg := range spec.Requires {
			if !sig.Declares(pkg) {
				return false
			}
		}
		for _, pkg := range spec.Excludes {
			if sig.Declares(pkg) {
				return false
			}
		}
		return true
	}

	return Rule{
		ID:                 s.ID,
		Predicate:          pred,
		RecommendedVersion: s.RecommendedVersion,
		Reason:             s.Reason,
		Probe:              s.Probe,
	}, nil
}

// builtinRuleSpecs is the shipped matrix. Entries are mutually exclusive
// through their requires/excludes sets.
var builtinRuleSpecs = []RuleSpec{
	{
		ID:                 "torch-macos15-arm64",
		Platform:           PlatformMac,
		Architecture:       "arm64",
		MinOSVersion:       "15.1",
		Requires:           []string{"torch"},
		RecommendedVersion: "3.12",
		Reason:             "torch wheels for the newest interpreter crash in MPS initialization on macOS 15.1+ arm64",
		Probe: ProbeSpec{
			Package: "torch",
			Script:  "import torch; x = torch.ones(64, 64); print(float((x @ x).sum()))",
		},
	},
	{
		ID:                 "tensorflow-macos-arm64",
		Platform:           PlatformMac,
		Architecture:       "arm64",
		Requires:           []string{"tensorflow"},
		Excludes:           []string{"torch"},
		RecommendedVersion: "3.11",
		Reason:             "tensorflow-metal has no wheels for newer interpreters on Apple silicon",
		Probe: ProbeSpec{
			Package: "tensorflow",
			Script:  "import tensorflow as tf; print(tf.reduce_sum(tf.ones((8, 8))).numpy())",
		},
	},
	{
		ID:                 "pyspark-linux",
		Platform:           PlatformLinux,
		Requires:           []string{"pyspark"},
		Excludes:           []string{"torch", "tensorflow"},
		RecommendedVersion: "3.11",
		Reason:             "pyspark worker serialization breaks on the newest interpreter",
		Probe: ProbeSpec{
			Package: "pyspark",
			Script:  "from pyspark.sql import SparkSession; s = SparkSession.builder.master('local[1]').getOrCreate(); print(s.range(10).count()); s.stop()",
		},
	},
}

// BuiltinRules returns the shipped rules in evaluation order.
func BuiltinRules() []Rule {
	rules, err := CompileRules(builtinRuleSpecs)
	if err != nil {
		panic(fmt.Sprintf("builtin compatibility rules: %v", err))
	}
	return rules
}

// CompileRules compiles specs in order.
func CompileRules(specs []RuleSpec) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	seen := make(map[string]bool, len(specs))
	for _, spec := range specs {
		if seen[spec.ID] {
			return nil, fmt.Errorf("duplicate rule id %q", spec.ID)
		}
		seen[spec.ID] = true
		r, err := spec.Compile()
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// LoadRuleFile reads additional rule specs from a YAML file. The file
// holds a top-level list of RuleSpec.
func LoadRuleFile(path string) ([]RuleSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	var specs []RuleSpec
	if err := yaml.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("parse rule file %s: %w", path, err)
	}
	return specs, nil
}

// MatrixRules returns built-in rules followed by the rules in path.
// An empty path returns the built-ins only.
func MatrixRules(path string) ([]Rule, error) {
	specs := append([]RuleSpec(nil), builtinRuleSpecs...)
	if path != "" {
		extra, err := LoadRuleFile(path)
		if err != nil {
			return nil, err
		}
		specs = append(specs, extra...)
	}
	return CompileRules(specs)
}
