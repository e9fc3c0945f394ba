// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package constraints owns the declared package set and its version
// constraints: parsing the user's requirements file, merging smart
// defaults without clobbering user intent, and rendering the files handed
// to the lock compiler.
package constraints

import (
	"strings"

	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/toolchain"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/versions"
)

// Operator is the constraint kind of an entry.
type Operator string

const (
	// OpNone means the package is declared without a version.
	OpNone Operator = ""

	// OpPin is an exact "==" pin.
	OpPin Operator = "=="

	// OpMin is a ">=" lower bound.
	OpMin Operator = ">="

	// OpSpec is any other specifier, kept verbatim in Entry.Specifier.
	OpSpec Operator = "spec"
)

// Origin records who authored an entry.
type Origin string

const (
	OriginUser         Origin = "user"
	OriginSmartDefault Origin = "smart-default"
	OriginResolver     Origin = "resolver"
)

// Entry is one package constraint.
type Entry struct {
	Package  string
	Extras   string
	Operator Operator

	// Version is set for OpPin and OpMin.
	Version string

	// Specifier is the verbatim specifier for OpSpec.
	Specifier string

	// Marker is an environment marker ("sys_platform == 'darwin'").
	Marker string

	Origin Origin

	// ConstraintOnly entries restrict a package without adding it to the
	// install set. They are rendered into the constraints file.
	ConstraintOnly bool
}

// Key returns the normalized package name.
func (e Entry) Key() string {
	return toolchain.NormalizeName(e.Package)
}

// Explicit reports whether the entry carries any version constraint.
func (e Entry) Explicit() bool {
	return e.Operator != OpNone
}

// SpecString renders the version part: "==1.2", ">=1.0", "<3,>=2" or "".
func (e Entry) SpecString() string {
	switch e.Operator {
	case OpPin, OpMin:
		return string(e.Operator) + e.Version
	case OpSpec:
		return e.Specifier
	}
	return ""
}

// String renders the requirement line.
func (e Entry) String() string {
	var b strings.Builder
	b.WriteString(e.Package)
	b.WriteString(e.Extras)
	spec := e.SpecString()
	if strings.HasPrefix(spec, "@") {
		b.WriteString(" ")
	}
	b.WriteString(spec)
	if e.Marker != "" {
		b.WriteString(" ; ")
		b.WriteString(e.Marker)
	}
	return b.String()
}

// ParsedSpecifier parses the entry's specifier. URL references and
// entries without a constraint yield an empty specifier.
func (e Entry) ParsedSpecifier() (versions.Specifier, error) {
	spec := e.SpecString()
	if spec == "" || strings.HasPrefix(spec, "@") {
		return versions.Specifier{}, nil
	}
	return versions.ParseSpecifier(spec)
}

// withSpecifier returns a copy of e constrained by spec and marked with
// origin. A single "==" or ">=" clause keeps its dedicated operator.
func (e Entry) withSpecifier(spec string, origin Origin) Entry {
	e.Operator, e.Version, e.Specifier = classify(spec)
	e.Origin = origin
	return e
}

// classify maps a specifier string onto Operator and Version.
func classify(spec string) (Operator, string, string) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return OpNone, "", ""
	}
	if !strings.Contains(spec, ",") && !strings.HasSuffix(spec, ".*") {
		switch {
		case strings.HasPrefix(spec, "==="):
		case strings.HasPrefix(spec, "=="):
			return OpPin, strings.TrimSpace(spec[2:]), ""
		case strings.HasPrefix(spec, ">="):
			return OpMin, strings.TrimSpace(spec[2:]), ""
		}
	}
	return OpSpec, "", spec
}
