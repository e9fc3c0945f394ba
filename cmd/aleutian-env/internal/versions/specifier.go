// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package versions

import (
	"fmt"
	"strings"
)

// clause is one comparison of a specifier, e.g. "<3.0".
type clause struct {
	op       string
	version  Version
	raw      string
	wildcard []uint64
}

// Specifier is a parsed PEP 440 version specifier such as ">=2.0,<3.0".
//
// An empty specifier matches every version.
type Specifier struct {
	raw     string
	clauses []clause
}

// operators are ordered so two-character operators match first.
var operators = []string{"===", "~=", "==", "!=", ">=", "<=", ">", "<"}

// ParseSpecifier parses a comma separated specifier.
//
// # Inputs
//
//   - raw: Specifier text. Surrounding parentheses and whitespace are
//     accepted because registry metadata uses both ("(<3.0,>=2.0)").
//
// # Outputs
//
//   - Specifier: Parsed specifier.
//   - error: Non-nil when any clause is malformed.
func ParseSpecifier(raw string) (Specifier, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")
	spec := Specifier{raw: strings.ReplaceAll(s, " ", "")}
	if strings.TrimSpace(s) == "" {
		return spec, nil
	}

	for _, part := range strings.Split(s, ",") {
		part = strings.ReplaceAll(strings.TrimSpace(part), " ", "")
		if part == "" {
			continue
		}
		c, err := parseClause(part)
		if err != nil {
			return Specifier{}, fmt.Errorf("specifier %q: %w", raw, err)
		}
		spec.clauses = append(spec.clauses, c)
	}
	return spec, nil
}

// MustParseSpecifier is ParseSpecifier for literals known to be valid.
func MustParseSpecifier(raw string) Specifier {
	s, err := ParseSpecifier(raw)
	if err != nil {
		panic(err)
	}
	return s
}

func parseClause(part string) (clause, error) {
	op := ""
	for _, candidate := range operators {
		if strings.HasPrefix(part, candidate) {
			op = candidate
			break
		}
	}
	if op == "" {
		return clause{}, fmt.Errorf("missing operator in %q", part)
	}
	rest := strings.TrimPrefix(part, op)
	c := clause{op: op, raw: rest}

	if op == "===" {
		return c, nil
	}
	if strings.HasSuffix(rest, ".*") {
		if op != "==" && op != "!=" {
			return clause{}, fmt.Errorf("wildcard not allowed with %s", op)
		}
		v, err := Parse(strings.TrimSuffix(rest, ".*"))
		if err != nil {
			return clause{}, err
		}
		c.wildcard = v.Release()
		return c, nil
	}
	v, err := Parse(rest)
	if err != nil {
		return clause{}, err
	}
	if op == "~=" && len(v.Release()) < 2 {
		return clause{}, fmt.Errorf("~= requires at least two release segments: %q", part)
	}
	c.version = v
	return c, nil
}

// String returns the normalized specifier text without spaces.
func (s Specifier) String() string { return s.raw }

// IsEmpty reports whether the specifier has no clauses.
func (s Specifier) IsEmpty() bool { return len(s.clauses) == 0 }

// Allows reports whether v satisfies every clause.
func (s Specifier) Allows(v Version) bool {
	for _, c := range s.clauses {
		if !c.allows(v) {
			return false
		}
	}
	return true
}

func (c clause) allows(v Version) bool {
	switch c.op {
	case "===":
		return v.String() == c.raw
	case "==":
		if c.wildcard != nil {
			return v.HasPrefix(c.wildcard)
		}
		return v.Compare(c.version) == 0
	case "!=":
		if c.wildcard != nil {
			return !v.HasPrefix(c.wildcard)
		}
		return v.Compare(c.version) != 0
	case ">=":
		return v.Compare(c.version) >= 0
	case "<=":
		return v.Compare(c.version) <= 0
	case ">":
		// >V excludes post releases of V itself unless V is one.
		if v.IsPost() && !c.version.IsPost() && v.compareBase(c.version) == 0 {
			return false
		}
		return v.Compare(c.version) > 0
	case "<":
		return v.Compare(c.version) < 0
	case "~=":
		rel := c.version.Release()
		return v.Compare(c.version) >= 0 && v.HasPrefix(rel[:len(rel)-1])
	}
	return false
}

// Filter returns the versions allowed by s, preserving order.
func (s Specifier) Filter(vs []Version) []Version {
	out := make([]Version, 0, len(vs))
	for _, v := range vs {
		if s.Allows(v) {
			out = append(out, v)
		}
	}
	return out
}

// NewestAllowed returns the newest stable version allowed by s.
func (s Specifier) NewestAllowed(vs []Version) (Version, bool) {
	return NthNewest(s.Filter(StableOnly(vs)), 1)
}
