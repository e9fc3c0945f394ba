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
	"bufio"
	"regexp"
	"strings"

	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/toolchain"
)

// ConflictRecord is one unsatisfied dependency edge extracted from a
// conflict report. It lives for one resolution pass.
type ConflictRecord struct {
	RequiringPkg      string `json:"requiring_pkg"`
	RequiringVer      string `json:"requiring_ver"`
	RequiredPkg       string `json:"required_pkg"`
	RequiredSpecifier string `json:"required_specifier"`
	InstalledVer      string `json:"installed_ver"`
}

// Key identifies the record for de-duplication.
func (c ConflictRecord) Key() string {
	return toolchain.NormalizeName(c.RequiringPkg) + "@" + c.RequiringVer + "->" +
		toolchain.NormalizeName(c.RequiredPkg) + c.RequiredSpecifier
}

// String renders the record as "liba 2.0 needs libb<3.0 (got 3.2)".
func (c ConflictRecord) String() string {
	s := c.RequiringPkg + " " + c.RequiringVer + " needs " + c.RequiredPkg + c.RequiredSpecifier
	if c.InstalledVer != "" {
		s += " (got " + c.InstalledVer + ")"
	}
	return s
}

var (
	// "liba 2.0 requires libb<3.0,>=2.0, but you have libb 3.2 which is incompatible."
	// "liba 2.0 has requirement libb<3.0, but you'll have libb 3.2 which is incompatible."
	incompatibleLine = regexp.MustCompile(
		`([A-Za-z0-9][A-Za-z0-9._-]*) (\S+) (?:requires|has requirement) ([A-Za-z0-9][A-Za-z0-9._-]*)(?:\[[^\]]*\])?\s*(.*?), but you(?: have|'ll have) ([A-Za-z0-9][A-Za-z0-9._-]*) (\S+?)(?: which is incompatible)?\.?\s*$`)

	// "    liba 2.0 depends on libb<3.0"
	// "    liba 2.0 depends on libb<3.0 and >=2.0; python_version < \"3.12\""
	dependsLine = regexp.MustCompile(
		`^\s*([A-Za-z0-9][A-Za-z0-9._-]*) (\S+) depends on ([A-Za-z0-9][A-Za-z0-9._-]*)(?:\[[^\]]*\])?\s*([^;]*)`)

	// "    The user requested libb==3.2"
	userRequestedLine = regexp.MustCompile(
		`^\s*The user requested (?:\(constraint\) )?([A-Za-z0-9][A-Za-z0-9._-]*)(?:\[[^\]]*\])?\s*==\s*(\S+)`)

	causedByHeader = regexp.MustCompile(`(?i)^\s*The conflict is caused by:\s*$`)
)

// Parse extracts conflict records from an installer or compiler report.
//
// # Description
//
// Two shapes are recognized. The post-install consistency check prints
// one "X V requires Y<spec>, but you have Y W" line per broken edge. The
// resolver's ResolutionImpossible report lists "X V depends on Y<spec>"
// edges under "The conflict is caused by:", with the conflicting version
// given by a "The user requested Y==W" line. Text in any other shape
// yields no records, which callers treat as inconclusive.
//
// # Outputs
//
//   - []ConflictRecord: De-duplicated records in report order.
func Parse(report string) []ConflictRecord {
	var out []ConflictRecord
	seen := make(map[string]bool)
	add := func(c ConflictRecord) {
		c.RequiredSpecifier = strings.ReplaceAll(c.RequiredSpecifier, " ", "")
		if seen[c.Key()] {
			return
		}
		seen[c.Key()] = true
		out = append(out, c)
	}

	var (
		inCausedBy bool
		edges      []ConflictRecord
		requested  = make(map[string]string)
	)
	sc := bufio.NewScanner(strings.NewReader(report))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()

		if m := incompatibleLine.FindStringSubmatch(line); m != nil {
			if toolchain.NormalizeName(m[3]) == toolchain.NormalizeName(m[5]) {
				add(ConflictRecord{
					RequiringPkg:      m[1],
					RequiringVer:      m[2],
					RequiredPkg:       m[3],
					RequiredSpecifier: strings.TrimSuffix(strings.TrimSpace(m[4]), ","),
					InstalledVer:      m[6],
				})
			}
			continue
		}

		if causedByHeader.MatchString(line) {
			inCausedBy = true
			continue
		}
		if !inCausedBy {
			continue
		}
		if strings.TrimSpace(line) == "" {
			inCausedBy = false
			continue
		}
		if m := userRequestedLine.FindStringSubmatch(line); m != nil {
			requested[toolchain.NormalizeName(m[1])] = m[2]
			continue
		}
		if m := dependsLine.FindStringSubmatch(line); m != nil {
			edges = append(edges, ConflictRecord{
				RequiringPkg:      m[1],
				RequiringVer:      m[2],
				RequiredPkg:       m[3],
				RequiredSpecifier: strings.ReplaceAll(strings.TrimSpace(m[4]), " and ", ","),
			})
		}
	}

	for _, e := range edges {
		e.InstalledVer = requested[toolchain.NormalizeName(e.RequiredPkg)]
		add(e)
	}
	return out
}
