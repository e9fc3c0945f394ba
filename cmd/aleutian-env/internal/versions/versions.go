// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package versions parses and orders Python package versions.
//
// Registry versions follow PEP 440 ("2.0", "1.26.4", "2.1.0rc1",
// "1.0.post2", "1!3.0"). They are normalized into a semantic version
// so ordering and comparison can be delegated to Masterminds/semver.
// The raw string is always kept because it is what gets written back
// into requirement files.
package versions

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// pep440 matches the public part of a PEP 440 version after the epoch
// has been stripped.
var pep440 = regexp.MustCompile(
	`^(\d+(?:\.\d+)*)` + // release
		`(?:[._-]?(a|alpha|b|beta|c|rc|pre|preview)[._-]?(\d*))?` + // pre
		`(?:[._-]?(post|rev|r)[._-]?(\d*)|-(\d+))?` + // post
		`(?:[._-]?(dev)[._-]?(\d*))?$`, // dev
)

// Version is a parsed package version.
//
// # Thread Safety
//
// Version is immutable and safe for concurrent reads.
type Version struct {
	raw     string
	release []uint64
	stable  bool
	isPost  bool
	post    uint64
	sv      *semver.Version
}

// Parse parses a registry version string.
//
// # Description
//
// Normalizes a PEP 440 version into a semver value. Release segments past
// the third are kept for prefix matching but do not affect ordering beyond
// the first three. A post release orders after its base release and before
// the next release.
//
// # Inputs
//
//   - raw: Version string as published by the registry.
//
// # Outputs
//
//   - Version: Parsed version.
//   - error: Non-nil when the string is not a recognizable version.
//
// # Example
//
//	v, err := versions.Parse("2.1.0rc1")
//	v.Stable() // false
func Parse(raw string) (Version, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "v")
	if i := strings.Index(s, "!"); i >= 0 {
		s = s[i+1:]
	}
	local := ""
	if i := strings.Index(s, "+"); i >= 0 {
		local = s[i+1:]
		s = s[:i]
	}

	m := pep440.FindStringSubmatch(s)
	if m == nil {
		return Version{}, fmt.Errorf("invalid version %q", raw)
	}

	parts := strings.Split(m[1], ".")
	release := make([]uint64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return Version{}, fmt.Errorf("invalid version %q: %w", raw, err)
		}
		release = append(release, n)
	}

	core := make([]string, 3)
	for i := range core {
		core[i] = "0"
		if i < len(release) {
			core[i] = strconv.FormatUint(release[i], 10)
		}
	}
	normalized := strings.Join(core, ".")

	stable := true
	switch {
	case m[2] != "":
		stable = false
		normalized += "-" + preTag(m[2]) + "." + orZero(m[3])
	case m[7] == "dev":
		stable = false
		normalized += "-dev." + orZero(m[8])
	}

	var meta []string
	if len(release) > 3 {
		for _, r := range release[3:] {
			meta = append(meta, strconv.FormatUint(r, 10))
		}
	}
	var post uint64
	isPost := m[4] != "" || m[6] != ""
	if isPost {
		post, _ = strconv.ParseUint(orZero(m[5]+m[6]), 10, 64)
		meta = append(meta, "post"+orZero(m[5]+m[6]))
	}
	if local != "" {
		meta = append(meta, sanitizeMeta(local))
	}
	if len(meta) > 0 {
		normalized += "+" + strings.Join(meta, ".")
	}

	sv, err := semver.NewVersion(normalized)
	if err != nil {
		return Version{}, fmt.Errorf("invalid version %q: %w", raw, err)
	}
	return Version{raw: strings.TrimSpace(raw), release: release, stable: stable, isPost: isPost, post: post, sv: sv}, nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(raw string) Version {
	v, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return v
}

func preTag(tag string) string {
	switch tag {
	case "a", "alpha":
		return "a"
	case "b", "beta":
		return "b"
	default:
		return "rc"
	}
}

// orZero renders a numeric suffix without leading zeros, "0" when absent.
func orZero(s string) string {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return "0"
	}
	return strconv.FormatUint(n, 10)
}

func sanitizeMeta(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.':
			return r
		default:
			return '.'
		}
	}, s)
}

// String returns the version exactly as published.
func (v Version) String() string { return v.raw }

// Stable reports whether the version is a final or post release.
func (v Version) Stable() bool { return v.stable }

// Release returns the numeric release segments.
func (v Version) Release() []uint64 { return v.release }

// Semver exposes the normalized semantic version.
func (v Version) Semver() *semver.Version { return v.sv }

// IsZero reports whether v was never parsed.
func (v Version) IsZero() bool { return v.sv == nil }

// IsPost reports whether v is a post release.
func (v Version) IsPost() bool { return v.isPost }

// Compare returns -1, 0 or 1.
func (v Version) Compare(o Version) int {
	if c := v.compareBase(o); c != 0 {
		return c
	}
	switch {
	case v.isPost && !o.isPost:
		return 1
	case !v.isPost && o.isPost:
		return -1
	case v.post < o.post:
		return -1
	case v.post > o.post:
		return 1
	}
	return 0
}

// compareBase orders v and o ignoring any post-release suffix.
func (v Version) compareBase(o Version) int {
	if c := v.sv.Compare(o.sv); c != 0 {
		return c
	}
	// Semver ignores build metadata, so break ties on the extra release
	// segments that were folded into it.
	for i := 3; i < len(v.release) || i < len(o.release); i++ {
		a, b := segment(v.release, i), segment(o.release, i)
		if a != b {
			if a < b {
				return -1
			}
			return 1
		}
	}
	return 0
}

func segment(r []uint64, i int) uint64 {
	if i < len(r) {
		return r[i]
	}
	return 0
}

// HasPrefix reports whether the release segments of v start with prefix.
func (v Version) HasPrefix(prefix []uint64) bool {
	for i, p := range prefix {
		if segment(v.release, i) != p {
			return false
		}
	}
	return true
}

// ParseAll parses every string, silently skipping unparseable ones.
//
// Registries publish the occasional legacy version ("0.1-beta-final")
// that nothing downstream can reason about; dropping it is safer than
// failing the whole lookup.
func ParseAll(raws []string) []Version {
	out := make([]Version, 0, len(raws))
	for _, r := range raws {
		if v, err := Parse(r); err == nil {
			out = append(out, v)
		}
	}
	return out
}

// StableOnly filters out pre-releases and dev releases.
func StableOnly(vs []Version) []Version {
	out := make([]Version, 0, len(vs))
	for _, v := range vs {
		if v.Stable() {
			out = append(out, v)
		}
	}
	return out
}

// SortDescending orders versions newest first, in place.
func SortDescending(vs []Version) {
	sort.SliceStable(vs, func(i, j int) bool {
		return vs[i].Compare(vs[j]) > 0
	})
}

// NthNewest returns the n-th newest version (1-based) of vs.
//
// # Description
//
// Used by the rank-based resolution heuristics. When fewer than n
// versions exist the oldest one is returned, which is the most
// conservative choice available.
//
// # Outputs
//
//   - Version: Selected version.
//   - bool: False only when vs is empty.
func NthNewest(vs []Version, n int) (Version, bool) {
	if len(vs) == 0 || n < 1 {
		return Version{}, false
	}
	sorted := append([]Version(nil), vs...)
	SortDescending(sorted)
	if n > len(sorted) {
		return sorted[len(sorted)-1], true
	}
	return sorted[n-1], true
}
