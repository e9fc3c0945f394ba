// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry reads package metadata from upstream indexes: the
// primary registry (PyPI JSON API), a secondary index (Anaconda), and a
// corpus of public manifests. Every call has a hard timeout and runs
// behind a circuit breaker and a rate limiter; callers treat any error as
// "no data".
package registry

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/toolchain"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/versions"
)

var (
	// ErrNotFound means the index has no such package or version.
	ErrNotFound = errors.New("not found in index")

	// ErrUnavailable means the index could not be reached in time or the
	// circuit breaker is open.
	ErrUnavailable = errors.New("index unavailable")
)

// Requirement is one declared dependency of a release.
type Requirement struct {
	Name      string
	Specifier string
	Marker    string
}

// Key returns the normalized dependency name.
func (r Requirement) Key() string { return toolchain.NormalizeName(r.Name) }

// Registry is the primary package index.
type Registry interface {
	// Versions returns every non-yanked version of name, unsorted.
	Versions(ctx context.Context, name string) ([]versions.Version, error)

	// Dependencies returns the unconditional dependencies of name==version.
	// Extras-only requirements are omitted.
	Dependencies(ctx context.Context, name, version string) ([]Requirement, error)
}

// Combination is one release known to a secondary index together with
// the dependency specifiers it was built against.
type Combination struct {
	Version string
	Depends map[string]string
}

// SecondaryIndex is an alternate index of known-good builds.
type SecondaryIndex interface {
	Combinations(ctx context.Context, name string) ([]Combination, error)
}

// ManifestSource returns public manifest texts that reference a package.
type ManifestSource interface {
	Manifests(ctx context.Context, name string) ([]string, error)
}

// -----------------------------------------------------------------------------
// Per-pass cache
// -----------------------------------------------------------------------------

// Cache memoizes response bodies within one resolution pass. Reset
// between passes so a later pass sees fresh upstream data.
//
// # Thread Safety
//
// Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string][]byte
	hits    int
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string][]byte)}
}

func (c *Cache) get(key string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.entries[key]
	if ok {
		c.hits++
	}
	return b, ok
}

func (c *Cache) put(key string, body []byte) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.entries[key] = body
	c.mu.Unlock()
}

// Reset drops every entry.
func (c *Cache) Reset() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.entries = make(map[string][]byte)
	c.hits = 0
	c.mu.Unlock()
}

// Hits reports cache hits since the last Reset.
func (c *Cache) Hits() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits
}

// -----------------------------------------------------------------------------
// Requirement parsing
// -----------------------------------------------------------------------------

var requiresDist = regexp.MustCompile(`^\s*([A-Za-z0-9][A-Za-z0-9._-]*)\s*(?:\[[^\]]*\])?\s*(\([^)]*\)|[^;]*?)\s*(?:;\s*(.*))?$`)

var extraMarker = regexp.MustCompile(`\bextra\s*==`)

// ParseRequiresDist parses one requires_dist entry such as
// "libb (<3.0,>=2.0)" or "pytest>=7; extra == 'test'". ok is false for
// extras-only requirements and unparseable text.
func ParseRequiresDist(s string) (Requirement, bool) {
	m := requiresDist.FindStringSubmatch(s)
	if m == nil {
		return Requirement{}, false
	}
	marker := strings.TrimSpace(m[3])
	if extraMarker.MatchString(marker) {
		return Requirement{}, false
	}
	spec := strings.TrimSpace(m[2])
	spec = strings.TrimSuffix(strings.TrimPrefix(spec, "("), ")")
	return Requirement{Name: m[1], Specifier: strings.ReplaceAll(spec, " ", ""), Marker: marker}, true
}
