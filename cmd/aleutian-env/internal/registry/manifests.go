// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/goccy/go-json"

	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/toolchain"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/versions"
)

// ManifestSampler fetches public manifests from a corpus service.
//
//	GET {base}?package={name}  ->  {"manifests": ["numpy==1.26.4\n...", ...]}
type ManifestSampler struct {
	f *fetcher
}

// NewManifestSampler creates a sampler. BaseURL is required; with an
// empty BaseURL every call returns ErrUnavailable.
func NewManifestSampler(opts Options) *ManifestSampler {
	return &ManifestSampler{f: newFetcher("manifests", opts)}
}

// Manifests implements ManifestSource.
func (m *ManifestSampler) Manifests(ctx context.Context, name string) ([]string, error) {
	if m.f.opts.BaseURL == "" {
		return nil, fmt.Errorf("manifests: %w: no corpus configured", ErrUnavailable)
	}
	sep := "?"
	if strings.Contains(m.f.opts.BaseURL, "?") {
		sep = "&"
	}
	body, err := m.f.get(ctx, m.f.opts.BaseURL+sep+"package="+url.QueryEscape(toolchain.NormalizeName(name)))
	if err != nil {
		return nil, err
	}
	var resp struct {
		Manifests []string `json:"manifests"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("manifests: decode: %w", err)
	}
	return resp.Manifests, nil
}

var _ ManifestSource = (*ManifestSampler)(nil)

var pinLine = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*)(?:\[[^\]]*\])?\s*==\s*([^\s;#,]+)`)

// PinnedVersions extracts the distinct versions of pkg pinned with "=="
// across manifests. Unparseable versions are skipped.
func PinnedVersions(manifests []string, pkg string) []versions.Version {
	key := toolchain.NormalizeName(pkg)
	seen := make(map[string]bool)
	var raws []string
	for _, text := range manifests {
		sc := bufio.NewScanner(strings.NewReader(text))
		for sc.Scan() {
			m := pinLine.FindStringSubmatch(strings.TrimSpace(sc.Text()))
			if m == nil || toolchain.NormalizeName(m[1]) != key || seen[m[2]] {
				continue
			}
			seen[m[2]] = true
			raws = append(raws, m[2])
		}
	}
	return versions.ParseAll(raws)
}
