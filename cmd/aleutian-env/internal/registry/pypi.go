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
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/goccy/go-json"

	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/toolchain"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/versions"
)

// DefaultPyPIURL is the public PyPI JSON API root.
const DefaultPyPIURL = "https://pypi.org"

// PyPI reads the PyPI JSON API.
//
//	GET {base}/pypi/{name}/json            releases
//	GET {base}/pypi/{name}/{version}/json  requires_dist of one release
type PyPI struct {
	f *fetcher
}

// NewPyPI creates a client. An empty BaseURL uses DefaultPyPIURL.
func NewPyPI(opts Options) *PyPI {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultPyPIURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &PyPI{f: newFetcher("pypi", opts)}
}

type pypiFile struct {
	Yanked bool `json:"yanked"`
}

type pypiProject struct {
	Info struct {
		Name         string   `json:"name"`
		Version      string   `json:"version"`
		RequiresDist []string `json:"requires_dist"`
	} `json:"info"`
	Releases map[string][]pypiFile `json:"releases"`
}

func (p *PyPI) project(ctx context.Context, path string) (*pypiProject, error) {
	body, err := p.f.get(ctx, p.f.opts.BaseURL+path)
	if err != nil {
		return nil, err
	}
	var proj pypiProject
	if err := json.Unmarshal(body, &proj); err != nil {
		return nil, fmt.Errorf("pypi: decode %s: %w", path, err)
	}
	return &proj, nil
}

// Versions implements Registry. Releases with no files or with every file
// yanked are dropped, as are versions that do not parse.
func (p *PyPI) Versions(ctx context.Context, name string) ([]versions.Version, error) {
	proj, err := p.project(ctx, "/pypi/"+url.PathEscape(toolchain.NormalizeName(name))+"/json")
	if err != nil {
		return nil, err
	}
	raws := make([]string, 0, len(proj.Releases))
	for v, files := range proj.Releases {
		if len(files) == 0 {
			continue
		}
		live := false
		for _, f := range files {
			if !f.Yanked {
				live = true
				break
			}
		}
		if live {
			raws = append(raws, v)
		}
	}
	return versions.ParseAll(raws), nil
}

// Dependencies implements Registry.
func (p *PyPI) Dependencies(ctx context.Context, name, version string) ([]Requirement, error) {
	path := "/pypi/" + url.PathEscape(toolchain.NormalizeName(name)) + "/" + url.PathEscape(version) + "/json"
	proj, err := p.project(ctx, path)
	if err != nil {
		return nil, err
	}
	out := make([]Requirement, 0, len(proj.Info.RequiresDist))
	for _, raw := range proj.Info.RequiresDist {
		if r, ok := ParseRequiresDist(raw); ok {
			out = append(out, r)
		}
	}
	return out, nil
}

var _ Registry = (*PyPI)(nil)
