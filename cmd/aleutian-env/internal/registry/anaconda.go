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
	"regexp"
	"strings"

	"github.com/goccy/go-json"

	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/toolchain"
)

// DefaultAnacondaURL is the anaconda.org API root.
const DefaultAnacondaURL = "https://api.anaconda.org"

// DefaultChannel is the community channel with the widest coverage.
const DefaultChannel = "conda-forge"

// Anaconda reads build metadata from anaconda.org.
//
//	GET {base}/package/{channel}/{name}/files
//
// Each file carries attrs.depends in conda match-spec form
// ("libb >=2.0,<3.0"), which is translated to PEP 440 specifiers.
type Anaconda struct {
	f       *fetcher
	channel string
}

// NewAnaconda creates a client for channel ("" for DefaultChannel).
func NewAnaconda(opts Options, channel string) *Anaconda {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultAnacondaURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if channel == "" {
		channel = DefaultChannel
	}
	return &Anaconda{f: newFetcher("anaconda", opts), channel: channel}
}

type condaFile struct {
	Version string `json:"version"`
	Attrs   struct {
		Depends []string `json:"depends"`
	} `json:"attrs"`
}

// Combinations implements SecondaryIndex. Builds of the same version are
// folded together; the first build seen wins.
func (a *Anaconda) Combinations(ctx context.Context, name string) ([]Combination, error) {
	u := fmt.Sprintf("%s/package/%s/%s/files", a.f.opts.BaseURL, url.PathEscape(a.channel), url.PathEscape(toolchain.NormalizeName(name)))
	body, err := a.f.get(ctx, u)
	if err != nil {
		return nil, err
	}
	var files []condaFile
	if err := json.Unmarshal(body, &files); err != nil {
		return nil, fmt.Errorf("anaconda: decode %s: %w", name, err)
	}

	seen := make(map[string]bool)
	var out []Combination
	for _, f := range files {
		if f.Version == "" || seen[f.Version] {
			continue
		}
		seen[f.Version] = true
		deps := make(map[string]string, len(f.Attrs.Depends))
		for _, d := range f.Attrs.Depends {
			dep, spec := ParseMatchSpec(d)
			if dep != "" {
				deps[toolchain.NormalizeName(dep)] = spec
			}
		}
		out = append(out, Combination{Version: f.Version, Depends: deps})
	}
	return out, nil
}

var bareVersion = regexp.MustCompile(`^[0-9][0-9A-Za-z.*+!]*$`)

// ParseMatchSpec converts a conda match spec to a name and a PEP 440
// specifier. "libb >=2.0,<3.0" keeps its clauses, "libb 2.9.*" becomes
// "==2.9.*", a bare version becomes "==" and a build string is dropped.
func ParseMatchSpec(s string) (name, spec string) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return "", ""
	}
	name = fields[0]
	if len(fields) == 1 {
		return name, ""
	}
	spec = fields[1]
	if bareVersion.MatchString(spec) {
		spec = "==" + spec
	}
	return name, spec
}

var _ SecondaryIndex = (*Anaconda)(nil)
