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

	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/toolchain"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/versions"
)

// StaticRegistry is an in-memory Registry for tests.
//
//	reg := &StaticRegistry{
//	    Releases: map[string][]string{"libb": {"2.9.1", "3.0"}},
//	    Requires: map[string][]Requirement{"liba==2.0": {{Name: "libb", Specifier: "<3.0"}}},
//	}
type StaticRegistry struct {
	Releases map[string][]string
	Requires map[string][]Requirement

	// Err, when set, is returned by every call.
	Err error

	Calls []string
}

// Versions implements Registry.
func (s *StaticRegistry) Versions(_ context.Context, name string) ([]versions.Version, error) {
	s.Calls = append(s.Calls, "versions "+name)
	if s.Err != nil {
		return nil, s.Err
	}
	raws, ok := s.Releases[toolchain.NormalizeName(name)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return versions.ParseAll(raws), nil
}

// Dependencies implements Registry.
func (s *StaticRegistry) Dependencies(_ context.Context, name, version string) ([]Requirement, error) {
	s.Calls = append(s.Calls, "deps "+name+"=="+version)
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Requires[toolchain.NormalizeName(name)+"=="+version], nil
}

var _ Registry = (*StaticRegistry)(nil)

// StaticIndex is an in-memory SecondaryIndex for tests.
type StaticIndex struct {
	Builds map[string][]Combination
	Err    error
}

// Combinations implements SecondaryIndex.
func (s *StaticIndex) Combinations(_ context.Context, name string) ([]Combination, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Builds[toolchain.NormalizeName(name)], nil
}

var _ SecondaryIndex = (*StaticIndex)(nil)

// StaticManifests is an in-memory ManifestSource for tests.
type StaticManifests struct {
	Texts []string
	Err   error
}

// Manifests implements ManifestSource.
func (s *StaticManifests) Manifests(context.Context, string) ([]string, error) {
	return s.Texts, s.Err
}

var _ ManifestSource = (*StaticManifests)(nil)
