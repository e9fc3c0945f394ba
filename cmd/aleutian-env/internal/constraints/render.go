// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package constraints

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	// MergedFileName is the compiler input written next to the lock.
	MergedFileName = "requirements.merged.in"

	// ConstraintsFileName holds constraint-only entries.
	ConstraintsFileName = "constraints.txt"

	// ResolverFileName persists resolver-origin pins across runs.
	ResolverFileName = "resolver-pins.txt"

	resolverTag = "# origin: resolver"
)

// Rendered is the text of the two compiler input files.
type Rendered struct {
	Requirements string
	Constraints  string
}

// Render produces the compiler inputs. Each entry is its own line; the
// requirements file references the constraints file when it has content.
func Render(options []string, entries []Entry) Rendered {
	var req, con strings.Builder
	req.WriteString("# generated by aleutian-env; edit the source requirements instead\n")
	for _, opt := range options {
		req.WriteString(opt)
		req.WriteByte('\n')
	}
	hasConstraints := false
	for _, e := range entries {
		if e.ConstraintOnly {
			hasConstraints = true
			con.WriteString(e.String())
			con.WriteString("  # origin: ")
			con.WriteString(string(e.Origin))
			con.WriteByte('\n')
			continue
		}
		req.WriteString(e.String())
		if e.Origin != OriginUser {
			req.WriteString("  # origin: ")
			req.WriteString(string(e.Origin))
		}
		req.WriteByte('\n')
	}
	if hasConstraints {
		req.WriteString("-c " + ConstraintsFileName + "\n")
	}
	return Rendered{Requirements: req.String(), Constraints: con.String()}
}

// WriteFiles renders entries into dir and returns the requirements path.
// The constraints file is always rewritten, empty when unused.
func WriteFiles(dir string, options []string, entries []Entry) (string, error) {
	r := Render(options, entries)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("create constraints directory: %w", err)
	}
	reqPath := filepath.Join(dir, MergedFileName)
	if err := writeAtomic(reqPath, r.Requirements); err != nil {
		return "", err
	}
	if err := writeAtomic(filepath.Join(dir, ConstraintsFileName), r.Constraints); err != nil {
		return "", err
	}
	return reqPath, nil
}

// LoadResolverPins reads pins saved by SaveResolverPins. A missing file
// yields no pins.
func LoadResolverPins(path string) ([]Entry, error) {
	f, err := ParseFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(f.Entries))
	for _, e := range f.Entries {
		e.Origin = OriginResolver
		e.ConstraintOnly = true
		out = append(out, e)
	}
	return out, nil
}

// SaveResolverPins persists resolver-origin entries.
func SaveResolverPins(path string, entries []Entry) error {
	var b strings.Builder
	for _, e := range entries {
		if e.Origin != OriginResolver {
			continue
		}
		b.WriteString(e.String())
		b.WriteString("  ")
		b.WriteString(resolverTag)
		b.WriteByte('\n')
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create resolver pin directory: %w", err)
	}
	return writeAtomic(path, b.String())
}

func writeAtomic(path, content string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0640); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
