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
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/versions"
)

// File is a parsed requirements file.
type File struct {
	Entries []Entry

	// Options are pip option lines ("--index-url ...", "-r base.in"),
	// passed through unchanged.
	Options []string
}

// Declared returns the names of all install-set entries.
func (f File) Declared() []string {
	out := make([]string, 0, len(f.Entries))
	for _, e := range f.Entries {
		if !e.ConstraintOnly {
			out = append(out, e.Package)
		}
	}
	return out
}

// ParseError points at the offending line.
type ParseError struct {
	Line int
	Text string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d %q: %v", e.Line, e.Text, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// requirementLine splits "name[extras] spec ; marker".
var requirementLine = regexp.MustCompile(`^([A-Za-z0-9](?:[A-Za-z0-9._-]*[A-Za-z0-9])?)\s*(\[[^\]]*\])?\s*([^;]*?)\s*(?:;\s*(.+))?$`)

// Parse reads requirements in the pip format. Every entry is user-origin.
func Parse(r io.Reader) (File, error) {
	var f File
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := stripComment(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "-") {
			f.Options = append(f.Options, line)
			continue
		}
		e, err := parseRequirement(line)
		if err != nil {
			return File{}, &ParseError{Line: lineNo, Text: line, Err: err}
		}
		f.Entries = append(f.Entries, e)
	}
	if err := scanner.Err(); err != nil {
		return File{}, fmt.Errorf("read requirements: %w", err)
	}
	return f, nil
}

// ParseFile parses the requirements file at path.
func ParseFile(path string) (File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return File{}, fmt.Errorf("open requirements: %w", err)
	}
	defer fh.Close()
	f, err := Parse(fh)
	if err != nil {
		return File{}, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

func stripComment(line string) string {
	if i := strings.Index(line, "#"); i >= 0 {
		// "#" inside a URL fragment follows a non-space character.
		if i == 0 || line[i-1] == ' ' || line[i-1] == '\t' {
			line = line[:i]
		}
	}
	return strings.TrimSpace(line)
}

func parseRequirement(line string) (Entry, error) {
	m := requirementLine.FindStringSubmatch(line)
	if m == nil {
		return Entry{}, fmt.Errorf("not a requirement")
	}
	e := Entry{
		Package: m[1],
		Extras:  strings.ReplaceAll(m[2], " ", ""),
		Marker:  strings.TrimSpace(m[4]),
		Origin:  OriginUser,
	}
	spec := strings.TrimSpace(m[3])
	if strings.HasPrefix(spec, "@") {
		e.Operator, e.Specifier = OpSpec, spec
		return e, nil
	}
	if spec != "" {
		if _, err := versions.ParseSpecifier(spec); err != nil {
			return Entry{}, err
		}
	}
	e.Operator, e.Version, e.Specifier = classify(strings.ReplaceAll(spec, " ", ""))
	return e, nil
}
