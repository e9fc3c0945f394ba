// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package toolchain

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// Package is one installed distribution.
type Package struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Manifest maps normalized package names to installed versions.
type Manifest map[string]string

// NormalizeName applies PEP 503 name normalization.
func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer("_", "-", ".", "-").Replace(name)
}

// Packages returns the manifest as a name-sorted slice.
func (m Manifest) Packages() []Package {
	out := make([]Package, 0, len(m))
	for name, version := range m {
		out = append(out, Package{Name: name, Version: version})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Equal reports whether both manifests hold the same versions.
func (m Manifest) Equal(o Manifest) bool {
	if len(m) != len(o) {
		return false
	}
	for k, v := range m {
		if o[k] != v {
			return false
		}
	}
	return true
}

// Installer manages packages inside one environment directory.
type Installer interface {
	// EnvExists reports whether the environment directory holds an interpreter.
	EnvExists() bool

	// CreateEnv creates the environment with the given interpreter.
	CreateEnv(ctx context.Context, python string) (Result, error)

	// Install installs everything in a requirements or lock file.
	Install(ctx context.Context, requirements string, force bool) (Result, error)

	// Uninstall removes the named packages.
	Uninstall(ctx context.Context, names []string) (Result, error)

	// Manifest lists installed packages.
	Manifest(ctx context.Context) (Manifest, error)

	// PurgeCache clears the download cache.
	PurgeCache(ctx context.Context) (Result, error)

	// Python returns the environment's interpreter path.
	Python() string
}

// Pip drives pip inside a virtual environment.
type Pip struct {
	runner Runner
	envDir string
}

// NewPip creates a Pip bound to envDir.
func NewPip(runner Runner, envDir string) *Pip {
	return &Pip{runner: runner, envDir: envDir}
}

// Python returns <envDir>/bin/python.
func (p *Pip) Python() string {
	return filepath.Join(p.envDir, "bin", "python")
}

// EnvExists checks for the environment interpreter.
func (p *Pip) EnvExists() bool {
	_, err := os.Stat(p.Python())
	return err == nil
}

// CreateEnv runs `<python> -m venv <envDir>`.
func (p *Pip) CreateEnv(ctx context.Context, python string) (Result, error) {
	return p.runner.Run(ctx, NewCommand(python, "-m", "venv", p.envDir))
}

func (p *Pip) pip(args ...string) Command {
	base := []string{"-m", "pip", "--disable-pip-version-check", "--no-input"}
	return NewCommand(p.Python(), append(base, args...)...)
}

// Install runs `pip install --requirement <file>`.
func (p *Pip) Install(ctx context.Context, requirements string, force bool) (Result, error) {
	args := []string{"install", "--requirement", requirements}
	if force {
		args = append(args, "--force-reinstall")
	}
	return p.runner.Run(ctx, p.pip(args...))
}

// Uninstall runs `pip uninstall --yes <names>`.
func (p *Pip) Uninstall(ctx context.Context, names []string) (Result, error) {
	if len(names) == 0 {
		return Result{}, nil
	}
	return p.runner.Run(ctx, p.pip(append([]string{"uninstall", "--yes"}, names...)...))
}

// Manifest parses `pip list --format=json`.
func (p *Pip) Manifest(ctx context.Context) (Manifest, error) {
	res, err := p.runner.Run(ctx, p.pip("list", "--format=json"))
	if err != nil {
		return nil, fmt.Errorf("list installed packages: %w", err)
	}
	return ParseManifest([]byte(res.Stdout))
}

// ParseManifest decodes pip's JSON package list.
func ParseManifest(data []byte) (Manifest, error) {
	var pkgs []Package
	if err := json.Unmarshal(data, &pkgs); err != nil {
		return nil, fmt.Errorf("decode package list: %w", err)
	}
	m := make(Manifest, len(pkgs))
	for _, pkg := range pkgs {
		m[NormalizeName(pkg.Name)] = pkg.Version
	}
	return m, nil
}

// PurgeCache runs `pip cache purge`.
func (p *Pip) PurgeCache(ctx context.Context) (Result, error) {
	return p.runner.Run(ctx, p.pip("cache", "purge"))
}

var _ Installer = (*Pip)(nil)

// -----------------------------------------------------------------------------
// Lock compiler
// -----------------------------------------------------------------------------

// CompileRequest describes one lock compilation.
type CompileRequest struct {
	// Input is the merged requirements file.
	Input string

	// Output is where the lock file is written.
	Output string

	// Upgrade asks the compiler to prefer the newest allowed versions.
	Upgrade bool
}

// LockCompiler turns declared requirements into a fully pinned lock file.
type LockCompiler interface {
	// Compile writes the lock file. A resolution failure returns a
	// *CompileConflict carrying the compiler's report.
	Compile(ctx context.Context, req CompileRequest) error
}

// CompileConflict is returned when the compiler cannot find a consistent
// set of versions. Report holds the compiler's combined output.
type CompileConflict struct {
	Report string
	Err    error
}

func (e *CompileConflict) Error() string {
	return fmt.Sprintf("lock compilation failed: %v", e.Err)
}

func (e *CompileConflict) Unwrap() error { return e.Err }

// PipCompile runs pip-tools' compiler through an interpreter.
type PipCompile struct {
	runner Runner
	python func() string
}

// NewPipCompile creates a PipCompile. python returns the interpreter that
// has pip-tools installed; it is resolved lazily because the environment
// may not exist yet when the compiler is constructed.
func NewPipCompile(runner Runner, python func() string) *PipCompile {
	return &PipCompile{runner: runner, python: python}
}

// Compile runs `python -m piptools compile`.
func (c *PipCompile) Compile(ctx context.Context, req CompileRequest) error {
	args := []string{"-m", "piptools", "compile", "--quiet", "--strip-extras",
		"--output-file", req.Output}
	if req.Upgrade {
		args = append(args, "--upgrade")
	}
	args = append(args, req.Input)

	res, err := c.runner.Run(ctx, NewCommand(c.python(), args...))
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || res.ExitCode < 0 {
		return err
	}
	return &CompileConflict{Report: res.Combined(), Err: err}
}

var _ LockCompiler = (*PipCompile)(nil)

// ReadLockPins parses a compiled lock file into name → exact version.
// Comment lines, option lines and hash continuations are ignored.
func ReadLockPins(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pins := Manifest{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if i := strings.Index(line, "#"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		line = strings.TrimSuffix(line, "\\")
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "-") {
			continue
		}
		if i := strings.Index(line, ";"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		name, version, ok := strings.Cut(line, "==")
		if !ok {
			continue
		}
		if j := strings.Index(name, "["); j >= 0 {
			name = name[:j]
		}
		pins[NormalizeName(name)] = strings.TrimSpace(version)
	}
	return pins, nil
}
