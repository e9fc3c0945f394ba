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
	"path/filepath"
	"regexp"
	"strings"

	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/versions"
)

// RuntimeManager installs and activates interpreter versions.
type RuntimeManager interface {
	// Install installs version if it is not already present.
	Install(ctx context.Context, version string) (Result, error)

	// SetGlobal makes version the default interpreter.
	SetGlobal(ctx context.Context, version string) (Result, error)

	// ListAvailable returns the installable stable versions.
	ListAvailable(ctx context.Context) ([]versions.Version, error)

	// Interpreter returns the interpreter path for an installed version.
	Interpreter(ctx context.Context, version string) (string, error)

	// ActiveVersion reports the version the global interpreter prints.
	ActiveVersion(ctx context.Context) (string, error)
}

// cpythonRelease matches plain CPython releases in `pyenv install --list`.
var cpythonRelease = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// pythonVersionLine matches the output of `python --version`.
var pythonVersionLine = regexp.MustCompile(`Python\s+(\S+)`)

// Pyenv drives the pyenv version manager.
type Pyenv struct {
	runner Runner
	binary string
}

// NewPyenv creates a Pyenv using the given binary ("pyenv" when empty).
func NewPyenv(runner Runner, binary string) *Pyenv {
	if binary == "" {
		binary = "pyenv"
	}
	return &Pyenv{runner: runner, binary: binary}
}

// Install runs `pyenv install --skip-existing <version>`.
func (p *Pyenv) Install(ctx context.Context, version string) (Result, error) {
	return p.runner.Run(ctx, NewCommand(p.binary, "install", "--skip-existing", version))
}

// SetGlobal runs `pyenv global <version>`.
func (p *Pyenv) SetGlobal(ctx context.Context, version string) (Result, error) {
	return p.runner.Run(ctx, NewCommand(p.binary, "global", version))
}

// ListAvailable parses `pyenv install --list`, keeping CPython releases only.
func (p *Pyenv) ListAvailable(ctx context.Context) ([]versions.Version, error) {
	res, err := p.runner.Run(ctx, NewCommand(p.binary, "install", "--list"))
	if err != nil {
		return nil, fmt.Errorf("list available runtimes: %w", err)
	}
	var raws []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if cpythonRelease.MatchString(line) {
			raws = append(raws, line)
		}
	}
	return versions.StableOnly(versions.ParseAll(raws)), nil
}

// Interpreter resolves `<pyenv prefix version>/bin/python`.
func (p *Pyenv) Interpreter(ctx context.Context, version string) (string, error) {
	res, err := p.runner.Run(ctx, NewCommand(p.binary, "prefix", version))
	if err != nil {
		return "", fmt.Errorf("resolve prefix for %s: %w", version, err)
	}
	prefix := strings.TrimSpace(res.Stdout)
	if prefix == "" {
		return "", fmt.Errorf("pyenv prefix %s printed nothing", version)
	}
	return filepath.Join(prefix, "bin", "python"), nil
}

// ActiveVersion runs `pyenv exec python --version` and returns the
// reported version.
func (p *Pyenv) ActiveVersion(ctx context.Context) (string, error) {
	res, err := p.runner.Run(ctx, NewCommand(p.binary, "exec", "python", "--version"))
	if err != nil {
		return "", err
	}
	return ParsePythonVersion(res.Combined())
}

// ParsePythonVersion extracts "3.12.7" from "Python 3.12.7".
func ParsePythonVersion(out string) (string, error) {
	m := pythonVersionLine.FindStringSubmatch(out)
	if m == nil {
		return "", fmt.Errorf("unrecognized version output %q", strings.TrimSpace(out))
	}
	return m[1], nil
}

var _ RuntimeManager = (*Pyenv)(nil)
