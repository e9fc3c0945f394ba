// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/toolchain"
)

// ProbeOutcome is the verdict of an upgrade probe.
type ProbeOutcome int

const (
	// ProbeInconclusive means the probe could not be set up (the candidate
	// runtime or the package failed to install). The issue stays active.
	ProbeInconclusive ProbeOutcome = iota

	// ProbePersists means the exercised operation timed out or crashed.
	ProbePersists

	// ProbeResolved means the exercised operation ran to completion.
	ProbeResolved
)

func (o ProbeOutcome) String() string {
	switch o {
	case ProbePersists:
		return "persists"
	case ProbeResolved:
		return "resolved"
	default:
		return "inconclusive"
	}
}

// ProbeRequest describes one upgrade probe.
type ProbeRequest struct {
	// Version is the full default candidate version, e.g. "3.13.1".
	Version string
	Spec    ProbeSpec
	Timeout time.Duration
}

// Prober tests whether a known issue is fixed on a candidate version.
//
// # Description
//
// Implementations must leave no trace in the managed environment. A
// non-nil error is returned only when ctx itself is done; every other
// failure is folded into the outcome.
type Prober interface {
	Probe(ctx context.Context, req ProbeRequest) (ProbeOutcome, error)
}

// DefaultProbeTimeout bounds the exercised operation.
const DefaultProbeTimeout = 5 * time.Minute

// PyenvProber installs the candidate runtime, builds a throwaway virtual
// environment under TempDir, installs the package and runs its script.
type PyenvProber struct {
	runtime toolchain.RuntimeManager
	runner  toolchain.Runner
	tempDir string
	logger  *slog.Logger
}

// NewPyenvProber creates a prober. tempDir may be empty for os.TempDir.
func NewPyenvProber(runtime toolchain.RuntimeManager, runner toolchain.Runner, tempDir string, logger *slog.Logger) *PyenvProber {
	if logger == nil {
		logger = slog.Default()
	}
	return &PyenvProber{runtime: runtime, runner: runner, tempDir: tempDir, logger: logger}
}

// Probe implements Prober.
func (p *PyenvProber) Probe(ctx context.Context, req ProbeRequest) (ProbeOutcome, error) {
	if req.Spec.Package == "" || req.Spec.Script == "" {
		return ProbeInconclusive, nil
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	log := p.logger.With("probe_version", req.Version, "package", req.Spec.Package)

	if _, err := p.runtime.Install(ctx, req.Version); err != nil {
		if ctx.Err() != nil {
			return ProbeInconclusive, ctx.Err()
		}
		log.Warn("probe runtime install failed", "error", err)
		return ProbeInconclusive, nil
	}
	python, err := p.runtime.Interpreter(ctx, req.Version)
	if err != nil {
		log.Warn("probe interpreter lookup failed", "error", err)
		return ProbeInconclusive, ctx.Err()
	}

	dir, err := os.MkdirTemp(p.tempDir, "aleutian-probe-")
	if err != nil {
		log.Warn("probe scratch directory", "error", err)
		return ProbeInconclusive, nil
	}
	defer os.RemoveAll(dir)

	if _, err := p.runner.Run(ctx, toolchain.NewCommand(python, "-m", "venv", dir)); err != nil {
		log.Warn("probe venv creation failed", "error", err)
		return ProbeInconclusive, ctx.Err()
	}
	envPython := filepath.Join(dir, "bin", "python")
	install := toolchain.NewCommand(envPython, "-m", "pip", "--disable-pip-version-check", "--no-input", "install", req.Spec.Package)
	if _, err := p.runner.Run(ctx, install); err != nil {
		log.Warn("probe package install failed", "error", err)
		return ProbeInconclusive, ctx.Err()
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := p.runner.Run(runCtx, toolchain.NewCommand(envPython, "-c", req.Spec.Script))
	if ctx.Err() != nil {
		return ProbeInconclusive, ctx.Err()
	}
	switch {
	case res.TimedOut || errors.Is(runCtx.Err(), context.DeadlineExceeded):
		log.Info("probe timed out", "timeout", timeout)
		return ProbePersists, nil
	case res.Signaled:
		log.Info("probe crashed", "exit_code", res.ExitCode)
		return ProbePersists, nil
	}
	if err != nil {
		var cmdErr *toolchain.CommandError
		if !errors.As(err, &cmdErr) {
			log.Warn("probe script did not start", "error", err)
			return ProbeInconclusive, nil
		}
	}
	log.Info("probe completed", "exit_code", res.ExitCode)
	return ProbeResolved, nil
}

var _ Prober = (*PyenvProber)(nil)

// MockProber is a test double for Prober.
type MockProber struct {
	ProbeFunc func(ctx context.Context, req ProbeRequest) (ProbeOutcome, error)
	Calls     []ProbeRequest
}

// Probe records the request and delegates to ProbeFunc.
func (m *MockProber) Probe(ctx context.Context, req ProbeRequest) (ProbeOutcome, error) {
	m.Calls = append(m.Calls, req)
	if m.ProbeFunc == nil {
		return ProbeInconclusive, fmt.Errorf("MockProber.ProbeFunc not set")
	}
	return m.ProbeFunc(ctx, req)
}

var _ Prober = (*MockProber)(nil)
