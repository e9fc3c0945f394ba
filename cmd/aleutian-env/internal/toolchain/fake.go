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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"

	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/versions"
)

// =============================================================================
// FakeInstaller
// =============================================================================

const fakeManifestFile = "installed.json"

// FakeInstaller is an Installer backed by a directory. The installed set
// lives in a JSON file inside the environment, so copying or replacing
// the directory carries the installed set with it.
//
// InstallFunc, when set, runs instead of the default behaviour, which
// applies every `name==version` pin of the requirements file.
type FakeInstaller struct {
	EnvDir string

	InstallFunc  func(ctx context.Context, requirements string, force bool) (Result, error)
	ManifestFunc func(ctx context.Context) (Manifest, error)

	mu    sync.Mutex
	Calls []string
}

// NewFakeInstaller creates a FakeInstaller. A non-nil seed creates the
// environment with those packages installed.
func NewFakeInstaller(envDir string, seed Manifest) (*FakeInstaller, error) {
	f := &FakeInstaller{EnvDir: envDir}
	if seed == nil {
		return f, nil
	}
	if _, err := f.CreateEnv(context.Background(), "python"); err != nil {
		return nil, err
	}
	return f, f.save(seed)
}

func (f *FakeInstaller) record(call string) {
	f.mu.Lock()
	f.Calls = append(f.Calls, call)
	f.mu.Unlock()
}

// CallLog returns recorded calls in order.
func (f *FakeInstaller) CallLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Calls...)
}

func (f *FakeInstaller) Python() string { return filepath.Join(f.EnvDir, "bin", "python") }

func (f *FakeInstaller) EnvExists() bool {
	_, err := os.Stat(f.Python())
	return err == nil
}

func (f *FakeInstaller) CreateEnv(_ context.Context, python string) (Result, error) {
	f.record("create-env " + python)
	if err := os.MkdirAll(filepath.Dir(f.Python()), 0750); err != nil {
		return Result{ExitCode: 1}, err
	}
	if err := os.WriteFile(f.Python(), []byte("#!/bin/sh\n"), 0750); err != nil {
		return Result{ExitCode: 1}, err
	}
	cfg := "home = " + filepath.Dir(python) + "\n"
	if err := os.WriteFile(filepath.Join(f.EnvDir, "pyvenv.cfg"), []byte(cfg), 0640); err != nil {
		return Result{ExitCode: 1}, err
	}
	if _, err := os.Stat(filepath.Join(f.EnvDir, fakeManifestFile)); errors.Is(err, os.ErrNotExist) {
		return Result{}, f.save(Manifest{})
	}
	return Result{}, nil
}

func (f *FakeInstaller) Install(ctx context.Context, requirements string, force bool) (Result, error) {
	f.record(fmt.Sprintf("install %s force=%t", filepath.Base(requirements), force))
	if f.InstallFunc != nil {
		return f.InstallFunc(ctx, requirements, force)
	}
	return f.ApplyPins(requirements)
}

// ApplyPins installs every exact pin in the requirements file.
func (f *FakeInstaller) ApplyPins(requirements string) (Result, error) {
	pins, err := ReadLockPins(requirements)
	if err != nil {
		return Result{ExitCode: 1}, err
	}
	current, err := f.load()
	if err != nil {
		return Result{ExitCode: 1}, err
	}
	for name, v := range pins {
		current[name] = v
	}
	return Result{}, f.save(current)
}

func (f *FakeInstaller) Uninstall(_ context.Context, names []string) (Result, error) {
	f.record(fmt.Sprintf("uninstall %d", len(names)))
	current, err := f.load()
	if err != nil {
		return Result{ExitCode: 1}, err
	}
	for _, n := range names {
		delete(current, NormalizeName(n))
	}
	return Result{}, f.save(current)
}

func (f *FakeInstaller) Manifest(ctx context.Context) (Manifest, error) {
	if f.ManifestFunc != nil {
		return f.ManifestFunc(ctx)
	}
	if !f.EnvExists() {
		return nil, errors.New("environment missing")
	}
	return f.load()
}

func (f *FakeInstaller) PurgeCache(context.Context) (Result, error) {
	f.record("purge-cache")
	return Result{}, nil
}

// SetInstalled overwrites the installed set.
func (f *FakeInstaller) SetInstalled(m Manifest) error { return f.save(m) }

func (f *FakeInstaller) load() (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(f.EnvDir, fakeManifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return Manifest{}, nil
	}
	if err != nil {
		return nil, err
	}
	m := Manifest{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (f *FakeInstaller) save(m Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(f.EnvDir, 0750); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(f.EnvDir, fakeManifestFile), data, 0640)
}

var _ Installer = (*FakeInstaller)(nil)

// =============================================================================
// FakeRuntime
// =============================================================================

// FakeRuntime is an in-memory RuntimeManager. Installs of versions not in
// Available fail; InstallErr and SetGlobalErr force failures.
type FakeRuntime struct {
	Available    []string
	Installed    map[string]bool
	Global       string
	InstallErr   error
	SetGlobalErr error

	// ReportedOverride, when set, is what ActiveVersion returns instead
	// of Global.
	ReportedOverride string

	mu    sync.Mutex
	Calls []string
}

func (f *FakeRuntime) record(call string) {
	f.mu.Lock()
	f.Calls = append(f.Calls, call)
	f.mu.Unlock()
}

// CallLog returns recorded calls in order.
func (f *FakeRuntime) CallLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Calls...)
}

func (f *FakeRuntime) Install(_ context.Context, version string) (Result, error) {
	f.record("install " + version)
	if f.InstallErr != nil {
		return Result{ExitCode: 1}, f.InstallErr
	}
	found := false
	for _, v := range f.Available {
		found = found || v == version
	}
	if !found {
		return Result{ExitCode: 1}, fmt.Errorf("version %s not available", version)
	}
	f.mu.Lock()
	if f.Installed == nil {
		f.Installed = map[string]bool{}
	}
	f.Installed[version] = true
	f.mu.Unlock()
	return Result{}, nil
}

func (f *FakeRuntime) SetGlobal(_ context.Context, version string) (Result, error) {
	f.record("global " + version)
	if f.SetGlobalErr != nil {
		return Result{ExitCode: 1}, f.SetGlobalErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Installed[version] {
		return Result{ExitCode: 1}, fmt.Errorf("version %s not installed", version)
	}
	f.Global = version
	return Result{}, nil
}

func (f *FakeRuntime) ListAvailable(context.Context) ([]versions.Version, error) {
	return versions.StableOnly(versions.ParseAll(f.Available)), nil
}

func (f *FakeRuntime) Interpreter(_ context.Context, version string) (string, error) {
	return "/opt/pyenv/versions/" + version + "/bin/python", nil
}

func (f *FakeRuntime) ActiveVersion(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReportedOverride != "" {
		return f.ReportedOverride, nil
	}
	if f.Global == "" {
		return "", errors.New("no global version")
	}
	return f.Global, nil
}

var _ RuntimeManager = (*FakeRuntime)(nil)

// =============================================================================
// FakeCompiler
// =============================================================================

// FakeCompiler is a LockCompiler that delegates to CompileFunc and
// records each request.
type FakeCompiler struct {
	CompileFunc func(ctx context.Context, req CompileRequest) error

	mu       sync.Mutex
	Requests []CompileRequest
}

func (f *FakeCompiler) Compile(ctx context.Context, req CompileRequest) error {
	f.mu.Lock()
	f.Requests = append(f.Requests, req)
	f.mu.Unlock()
	if f.CompileFunc == nil {
		return errors.New("FakeCompiler.CompileFunc not set")
	}
	return f.CompileFunc(ctx, req)
}

// RequestCount returns how many compilations ran.
func (f *FakeCompiler) RequestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Requests)
}

var _ LockCompiler = (*FakeCompiler)(nil)
