// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/config"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/compat"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/executor"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/lockmgr"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/orchestrator"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/resolver"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/snapshot"
	"github.com/AleutianAI/AleutianEnv/pkg/logging"
)

func plainPrinter() (*printer, *bytes.Buffer) {
	var buf bytes.Buffer
	return &printer{w: &buf, plain: true}, &buf
}

func testApp(t *testing.T) *app {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Project.Dir = filepath.Join(dir, "project")
	cfg.State.Dir = filepath.Join(dir, "state")
	cfg.State.EnvDir = filepath.Join(dir, "venv")
	cfg.Lock.Dir = filepath.Join(dir, "run")
	cfg.Compat.Store = "memory"
	cfg.Logging.Dir = ""
	return &app{cfg: &cfg, cfgPath: filepath.Join(dir, "config.yaml"), log: logging.New(logging.Config{Quiet: true}), logger: logging.Discard()}
}

// =============================================================================
// Run output
// =============================================================================

func TestPrintReport_Converged(t *testing.T) {
	p, buf := plainPrinter()
	report := &orchestrator.Report{
		RunID:          "run-1",
		Mode:           orchestrator.ModeInstall,
		RuntimeVersion: "3.13.1",
		Decision:       "DEFAULT",
		LockSource:     orchestrator.LockCompiled,
		SnapshotID:     "snap-1",
		SnapshotKind:   snapshot.KindFullArchive,
		Mutations:      2,
		Operations: []executor.OperationRecord{
			{Name: "install-runtime", Outcome: executor.OutcomeVerifiedSuccess, Skipped: true},
			{Name: "install-packages", Outcome: executor.OutcomeVerifiedSuccess, Attempts: make([]executor.AttemptRecord, 2)},
		},
		Auxiliary: []orchestrator.AuxiliaryResult{{Name: "r", Status: orchestrator.AuxSkipped, Detail: "brew missing"}},
		Warnings:  []string{"resolver pin rejected"},
		StartedAt: time.Now(),
	}

	printReport(p, report, nil)

	out := buf.String()
	assert.Contains(t, out, "aleutian-env run install (run-1)")
	assert.Contains(t, out, "3.13.1")
	assert.Contains(t, out, "snap-1 (full_archive)")
	assert.Contains(t, out, "install-runtime (already satisfied)")
	assert.Contains(t, out, "install-packages 2 attempt(s)")
	assert.Contains(t, out, "r: skipped (brew missing)")
	assert.Contains(t, out, "resolver pin rejected")
	assert.Contains(t, out, "environment converged")
	assert.NotContains(t, out, "\x1b[", "plain output must not carry ANSI escapes")
}

func TestPrintReport_Failure(t *testing.T) {
	p, buf := plainPrinter()
	report := &orchestrator.Report{
		RunID: "run-2",
		Mode:  orchestrator.ModeUpdate,
		Conflicts: []resolver.ConflictRecord{
			{RequiringPkg: "liba", RequiringVer: "2.0", RequiredPkg: "libb", RequiredSpecifier: "<3.0", InstalledVer: "3.2"},
		},
		Operations: []executor.OperationRecord{
			{Name: "install-packages", Outcome: executor.OutcomeFailed, FailureReason: "pandas missing"},
		},
	}
	runErr := &orchestrator.RunError{
		Class:         orchestrator.ClassCorrupting,
		Expected:      "pandas==2.2.3",
		Actual:        "pandas missing",
		LastOperation: "install-packages",
		Rollback:      "restored snapshot snap-1 by reinstall",
		Err:           errors.New("install did not verify"),
	}

	printReport(p, report, runErr)

	out := buf.String()
	assert.Contains(t, out, "liba 2.0 needs libb<3.0 (got 3.2)")
	assert.Contains(t, out, "install-packages: pandas missing")
	assert.Contains(t, out, string(orchestrator.ClassCorrupting))
	assert.Contains(t, out, "expected: pandas==2.2.3")
	assert.Contains(t, out, "last op:  install-packages")
	assert.Contains(t, out, "rollback: restored snapshot snap-1 by reinstall")
	assert.NotContains(t, out, "environment converged")
}

func TestPrintReport_NilReport(t *testing.T) {
	p, buf := plainPrinter()
	printReport(p, nil, orchestrator.ErrInvalidMode)
	assert.Contains(t, buf.String(), orchestrator.ErrInvalidMode.Error())
}

func TestExitStatusFor(t *testing.T) {
	assert.Equal(t, orchestrator.ExitSuccess, exitStatusFor(nil))
	assert.Equal(t, orchestrator.ExitFailure, exitStatusFor(errors.New("boom")))
	assert.Equal(t, orchestrator.ExitFailure, exitStatusFor(&orchestrator.RunError{Class: orchestrator.ClassTransient, Err: errors.New("x")}))
}

func TestErrorOutputFor(t *testing.T) {
	assert.Nil(t, errorOutputFor(nil))

	held := &lockmgr.ErrLockHeld{Holder: lockmgr.Holder{PID: 7, Program: "aleutian-env"}}
	out := errorOutputFor(&orchestrator.RunError{
		Class:    orchestrator.ClassConcurrency,
		Err:      held,
		Rollback: "not needed: no destructive step ran",
	})
	require.NotNil(t, out)
	assert.Equal(t, orchestrator.ClassConcurrency, out.Class)
	assert.Equal(t, held.Error(), out.Message)
	assert.Equal(t, "not needed: no destructive step ran", out.Rollback)

	plain := errorOutputFor(errors.New("boom"))
	assert.Equal(t, orchestrator.Class(""), plain.Class)
	assert.Equal(t, "boom", plain.Message)
}

func TestPrinterJSON(t *testing.T) {
	p, buf := plainPrinter()
	require.NoError(t, p.JSON(runOutput{Report: &orchestrator.Report{RunID: "r"}}))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Contains(t, decoded, "report")
	assert.NotContains(t, decoded, "error")
}

// =============================================================================
// Status output
// =============================================================================

func TestPrintStatus(t *testing.T) {
	p, buf := plainPrinter()
	printStatus(p, statusOutput{
		Lock: lockmgr.Status{
			Held:   true,
			Path:   "/run/aleutian-env.lock",
			Stage:  "install",
			Holder: &lockmgr.Holder{PID: 42, Program: "aleutian-env", AcquiredAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)},
		},
		Compat: []compat.State{{IssueID: "macos15-arm64-py313-torch", Status: compat.StatusActive, ChosenVersion: "3.12.7"}},
	})

	out := buf.String()
	assert.Contains(t, out, "held by aleutian-env (pid 42) since 2025-01-02T03:04:05Z")
	assert.Contains(t, out, "install")
	assert.Contains(t, out, "macos15-arm64-py313-torch: active")
	assert.Contains(t, out, "3.12.7")
	assert.Contains(t, out, "Recent operations")
}

func TestPrintStatus_FreeLockAndStoreError(t *testing.T) {
	p, buf := plainPrinter()
	printStatus(p, statusOutput{Lock: lockmgr.Status{Path: "/run/x"}, CompatErr: "database locked"})

	out := buf.String()
	assert.Contains(t, out, "free")
	assert.Contains(t, out, "database locked")
}

func TestPrintSnapshots(t *testing.T) {
	p, buf := plainPrinter()
	printSnapshots(p, nil)
	assert.Contains(t, buf.String(), "none taken yet")

	p, buf = plainPrinter()
	printSnapshots(p, []*snapshot.Snapshot{{
		ID:        "snap-1",
		RunID:     "run-1",
		Kind:      snapshot.KindMetadataOnly,
		Timestamp: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		Degraded:  "insufficient free space",
	}})
	out := buf.String()
	assert.Contains(t, out, "snap-1")
	assert.Contains(t, out, "metadata_only")
	assert.Contains(t, out, "degraded: insufficient free space")
	assert.NotContains(t, out, "MiB")
}

// =============================================================================
// Wiring
// =============================================================================

func TestOpenStateStore(t *testing.T) {
	a := testApp(t)

	store, closeFn, err := openStateStore(a.cfg, a.logger)
	require.NoError(t, err)
	assert.IsType(t, &compat.MemoryStateStore{}, store)
	assert.Nil(t, closeFn)

	a.cfg.Compat.Store = "file"
	store, closeFn, err = openStateStore(a.cfg, a.logger)
	require.NoError(t, err)
	assert.IsType(t, &compat.FileStateStore{}, store)
	assert.Nil(t, closeFn)

	a.cfg.Compat.Store = "badger"
	store, closeFn, err = openStateStore(a.cfg, a.logger)
	require.NoError(t, err)
	require.NotNil(t, closeFn)
	assert.IsType(t, &compat.BadgerStateStore{}, store)
	assert.NoError(t, closeFn())

	a.cfg.Compat.Store = "etcd"
	_, _, err = openStateStore(a.cfg, a.logger)
	assert.Error(t, err)
}

func TestBuildOrchestrator(t *testing.T) {
	a := testApp(t)
	c := a.buildComponents(nil)
	require.NoError(t, a.openStore(c))
	t.Cleanup(func() { _ = c.close() })

	o, err := a.buildOrchestrator(c)
	require.NoError(t, err)
	assert.NotNil(t, o)
	assert.Equal(t, filepath.Join(a.cfg.State.Dir, "snapshots"), c.snaps.Dir())
}

func TestSnapshotsCaptureResolverPins(t *testing.T) {
	a := testApp(t)
	pins := a.cfg.ResolverPinsPath()
	require.NoError(t, os.MkdirAll(filepath.Dir(pins), 0750))
	require.NoError(t, os.WriteFile(pins, []byte("libb==2.9\n"), 0600))

	snap, err := a.buildComponents(nil).snaps.Take(context.Background())
	require.NoError(t, err)

	captured := map[string]snapshot.FileRecord{}
	for _, f := range snap.Files {
		captured[f.Path] = f
	}
	require.Contains(t, captured, pins)
	assert.Equal(t, "libb==2.9\n", captured[pins].Content)
	assert.Contains(t, captured, a.cfg.LockPath())
	assert.Contains(t, captured, a.cfg.KnownGoodPath())
}

func TestBuildOrchestrator_BadRulesFile(t *testing.T) {
	a := testApp(t)
	a.cfg.Compat.RulesFile = filepath.Join(t.TempDir(), "missing.yaml")
	c := a.buildComponents(nil)
	require.NoError(t, a.openStore(c))

	_, err := a.buildOrchestrator(c)
	assert.Error(t, err)
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"run", "status", "snapshots", "config"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
	flag := runCmd.Flags().Lookup("mode")
	require.NotNil(t, flag)
	assert.Equal(t, string(orchestrator.ModeInstall), flag.DefValue)
}
