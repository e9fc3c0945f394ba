// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/compat"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/constraints"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/executor"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/lockmgr"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/resolver"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/snapshot"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/toolchain"
)

const (
	// DefaultMaxResolverPasses bounds compile → resolve → recompile cycles.
	DefaultMaxResolverPasses = 3

	// DefaultRollbackTimeout bounds a restore that runs after the run
	// context was cancelled.
	DefaultRollbackTimeout = 30 * time.Minute

	// StagedLockName is the compiler output inside the work directory.
	StagedLockName = "requirements.lock.staged"
)

// =============================================================================
// Configuration
// =============================================================================

// Paths locates the files a run reads and writes.
type Paths struct {
	// Requirements is the user's declarative requirements file.
	Requirements string

	// Lock is the committed lock file.
	Lock string

	// KnownGoodLock is a copy of the last lock that installed and
	// verified.
	KnownGoodLock string

	// WorkDir holds generated compiler inputs, the staged lock and
	// persisted resolver pins.
	WorkDir string

	// EnvDir is the managed virtual environment.
	EnvDir string
}

// Config configures an Orchestrator. Zero values take defaults.
type Config struct {
	Paths Paths

	// RunID labels the run; generated per run when empty.
	RunID string

	// RuntimeRange bounds the versions DEFAULT may select.
	RuntimeRange string

	MaxResolverPasses int

	// SmartDefaults overrides the shipped defaults table.
	SmartDefaults *constraints.SmartDefaults

	// AuxiliaryTools are installed opportunistically after the
	// environment verifies. Nil installs none.
	AuxiliaryTools []toolchain.AuxiliaryTool

	// OperationLogPath is the JSONL operation log. Empty keeps records in
	// memory only.
	OperationLogPath string

	MaxAttempts int
	BackoffBase time.Duration

	// Sleep replaces the executor's backoff wait (tests).
	Sleep func(ctx context.Context, d time.Duration) error

	RollbackTimeout time.Duration
	Logger          *slog.Logger
	Now             func() time.Time
}

// Deps are the collaborators of a run. All are required.
type Deps struct {
	Lock      *lockmgr.Manager
	Host      compat.HostInfo
	Selector  *compat.Selector
	Runtime   toolchain.RuntimeManager
	Installer toolchain.Installer
	Compiler  toolchain.LockCompiler
	Resolver  *resolver.Resolver
	Snapshots *snapshot.Manager
	Runner    toolchain.Runner
}

func (d Deps) validate() error {
	var missing []string
	check := func(name string, nilValue bool) {
		if nilValue {
			missing = append(missing, name)
		}
	}
	check("Lock", d.Lock == nil)
	check("Host", d.Host == nil)
	check("Selector", d.Selector == nil)
	check("Runtime", d.Runtime == nil)
	check("Installer", d.Installer == nil)
	check("Compiler", d.Compiler == nil)
	check("Resolver", d.Resolver == nil)
	check("Snapshots", d.Snapshots == nil)
	check("Runner", d.Runner == nil)
	if len(missing) > 0 {
		return fmt.Errorf("orchestrator: missing collaborators: %s", strings.Join(missing, ", "))
	}
	return nil
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator sequences one reconciliation run.
//
// # Description
//
// A run holds the lock for its whole duration and walks the phases in a
// fixed order: plan (requirements, signature, constraints), runtime,
// environment, lock compilation with conflict resolution, install, and
// auxiliary tools. Mutating steps go through the executor. The first
// mutating step triggers a snapshot; a failure after that point restores
// it.
//
// # Thread Safety
//
// Runs are serialized by the lock; an Orchestrator must not be shared
// between goroutines.
type Orchestrator struct {
	config Config
	deps   Deps
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates an Orchestrator.
func New(config Config, deps Deps) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if config.Paths.Requirements == "" || config.Paths.Lock == "" || config.Paths.WorkDir == "" {
		return nil, errors.New("orchestrator: requirements, lock and work paths are required")
	}
	if config.Paths.KnownGoodLock == "" {
		config.Paths.KnownGoodLock = config.Paths.Lock + ".good"
	}
	if config.RuntimeRange == "" {
		config.RuntimeRange = compat.DefaultRuntimeRange
	}
	if config.MaxResolverPasses <= 0 {
		config.MaxResolverPasses = DefaultMaxResolverPasses
	}
	if config.RollbackTimeout <= 0 {
		config.RollbackTimeout = DefaultRollbackTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Orchestrator{
		config: config,
		deps:   deps,
		logger: config.Logger.With("component", "orchestrator"),
		tracer: otel.Tracer("aleutian-env/orchestrator"),
	}, nil
}

// Run reconciles the environment and returns the process exit status.
func (o *Orchestrator) Run(ctx context.Context, mode Mode, adaptive bool) int {
	report, err := o.Reconcile(ctx, mode, adaptive)
	if err != nil {
		attrs := []any{"error", err}
		var re *RunError
		if errors.As(err, &re) {
			attrs = append(attrs, "class", re.Class, "expected", re.Expected, "actual", re.Actual,
				"last_operation", re.LastOperation, "rollback", re.Rollback)
		}
		o.logger.Error("run failed", attrs...)
		return ExitFailure
	}
	o.logger.Info("environment converged",
		"run_id", report.RunID, "runtime", report.RuntimeVersion, "mutations", report.Mutations)
	return ExitSuccess
}

// Reconcile runs one reconciliation and returns its report.
//
// # Outputs
//
//   - *Report: always non-nil unless mode is invalid.
//   - error: a *RunError for every run failure, ErrInvalidMode for an
//     unknown mode.
func (o *Orchestrator) Reconcile(ctx context.Context, mode Mode, adaptive bool) (*Report, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	runID := o.config.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	ctx, span := o.tracer.Start(ctx, "orchestrator.Reconcile", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("run.mode", string(mode)),
		attribute.Bool("run.adaptive", adaptive),
	))
	defer span.End()

	r := &run{
		o:      o,
		mode:   mode,
		logger: o.logger.With("run_id", runID, "mode", mode),
		report: &Report{RunID: runID, Mode: mode, Adaptive: adaptive, StartedAt: o.config.Now().UTC()},
	}
	r.exec = executor.New(executor.Config{
		RunID:       runID,
		MaxAttempts: o.config.MaxAttempts,
		BackoffBase: o.config.BackoffBase,
		Log:         executor.NewOperationLog(o.config.OperationLogPath),
		Logger:      r.logger,
		Sleep:       o.config.Sleep,
	})

	err := r.execute(ctx, adaptive)

	r.report.FinishedAt = o.config.Now().UTC()
	r.report.Operations = r.exec.Log().Records()
	r.report.Mutations = r.exec.Log().Mutations()
	mutationsLast.Set(float64(r.report.Mutations))
	runDuration.WithLabelValues(string(mode)).Observe(r.report.FinishedAt.Sub(r.report.StartedAt).Seconds())

	if err != nil {
		class := ClassOf(err)
		runsTotal.WithLabelValues(string(mode), "failed", string(class)).Inc()
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("run.class", string(class)))
		return r.report, err
	}
	runsTotal.WithLabelValues(string(mode), "converged", "").Inc()
	return r.report, nil
}

// =============================================================================
// Run state
// =============================================================================

type run struct {
	o      *Orchestrator
	mode   Mode
	logger *slog.Logger
	exec   *executor.Executor
	handle *lockmgr.Handle
	report *Report

	file     constraints.File
	entries  []constraints.Entry
	sig      compat.Signature
	conflict *RunError
	version  string

	// destructive is set once any step that changes the environment or
	// committed files has started.
	destructive bool
	snapTried   bool
	snap        *snapshot.Snapshot
}

func (r *run) execute(ctx context.Context, adaptive bool) error {
	handle, err := r.o.deps.Lock.Acquire(ctx)
	if err != nil {
		return r.lockFailure(ctx, err)
	}
	r.handle = handle
	defer func() {
		if err := handle.Release(); err != nil {
			r.logger.Warn("lock release failed", "error", err)
		}
	}()

	phases := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{"plan", r.plan},
		{"runtime", func(ctx context.Context) error { return r.provisionRuntime(ctx, adaptive) }},
		{"environment", r.provisionEnvironment},
		{"lock", r.lock},
		{"install", r.install},
		{"auxiliary", r.auxiliary},
	}
	for _, p := range phases {
		if err := r.phase(ctx, p.name, p.fn); err != nil {
			return r.fail(ctx, err)
		}
	}
	return nil
}

func (r *run) phase(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if err := r.handle.SetStage(name); err != nil {
		r.logger.Debug("stage marker not written", "stage", name, "error", err)
	}
	ctx, span := r.o.tracer.Start(ctx, "orchestrator."+name)
	defer span.End()
	if err := fn(ctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (r *run) lockFailure(ctx context.Context, err error) error {
	var held *lockmgr.ErrLockHeld
	switch {
	case errors.As(err, &held):
		return &RunError{
			Class:    ClassConcurrency,
			Expected: "no other run in progress",
			Actual:   held.Error(),
			Rollback: "not needed: nothing was changed",
			Err:      err,
		}
	case ctx.Err() != nil:
		return &RunError{Class: ClassTransient, Actual: "interrupted while acquiring the lock", Err: err}
	}
	return &RunError{
		Class:    ClassConcurrency,
		Expected: "run lock acquired",
		Actual:   err.Error(),
		Rollback: "not needed: nothing was changed",
		Err:      err,
	}
}

func (r *run) warn(msg string, args ...any) {
	r.logger.Warn(msg, args...)
	r.report.Warnings = append(r.report.Warnings, formatWarning(msg, args...))
}

// =============================================================================
// Phases
// =============================================================================

// plan reads the requirements, computes the signature and prepares the
// constraint set. It never changes anything on disk except the generated
// files under WorkDir.
func (r *run) plan(ctx context.Context) error {
	paths := r.o.config.Paths
	file, err := constraints.ParseFile(paths.Requirements)
	if err != nil {
		return &RunError{
			Class:    ClassStructural,
			Expected: "readable requirements in " + paths.Requirements,
			Actual:   err.Error(),
			Err:      err,
		}
	}
	r.file = file

	sig, err := compat.ComputeSignature(ctx, r.o.deps.Host, file.Declared())
	if err != nil {
		return &RunError{Class: ClassUnsupported, Expected: "identifiable host", Actual: err.Error(), Err: err}
	}
	r.sig = sig
	r.report.Signature = sig.String()
	if err := compat.CheckPlatform(sig); err != nil {
		return &RunError{Class: ClassUnsupported, Expected: "mac or linux host", Actual: sig.String(), Err: err}
	}

	saved, err := constraints.LoadResolverPins(r.pinsPath())
	if err != nil {
		r.warn("saved resolver pins ignored", "error", err)
		saved = nil
	}
	entries, rejected := constraints.AddResolverPins(file.Entries, saved)
	for _, e := range rejected {
		r.warn("saved resolver pin dropped", "pin", e.String())
	}
	defaults := constraints.DefaultSmartDefaults()
	if r.o.config.SmartDefaults != nil {
		defaults = *r.o.config.SmartDefaults
	}
	r.entries = constraints.Merge(entries, defaults, r.logger)

	if dups := constraints.DuplicatePins(r.entries); len(dups) > 0 {
		names := make([]string, 0, len(dups))
		for _, d := range dups {
			names = append(names, d.String())
		}
		r.conflict = &RunError{
			Class:    ClassStructural,
			Expected: "one version per pinned package",
			Actual:   "conflicting user pins: " + strings.Join(names, ", "),
			Err:      errors.New("requirements pin the same package to different versions"),
		}
		if !fileExists(paths.KnownGoodLock) {
			r.conflict.Err = fmt.Errorf("%w; %w", r.conflict.Err, ErrNoKnownGoodLock)
			return r.conflict
		}
	}
	return nil
}

func (r *run) provisionRuntime(ctx context.Context, adaptive bool) error {
	deps := r.o.deps
	rangeSpec := r.o.config.RuntimeRange

	available, err := deps.Runtime.ListAvailable(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return &RunError{Class: ClassUnsupported, Expected: "runtime manager available", Actual: err.Error(), Err: err}
	}
	candidate := ""
	if def, err := compat.DefaultVersion(available, rangeSpec); err == nil {
		candidate = def.String()
	}

	decision, err := deps.Selector.Select(ctx, r.sig, adaptive, candidate)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		r.warn("compatibility state unavailable; using the matrix without history", "error", err)
		decision = compat.Decision{Kind: compat.KindDefault}
		if rule, ok := deps.Selector.Match(r.sig); ok {
			decision = compat.Decision{
				Kind:    compat.KindRecommended,
				Version: rule.RecommendedVersion,
				Reason:  rule.Reason,
				IssueID: rule.ID,
			}
		}
	}
	r.report.Decision = decision.String()

	picked, err := compat.PickVersion(decision, available, rangeSpec)
	if err != nil {
		return &RunError{Class: ClassUnsupported, Expected: "installable runtime for " + decision.String(), Actual: err.Error(), Err: err}
	}
	r.version = picked.String()
	r.report.RuntimeVersion = r.version
	r.logger.Info("runtime selected", "version", r.version, "decision", decision.String())

	force := r.mode.force()
	if _, err := r.exec.Execute(ctx, executor.Operation{
		Name:     "install-runtime",
		Expected: "python " + r.version + " installed",
		Run: executor.ResultRun(func(ctx context.Context) (toolchain.Result, error) {
			return deps.Runtime.Install(ctx, r.version)
		}),
		Verify:          executor.ExactVersion(r.interpreterVersion, r.version),
		SkipIfSatisfied: !force,
	}); err != nil {
		return err
	}

	_, err = r.exec.Execute(ctx, executor.Operation{
		Name:     "set-global-runtime",
		Expected: "global python " + r.version,
		Run: executor.ResultRun(func(ctx context.Context) (toolchain.Result, error) {
			return deps.Runtime.SetGlobal(ctx, r.version)
		}),
		Verify:          executor.ExactVersion(deps.Runtime.ActiveVersion, r.version),
		Prepare:         r.ensureSnapshot,
		SkipIfSatisfied: !force,
	})
	return err
}

func (r *run) provisionEnvironment(ctx context.Context) error {
	deps := r.o.deps
	python := deps.Installer.Python()
	envDir := r.o.config.Paths.EnvDir

	if _, err := r.exec.Execute(ctx, executor.Operation{
		Name:     "create-environment",
		Expected: "environment on python " + r.version,
		Run: func(ctx context.Context) (int, error) {
			if envDir != "" {
				if err := os.RemoveAll(envDir); err != nil {
					return -1, err
				}
			}
			interp, err := deps.Runtime.Interpreter(ctx, r.version)
			if err != nil {
				return -1, err
			}
			res, err := deps.Installer.CreateEnv(ctx, interp)
			return res.ExitCode, err
		},
		Verify: executor.VerifyAll(
			executor.BinaryPresent(python),
			executor.ExactVersion(r.envVersion, r.version),
		),
		Prepare:         r.ensureSnapshot,
		SkipIfSatisfied: !r.mode.force(),
	}); err != nil {
		return err
	}

	_, err := r.exec.Execute(ctx, executor.Operation{
		Name:            "install-lock-compiler",
		Expected:        "pip-tools importable",
		Run:             executor.CommandRun(deps.Runner, toolchain.NewCommand(python, "-m", "pip", "install", "--quiet", "pip-tools")),
		Verify:          executor.CommandSucceeds(deps.Runner, toolchain.NewCommand(python, "-m", "piptools", "--version")),
		Prepare:         r.ensureSnapshot,
		SkipIfSatisfied: true,
	})
	return err
}

// lock compiles the staged lock, falls back to the known-good lock on a
// structural conflict, and commits the result.
func (r *run) lock(ctx context.Context) error {
	paths := r.o.config.Paths
	source, err := r.compile(ctx)
	switch {
	case err == nil:
		r.report.LockSource = LockCompiled
	case ClassOf(err) == ClassStructural:
		var re *RunError
		errors.As(err, &re)
		if !fileExists(paths.KnownGoodLock) {
			re.Err = fmt.Errorf("%w; %w", re.Err, ErrNoKnownGoodLock)
			return re
		}
		r.warn("dependency conflict not resolved; keeping the known-good lock",
			"expected", re.Expected, "actual", re.Actual)
		source = paths.KnownGoodLock
		r.report.LockSource = LockKnownGood
	default:
		return err
	}

	_, err = r.exec.Execute(ctx, executor.Operation{
		Name:     "commit-lock",
		Expected: "lock matches " + filepath.Base(source),
		Run: func(context.Context) (int, error) {
			if err := copyFile(source, paths.Lock); err != nil {
				return 1, err
			}
			return 0, nil
		},
		Verify:          sameContent(source, paths.Lock),
		Prepare:         r.ensureSnapshot,
		SkipIfSatisfied: true,
	})
	return err
}

func (r *run) compile(ctx context.Context) (string, error) {
	if r.conflict != nil {
		return "", r.conflict
	}
	deps := r.o.deps
	workDir := r.o.config.Paths.WorkDir
	staged := filepath.Join(workDir, StagedLockName)
	entries := r.entries
	applied := map[string]bool{}

	for pass := 0; ; pass++ {
		input, err := constraints.WriteFiles(workDir, r.file.Options, entries)
		if err != nil {
			return "", err
		}
		err = deps.Compiler.Compile(ctx, toolchain.CompileRequest{
			Input:   input,
			Output:  staged,
			Upgrade: r.mode.upgrade(),
		})
		if err == nil {
			break
		}
		var conflict *toolchain.CompileConflict
		if !errors.As(err, &conflict) {
			return "", fmt.Errorf("compile lock: %w", err)
		}
		if pass >= r.o.config.MaxResolverPasses {
			return "", &RunError{
				Class:    ClassStructural,
				Expected: "a consistent lock",
				Actual:   fmt.Sprintf("still conflicting after %d resolution pass(es)", pass),
				Err:      conflict,
			}
		}

		outcome := deps.Resolver.Resolve(ctx, conflict.Report, func(pkg string) bool {
			return constraints.IsUserPinned(entries, pkg)
		})
		r.report.Conflicts = append(r.report.Conflicts, outcome.Records...)
		r.report.Candidates = append(r.report.Candidates, outcome.Candidates...)
		r.report.Rejected = append(r.report.Rejected, outcome.Rejected...)
		if outcome.Inconclusive() {
			return "", &RunError{
				Class:    ClassStructural,
				Expected: "a consistent lock",
				Actual:   describeConflicts(outcome.Records),
				Err:      conflict,
			}
		}

		var pins []constraints.Entry
		for _, c := range outcome.Candidates {
			key := toolchain.NormalizeName(c.Package) + "==" + c.Version
			if applied[key] {
				continue
			}
			applied[key] = true
			pins = append(pins, constraints.Entry{Package: c.Package, Operator: constraints.OpPin, Version: c.Version})
		}
		if len(pins) == 0 {
			return "", &RunError{
				Class:    ClassStructural,
				Expected: "a consistent lock",
				Actual:   "resolver proposed no new pins for " + describeConflicts(outcome.Records),
				Err:      conflict,
			}
		}
		var rejected []constraints.Entry
		entries, rejected = constraints.AddResolverPins(entries, pins)
		for _, e := range rejected {
			r.warn("resolver pin rejected", "pin", e.String())
		}
		if len(rejected) == len(pins) {
			return "", &RunError{
				Class:    ClassStructural,
				Expected: "a consistent lock",
				Actual:   "every resolver pin was rejected for " + describeConflicts(outcome.Records),
				Err:      conflict,
			}
		}
		r.logger.Info("recompiling with resolver pins", "pass", pass+1, "pins", len(pins)-len(rejected))
	}

	if err := constraints.SaveResolverPins(r.pinsPath(), entries); err != nil {
		r.warn("resolver pins not saved", "error", err)
	}
	return staged, nil
}

func (r *run) install(ctx context.Context) error {
	deps := r.o.deps
	paths := r.o.config.Paths
	pins, err := toolchain.ReadLockPins(paths.Lock)
	if err != nil {
		return fmt.Errorf("read committed lock: %w", err)
	}
	force := r.mode.force()

	if _, err := r.exec.Execute(ctx, executor.Operation{
		Name:     "install-packages",
		Expected: fmt.Sprintf("%d locked packages installed on python %s", len(pins), r.version),
		Run: executor.ResultRun(func(ctx context.Context) (toolchain.Result, error) {
			return deps.Installer.Install(ctx, paths.Lock, force)
		}),
		Verify: executor.VerifyAll(
			executor.ManifestHas(deps.Installer.Manifest, pins),
			executor.ExactVersion(r.envVersion, r.version),
		),
		Recover: func(ctx context.Context) error {
			_, err := deps.Installer.PurgeCache(ctx)
			return err
		},
		Prepare:         r.ensureSnapshot,
		SkipIfSatisfied: !force,
	}); err != nil {
		return err
	}

	if r.report.LockSource == LockCompiled {
		if ok, _, _ := sameContent(paths.Lock, paths.KnownGoodLock)(ctx); !ok {
			if err := copyFile(paths.Lock, paths.KnownGoodLock); err != nil {
				r.warn("known-good lock not updated", "error", err)
			}
		}
	}
	return nil
}

// auxiliary installs optional tools. Failures are recorded and never fail
// the run.
func (r *run) auxiliary(ctx context.Context) error {
	for _, tool := range r.o.config.AuxiliaryTools {
		if ctx.Err() != nil {
			r.warn("auxiliary tools interrupted", "remaining_from", tool.Name)
			return nil
		}
		rec, err := r.exec.Execute(ctx, executor.Operation{
			Name:            "auxiliary-" + tool.Name,
			Expected:        tool.Name + " available",
			Run:             executor.CommandRun(r.o.deps.Runner, tool.Install),
			Verify:          executor.CommandSucceeds(r.o.deps.Runner, tool.Check),
			MaxAttempts:     1,
			SkipIfSatisfied: true,
		})
		res := AuxiliaryResult{Name: tool.Name, Status: AuxInstalled}
		switch {
		case err != nil:
			res.Status = AuxSkipped
			res.Detail = rec.FailureReason
			r.logger.Warn("auxiliary tool skipped", "tool", tool.Name, "reason", rec.FailureReason)
		case rec.Skipped:
			res.Status = AuxPresent
		}
		r.report.Auxiliary = append(r.report.Auxiliary, res)
	}
	return nil
}

// =============================================================================
// Snapshot and failure handling
// =============================================================================

// ensureSnapshot runs before every mutating step and takes the run's
// snapshot the first time.
func (r *run) ensureSnapshot(ctx context.Context) {
	r.destructive = true
	if r.snapTried {
		return
	}
	r.snapTried = true
	snap, err := r.o.deps.Snapshots.Take(ctx)
	if err != nil {
		r.warn("snapshot not taken", "error", err)
	}
	r.snap = snap
	if snap != nil {
		r.report.SnapshotID = snap.ID
		r.report.SnapshotKind = snap.Kind
		if snap.Degraded != "" {
			r.warn("snapshot degraded to metadata only", "reason", snap.Degraded)
		}
	}
}

func (r *run) fail(ctx context.Context, err error) error {
	re := r.classify(ctx, err)
	if re.LastOperation == "" {
		if last, ok := r.exec.Log().Last(); ok {
			re.LastOperation = last.Name
		}
	}
	if re.Rollback == "" {
		if r.destructive {
			re.Rollback = r.rollback(ctx)
		} else {
			re.Rollback = "not needed: no destructive step ran"
		}
	}
	r.report.Rollback = re.Rollback
	return re
}

func (r *run) classify(ctx context.Context, err error) *RunError {
	var re *RunError
	if errors.As(err, &re) {
		return re
	}
	class := ClassTransient
	if r.destructive {
		class = ClassCorrupting
	}
	var exhausted *executor.ExhaustedError
	if errors.As(err, &exhausted) {
		return &RunError{
			Class:         class,
			Expected:      exhausted.Record.ExpectedState,
			Actual:        exhausted.Record.ActualState,
			LastOperation: exhausted.Record.Name,
			Err:           err,
		}
	}
	actual := err.Error()
	if ctx.Err() != nil {
		actual = "interrupted"
	}
	return &RunError{Class: class, Actual: actual, Err: err}
}

func (r *run) rollback(ctx context.Context) string {
	if r.snap == nil {
		return "no snapshot available; environment left as is"
	}
	if err := r.handle.SetStage("rollback"); err != nil {
		r.logger.Debug("stage marker not written", "stage", "rollback", "error", err)
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.o.config.RollbackTimeout)
	defer cancel()
	ctx, span := r.o.tracer.Start(rctx, "orchestrator.rollback")
	defer span.End()

	res, err := r.o.deps.Snapshots.Restore(ctx, r.snap)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("rollback failed", "snapshot_id", r.snap.ID, "error", err)
		return "failed: " + err.Error()
	}
	r.logger.Info("rollback verified", "snapshot_id", res.SnapshotID, "method", res.Method)
	msg := fmt.Sprintf("restored snapshot %s by %s", res.SnapshotID, res.Method)
	if res.Detail != "" {
		msg += " (" + res.Detail + ")"
	}
	return msg
}

// =============================================================================
// Helpers
// =============================================================================

func (r *run) pinsPath() string {
	return filepath.Join(r.o.config.Paths.WorkDir, constraints.ResolverFileName)
}

// interpreterVersion reports the version of the selected runtime's own
// interpreter.
func (r *run) interpreterVersion(ctx context.Context) (string, error) {
	interp, err := r.o.deps.Runtime.Interpreter(ctx, r.version)
	if err != nil {
		return "", err
	}
	return r.pythonVersion(ctx, interp)
}

// envVersion reports the version of the environment's interpreter.
func (r *run) envVersion(ctx context.Context) (string, error) {
	return r.pythonVersion(ctx, r.o.deps.Installer.Python())
}

func (r *run) pythonVersion(ctx context.Context, python string) (string, error) {
	res, err := r.o.deps.Runner.Run(ctx, toolchain.NewCommand(python, "--version"))
	if err != nil {
		return "", err
	}
	return toolchain.ParsePythonVersion(res.Combined())
}

func sameContent(a, b string) executor.VerifyFunc {
	return func(context.Context) (bool, string, error) {
		want, err := os.ReadFile(a)
		if err != nil {
			return false, "", err
		}
		got, err := os.ReadFile(b)
		if errors.Is(err, os.ErrNotExist) {
			return false, filepath.Base(b) + " missing", nil
		}
		if err != nil {
			return false, "", err
		}
		if string(got) != string(want) {
			return false, filepath.Base(b) + " differs", nil
		}
		return true, filepath.Base(b) + " up to date", nil
	}
}

// copyFile replaces dst with the content of src through a rename.
func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return err
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func describeConflicts(records []resolver.ConflictRecord) string {
	if len(records) == 0 {
		return "compiler report not recognized"
	}
	parts := make([]string, 0, len(records))
	for _, rec := range records {
		parts = append(parts, rec.String())
	}
	return strings.Join(parts, "; ")
}

func formatWarning(msg string, args ...any) string {
	if len(args) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(args); i += 2 {
		fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
	}
	return b.String()
}
