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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/config"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/compat"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/lockmgr"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/orchestrator"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/registry"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/resolver"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/snapshot"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/toolchain"
	"github.com/AleutianAI/AleutianEnv/pkg/logging"
)

// =============================================================================
// Application context
// =============================================================================

// app is the loaded configuration and logger shared by every command.
type app struct {
	cfg     *config.Config
	cfgPath string
	log     *logging.Logger
	logger  *slog.Logger
}

// loadApp reads the configuration and builds the logger.
//
// # Inputs
//
//   - path: explicit config path, or "" for the default lookup.
//   - debug: forces debug level regardless of the configured level.
//
// # Outputs
//
//   - *app: call close when done.
//   - error: configuration could not be loaded or is invalid.
func loadApp(path string, debug bool) (*app, error) {
	cfg, loadedFrom, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	if debug {
		level = logging.LevelDebug
	}
	log := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: config.AppName,
		JSON:    cfg.Logging.JSON,
		Quiet:   cfg.Logging.Quiet,
	})
	return &app{cfg: cfg, cfgPath: loadedFrom, log: log, logger: log.Slog()}, nil
}

func (a *app) close() {
	if err := a.log.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "close log file: %v\n", err)
	}
}

// =============================================================================
// Component wiring
// =============================================================================

// components are the collaborators built for one command invocation.
type components struct {
	runID    string
	runner   toolchain.Runner
	runtime  *toolchain.Pyenv
	pip      *toolchain.Pip
	store    compat.StateStore // nil until openStore
	lock     *lockmgr.Manager
	snaps    *snapshot.Manager
	closeFns []func() error
}

func (c *components) close() error {
	var errs []error
	for i := len(c.closeFns) - 1; i >= 0; i-- {
		errs = append(errs, c.closeFns[i]())
	}
	return errors.Join(errs...)
}

// buildComponents creates the collaborators every command shares. output
// receives subprocess output; nil discards it. The compatibility store is
// opened separately by openStore since only some commands need it.
func (a *app) buildComponents(output io.Writer) *components {
	cfg := a.cfg
	c := &components{runID: uuid.NewString()}
	c.runner = toolchain.NewExecRunner(output)
	c.runtime = toolchain.NewPyenv(c.runner, cfg.Runtime.Pyenv)
	c.pip = toolchain.NewPip(c.runner, cfg.State.EnvDir)

	c.lock = lockmgr.New(lockmgr.Config{
		Dir:              cfg.Lock.Dir,
		Name:             cfg.Lock.Name,
		Program:          config.AppName,
		MaxAttempts:      cfg.Lock.MaxAttempts,
		FreshMarkerGrace: cfg.Lock.FreshMarkerGrace,
		Logger:           a.logger,
	}, lockmgr.SystemProbe{})

	c.snaps = snapshot.New(snapshot.Config{
		Dir:        cfg.SnapshotDir(),
		EnvDir:     cfg.State.EnvDir,
		Files:      []string{cfg.LockPath(), cfg.KnownGoodPath(), cfg.ResolverPinsPath()},
		Threshold:  cfg.ThresholdBytes(),
		MaxPerKind: cfg.Snapshot.MaxPerKind,
		RunID:      c.runID,
		Installer:  c.pip,
		Runtime:    c.runtime,
		Logger:     a.logger,
	})
	return c
}

// openStore opens the configured compatibility state store and registers
// its close with c.
func (a *app) openStore(c *components) error {
	store, closeStore, err := openStateStore(a.cfg, a.logger)
	if err != nil {
		return err
	}
	c.store = store
	if closeStore != nil {
		c.closeFns = append(c.closeFns, closeStore)
	}
	return nil
}

// openStateStore opens the configured compatibility state backend. The
// returned close func is nil for backends that hold no resources.
func openStateStore(cfg *config.Config, logger *slog.Logger) (compat.StateStore, func() error, error) {
	switch cfg.Compat.Store {
	case "badger":
		store, err := compat.OpenBadgerStateStore(compat.BadgerConfig{
			Path:   cfg.CompatBadgerDir(),
			Logger: logger.With("component", "badger"),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open compatibility state: %w", err)
		}
		return store, store.Close, nil
	case "file":
		return compat.NewFileStateStore(cfg.CompatStateFile()), nil, nil
	case "memory":
		return compat.NewMemoryStateStore(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown compatibility store %q", cfg.Compat.Store)
	}
}

// buildOrchestrator wires a full run.
func (a *app) buildOrchestrator(c *components) (*orchestrator.Orchestrator, error) {
	cfg := a.cfg

	rules, err := compat.MatrixRules(cfg.Compat.RulesFile)
	if err != nil {
		return nil, err
	}
	prober := compat.NewPyenvProber(c.runtime, c.runner, cfg.ProbeDir(), a.logger)
	selector := compat.NewSelector(rules, c.store, prober, compat.SelectorConfig{
		Cooldown:     cfg.Compat.Cooldown,
		ProbeTimeout: cfg.Compat.ProbeTimeout,
		Logger:       a.logger,
	})

	cache := registry.NewCache()
	opts := func(baseURL string) registry.Options {
		return registry.Options{
			BaseURL:     baseURL,
			CallTimeout: cfg.Registry.CallTimeout,
			RateLimit:   cfg.Registry.RateLimit,
			Burst:       cfg.Registry.Burst,
			Cache:       cache,
			Logger:      a.logger,
			UserAgent:   config.AppName + "/" + version,
		}
	}
	var index registry.SecondaryIndex
	if cfg.Registry.AnacondaURL != "" {
		index = registry.NewAnaconda(opts(cfg.Registry.AnacondaURL), cfg.Registry.AnacondaChannel)
	}
	var manifests registry.ManifestSource
	if cfg.Registry.ManifestsURL != "" {
		manifests = registry.NewManifestSampler(opts(cfg.Registry.ManifestsURL))
	}
	res := resolver.New(registry.NewPyPI(opts(cfg.Registry.PyPIURL)), index, manifests, resolver.Config{
		RequiringScanDepth: cfg.Resolver.RequiringScanDepth,
		SampleRank:         cfg.Resolver.SampleRank,
		FallbackRank:       cfg.Resolver.FallbackRank,
		Cache:              cache,
		Logger:             a.logger,
	})

	var aux []toolchain.AuxiliaryTool
	if cfg.Auxiliary.Enabled {
		aux = toolchain.DefaultAuxiliaryTools("")
	}

	return orchestrator.New(orchestrator.Config{
		Paths: orchestrator.Paths{
			Requirements:  cfg.RequirementsPath(),
			Lock:          cfg.LockPath(),
			KnownGoodLock: cfg.KnownGoodPath(),
			WorkDir:       cfg.WorkDir(),
			EnvDir:        cfg.State.EnvDir,
		},
		RunID:             c.runID,
		RuntimeRange:      cfg.Runtime.Range,
		MaxResolverPasses: cfg.Resolver.MaxPasses,
		SmartDefaults:     cfg.Constraints.SmartDefaults(),
		AuxiliaryTools:    aux,
		OperationLogPath:  cfg.OperationLog(),
		MaxAttempts:       cfg.Executor.MaxAttempts,
		BackoffBase:       cfg.Executor.BackoffBase,
		RollbackTimeout:   cfg.Executor.RollbackTimeout,
		Logger:            a.logger,
	}, orchestrator.Deps{
		Lock:      c.lock,
		Host:      compat.SystemHost{},
		Selector:  selector,
		Runtime:   c.runtime,
		Installer: c.pip,
		Compiler:  toolchain.NewPipCompile(c.runner, c.pip.Python),
		Resolver:  res,
		Snapshots: c.snaps,
		Runner:    c.runner,
	})
}
