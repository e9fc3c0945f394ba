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
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/orchestrator"
)

var (
	rootCmd = &cobra.Command{
		Use:   "aleutian-env",
		Short: "Keeps a Python development environment converged on its requirements",
		Long: `aleutian-env reconciles a managed virtual environment against a
requirements file. It picks an interpreter that works on this machine,
compiles a lock file (resolving conflicts when the compiler reports them),
installs it, and rolls back to a snapshot when a step leaves the
environment broken.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	configPath string
	verbose    bool
	jsonOutput bool

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Reconcile the environment once",
		Long: `Runs one reconciliation. Exits 0 when the environment converged and 1
otherwise. The failure class, the expected and observed state, and the
rollback outcome are printed on failure.`,
		Args: cobra.NoArgs,
		RunE: runReconcile,
	}
	runMode     string
	runAdaptive bool

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the run lock, compatibility state and recent operations",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
	statusTail int

	snapshotsCmd = &cobra.Command{
		Use:   "snapshots",
		Short: "List environment snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE:  runSnapshots,
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration and where it was loaded from",
		Args:  cobra.NoArgs,
		RunE:  runShowConfig,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to config.yaml (default: $ALEUTIAN_ENV_CONFIG or the XDG config directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"stream subprocess output and log at debug level")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"print machine-readable JSON instead of styled text")

	modes := make([]string, len(orchestrator.Modes))
	for i, m := range orchestrator.Modes {
		modes[i] = string(m)
	}
	runCmd.Flags().StringVarP(&runMode, "mode", "m", string(orchestrator.ModeInstall),
		fmt.Sprintf("run mode: %s", strings.Join(modes, ", ")))
	runCmd.Flags().BoolVarP(&runAdaptive, "adaptive", "a", false,
		"let the compatibility matrix pick the interpreter")

	statusCmd.Flags().IntVarP(&statusTail, "tail", "n", 10, "number of recent operations to show")

	rootCmd.AddCommand(runCmd, statusCmd, snapshotsCmd, configCmd)
}
