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
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/config"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/executor"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/orchestrator"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/telemetry"
)

// runReconcile implements `aleutian-env run`.
func runReconcile(cmd *cobra.Command, _ []string) error {
	mode, err := orchestrator.ParseMode(runMode)
	if err != nil {
		return err
	}

	a, err := loadApp(configPath, verbose)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:     config.AppName,
		ServiceVersion:  version,
		TraceFile:       a.cfg.Telemetry.TraceFile,
		MetricsTextfile: a.cfg.Telemetry.MetricsTextfile,
		Gatherer:        prometheus.DefaultGatherer,
	})
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			a.logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	var subprocessOutput io.Writer
	if verbose {
		subprocessOutput = os.Stderr
	}
	c := a.buildComponents(subprocessOutput)
	defer func() {
		if err := c.close(); err != nil {
			a.logger.Warn("close components", "error", err)
		}
	}()

	if err := a.openStore(c); err != nil {
		return err
	}
	o, err := a.buildOrchestrator(c)
	if err != nil {
		return err
	}

	report, runErr := o.Reconcile(ctx, mode, runAdaptive)
	exitStatus = exitStatusFor(runErr)
	if runErr != nil {
		attrs := []any{"error", runErr}
		var re *orchestrator.RunError
		if errors.As(runErr, &re) {
			attrs = append(attrs, "class", re.Class, "last_operation", re.LastOperation, "rollback", re.Rollback)
		}
		a.logger.Error("run failed", attrs...)
	}

	p := newPrinter()
	if jsonOutput {
		return p.JSON(runOutput{Report: report, Error: errorOutputFor(runErr)})
	}
	printReport(p, report, runErr)
	return nil
}

// exitStatusFor maps a run outcome to the process exit status.
func exitStatusFor(err error) int {
	if err != nil {
		return orchestrator.ExitFailure
	}
	return orchestrator.ExitSuccess
}

// runOutput is the --json shape of `run`.
type runOutput struct {
	Report *orchestrator.Report `json:"report"`
	Error  *errorOutput         `json:"error,omitempty"`
}

type errorOutput struct {
	Class         orchestrator.Class `json:"class"`
	Message       string             `json:"message"`
	Expected      string             `json:"expected,omitempty"`
	Actual        string             `json:"actual,omitempty"`
	LastOperation string             `json:"last_operation,omitempty"`
	Rollback      string             `json:"rollback,omitempty"`
}

func errorOutputFor(err error) *errorOutput {
	if err == nil {
		return nil
	}
	out := &errorOutput{Class: orchestrator.ClassOf(err), Message: err.Error()}
	var re *orchestrator.RunError
	if errors.As(err, &re) {
		out.Message = re.Err.Error()
		out.Expected = re.Expected
		out.Actual = re.Actual
		out.LastOperation = re.LastOperation
		out.Rollback = re.Rollback
	}
	return out
}

// printReport renders a run for a human.
func printReport(p *printer, report *orchestrator.Report, runErr error) {
	if report == nil {
		p.Error(runErr.Error())
		return
	}
	p.Title(fmt.Sprintf("aleutian-env run %s (%s)", report.Mode, report.RunID))
	p.Field("runtime", report.RuntimeVersion)
	p.Field("decision", report.Decision)
	p.Field("lock", string(report.LockSource))
	p.Field("snapshot", snapshotLabel(report))
	p.Field("mutations", fmt.Sprintf("%d", report.Mutations))
	p.Field("duration", report.Duration().Round(time.Millisecond).String())

	if len(report.Operations) > 0 {
		p.Section("Operations")
		for _, op := range report.Operations {
			printOperation(p, op)
		}
	}

	if len(report.Conflicts) > 0 {
		p.Section("Conflicts")
		for _, c := range report.Conflicts {
			p.Muted(fmt.Sprintf("  %s %s", iconArrow, c.String()))
		}
	}

	if len(report.Auxiliary) > 0 {
		p.Section("Auxiliary tools")
		for _, aux := range report.Auxiliary {
			line := fmt.Sprintf("  %s: %s", aux.Name, aux.Status)
			if aux.Detail != "" {
				line += " (" + aux.Detail + ")"
			}
			p.Muted(line)
		}
	}

	if len(report.Warnings) > 0 {
		fmt.Fprintln(p.w)
		for _, w := range report.Warnings {
			p.Warning(w)
		}
	}

	fmt.Fprintln(p.w)
	if runErr == nil {
		p.Success("environment converged")
		return
	}
	lines := []string{fmt.Sprintf("%s %s", iconError, orchestrator.ClassOf(runErr))}
	var re *orchestrator.RunError
	if errors.As(runErr, &re) {
		lines = append(lines, re.Err.Error())
		if re.Expected != "" {
			lines = append(lines, "expected: "+re.Expected)
		}
		if re.Actual != "" {
			lines = append(lines, "actual:   "+re.Actual)
		}
		if re.LastOperation != "" {
			lines = append(lines, "last op:  "+re.LastOperation)
		}
		lines = append(lines, "rollback: "+re.Rollback)
	} else {
		lines = append(lines, runErr.Error())
	}
	p.Box(styles.ErrorBox, lines...)
}

func printOperation(p *printer, op executor.OperationRecord) {
	detail := fmt.Sprintf("%d attempt(s)", len(op.Attempts))
	switch {
	case op.Skipped:
		p.Muted(fmt.Sprintf("  %s %s (already satisfied)", iconPending, op.Name))
	case op.Outcome == executor.OutcomeVerifiedSuccess:
		p.Success(fmt.Sprintf("%s %s", op.Name, p.render(styles.Muted, detail)))
	default:
		reason := op.FailureReason
		if reason == "" {
			reason = detail
		}
		p.Error(fmt.Sprintf("%s: %s", op.Name, reason))
	}
}

func snapshotLabel(report *orchestrator.Report) string {
	if report.SnapshotID == "" {
		return ""
	}
	return fmt.Sprintf("%s (%s)", report.SnapshotID, report.SnapshotKind)
}
