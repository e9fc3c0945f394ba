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
	"time"

	"github.com/spf13/cobra"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/compat"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/executor"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/lockmgr"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/snapshot"
)

// =============================================================================
// status
// =============================================================================

// statusOutput is the --json shape of `status`.
type statusOutput struct {
	Lock       lockmgr.Status             `json:"lock"`
	Compat     []compat.State             `json:"compat"`
	CompatErr  string                     `json:"compat_error,omitempty"`
	Operations []executor.OperationRecord `json:"operations"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	a, err := loadApp(configPath, verbose)
	if err != nil {
		return err
	}
	defer a.close()

	c := a.buildComponents(nil)
	defer func() {
		if err := c.close(); err != nil {
			a.logger.Warn("close components", "error", err)
		}
	}()

	out := statusOutput{Lock: c.lock.Inspect()}

	// A running reconcile holds the badger directory lock, so an open
	// failure is shown rather than returned.
	if err := a.openStore(c); err != nil {
		out.CompatErr = err.Error()
	} else if out.Compat, err = c.store.List(cmd.Context()); err != nil {
		out.CompatErr = err.Error()
	}

	out.Operations, err = executor.ReadTail(a.cfg.OperationLog(), statusTail)
	if err != nil {
		return fmt.Errorf("read operation log: %w", err)
	}

	p := newPrinter()
	if jsonOutput {
		return p.JSON(out)
	}
	printStatus(p, out)
	return nil
}

func printStatus(p *printer, out statusOutput) {
	p.Title("aleutian-env status")

	p.Section("Run lock")
	p.Field("path", out.Lock.Path)
	switch {
	case !out.Lock.Held:
		p.Field("state", "free")
	case out.Lock.Holder != nil:
		h := out.Lock.Holder
		p.Field("state", fmt.Sprintf("held by %s (pid %d) since %s", h.Program, h.PID, h.AcquiredAt.Format(time.RFC3339)))
		p.Field("stage", out.Lock.Stage)
	default:
		p.Field("state", "held (holder record not yet written)")
	}

	p.Section("Compatibility issues")
	switch {
	case out.CompatErr != "":
		p.Warning(out.CompatErr)
	case len(out.Compat) == 0:
		p.Muted("  none recorded")
	default:
		for _, st := range out.Compat {
			line := fmt.Sprintf("  %s: %s", st.IssueID, st.Status)
			if st.ChosenVersion != "" {
				line += fmt.Sprintf(" %s %s", iconArrow, st.ChosenVersion)
			}
			if !st.LastCheckedAt.IsZero() {
				line += fmt.Sprintf(" (checked %s)", st.LastCheckedAt.Format(time.RFC3339))
			}
			p.Muted(line)
		}
	}

	p.Section("Recent operations")
	if len(out.Operations) == 0 {
		p.Muted("  none recorded")
	}
	for _, op := range out.Operations {
		printOperation(p, op)
	}
}

// =============================================================================
// snapshots
// =============================================================================

func runSnapshots(_ *cobra.Command, _ []string) error {
	a, err := loadApp(configPath, verbose)
	if err != nil {
		return err
	}
	defer a.close()

	snaps, err := a.buildComponents(nil).snaps.List()
	if err != nil {
		return fmt.Errorf("list snapshots: %w", err)
	}

	p := newPrinter()
	if jsonOutput {
		if snaps == nil {
			snaps = []*snapshot.Snapshot{}
		}
		return p.JSON(snaps)
	}
	printSnapshots(p, snaps)
	return nil
}

func printSnapshots(p *printer, snaps []*snapshot.Snapshot) {
	p.Title("aleutian-env snapshots")
	if len(snaps) == 0 {
		p.Muted("  none taken yet")
		return
	}
	for _, s := range snaps {
		p.Section(s.ID)
		p.Field("taken", s.Timestamp.Format(time.RFC3339))
		p.Field("kind", string(s.Kind))
		p.Field("run", s.RunID)
		p.Field("runtime", s.RuntimeVersion)
		p.Field("packages", fmt.Sprintf("%d", len(s.RecordedVersions)))
		if s.Kind == snapshot.KindFullArchive {
			p.Field("size", fmt.Sprintf("%.1f MiB", float64(s.SizeBytes)/(1<<20)))
		}
		if s.Degraded != "" {
			p.Warning("degraded: " + s.Degraded)
		}
	}
}

// =============================================================================
// config
// =============================================================================

func runShowConfig(_ *cobra.Command, _ []string) error {
	a, err := loadApp(configPath, false)
	if err != nil {
		return err
	}
	defer a.close()

	p := newPrinter()
	if jsonOutput {
		return p.JSON(map[string]any{"path": a.cfgPath, "config": a.cfg})
	}
	data, err := yamlv3.Marshal(a.cfg)
	if err != nil {
		return err
	}
	p.Muted("# " + a.cfgPath)
	_, err = p.w.Write(data)
	return err
}
