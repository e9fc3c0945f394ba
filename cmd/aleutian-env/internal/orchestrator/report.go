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
	"time"

	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/executor"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/resolver"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/snapshot"
)

// LockSource names where the committed lock came from.
type LockSource string

const (
	LockCompiled  LockSource = "compiled"
	LockKnownGood LockSource = "known-good"
)

// AuxStatus is the outcome of one auxiliary tool.
type AuxStatus string

const (
	AuxPresent   AuxStatus = "present"
	AuxInstalled AuxStatus = "installed"
	AuxSkipped   AuxStatus = "skipped"
)

// AuxiliaryResult records one auxiliary tool.
type AuxiliaryResult struct {
	Name   string    `json:"name"`
	Status AuxStatus `json:"status"`
	Detail string    `json:"detail,omitempty"`
}

// Report summarizes a run. Fields are filled as phases complete, so a
// failed run carries everything up to the failure.
type Report struct {
	RunID    string `json:"run_id"`
	Mode     Mode   `json:"mode"`
	Adaptive bool   `json:"adaptive"`

	Signature      string `json:"signature,omitempty"`
	Decision       string `json:"decision,omitempty"`
	RuntimeVersion string `json:"runtime_version,omitempty"`

	LockSource LockSource                `json:"lock_source,omitempty"`
	Conflicts  []resolver.ConflictRecord `json:"conflicts,omitempty"`
	Candidates []resolver.Candidate      `json:"candidates,omitempty"`
	Rejected   []resolver.Candidate      `json:"rejected,omitempty"`

	SnapshotID   string        `json:"snapshot_id,omitempty"`
	SnapshotKind snapshot.Kind `json:"snapshot_kind,omitempty"`
	Rollback     string        `json:"rollback,omitempty"`

	Operations []executor.OperationRecord `json:"operations"`
	Mutations  int                        `json:"mutations"`
	Auxiliary  []AuxiliaryResult          `json:"auxiliary,omitempty"`
	Warnings   []string                   `json:"warnings,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration is the wall time of the run.
func (r *Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Operation returns the record for the named operation, if it ran.
func (r *Report) Operation(name string) (executor.OperationRecord, bool) {
	for _, op := range r.Operations {
		if op.Name == name {
			return op, true
		}
	}
	return executor.OperationRecord{}, false
}
