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
	"errors"
	"fmt"
	"strings"
)

// Exit codes for Run.
const (
	ExitSuccess = 0 // Environment converged
	ExitFailure = 1 // Run failed; rollback attempted when a destructive step ran
)

// Sentinel errors.
var (
	ErrNoKnownGoodLock = errors.New("no known-good lock to fall back to")
	ErrInvalidMode     = errors.New("invalid mode")
)

// Class is the failure taxonomy. Only the orchestrator maps classes to
// exit status.
type Class string

const (
	// ClassTransient never leaves the executor; it appears in reports only
	// as retried attempts.
	ClassTransient Class = "transient-operational"

	// ClassStructural is an unsatisfiable dependency set. The run continues
	// on the known-good lock when one exists.
	ClassStructural Class = "structural-conflict"

	// ClassCorrupting is a destructive step that left the environment
	// unusable.
	ClassCorrupting Class = "environment-corrupting"

	// ClassConcurrency is a lock held by another live run.
	ClassConcurrency Class = "concurrency"

	// ClassUnsupported is a machine the engine cannot provision.
	ClassUnsupported Class = "unsupported-environment"
)

// RunError is the user-visible failure of a run.
type RunError struct {
	Class Class

	// Expected and Actual describe the state the failing step wanted and
	// what was observed.
	Expected string
	Actual   string

	// LastOperation is the most recent operation attempted.
	LastOperation string

	// Rollback describes the rollback outcome, or why none ran.
	Rollback string

	Err error
}

func (e *RunError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %v", e.Class, e.Err)
	if e.Expected != "" || e.Actual != "" {
		fmt.Fprintf(&b, " (expected %q, actual %q)", e.Expected, e.Actual)
	}
	if e.LastOperation != "" {
		fmt.Fprintf(&b, "; last operation: %s", e.LastOperation)
	}
	if e.Rollback != "" {
		fmt.Fprintf(&b, "; rollback: %s", e.Rollback)
	}
	return b.String()
}

func (e *RunError) Unwrap() error { return e.Err }

// ClassOf returns the class of err, or "" when err is not a *RunError.
func ClassOf(err error) Class {
	var re *RunError
	if errors.As(err, &re) {
		return re.Class
	}
	return ""
}
