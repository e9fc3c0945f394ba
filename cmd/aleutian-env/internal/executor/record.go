// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"fmt"
	"strings"
	"time"
)

// Outcome is the final verdict of an operation.
type Outcome string

const (
	OutcomeVerifiedSuccess Outcome = "verified_success"
	OutcomeFailed          Outcome = "failed"
)

// AttemptRecord is one run-then-verify cycle.
type AttemptRecord struct {
	AttemptNo          int           `json:"attempt_no"`
	ExitStatus         int           `json:"exit_status"`
	VerificationResult string        `json:"verification_result"`
	Verified           bool          `json:"verified"`
	Actual             string        `json:"actual,omitempty"`
	Error              string        `json:"error,omitempty"`
	StartedAt          time.Time     `json:"started_at"`
	Duration           time.Duration `json:"duration_ns"`
}

// VerificationResultLabel is a low-cardinality metric label.
func (a AttemptRecord) VerificationResultLabel() string {
	switch {
	case a.Verified:
		return "passed"
	case strings.HasPrefix(a.VerificationResult, "error"):
		return "error"
	}
	return "failed"
}

// OperationRecord is the append-only log entry for one operation.
type OperationRecord struct {
	ID            string          `json:"id"`
	RunID         string          `json:"run_id"`
	Name          string          `json:"name"`
	ExpectedState string          `json:"expected_state"`
	ActualState   string          `json:"actual_state,omitempty"`
	Attempts      []AttemptRecord `json:"attempts"`
	Outcome       Outcome         `json:"outcome"`
	Skipped       bool            `json:"skipped,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    time.Time       `json:"finished_at"`
}

// ExhaustedError reports an operation that never verified.
type ExhaustedError struct {
	Record OperationRecord

	// Cause is the context error when the run was interrupted.
	Cause error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("operation %s failed: expected %q, observed %q: %s",
		e.Record.Name, e.Record.ExpectedState, e.Record.ActualState, e.Record.FailureReason)
}

// Unwrap returns the interrupting context error, if any.
func (e *ExhaustedError) Unwrap() error { return e.Cause }
