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
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// DefaultMaxAttempts bounds attempts per operation.
	DefaultMaxAttempts = 3

	// DefaultBackoffBase is the delay after the first failed attempt. Each
	// further failure doubles it.
	DefaultBackoffBase = 2 * time.Second
)

// State is a node of the per-operation state machine.
type State string

const (
	StateAttempting State = "attempting"
	StateVerifying  State = "verifying"
	StateRecovering State = "recovering"
	StateSucceeded  State = "succeeded"
	StateExhausted  State = "exhausted"
)

// =============================================================================
// Operation
// =============================================================================

// RunFunc performs the mutation and returns its exit status. The status
// is recorded but never decides success.
type RunFunc func(ctx context.Context) (exitStatus int, err error)

// VerifyFunc inspects the system. ok reports whether the expected state
// holds and actual describes what was observed.
type VerifyFunc func(ctx context.Context) (ok bool, actual string, err error)

// RecoverFunc runs between a failed attempt and the next one.
type RecoverFunc func(ctx context.Context) error

// Operation is one mutating step with its verification.
type Operation struct {
	Name     string
	Expected string
	Run      RunFunc
	Verify   VerifyFunc

	// Recover is optional.
	Recover RecoverFunc

	// MaxAttempts overrides the executor default when positive.
	MaxAttempts int

	// SkipIfSatisfied verifies before the first attempt and records a
	// success without running when the expected state already holds.
	SkipIfSatisfied bool

	// Prepare runs once before the first attempt. It is not called when
	// the operation is skipped.
	Prepare func(ctx context.Context)
}

// =============================================================================
// Executor
// =============================================================================

// Config configures an Executor.
type Config struct {
	RunID       string
	MaxAttempts int
	BackoffBase time.Duration
	Log         *OperationLog
	Logger      *slog.Logger

	// Sleep waits between attempts. Tests replace it to observe backoff.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Executor runs operations under verification-based retry.
//
// # Description
//
// An attempt succeeds only when verification passes, whatever the exit
// status: a zero exit with failing verification is a failed attempt and a
// non-zero exit with passing verification is a success. Failed attempts
// run the operation's recovery then wait BackoffBase·2^(n-1) before
// retrying. Every attempt is appended to the operation log.
//
// # Thread Safety
//
// Execute may be called from one goroutine at a time.
type Executor struct {
	config Config
	tracer trace.Tracer
}

// New creates an Executor.
func New(config Config) *Executor {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = DefaultBackoffBase
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Sleep == nil {
		config.Sleep = sleepContext
	}
	if config.RunID == "" {
		config.RunID = uuid.NewString()
	}
	if config.Log == nil {
		config.Log = NewOperationLog("")
	}
	return &Executor{config: config, tracer: otel.Tracer("aleutian-env/executor")}
}

// Log returns the operation log.
func (e *Executor) Log() *OperationLog { return e.config.Log }

// Backoff returns the delay after the n-th failed attempt (1-based).
func (e *Executor) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return e.config.BackoffBase << (n - 1)
}

// Execute drives op to a verified state or exhaustion.
//
// # Outputs
//
//   - OperationRecord: the full record, also appended to the log.
//   - error: *ExhaustedError when attempts ran out or ctx ended.
func (e *Executor) Execute(ctx context.Context, op Operation) (OperationRecord, error) {
	ctx, span := e.tracer.Start(ctx, "executor."+op.Name)
	defer span.End()

	maxAttempts := op.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.config.MaxAttempts
	}
	rec := OperationRecord{
		ID:            uuid.NewString(),
		RunID:         e.config.RunID,
		Name:          op.Name,
		ExpectedState: op.Expected,
		StartedAt:     time.Now().UTC(),
	}
	log := e.config.Logger.With("operation", op.Name, "operation_id", rec.ID)

	if op.SkipIfSatisfied {
		if ok, actual, err := op.Verify(ctx); err == nil && ok {
			rec.Outcome = OutcomeVerifiedSuccess
			rec.Skipped = true
			rec.ActualState = actual
			log.Info("already satisfied", "actual", actual)
			return e.finish(span, rec, nil)
		}
	}

	if op.Prepare != nil {
		op.Prepare(ctx)
	}

	var (
		state   = StateAttempting
		attempt AttemptRecord
		ctxErr  error
	)
	for {
		switch state {
		case StateAttempting:
			attempt = AttemptRecord{AttemptNo: len(rec.Attempts) + 1, StartedAt: time.Now().UTC()}
			status, err := op.Run(ctx)
			attempt.ExitStatus = status
			if err != nil {
				attempt.Error = err.Error()
			}
			state = StateVerifying

		case StateVerifying:
			if err := ctx.Err(); err != nil {
				ctxErr = err
				attempt.VerificationResult = "interrupted"
				rec.Attempts = append(rec.Attempts, attempt)
				state = StateExhausted
				continue
			}
			ok, actual, err := op.Verify(ctx)
			attempt.Verified = ok
			attempt.Actual = actual
			switch {
			case err != nil:
				attempt.VerificationResult = "error: " + err.Error()
			case ok:
				attempt.VerificationResult = "passed"
			default:
				attempt.VerificationResult = "failed"
			}
			attempt.Duration = time.Since(attempt.StartedAt)
			rec.Attempts = append(rec.Attempts, attempt)
			rec.ActualState = actual
			attemptsTotal.WithLabelValues(op.Name, attempt.VerificationResultLabel()).Inc()
			log.Info("attempt finished",
				"attempt", attempt.AttemptNo, "exit_status", attempt.ExitStatus,
				"verification", attempt.VerificationResult, "actual", actual)

			switch {
			case ok:
				state = StateSucceeded
			case attempt.AttemptNo >= maxAttempts:
				state = StateExhausted
			default:
				state = StateRecovering
			}

		case StateRecovering:
			if op.Recover != nil {
				if err := op.Recover(ctx); err != nil {
					log.Warn("recovery failed", "error", err)
				}
			}
			delay := e.Backoff(attempt.AttemptNo)
			log.Debug("backing off", "delay", delay)
			if err := e.config.Sleep(ctx, delay); err != nil {
				ctxErr = err
				state = StateExhausted
				continue
			}
			state = StateAttempting

		case StateSucceeded:
			rec.Outcome = OutcomeVerifiedSuccess
			return e.finish(span, rec, nil)

		case StateExhausted:
			rec.Outcome = OutcomeFailed
			rec.FailureReason = failureReason(rec, ctxErr)
			return e.finish(span, rec, &ExhaustedError{Record: rec, Cause: ctxErr})
		}
	}
}

func (e *Executor) finish(span trace.Span, rec OperationRecord, err error) (OperationRecord, error) {
	rec.FinishedAt = time.Now().UTC()
	operationDuration.WithLabelValues(rec.Name, string(rec.Outcome)).Observe(rec.FinishedAt.Sub(rec.StartedAt).Seconds())
	span.SetAttributes(
		attribute.String("operation.id", rec.ID),
		attribute.Int("operation.attempts", len(rec.Attempts)),
		attribute.String("operation.outcome", string(rec.Outcome)),
	)
	if err != nil {
		span.SetStatus(codes.Error, rec.FailureReason)
	}
	if logErr := e.config.Log.Append(rec); logErr != nil {
		e.config.Logger.Warn("operation log append failed", "error", logErr)
	}
	return rec, err
}

func failureReason(rec OperationRecord, ctxErr error) string {
	if ctxErr != nil {
		return fmt.Sprintf("interrupted after %d attempt(s): %v", len(rec.Attempts), ctxErr)
	}
	last := rec.Attempts[len(rec.Attempts)-1]
	reason := fmt.Sprintf("verification %s after %d attempt(s)", last.VerificationResult, len(rec.Attempts))
	if last.Error != "" {
		reason += "; last error: " + last.Error
	}
	return reason
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
