// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package toolchain

import (
	"fmt"
	"strings"
)

// maxStderrInMessage caps how much stderr Error() prints.
const maxStderrInMessage = 2048

// CommandError wraps a non-zero exit with the command and its stderr.
//
// # Example
//
//	var cmdErr *CommandError
//	if errors.As(err, &cmdErr) && cmdErr.ExitCode == 2 {
//	    // pip-compile resolution failure
//	}
type CommandError struct {
	// Command is the rendered command line.
	Command string

	// ExitCode is the process exit status (-1 if unknown).
	ExitCode int

	// Stderr is the trimmed standard error tail.
	Stderr string

	// Wrapped is the underlying exec error.
	Wrapped error
}

// NewCommandError creates a CommandError, trimming stderr.
func NewCommandError(cmd string, exitCode int, stderr string, wrapped error) *CommandError {
	return &CommandError{
		Command:  cmd,
		ExitCode: exitCode,
		Stderr:   strings.TrimSpace(stderr),
		Wrapped:  wrapped,
	}
}

// Error returns "<command> (exit N): <stderr>".
func (e *CommandError) Error() string {
	if e.Stderr != "" {
		stderr := e.Stderr
		if len(stderr) > maxStderrInMessage {
			stderr = "..." + stderr[len(stderr)-maxStderrInMessage:]
		}
		return fmt.Sprintf("%s (exit %d): %s", e.Command, e.ExitCode, stderr)
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s (exit %d): %v", e.Command, e.ExitCode, e.Wrapped)
	}
	return fmt.Sprintf("%s (exit %d)", e.Command, e.ExitCode)
}

// Unwrap returns the underlying error.
func (e *CommandError) Unwrap() error {
	return e.Wrapped
}

var _ error = (*CommandError)(nil)
