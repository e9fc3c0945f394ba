// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package toolchain wraps the external programs the reconciliation engine
drives: the runtime version manager, the lock compiler, the package
installer, and the auxiliary toolchains.

Every exec call goes through Runner so the rest of the engine can be tested
with MockRunner and never launches a real process in unit tests.
*/
package toolchain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
)

// DefaultOutputTail bounds how much output a Result keeps in memory.
// Install output is streamed to the log writer in full.
const DefaultOutputTail = 256 * 1024

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Command describes one process invocation.
type Command struct {
	// Name is the executable name or path.
	Name string

	// Args are the command arguments.
	Args []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env is appended to the current environment.
	Env []string
}

// NewCommand is shorthand for Command{Name: name, Args: args}.
func NewCommand(name string, args ...string) Command {
	return Command{Name: name, Args: args}
}

// String renders the command line for logs and error messages.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Result is the outcome of a finished process.
//
// A Result is returned even when the process exits non-zero; callers that
// verify state independently of the exit status rely on that.
type Result struct {
	// ExitCode is the process exit status, -1 when it never exited normally.
	ExitCode int

	// Stdout and Stderr hold the last DefaultOutputTail bytes of each stream.
	Stdout string
	Stderr string

	// Signaled is true when the process was terminated by a signal
	// (segfault, abort, kill).
	Signaled bool

	// TimedOut is true when the context deadline killed the process.
	TimedOut bool
}

// Combined returns stdout followed by stderr.
func (r Result) Combined() string {
	switch {
	case r.Stdout == "":
		return r.Stderr
	case r.Stderr == "":
		return r.Stdout
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// Runner executes external commands.
//
// # Description
//
// Run waits for the command and returns its Result. The error is nil only
// for a zero exit status. Non-zero exits return a *CommandError together
// with a populated Result; failures to start return ErrNotFound or the
// underlying exec error with a Result whose ExitCode is -1.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ErrNotFound is returned when the executable is not on PATH.
var ErrNotFound = errors.New("executable not found")

// -----------------------------------------------------------------------------
// Implementation
// -----------------------------------------------------------------------------

// ExecRunner implements Runner with os/exec.
type ExecRunner struct {
	// Output receives a live copy of stdout and stderr. Nil discards it.
	Output io.Writer
}

// NewExecRunner creates an ExecRunner that streams output to w.
func NewExecRunner(w io.Writer) *ExecRunner {
	return &ExecRunner{Output: w}
}

// Run executes cmd and waits for it.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}

	stdout := newTailBuffer(DefaultOutputTail)
	stderr := newTailBuffer(DefaultOutputTail)
	if r.Output != nil {
		shared := &syncWriter{w: r.Output}
		c.Stdout = io.MultiWriter(stdout, shared)
		c.Stderr = io.MultiWriter(stderr, shared)
	} else {
		c.Stdout = stdout
		c.Stderr = stderr
	}

	err := c.Run()
	res := Result{ExitCode: 0, Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}

	if errors.Is(err, exec.ErrNotFound) {
		res.ExitCode = -1
		return res, fmt.Errorf("%s: %w", cmd.Name, ErrNotFound)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			res.Signaled = true
		}
		if ctx.Err() != nil {
			res.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
			return res, fmt.Errorf("%s: %w", cmd, ctx.Err())
		}
		return res, NewCommandError(cmd.String(), res.ExitCode, res.Stderr, err)
	}

	res.ExitCode = -1
	if ctx.Err() != nil {
		res.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		return res, fmt.Errorf("%s: %w", cmd, ctx.Err())
	}
	return res, fmt.Errorf("run %s: %w", cmd, err)
}

var _ Runner = (*ExecRunner)(nil)

// syncWriter serializes writes from the stdout and stderr copiers.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// tailBuffer keeps only the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return strings.TrimSpace(string(t.buf))
}

// -----------------------------------------------------------------------------
// Mock Implementation for Testing
// -----------------------------------------------------------------------------

// MockRunner is a test double for Runner.
//
// RunFunc must be set; calls are recorded in Calls.
//
//	mock := &MockRunner{
//	    RunFunc: func(ctx context.Context, cmd Command) (Result, error) {
//	        return Result{Stdout: "Python 3.12.7"}, nil
//	    },
//	}
type MockRunner struct {
	RunFunc func(ctx context.Context, cmd Command) (Result, error)

	Calls []Command
	mu    sync.Mutex
}

// Run records the call and delegates to RunFunc.
func (m *MockRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, cmd)
	m.mu.Unlock()
	if m.RunFunc == nil {
		panic("MockRunner.RunFunc not set")
	}
	return m.RunFunc(ctx, cmd)
}

// CommandLines returns the recorded calls rendered as strings.
func (m *MockRunner) CommandLines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Calls))
	for i, c := range m.Calls {
		out[i] = c.String()
	}
	return out
}

var _ Runner = (*MockRunner)(nil)
