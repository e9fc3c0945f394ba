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
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRunner_Success(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	var live bytes.Buffer
	r := NewExecRunner(&live)

	res, err := r.Run(context.Background(), NewCommand("sh", "-c", "echo out; echo err >&2"))
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "out", res.Stdout)
	assert.Equal(t, "err", res.Stderr)
	assert.Contains(t, live.String(), "out")
}

func TestExecRunner_NonZeroExitKeepsResult(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	r := NewExecRunner(nil)

	res, err := r.Run(context.Background(), NewCommand("sh", "-c", "echo boom >&2; exit 3"))
	require.Error(t, err)
	assert.Equal(t, 3, res.ExitCode)

	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, 3, cmdErr.ExitCode)
	assert.Equal(t, "boom", cmdErr.Stderr)
}

func TestExecRunner_Signaled(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses kill")
	}
	r := NewExecRunner(nil)

	res, err := r.Run(context.Background(), NewCommand("sh", "-c", "kill -SEGV $$"))
	require.Error(t, err)
	assert.True(t, res.Signaled)
}

func TestExecRunner_Timeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sleep")
	}
	r := NewExecRunner(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := r.Run(ctx, NewCommand("sleep", "5"))
	require.Error(t, err)
	assert.True(t, res.TimedOut)
}

func TestExecRunner_NotFound(t *testing.T) {
	r := NewExecRunner(nil)
	res, err := r.Run(context.Background(), NewCommand("definitely-not-a-real-binary-xyz"))
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, -1, res.ExitCode)
}

func TestTailBuffer(t *testing.T) {
	tb := newTailBuffer(4)
	_, _ = tb.Write([]byte("abc"))
	_, _ = tb.Write([]byte("defg"))
	assert.Equal(t, "defg", tb.String())
}

func TestCommandError_Error(t *testing.T) {
	err := NewCommandError("pip install", 1, "  no space left  ", nil)
	assert.Equal(t, "pip install (exit 1): no space left", err.Error())

	wrapped := errors.New("exit status 2")
	err = NewCommandError("pip-compile", 2, "", wrapped)
	assert.ErrorIs(t, err, wrapped)
	assert.Equal(t, "pip-compile (exit 2): exit status 2", err.Error())
}

func TestPyenv_ListAvailable(t *testing.T) {
	mock := &MockRunner{RunFunc: func(ctx context.Context, cmd Command) (Result, error) {
		return Result{Stdout: strings.Join([]string{
			"Available versions:",
			"  3.11.9",
			"  3.12.7",
			"  3.13.0",
			"  3.14.0a1",
			"  3.13-dev",
			"  pypy3.10-7.3.17",
			"  miniforge3-24.1.2",
		}, "\n")}, nil
	}}
	p := NewPyenv(mock, "")

	vs, err := p.ListAvailable(context.Background())
	require.NoError(t, err)

	var got []string
	for _, v := range vs {
		got = append(got, v.String())
	}
	assert.Equal(t, []string{"3.11.9", "3.12.7", "3.13.0"}, got)
	assert.Equal(t, []string{"pyenv install --list"}, mock.CommandLines())
}

func TestPyenv_ActiveVersion(t *testing.T) {
	mock := &MockRunner{RunFunc: func(ctx context.Context, cmd Command) (Result, error) {
		return Result{Stdout: "Python 3.12.7"}, nil
	}}
	v, err := NewPyenv(mock, "pyenv").ActiveVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "3.12.7", v)
}

func TestParsePythonVersion_Garbage(t *testing.T) {
	_, err := ParsePythonVersion("command not found")
	assert.Error(t, err)
}

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(`[{"name":"NumPy","version":"1.26.4"},{"name":"typing_extensions","version":"4.12.2"}]`))
	require.NoError(t, err)
	assert.Equal(t, Manifest{"numpy": "1.26.4", "typing-extensions": "4.12.2"}, m)
}

func TestManifest_Equal(t *testing.T) {
	a := Manifest{"a": "1", "b": "2"}
	assert.True(t, a.Equal(Manifest{"b": "2", "a": "1"}))
	assert.False(t, a.Equal(Manifest{"a": "1"}))
	assert.False(t, a.Equal(Manifest{"a": "1", "b": "3"}))
}

func TestPip_InstallCommand(t *testing.T) {
	mock := &MockRunner{RunFunc: func(ctx context.Context, cmd Command) (Result, error) {
		return Result{}, nil
	}}
	p := NewPip(mock, "/env")

	_, err := p.Install(context.Background(), "/work/requirements.txt", true)
	require.NoError(t, err)
	assert.Equal(t,
		"/env/bin/python -m pip --disable-pip-version-check --no-input install --requirement /work/requirements.txt --force-reinstall",
		mock.CommandLines()[0])
}

func TestPipCompile_ConflictCarriesReport(t *testing.T) {
	mock := &MockRunner{RunFunc: func(ctx context.Context, cmd Command) (Result, error) {
		res := Result{ExitCode: 2, Stderr: "The conflict is caused by:\n    liba 2.0 depends on libb<3.0"}
		return res, NewCommandError(cmd.String(), 2, res.Stderr, errors.New("exit status 2"))
	}}
	c := NewPipCompile(mock, func() string { return "/env/bin/python" })

	err := c.Compile(context.Background(), CompileRequest{Input: "in", Output: "out", Upgrade: true})
	var conflict *CompileConflict
	require.True(t, errors.As(err, &conflict))
	assert.Contains(t, conflict.Report, "liba 2.0 depends on libb<3.0")
	assert.Contains(t, mock.CommandLines()[0], "--upgrade")
}

func TestPipCompile_MissingToolIsNotAConflict(t *testing.T) {
	mock := &MockRunner{RunFunc: func(ctx context.Context, cmd Command) (Result, error) {
		return Result{ExitCode: -1}, ErrNotFound
	}}
	err := NewPipCompile(mock, func() string { return "python" }).Compile(context.Background(), CompileRequest{})
	var conflict *CompileConflict
	assert.False(t, errors.As(err, &conflict))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReadLockPins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "requirements.txt")
	content := `#
# This file is autogenerated by pip-compile
#
--index-url https://pypi.org/simple
numpy==1.26.4
    # via -r requirements.in
Torch[cuda]==2.4.1 \
    --hash=sha256:abc
tomli==2.0.1 ; python_version < "3.11"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	pins, err := ReadLockPins(path)
	require.NoError(t, err)
	assert.Equal(t, Manifest{"numpy": "1.26.4", "torch": "2.4.1", "tomli": "2.0.1"}, pins)
}

func TestDefaultAuxiliaryTools(t *testing.T) {
	for _, goos := range []string{"darwin", "linux"} {
		tools := DefaultAuxiliaryTools(goos)
		require.Len(t, tools, 3, goos)
		assert.Equal(t, "r", tools[1].Name)
		assert.Equal(t, "julia", tools[2].Name)
	}
}
