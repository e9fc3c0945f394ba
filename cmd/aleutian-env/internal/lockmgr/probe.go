// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lockmgr

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// probeTimeout bounds each process-table query.
const probeTimeout = 2 * time.Second

// ProcessProbe answers liveness and identity questions about a PID.
type ProcessProbe interface {
	// Alive reports whether a process with pid exists.
	Alive(pid int) (bool, error)

	// Name returns the executable name of pid.
	Name(pid int) (string, error)
}

// SystemProbe queries the OS process table through gopsutil.
type SystemProbe struct{}

// Alive implements ProcessProbe.
func (SystemProbe) Alive(pid int) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	return process.PidExistsWithContext(ctx, int32(pid))
}

// Name implements ProcessProbe.
func (SystemProbe) Name(pid int) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return "", err
	}
	return p.NameWithContext(ctx)
}

var _ ProcessProbe = SystemProbe{}

// MockProbe is a ProcessProbe for tests.
type MockProbe struct {
	AliveFunc func(pid int) (bool, error)
	NameFunc  func(pid int) (string, error)
}

// Alive delegates to AliveFunc; a nil func reports dead.
func (m MockProbe) Alive(pid int) (bool, error) {
	if m.AliveFunc == nil {
		return false, nil
	}
	return m.AliveFunc(pid)
}

// Name delegates to NameFunc; a nil func returns "".
func (m MockProbe) Name(pid int) (string, error) {
	if m.NameFunc == nil {
		return "", nil
	}
	return m.NameFunc(pid)
}
