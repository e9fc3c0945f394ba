// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compat

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v4/host"

	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/toolchain"
)

// Platform names used in signatures and rule files.
const (
	PlatformMac   = "mac"
	PlatformLinux = "linux"
)

// Signature describes the machine and the declared package set. It is
// computed once per run and never modified afterwards.
type Signature struct {
	Platform     string
	Architecture string
	OSVersion    string
	declared     map[string]struct{}
}

// NewSignature builds a signature from explicit values.
func NewSignature(platform, arch, osVersion string, declared []string) Signature {
	set := make(map[string]struct{}, len(declared))
	for _, name := range declared {
		set[toolchain.NormalizeName(name)] = struct{}{}
	}
	return Signature{Platform: platform, Architecture: arch, OSVersion: osVersion, declared: set}
}

// Declares reports whether pkg is in the declared package set.
func (s Signature) Declares(pkg string) bool {
	_, ok := s.declared[toolchain.NormalizeName(pkg)]
	return ok
}

// DeclaredPackages returns the declared set, sorted.
func (s Signature) DeclaredPackages() []string {
	out := make([]string, 0, len(s.declared))
	for name := range s.declared {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// String renders the signature for logs.
func (s Signature) String() string {
	return fmt.Sprintf("%s/%s %s (%d packages)", s.Platform, s.Architecture, s.OSVersion, len(s.declared))
}

// HostInfo reports the OS version of the running machine.
type HostInfo interface {
	PlatformVersion(ctx context.Context) (string, error)
}

// SystemHost reads host information through gopsutil.
type SystemHost struct{}

// PlatformVersion returns e.g. "15.1.1" on macOS or "24.04" on Ubuntu.
func (SystemHost) PlatformVersion(ctx context.Context) (string, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return "", fmt.Errorf("read host info: %w", err)
	}
	return info.PlatformVersion, nil
}

// ComputeSignature inspects the running machine.
func ComputeSignature(ctx context.Context, hostInfo HostInfo, declared []string) (Signature, error) {
	osVersion, err := hostInfo.PlatformVersion(ctx)
	if err != nil {
		return Signature{}, err
	}
	return NewSignature(platformName(runtime.GOOS), runtime.GOARCH, strings.TrimSpace(osVersion), declared), nil
}

func platformName(goos string) string {
	if goos == "darwin" {
		return PlatformMac
	}
	return goos
}
