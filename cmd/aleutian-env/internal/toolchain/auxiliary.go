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

import "runtime"

// AuxiliaryTool is a tool installed opportunistically alongside the
// primary runtime: a system package or an auxiliary language toolchain.
// Failures never fail the run.
type AuxiliaryTool struct {
	// Name identifies the tool in logs and the operation log.
	Name string

	// Check exits zero when the tool is already usable.
	Check Command

	// Install installs the tool.
	Install Command
}

// DefaultAuxiliaryTools returns the system packages and auxiliary
// toolchains installed on the given platform ("darwin" or "linux").
func DefaultAuxiliaryTools(goos string) []AuxiliaryTool {
	if goos == "" {
		goos = runtime.GOOS
	}
	switch goos {
	case "darwin":
		return []AuxiliaryTool{
			{Name: "pkg-config", Check: NewCommand("pkg-config", "--version"), Install: NewCommand("brew", "install", "pkg-config")},
			{Name: "r", Check: NewCommand("R", "--version"), Install: NewCommand("brew", "install", "r")},
			{Name: "julia", Check: NewCommand("julia", "--version"), Install: NewCommand("brew", "install", "julia")},
		}
	default:
		return []AuxiliaryTool{
			{Name: "pkg-config", Check: NewCommand("pkg-config", "--version"), Install: NewCommand("sudo", "-n", "apt-get", "install", "-y", "pkg-config")},
			{Name: "r", Check: NewCommand("R", "--version"), Install: NewCommand("sudo", "-n", "apt-get", "install", "-y", "r-base")},
			{Name: "julia", Check: NewCommand("julia", "--version"), Install: NewCommand("juliaup", "add", "release")},
		}
	}
}
