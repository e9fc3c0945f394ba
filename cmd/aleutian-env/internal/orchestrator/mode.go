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

import "fmt"

// Mode selects how aggressively a run converges.
type Mode string

const (
	// ModeInstall converges and skips steps whose state already holds.
	ModeInstall Mode = "install"

	// ModeUpdate compiles with upgrades enabled, then installs.
	ModeUpdate Mode = "update"

	// ModeForceReinstall bypasses every already-satisfied check.
	ModeForceReinstall Mode = "force-reinstall"
)

// Modes lists the accepted modes.
var Modes = []Mode{ModeInstall, ModeUpdate, ModeForceReinstall}

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	for _, m := range Modes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w %q: want one of %v", ErrInvalidMode, s, Modes)
}

func (m Mode) force() bool   { return m == ModeForceReinstall }
func (m Mode) upgrade() bool { return m == ModeUpdate }
