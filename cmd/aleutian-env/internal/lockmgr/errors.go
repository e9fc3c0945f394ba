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
	"errors"
	"fmt"
)

// ErrAcquireExhausted is returned when every acquisition attempt found a
// marker that could be neither claimed nor attributed to a live holder.
var ErrAcquireExhausted = errors.New("could not acquire run lock")

// ErrLockHeld reports a live holder.
type ErrLockHeld struct {
	Holder Holder
	Stage  string
	Path   string
}

func (e *ErrLockHeld) Error() string {
	msg := fmt.Sprintf("another %s run is in progress (PID %d, started %s)",
		e.Holder.Program, e.Holder.PID, e.Holder.AcquiredAt.Format("2006-01-02 15:04:05Z07:00"))
	if e.Stage != "" {
		msg += fmt.Sprintf(", currently in stage %q", e.Stage)
	}
	return msg
}
