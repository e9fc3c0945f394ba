// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package snapshot captures the environment before destructive steps and
// restores it on failure.
//
// Storage layout under the snapshot directory:
//
//	<id>.json      metadata for every snapshot
//	<id>.tar.gz    environment tree, full_archive snapshots only
//
// Environments below the size threshold are archived in full; larger ones
// record only installed versions and declarative files.
package snapshot
