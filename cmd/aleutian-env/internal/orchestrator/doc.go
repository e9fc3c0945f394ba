// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator runs one reconciliation of the managed environment.
//
// Phase order:
//
//	lock ─► plan ─► runtime ─► environment ─► lock file ─► install ─► auxiliary
//	                   │            │              │            │
//	                   └────────────┴──── snapshot before first mutation
//
// Failures are reported as a *RunError carrying one of five classes. Only
// this package turns a class into an exit status: Run returns ExitSuccess
// or ExitFailure. A structural conflict is not fatal while a known-good
// lock exists; the run installs from it and reports a warning.
package orchestrator
