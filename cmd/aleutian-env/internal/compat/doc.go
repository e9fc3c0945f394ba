// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package compat selects the interpreter version for a machine.
//
// A Selector walks an ordered table of Rules against the environment
// Signature. A matching rule pins a known-good version until an upgrade
// probe shows the newest default works, at which point the issue is
// marked resolved in the StateStore and later runs use DEFAULT. Probes
// run at most once per cooldown window and never touch the managed
// environment.
package compat
