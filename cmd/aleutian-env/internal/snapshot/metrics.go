// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	snapshotsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aleutian_env",
		Subsystem: "snapshot",
		Name:      "snapshots_total",
		Help:      "Snapshots by kind and outcome (taken, failed, evicted)",
	}, []string{"kind", "outcome"})

	restoresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aleutian_env",
		Subsystem: "snapshot",
		Name:      "restores_total",
		Help:      "Restore attempts by method and outcome",
	}, []string{"method", "outcome"})
)
