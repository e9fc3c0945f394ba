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

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aleutian_env",
		Name:      "runs_total",
		Help:      "Runs by mode, result and failure class",
	}, []string{"mode", "result", "class"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "aleutian_env",
		Name:      "run_duration_seconds",
		Help:      "Wall time per run",
		Buckets:   []float64{1, 10, 30, 60, 300, 900, 1800, 3600},
	}, []string{"mode"})

	mutationsLast = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "aleutian_env",
		Name:      "last_run_mutations",
		Help:      "Operations that actually ran in the most recent run",
	})
)
