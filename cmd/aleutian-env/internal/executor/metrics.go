// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aleutian_env",
		Subsystem: "executor",
		Name:      "attempts_total",
		Help:      "Operation attempts by verification result",
	}, []string{"operation", "verification"})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "aleutian_env",
		Subsystem: "executor",
		Name:      "operation_duration_seconds",
		Help:      "Wall time per operation including retries",
		Buckets:   []float64{0.1, 1, 5, 15, 60, 180, 600, 1800},
	}, []string{"operation", "outcome"})
)
