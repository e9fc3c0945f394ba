// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aleutian_env",
		Subsystem: "registry",
		Name:      "requests_total",
		Help:      "Upstream index requests by source and outcome",
	}, []string{"source", "outcome"})

	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "aleutian_env",
		Subsystem: "registry",
		Name:      "breaker_state",
		Help:      "Circuit breaker state per source (0 closed, 1 half-open, 2 open)",
	}, []string{"source"})
)
