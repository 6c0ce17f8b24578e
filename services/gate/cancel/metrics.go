// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cancel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of the concurrency controller.
//
// Thread Safety: Safe for concurrent use (Prometheus metrics are thread-safe).
type Metrics struct {
	// AdmittedTotal counts admitted runs by workflow.
	AdmittedTotal *prometheus.CounterVec

	// PreemptedTotal counts runs cancelled by a newer run with the same key.
	PreemptedTotal *prometheus.CounterVec

	// ActiveRuns is the number of keys with an active run.
	ActiveRuns prometheus.Gauge
}

// NewMetrics creates the controller metrics and registers them with reg.
//
// Description:
//
//	Pass prometheus.DefaultRegisterer in production so the metrics appear
//	on /metrics. Tests pass a fresh prometheus.NewRegistry() to avoid
//	duplicate registration panics.
//
// Outputs:
//   - *Metrics: The created metrics. Never nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AdmittedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "benchgate",
				Subsystem: "controller",
				Name:      "admitted_total",
				Help:      "Total runs admitted by workflow",
			},
			[]string{"workflow"},
		),

		PreemptedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "benchgate",
				Subsystem: "controller",
				Name:      "preempted_total",
				Help:      "Total runs cancelled by a newer run of the same trigger key",
			},
			[]string{"workflow"},
		),

		ActiveRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "benchgate",
				Subsystem: "controller",
				Name:      "active_runs",
				Help:      "Trigger keys with an active run",
			},
		),
	}
}
