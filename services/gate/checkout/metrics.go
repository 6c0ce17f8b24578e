// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkout

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("benchgate.checkout")
	meter  = otel.Meter("benchgate.checkout")
)

var (
	checkoutLatency metric.Float64Histogram
	checkoutTotal   metric.Int64Counter
	driftTotal      metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		checkoutLatency, err = meter.Float64Histogram(
			"benchgate_checkout_duration_seconds",
			metric.WithDescription("Duration of revision checkouts"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		checkoutTotal, err = meter.Int64Counter(
			"benchgate_checkout_total",
			metric.WithDescription("Total number of checkouts by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		driftTotal, err = meter.Int64Counter(
			"benchgate_checkout_drift_total",
			metric.WithDescription("Working trees invalidated by an external HEAD change"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func startCheckoutSpan(ctx context.Context, ref, commit, dir string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "checkout.Manager.Checkout",
		trace.WithAttributes(
			attribute.String("checkout.ref", ref),
			attribute.String("checkout.commit", commit),
			attribute.String("checkout.dir", dir),
		),
	)
}

// recordCheckout records one checkout. outcome is "checked_out", "reused"
// or "error".
func recordCheckout(ctx context.Context, outcome string, d time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	checkoutLatency.Record(ctx, d.Seconds(), attrs)
	checkoutTotal.Add(ctx, 1, attrs)
}

func recordDrift(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	driftTotal.Add(ctx, 1)
}
