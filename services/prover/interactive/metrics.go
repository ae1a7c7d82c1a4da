// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package interactive

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("prover.interactive")
	meter  = otel.Meter("prover.interactive")
)

var (
	requestLatency metric.Float64Histogram
	requestTotal   metric.Int64Counter
	sessionStarts  metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics creates the instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		requestLatency, err = meter.Float64Histogram(
			"prover_env_request_duration_seconds",
			metric.WithDescription("Round-trip time of environment requests"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		requestTotal, err = meter.Int64Counter(
			"prover_env_request_total",
			metric.WithDescription("Environment requests by method and outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		sessionStarts, err = meter.Int64Counter(
			"prover_env_session_starts_total",
			metric.WithDescription("Environment subprocess launches"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func startRequestSpan(ctx context.Context, method string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Env."+method,
		trace.WithAttributes(attribute.String("env.method", method)),
	)
}

func recordRequest(ctx context.Context, span trace.Span, method string, d time.Duration, outcome string) {
	span.SetAttributes(attribute.String("env.outcome", outcome))
	if outcome == "fatal" {
		span.SetStatus(codes.Error, "environment request failed")
	}
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("outcome", outcome),
	)
	requestLatency.Record(ctx, d.Seconds(), attrs)
	requestTotal.Add(ctx, 1, attrs)
}

func recordSessionStart(ctx context.Context, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	sessionStarts.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}
