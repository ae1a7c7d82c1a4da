// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package search

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianProver/services/prover/interactive"
)

var tracer = otel.Tracer("prover.search")

var (
	searchRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prover",
		Subsystem: "search",
		Name:      "runs_total",
		Help:      "Finished searches by strategy and result",
	}, []string{"strategy", "result"})

	searchNodes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "prover",
		Subsystem: "search",
		Name:      "tree_nodes",
		Help:      "Nodes in the tree when a search finishes",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"strategy"})

	tacticOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prover",
		Subsystem: "search",
		Name:      "tactics_total",
		Help:      "Submitted tactics by strategy and outcome",
	}, []string{"strategy", "outcome"})

	verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prover",
		Subsystem: "search",
		Name:      "verifications_total",
		Help:      "Independent checks of closed states by result",
	}, []string{"result"})
)

func recordTactic(_ context.Context, kind Kind, outcome interactive.OutcomeKind) {
	tacticOutcomes.WithLabelValues(string(kind), outcome.String()).Inc()
}

func recordVerification(result string) {
	verifications.WithLabelValues(result).Inc()
}

func startSearchSpan(ctx context.Context, kind Kind, cfg Config) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Search.SearchProof",
		trace.WithAttributes(
			attribute.String("search.strategy", string(kind)),
			attribute.Int("search.max_nodes", cfg.MaxNodes),
			attribute.Int("search.max_depth", cfg.MaxDepth),
			attribute.Int("search.max_calls", cfg.MaxCalls),
		),
	)
}

// endSearchSpan closes the span and records run metrics.
func endSearchSpan(span trace.Span, kind Kind, res Result, err error) {
	result := "exhausted"
	switch {
	case err != nil:
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case res.Found:
		result = "found"
	}
	span.SetAttributes(
		attribute.Bool("search.found", res.Found),
		attribute.Int("search.nodes", len(res.Nodes)),
		attribute.Int("search.calls", res.Calls),
		attribute.Int("search.depth", res.Depth),
	)
	span.End()
	searchRuns.WithLabelValues(string(kind), result).Inc()
	searchNodes.WithLabelValues(string(kind)).Observe(float64(len(res.Nodes)))
}
