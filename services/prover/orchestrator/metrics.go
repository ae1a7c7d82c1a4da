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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianProver/services/prover/search"
)

var tracer = otel.Tracer("prover.orchestrator")

var (
	itemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prover",
		Subsystem: "orchestrator",
		Name:      "items_total",
		Help:      "Work items handled by mode and result",
	}, []string{"mode", "result"})

	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prover",
		Subsystem: "orchestrator",
		Name:      "attempts_total",
		Help:      "Proof attempts by result",
	}, []string{"result"})

	searchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "prover",
		Subsystem: "orchestrator",
		Name:      "search_duration_seconds",
		Help:      "Wall time of one declaration search",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"strategy"})

	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prover",
		Subsystem: "orchestrator",
		Name:      "verifications_total",
		Help:      "Re-verification of reconstructed proofs by result",
	}, []string{"result"})

	activeWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "prover",
		Subsystem: "orchestrator",
		Name:      "active_workers",
		Help:      "Workers currently running",
	})
)

func observeSearch(kind search.Kind, d time.Duration) {
	searchDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
}

func recordVerification(result string) {
	verificationsTotal.WithLabelValues(result).Inc()
}

func recordItem(mode, result string) {
	itemsTotal.WithLabelValues(mode, result).Inc()
}

func recordAttempt(result string) {
	attemptsTotal.WithLabelValues(result).Inc()
}
