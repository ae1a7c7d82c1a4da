// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oracle

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	oracleCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prover",
		Subsystem: "oracle",
		Name:      "calls_total",
		Help:      "Oracle calls by result",
	}, []string{"result"})

	oracleLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "prover",
		Subsystem: "oracle",
		Name:      "call_duration_seconds",
		Help:      "Oracle call latency",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	oracleCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "prover",
		Subsystem: "oracle",
		Name:      "candidates",
		Help:      "Tactics returned per successful call",
		Buckets:   prometheus.LinearBuckets(0, 4, 9),
	})
)

func observeCall(d time.Duration, err error) {
	oracleLatency.Observe(d.Seconds())
	if err != nil {
		oracleCalls.WithLabelValues("error").Inc()
		return
	}
	oracleCalls.WithLabelValues("ok").Inc()
}

func observeCandidates(n int) {
	oracleCandidates.Observe(float64(n))
}
