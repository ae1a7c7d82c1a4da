// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package verifier

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var checkDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "prover",
	Subsystem: "verifier",
	Name:      "check_duration_seconds",
	Help:      "Wall-clock time of one proof check",
	Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
})

func observeCheck(d time.Duration) {
	checkDuration.Observe(d.Seconds())
}
