// SPDX-License-Identifier: MIT

package analysis

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var analyzeLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "radscheduler",
		Name:      "analysis_latency_seconds",
		Help:      "Order analyzer latency by result source (llm or rule_fallback)",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"source"},
)
