// SPDX-License-Identifier: MIT

package smsdispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var sendAttempts = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "radscheduler",
		Name:      "sms_send_attempts_total",
		Help:      "Outbound provider send attempts by provider and result",
	},
	[]string{"provider", "result"},
)

var sendFailovers = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "radscheduler",
		Name:      "sms_failover_total",
		Help:      "One-shot failover attempts on the tenant's backup provider",
	},
	[]string{"tenant_id"},
)
