// SPDX-License-Identifier: MIT

package manager

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var sessionTransitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "radscheduler",
		Name:      "session_transitions_total",
		Help:      "Conversation state machine transitions by from/to state",
	},
	[]string{"from", "to"},
)

// recordTransition is the single chokepoint for observing a persisted
// transition: one audit row and one counter increment per edge taken.
func (m *Manager) recordTransition(ctx context.Context, tenantID, phoneHash, sessionID, from, to, reason string) {
	sessionTransitions.WithLabelValues(from, to).Inc()
	m.deps.Audit.StateTransition(ctx, tenantID, phoneHash, sessionID, from, to, reason)
}
