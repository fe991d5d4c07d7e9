// SPDX-License-Identifier: MIT

package smsdispatch

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var dispatchRateLimited = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "radscheduler",
		Name:      "sms_rate_limited_total",
		Help:      "Outbound sends rejected by the per-tenant dispatch rate limiter",
	},
	[]string{"tenant_id"},
)

// tenantLimiter throttles outbound sends per tenant, generalizing the
// teacher's per-IP token-bucket map to a per-tenant key.
type tenantLimiter struct {
	rate  rate.Limit
	burst int

	mu           sync.Mutex
	perTenant    map[string]*rate.Limiter
	lastCleanup  time.Time
	cleanupEvery time.Duration
}

func newTenantLimiter(r rate.Limit, burst int) *tenantLimiter {
	return &tenantLimiter{
		rate:         r,
		burst:        burst,
		perTenant:    make(map[string]*rate.Limiter),
		lastCleanup:  time.Now(),
		cleanupEvery: 10 * time.Minute,
	}
}

// allow reports whether tenantID may send now. A disabled limiter (zero
// rate) always allows — tests and single-tenant deployments can opt out.
func (l *tenantLimiter) allow(tenantID string) bool {
	if l == nil || l.rate <= 0 {
		return true
	}

	l.mu.Lock()
	lim, ok := l.perTenant[tenantID]
	if !ok {
		lim = rate.NewLimiter(l.rate, l.burst)
		l.perTenant[tenantID] = lim
	}
	if time.Since(l.lastCleanup) >= l.cleanupEvery {
		l.perTenant = map[string]*rate.Limiter{tenantID: lim}
		l.lastCleanup = time.Now()
	}
	l.mu.Unlock()

	ok = lim.Allow()
	if !ok {
		dispatchRateLimited.WithLabelValues(tenantID).Inc()
	}
	return ok
}
