// SPDX-License-Identifier: MIT

// Package smsdispatch is the multi-provider SMS dispatcher: it picks a
// sticky from-number for a conversation, sends through a tenant's primary
// provider, fails over to the secondary provider on a carrier/vendor-class
// error (spec.md §4.2), rate limits per tenant, and writes one audit row per
// attempt. It has no opinion on conversation state — callers decide what
// MessageTag to send and when.
package smsdispatch

import (
	"context"

	"github.com/radscheduler/core/internal/audit"
	"github.com/radscheduler/core/internal/cache"
	"github.com/radscheduler/core/internal/smsprovider"
	"github.com/radscheduler/core/internal/tenant"
	"golang.org/x/time/rate"
)

// ConsentChecker is the subset of consent.Store the dispatcher needs. It is
// declared here, not imported as a concrete type, so tests can substitute a
// fake without a SQLite-backed store. The dispatcher gates on revocation,
// not on the presence of a grant: a phone with no consent history yet must
// still be reachable for the initial consent prompt itself, while a phone
// whose latest consent row is a revocation is refused until a later grant
// row supersedes it (spec.md §3's monotonic-revocation invariant).
type ConsentChecker interface {
	IsOptedOut(ctx context.Context, tenantID, phoneHash string) (bool, error)
}

// Config tunes the per-tenant outbound rate limit. A zero RatePerSecond
// disables limiting, which single-tenant tests typically want.
type Config struct {
	RatePerSecond rate.Limit
	RateBurst     int
}

// DefaultConfig matches spec.md §5's guidance of a small steady rate with
// headroom for a location/slot list burst.
func DefaultConfig() Config {
	return Config{RatePerSecond: 5, RateBurst: 10}
}

// Dispatcher sends one message at a time on behalf of a tenant, choosing
// provider, from-number, and failover per the rules above.
type Dispatcher struct {
	providers map[string]smsprovider.Provider
	audit     *audit.Logger
	consent   ConsentChecker
	limiter   *tenantLimiter

	stickyCache cache.Cache
}

// New builds a Dispatcher. providers is keyed by smsprovider.Provider.Name().
// stickyCache may be nil, in which case sticky selection still works but
// does not persist across process restarts (recomputed from the stable
// hash every time).
func New(providers []smsprovider.Provider, auditLogger *audit.Logger, consent ConsentChecker, stickyCache cache.Cache, cfg Config) *Dispatcher {
	byName := make(map[string]smsprovider.Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Dispatcher{
		providers:   byName,
		audit:       auditLogger,
		consent:     consent,
		limiter:     newTenantLimiter(cfg.RatePerSecond, cfg.RateBurst),
		stickyCache: stickyCache,
	}
}

// Outcome is the result of one dispatch call, after any failover attempt.
type Outcome struct {
	Result       smsprovider.Result
	FromNumber   string
	UsedFailover bool
}

// Send delivers body to toE164 on tenant t's behalf, tagged with tag for
// audit purposes (CONSENT, LOCATION_LIST, SLOT_LIST, CONFIRMATION,
// CANCELLATION, SAFETY_FALLBACK, STATUS_UPDATE). phoneHash identifies the recipient for
// consent lookup, sticky-sender selection, and audit rows — never the raw
// number.
func (d *Dispatcher) Send(ctx context.Context, t tenant.Tenant, toE164, phoneHash, sessionID, tag, body string) (Outcome, error) {
	optedOut, err := d.consent.IsOptedOut(ctx, t.ID, phoneHash)
	if err != nil {
		return Outcome{}, err
	}
	if optedOut {
		return Outcome{}, ErrConsentRevoked
	}

	if !d.limiter.allow(t.ID) {
		return Outcome{}, ErrRateLimited
	}

	if len(t.SMS.FromNumbers) == 0 {
		return Outcome{}, ErrNoFromNumber
	}

	from := d.selectFromNumber(ctx, t.ID, phoneHash, t.SMS.FromNumbers)

	primary, err := d.resolveProvider(t.SMS.PrimaryProvider)
	if err != nil {
		return Outcome{}, err
	}

	res, sendErr := d.attempt(ctx, t, phoneHash, sessionID, tag, from, toE164, body, primary)
	if res.Success() {
		return Outcome{Result: res, FromNumber: from}, nil
	}
	if sendErr == nil || !smsprovider.IsFailoverEligible(res.ErrorCode) {
		return Outcome{Result: res, FromNumber: from}, sendErr
	}
	if t.SMS.FailoverProvider == "" || t.SMS.FailoverProvider == t.SMS.PrimaryProvider {
		return Outcome{Result: res, FromNumber: from}, sendErr
	}
	failover, err := d.resolveProvider(t.SMS.FailoverProvider)
	if err != nil {
		// Configured failover provider is unusable; surface the primary's
		// error rather than a secondary configuration error.
		return Outcome{Result: res, FromNumber: from}, sendErr
	}

	sendFailovers.WithLabelValues(t.ID).Inc()

	failoverFrom := from
	if res.ErrorCode == smsprovider.ErrNumberBlocked && len(t.SMS.FromNumbers) > 1 {
		remaining := make([]string, 0, len(t.SMS.FromNumbers)-1)
		for _, n := range t.SMS.FromNumbers {
			if n != from {
				remaining = append(remaining, n)
			}
		}
		failoverFrom = d.reselectFromNumber(ctx, t.ID, phoneHash, remaining)
	}

	res2, sendErr2 := d.attempt(ctx, t, phoneHash, sessionID, tag, failoverFrom, toE164, body, failover)
	return Outcome{Result: res2, FromNumber: failoverFrom, UsedFailover: true}, sendErr2
}

// attempt performs one provider.Send call and writes its audit row,
// regardless of outcome (spec.md §4.2: "every attempt produces one audit
// entry, including failover attempts").
func (d *Dispatcher) attempt(ctx context.Context, t tenant.Tenant, phoneHash, sessionID, tag, from, to, body string, p smsprovider.Provider) (smsprovider.Result, error) {
	sendCtx, cancel := context.WithTimeout(ctx, smsprovider.SendTimeout)
	defer cancel()

	res, err := p.Send(sendCtx, to, body, from)

	result := "ok"
	if !res.Success() {
		result = "failed"
	}
	sendAttempts.WithLabelValues(p.Name(), result).Inc()

	d.audit.OutboundSMS(ctx, t.ID, phoneHash, sessionID, tag, from, res.ProviderMessageID, res.Success(), string(res.ErrorCode))
	return res, err
}

func (d *Dispatcher) resolveProvider(name string) (smsprovider.Provider, error) {
	p, ok := d.providers[name]
	if !ok {
		return nil, ErrProviderNotFound
	}
	if !p.IsEnabled() {
		return nil, ErrProviderDisabled
	}
	return p, nil
}
