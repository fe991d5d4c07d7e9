// SPDX-License-Identifier: MIT

package manager

import (
	"context"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/radscheduler/core/internal/conversation/lifecycle"
	"github.com/radscheduler/core/internal/conversation/model"
	"github.com/radscheduler/core/internal/log"
)

// SweeperConfig tunes how often the two background sweeps run.
type SweeperConfig struct {
	// ExpireInterval is how often the TTL sweep checks for sessions past
	// model.SessionTTL. Defaults to 5 minutes.
	ExpireInterval time.Duration
	// SlotRetryInterval is how often the slot-timeout sweep checks for
	// AWAITING_SLOTS sessions past model.SlotTimeout. Defaults to 30
	// seconds, since the timeout itself is only 60s.
	SlotRetryInterval time.Duration
}

// DefaultSweeperConfig matches the cadence spec.md §4.1 implies from its
// 24h TTL and 60s slot timeout.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{ExpireInterval: 5 * time.Minute, SlotRetryInterval: 30 * time.Second}
}

// Sweeper runs the two periodic background passes the conversation state
// machine needs beyond its request-triggered transitions: forced expiry at
// the session TTL, and the slot-source retry-once-then-cancel rule.
type Sweeper struct {
	mgr *Manager
	cfg SweeperConfig
}

// NewSweeper builds a Sweeper over mgr.
func NewSweeper(mgr *Manager, cfg SweeperConfig) *Sweeper {
	return &Sweeper{mgr: mgr, cfg: cfg}
}

// Run starts both sweep loops and blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	logger := log.WithComponent("conversation.sweeper")

	g.Go(func() error {
		ticker := time.NewTicker(s.cfg.ExpireInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				n, err := s.mgr.SweepExpired(ctx, time.Now())
				if err != nil {
					logger.Error().Err(err).Msg("expiry sweep failed")
					continue
				}
				if n > 0 {
					logger.Info().Int("count", n).Msg("expired sessions swept")
				}
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(s.cfg.SlotRetryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				n, err := s.mgr.SweepSlotTimeouts(ctx)
				if err != nil {
					logger.Error().Err(err).Msg("slot timeout sweep failed")
					continue
				}
				if n > 0 {
					logger.Info().Int("count", n).Msg("slot timeout retries swept")
				}
			}
		}
	})

	return g.Wait()
}

// SweepExpired forces every non-terminal session whose ExpiresAt has passed
// into EXPIRED. No message is sent for this transition (spec.md §4.1's
// table carries no tag for EvExpireSweep); the patient simply stops hearing
// from a session that timed out 24h ago.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	logger := log.WithComponent("conversation.sweeper")
	candidates, err := m.deps.Sessions.ListExpiredCandidates(ctx, now)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, sess := range candidates {
		tr, err := lifecycle.Dispatch(sess, lifecycle.Event{Kind: lifecycle.EvExpireSweep}, now)
		if err == lifecycle.ErrIllegalTransition || err == lifecycle.ErrTerminalSession {
			// Another sweep pass, or an in-flight request, already moved
			// this session out of contention.
			continue
		}
		if err != nil {
			logger.Error().Err(err).Str("session_id", sess.ID).Msg("expire dispatch failed")
			continue
		}
		if err := m.deps.Sessions.Update(ctx, sess); err != nil {
			logger.Error().Err(err).Str("session_id", sess.ID).Msg("expire persist failed")
			continue
		}
		m.recordTransition(ctx, sess.TenantID, sess.PhoneHash, sess.ID, string(tr.From), string(tr.To), "ttl_expired")
		count++
		m.startQueuedOrders(ctx, sess.TenantID, sess.PhoneHash)
	}
	return count, nil
}

// SweepSlotTimeouts retries or cancels every AWAITING_SLOTS session whose
// slot request has been outstanding past model.SlotTimeout, per the
// retry-once-then-cancel rule (lifecycle.SlotTimeoutEvent).
func (m *Manager) SweepSlotTimeouts(ctx context.Context) (int, error) {
	logger := log.WithComponent("conversation.sweeper")
	cutoff := time.Now().Add(-model.SlotTimeout)
	candidates, err := m.deps.Sessions.ListSlotTimeoutCandidates(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, sess := range candidates {
		tnt, err := m.deps.Tenants.Get(ctx, sess.TenantID)
		if err != nil {
			logger.Error().Err(err).Str("tenant_id", sess.TenantID).Msg("slot timeout tenant lookup failed")
			continue
		}
		e164, err := m.deps.Cipher.Decrypt(sess.PhoneEncrypted)
		if err != nil {
			logger.Error().Err(err).Str("session_id", sess.ID).Msg("slot timeout phone decrypt failed")
			continue
		}

		evKind := lifecycle.SlotTimeoutEvent(sess)
		tr, err := lifecycle.Dispatch(sess, lifecycle.Event{Kind: evKind}, time.Now())
		if err == lifecycle.ErrIllegalTransition || err == lifecycle.ErrTerminalSession {
			continue
		}
		if err != nil {
			logger.Error().Err(err).Str("session_id", sess.ID).Msg("slot timeout dispatch failed")
			continue
		}
		if err := m.deps.Sessions.Update(ctx, sess); err != nil {
			logger.Error().Err(err).Str("session_id", sess.ID).Msg("slot timeout persist failed")
			continue
		}
		m.recordTransition(ctx, tnt.ID, sess.PhoneHash, sess.ID, string(tr.From), string(tr.To), strconv.Itoa(int(evKind)))
		count++

		if evKind == lifecycle.EvSlotTimeoutExhausted {
			if err := m.sendAndMaybeRollback(ctx, tnt, sess, e164, tr.Tag, renderSlotSourceFailure(m.deps.CallbackNumber), tr.From); err != nil {
				logger.Error().Err(err).Str("session_id", sess.ID).Msg("slot exhaustion notice failed to send")
			}
			m.startQueuedOrders(ctx, tnt.ID, sess.PhoneHash)
			continue
		}

		// Tenants that opt in get a single interim notice on the retry
		// pass. The status-update tag keeps it out of the per-transition
		// ordering chain: it accompanies no state change and nothing ever
		// waits on it.
		if tnt.SMS.InterimUpdates {
			if _, err := m.deps.Dispatcher.Send(ctx, tnt, e164, sess.PhoneHash, sess.ID, string(model.TagStatusUpdate), renderInterimUpdate()); err != nil {
				logger.Warn().Err(err).Str("session_id", sess.ID).Msg("interim update send failed")
			}
		}

		// One retry attempt happens immediately rather than waiting for the
		// next sweep tick, so a transient slot-source blip recovers within
		// one cycle instead of two.
		if err := m.requestSlotsAndAdvance(ctx, tnt, sess, e164); err != nil {
			logger.Error().Err(err).Str("session_id", sess.ID).Msg("slot retry attempt failed")
		}
	}
	return count, nil
}
