// SPDX-License-Identifier: MIT

// Package model is the session-lifecycle source of truth for the
// Conversation State Machine: the state enum, the session record, and the
// message tags the state machine hands to the dispatcher.
package model

import "time"

// SessionState is a patient scheduling session's lifecycle position.
type SessionState string

const (
	StateConsentPending SessionState = "CONSENT_PENDING"
	StateChoosingOrder  SessionState = "CHOOSING_ORDER"
	StateChoosingLoc    SessionState = "CHOOSING_LOCATION"
	StateChoosingTime   SessionState = "CHOOSING_TIME"
	StateAwaitingSlots  SessionState = "AWAITING_SLOTS"
	StateConfirmed      SessionState = "CONFIRMED"
	StateCancelled      SessionState = "CANCELLED"
	StateExpired        SessionState = "EXPIRED"
)

// IsTerminal reports whether a session in this state can no longer be
// transitioned by anything other than an audit-only touch.
func (s SessionState) IsTerminal() bool {
	switch s {
	case StateConfirmed, StateCancelled, StateExpired:
		return true
	default:
		return false
	}
}

// MessageTag classifies an outbound SMS for auditing and templating; the
// state machine produces the tag, a templating leaf produces the body.
type MessageTag string

const (
	TagConsent        MessageTag = "CONSENT"
	TagLocationList   MessageTag = "LOCATION_LIST"
	TagSlotList       MessageTag = "SLOT_LIST"
	TagConfirmation   MessageTag = "CONFIRMATION"
	TagCancellation   MessageTag = "CANCELLATION"
	TagSafetyFallback MessageTag = "SAFETY_FALLBACK"

	// TagStatusUpdate marks an optional interim notice ("still looking for
	// times") that accompanies no state transition and is never ordered
	// against the transition messages above.
	TagStatusUpdate MessageTag = "STATUS_UPDATE"
)

// MaxReprompts is K from spec: the (K+1)th unknown reply in a row cancels
// the session.
const MaxReprompts = 3

// SlotTimeout is T=60s: how long AWAITING_SLOTS waits before the sweep
// triggers a retry transition.
const SlotTimeout = 60 * time.Second

// MaxSlotRetries is the retry budget before AWAITING_SLOTS gives up and
// cancels ("call us").
const MaxSlotRetries = 1

// SessionTTL is the 24h window from start to forced expiry.
const SessionTTL = 24 * time.Hour

// Session is the state-store source of truth for one patient's scheduling
// dialog. At most one non-terminal Session may exist per (TenantID,
// PhoneHash) — enforced by the store's unique partial index, not by this
// type.
type Session struct {
	ID             string
	TenantID       string
	PhoneHash      string
	PhoneEncrypted string

	State SessionState

	OrderDataJSON string // de-identified order snapshot, stored by value
	LocationID    string
	SlotID        string
	SlotTime      time.Time

	// OfferedLocationsJSON and OfferedSlotsJSON snapshot the numbered list
	// most recently sent to the patient, so a later "3" reply can be
	// resolved against what was actually offered rather than a live
	// re-query that might return a different order or set.
	OfferedLocationsJSON string
	OfferedSlotsJSON     string

	// MinScheduleDate is the earliest date the Safety Gate permits for
	// this order (recent-contrast wash-out); zero when no clinical rule
	// constrains scheduling. Slot requests must not ask for anything
	// earlier.
	MinScheduleDate time.Time

	// reprompt tracks consecutive unmatched replies in the current choice
	// state; it resets to zero on every state transition.
	RepromptCount int

	SlotRequestSentAt   time.Time
	SlotRetryCount      int
	SlotRequestFailedAt time.Time

	FromNumber string // last from-number used, for sticky-sender continuity

	StartedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time
	CompletedAt time.Time

	// Version is the optimistic-concurrency token: the store's update
	// statement is guarded on (id, version) and increments it, so a
	// concurrent writer's stale update affects zero rows.
	Version int
}

// NewSession creates a brand-new session for an inbound order. initialState
// must be computed by the caller (CONSENT_PENDING for a first-time phone,
// CHOOSING_LOCATION or CHOOSING_ORDER otherwise — spec.md §4.1) since that
// decision depends on consent-store state this package does not own.
func NewSession(id, tenantID, phoneHash, phoneEncrypted, orderDataJSON string, initialState SessionState, now time.Time) *Session {
	return &Session{
		ID:             id,
		TenantID:       tenantID,
		PhoneHash:      phoneHash,
		PhoneEncrypted: phoneEncrypted,
		State:          initialState,
		OrderDataJSON:  orderDataJSON,
		StartedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(SessionTTL),
		Version:        1,
	}
}

// PendingOrder is a queued inbound order for a (tenant, phone-hash) pair
// that already has an active session, per the "queue, do not supersede"
// decision for spec.md §9 open question 1. It is drained by the
// orchestrator once the blocking session reaches a terminal state.
type PendingOrder struct {
	ID             string
	TenantID       string
	PhoneHash      string
	PhoneEncrypted string
	OrderDataJSON  string
	QueuedAt       time.Time
}
