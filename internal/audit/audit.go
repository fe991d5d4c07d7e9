// SPDX-License-Identifier: MIT

// Package audit provides the append-only record of SMS sends, conversation
// state transitions, and order-analysis calls. It follows the WHO/WHAT/WHEN
// pattern: every event carries an actor-equivalent (tenant + phone-hash), an
// action, and a result, written both to structured logs and to a persisted
// row with HIPAA-grade retention.
package audit

import (
	"context"
	"strings"
	"time"

	"github.com/radscheduler/core/internal/log"
	"github.com/rs/zerolog"
)

// EventType identifies the category of an audit event.
type EventType string

const (
	// EventOutboundSMS is recorded once per outbound send attempt, including
	// failover attempts ("every attempt... produces one audit entry").
	EventOutboundSMS EventType = "sms.outbound"
	// EventInboundSMS is recorded once per inbound message received from a
	// carrier webhook.
	EventInboundSMS EventType = "sms.inbound"
	// EventStateTransition is recorded once per conversation state machine
	// transition.
	EventStateTransition EventType = "session.transition"
	// EventAnalysisCall is recorded once per order-analyzer invocation
	// (LLM call or rule-based fallback).
	EventAnalysisCall EventType = "analysis.call"
	// EventConsentChange is recorded whenever a consent row is inserted
	// (granted or revoked).
	EventConsentChange EventType = "consent.change"
	// EventSafetyWarning is recorded when the Safety Gate lets a session
	// proceed with clinical warnings attached (CONTRAST_ALLERGY,
	// RENAL_FUNCTION_LOW, RECENT_CONTRAST).
	EventSafetyWarning EventType = "safety.warning"
)

// Event is a single audit row. Fields not applicable to a given Type are
// left zero-valued; no plaintext phone number may ever be placed in Details.
type Event struct {
	Timestamp  time.Time
	Type       EventType
	TenantID   string
	PhoneHash  string // phoneid.Hash output, never a raw number
	SessionID  string
	Direction  string // "inbound" | "outbound", SMS events only
	MessageTag string // CONSENT, LOCATION_LIST, SLOT_LIST, CONFIRMATION, CANCELLATION, SAFETY_FALLBACK, STATUS_UPDATE
	FromNumber string
	ProviderID string // provider message id, empty on failure
	Success    bool
	ErrorCode  string
	Details    map[string]string
}

// Store persists Events. store.go provides the SQLite-backed
// implementation; tests may substitute an in-memory fake.
type Store interface {
	Record(ctx context.Context, e Event) error
}

// Logger writes audit events to both structured logs (for live tailing and
// alerting) and a durable Store (for the retention surface).
type Logger struct {
	logger zerolog.Logger
	store  Store
}

// NewLogger builds an audit Logger backed by store. store may be nil, in
// which case events are only written to structured logs.
func NewLogger(store Store) *Logger {
	return &Logger{
		logger: log.WithComponent("audit").With().Str("log_type", "audit").Logger(),
		store:  store,
	}
}

// Log records an event to structured logs and, if configured, to the
// durable store. Store errors are logged but never returned: a failed audit
// write must not unwind the caller's transition or SMS send.
func (l *Logger) Log(ctx context.Context, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	evt := l.logger.Info().
		Time("timestamp", e.Timestamp).
		Str(log.FieldEventType, string(e.Type)).
		Str(log.FieldTenantID, e.TenantID).
		Str(log.FieldPhoneHash, e.PhoneHash).
		Str(log.FieldSessionID, e.SessionID).
		Bool("success", e.Success)

	if e.Direction != "" {
		evt.Str(log.FieldDirection, e.Direction)
	}
	if e.MessageTag != "" {
		evt.Str(log.FieldMessageTag, e.MessageTag)
	}
	if e.FromNumber != "" {
		evt.Str(log.FieldFromNumber, e.FromNumber)
	}
	if e.ProviderID != "" {
		evt.Str(log.FieldProviderMessageID, e.ProviderID)
	}
	if e.ErrorCode != "" {
		evt.Str(log.FieldErrorCode, e.ErrorCode)
	}
	for k, v := range e.Details {
		evt.Str(k, v)
	}
	evt.Msg("audit event")

	if l.store == nil {
		return
	}
	if err := l.store.Record(ctx, e); err != nil {
		l.logger.Error().Err(err).Str(log.FieldEventType, string(e.Type)).Msg("audit persist failed")
	}
}

// OutboundSMS records one outbound send attempt: direction outbound, the
// chosen from-number, the resulting provider message id (or none), the
// success flag, and the standard error code.
func (l *Logger) OutboundSMS(ctx context.Context, tenantID, phoneHash, sessionID, tag, fromNumber, providerID string, success bool, errorCode string) {
	l.Log(ctx, Event{
		Type:       EventOutboundSMS,
		TenantID:   tenantID,
		PhoneHash:  phoneHash,
		SessionID:  sessionID,
		Direction:  "outbound",
		MessageTag: tag,
		FromNumber: fromNumber,
		ProviderID: providerID,
		Success:    success,
		ErrorCode:  errorCode,
	})
}

// InboundSMS records one inbound message received from a carrier webhook.
func (l *Logger) InboundSMS(ctx context.Context, tenantID, phoneHash, sessionID, fromNumber, providerID string) {
	l.Log(ctx, Event{
		Type:       EventInboundSMS,
		TenantID:   tenantID,
		PhoneHash:  phoneHash,
		SessionID:  sessionID,
		Direction:  "inbound",
		FromNumber: fromNumber,
		ProviderID: providerID,
		Success:    true,
	})
}

// StateTransition records one conversation state machine transition.
func (l *Logger) StateTransition(ctx context.Context, tenantID, phoneHash, sessionID, fromState, toState, reason string) {
	l.Log(ctx, Event{
		Type:      EventStateTransition,
		TenantID:  tenantID,
		PhoneHash: phoneHash,
		SessionID: sessionID,
		Success:   true,
		Details: map[string]string{
			"from_state": fromState,
			"to_state":   toState,
			"reason":     reason,
		},
	})
}

// AnalysisCall records one order-analyzer invocation.
func (l *Logger) AnalysisCall(ctx context.Context, tenantID, phoneHash, sessionID, promptID, source string, success bool, errorCode string) {
	l.Log(ctx, Event{
		Type:      EventAnalysisCall,
		TenantID:  tenantID,
		PhoneHash: phoneHash,
		SessionID: sessionID,
		Success:   success,
		ErrorCode: errorCode,
		Details: map[string]string{
			"prompt_id": promptID,
			"source":    source, // "llm" or "rule_fallback"
		},
	})
}

// SafetyWarning records a proceed-with-warnings verdict from the Safety
// Gate, so a scheduling decision taken despite clinical warnings stays
// traceable.
func (l *Logger) SafetyWarning(ctx context.Context, tenantID, phoneHash, sessionID string, warnings []string) {
	l.Log(ctx, Event{
		Type:      EventSafetyWarning,
		TenantID:  tenantID,
		PhoneHash: phoneHash,
		SessionID: sessionID,
		Success:   true,
		Details: map[string]string{
			"warnings": strings.Join(warnings, ","),
		},
	})
}

// ConsentChange records an insert into the append-only consent table.
func (l *Logger) ConsentChange(ctx context.Context, tenantID, phoneHash string, revoked bool) {
	result := "granted"
	if revoked {
		result = "revoked"
	}
	l.Log(ctx, Event{
		Type:      EventConsentChange,
		TenantID:  tenantID,
		PhoneHash: phoneHash,
		Success:   true,
		Details: map[string]string{
			"result": result,
		},
	})
}
