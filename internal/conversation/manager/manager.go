// SPDX-License-Identifier: MIT

// Package manager is the conversation orchestrator: it turns an inbound
// order event or inbound SMS reply into exactly one state transition, one
// outbound SMS (if any), and one audit entry, per spec.md §4.1's ordering
// and atomicity rule. It is the only caller of lifecycle.Dispatch and the
// only writer of conversation sessions; nothing else in this module mutates
// a Session.
package manager

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/radscheduler/core/internal/analysis"
	"github.com/radscheduler/core/internal/audit"
	"github.com/radscheduler/core/internal/consent"
	"github.com/radscheduler/core/internal/conversation/model"
	"github.com/radscheduler/core/internal/conversation/store"
	"github.com/radscheduler/core/internal/equipment"
	"github.com/radscheduler/core/internal/log"
	"github.com/radscheduler/core/internal/phoneid"
	"github.com/radscheduler/core/internal/ports"
	"github.com/radscheduler/core/internal/safety"
	"github.com/radscheduler/core/internal/smsdispatch"
	"github.com/radscheduler/core/internal/smsprovider"
	"github.com/radscheduler/core/internal/tenant"
)

// OrderEvent is the inbound order-arrival event from the integration
// engine (spec.md §6 "Inbound order event"). PatientContext is not part of
// the wire schema spec.md documents for this event; the core needs it to
// run the Safety & Capability Gate, so it is carried here as a
// collaborator-supplied snapshot (see DESIGN.md open-question note) rather
// than invented by this package.
type OrderEvent struct {
	OrderID            string
	Modality           equipment.Modality
	ModalityDisplay    string
	OrderingProvider   string
	OrderingFacility   string
	PatientPhone       string
	PatientID          string
	Priority           analysis.Priority
	OrderDescription   string
	CPT                string
	QueuedAt           time.Time
	PatientContext     safety.PatientContext
	ClinicalIndication string
}

// orderSnapshot is the de-identified value stored as Session.OrderDataJSON
// (spec.md §9 "session references an order snapshot by value... to make
// session writes independent of order-store mutations").
type orderSnapshot struct {
	OrderID            string                `json:"order_id"`
	Modality           string                `json:"modality"`
	ModalityDisplay    string                `json:"modality_display"`
	OrderDescription   string                `json:"order_description"`
	ClinicalIndication string                `json:"clinical_indication"`
	Priority           string                `json:"priority"`
	CPT                string                `json:"cpt,omitempty"`
	PatientContext     safety.PatientContext `json:"patient_context"`
}

// Deps bundles every collaborator the manager drives. All fields are
// required except LLM-related plumbing already optional inside Analyzer.
type Deps struct {
	Sessions   *store.Store
	Consent    *consent.Store
	Equipment  *equipment.Store
	Tenants    *tenant.Store
	Analyzer   *analysis.Analyzer
	Dispatcher *smsdispatch.Dispatcher
	Audit      *audit.Logger
	Cipher     *phoneid.Cipher
	SlotSource ports.SlotSource
	Booking    ports.IntegrationEngine

	// CallbackNumber is read into the two canonical "please call us"
	// messages (spec.md §7): a severe clinical block and a post-retry
	// slot-source failure.
	CallbackNumber string
}

// Manager is the conversation orchestrator.
type Manager struct {
	deps Deps
}

// New builds a Manager over deps.
func New(deps Deps) *Manager {
	return &Manager{deps: deps}
}

// HandleOrder processes one inbound order-arrival event: it resolves (or
// creates) the session for (tenant, phone-hash), applying the "queue, do
// not supersede" policy (spec.md §9 open question 1, DESIGN.md decision 1)
// when an active session already exists.
func (m *Manager) HandleOrder(ctx context.Context, tenantID string, ev OrderEvent) error {
	logger := log.WithComponent("conversation.manager")

	e164, err := phoneid.Normalize(ev.PatientPhone)
	if err != nil {
		return err
	}
	phoneHash := phoneid.Hash(e164)

	encrypted, err := m.deps.Cipher.Encrypt(e164)
	if err != nil {
		return err
	}

	active, err := m.deps.Sessions.GetActiveByPhone(ctx, tenantID, phoneHash)
	if err != nil && err != store.ErrNotFound {
		return err
	}
	if active != nil {
		return m.deps.Sessions.EnqueuePendingOrder(ctx, &model.PendingOrder{
			ID:             uuid.NewString(),
			TenantID:       tenantID,
			PhoneHash:      phoneHash,
			PhoneEncrypted: encrypted,
			OrderDataJSON:  marshalOrderSnapshot(ev),
			QueuedAt:       time.Now(),
		})
	}

	initialState, err := m.initialState(ctx, tenantID, phoneHash)
	if err != nil {
		return err
	}

	now := time.Now()
	sess := model.NewSession(uuid.NewString(), tenantID, phoneHash, encrypted, marshalOrderSnapshot(ev), initialState, now)

	if err := m.deps.Sessions.Create(ctx, sess); err != nil {
		if err == store.ErrActiveSessionExists {
			// Lost a create-time race against a concurrent order for the
			// same phone (spec.md §8 property/scenario S5): queue instead
			// of dropping the order.
			return m.deps.Sessions.EnqueuePendingOrder(ctx, &model.PendingOrder{
				ID:             uuid.NewString(),
				TenantID:       tenantID,
				PhoneHash:      phoneHash,
				PhoneEncrypted: encrypted,
				OrderDataJSON:  marshalOrderSnapshot(ev),
				QueuedAt:       time.Now(),
			})
		}
		return err
	}
	m.recordTransition(ctx, tenantID, phoneHash, sess.ID, "", string(initialState), "order.received")

	tnt, err := m.deps.Tenants.Get(ctx, tenantID)
	if err != nil {
		logger.Error().Err(err).Str("tenant_id", tenantID).Msg("tenant lookup failed after session create")
		return err
	}

	switch initialState {
	case model.StateConsentPending:
		return m.sendAndMaybeRollback(ctx, tnt, sess, e164, model.TagConsent, renderConsentPrompt(), sess.State)
	case model.StateChoosingLoc:
		return m.offerLocationsOrCancel(ctx, tnt, sess, e164, ev)
	default:
		return nil
	}
}

// initialState implements spec.md §4.1: CONSENT_PENDING if no prior
// consent record exists for (tenant, phone-hash); CHOOSING_LOCATION
// otherwise. A revoked-but-present record routes back through
// CONSENT_PENDING since the patient must re-consent before any send.
func (m *Manager) initialState(ctx context.Context, tenantID, phoneHash string) (model.SessionState, error) {
	active, err := m.deps.Consent.IsActive(ctx, tenantID, phoneHash)
	if err != nil {
		return "", err
	}
	if active {
		return model.StateChoosingLoc, nil
	}
	return model.StateConsentPending, nil
}

// offerLocationsOrCancel runs the Safety & Capability Gate and either sends
// the numbered location list or cancels the session with the
// safety-fallback message, matching scenario S1/S2.
func (m *Manager) offerLocationsOrCancel(ctx context.Context, tnt tenant.Tenant, sess *model.Session, e164 string, ev OrderEvent) error {
	locations, err := m.deps.Equipment.ListActiveLocations(ctx)
	if err != nil {
		return err
	}
	rows, err := m.deps.Equipment.ListEquipmentByModality(ctx, ev.Modality)
	if err != nil {
		return err
	}
	candidateIDs := make([]string, 0, len(locations))
	for _, l := range locations {
		candidateIDs = append(candidateIDs, l.ID)
	}

	out := safety.Evaluate(
		safety.Order{Modality: ev.Modality, Description: ev.OrderDescription},
		ev.PatientContext,
		locations, rows, candidateIDs,
	)

	if out.Decision == safety.DecisionBlock {
		return m.cancelWithMessage(ctx, tnt, sess, e164, model.TagSafetyFallback, renderSafetyFallback(m.deps.CallbackNumber))
	}
	if len(out.Warnings) > 0 {
		m.deps.Audit.SafetyWarning(ctx, tnt.ID, sess.PhoneHash, sess.ID, reasonStrings(out.Warnings))
	}

	byID := make(map[string]equipment.Location, len(locations))
	for _, l := range locations {
		byID[l.ID] = l
	}
	offered := make([]offeredLocation, 0, len(out.EligibleLocations))
	for _, id := range out.EligibleLocations {
		if l, ok := byID[id]; ok {
			offered = append(offered, offeredLocation{ID: l.ID, Name: l.Name})
		}
	}

	sess.OfferedLocationsJSON = marshalOfferedLocations(offered)
	if out.MinScheduleDate != nil {
		sess.MinScheduleDate = *out.MinScheduleDate
	}
	sess.UpdatedAt = time.Now()
	sess.Version++
	if err := m.deps.Sessions.Update(ctx, sess); err != nil {
		return err
	}

	return m.sendAndMaybeRollback(ctx, tnt, sess, e164, model.TagLocationList, renderLocationList(offered), sess.State)
}

func reasonStrings(reasons []safety.Reason) []string {
	out := make([]string, len(reasons))
	for i, r := range reasons {
		out[i] = string(r)
	}
	return out
}

// cancelWithMessage drives a direct-to-CANCELLED transition (used for the
// severe-safety-block path, which has no corresponding inbound event of its
// own) and sends tag/body. The session is already terminal when the send
// happens, so a send failure here is surfaced but never rolled back — the
// cancellation stands either way, and the queued-order drain still runs.
func (m *Manager) cancelWithMessage(ctx context.Context, tnt tenant.Tenant, sess *model.Session, e164 string, tag model.MessageTag, body string) error {
	from := sess.State
	sess.State = model.StateCancelled
	sess.CompletedAt = time.Now()
	sess.UpdatedAt = sess.CompletedAt
	sess.Version++
	if err := m.deps.Sessions.Update(ctx, sess); err != nil {
		return err
	}
	m.recordTransition(ctx, tnt.ID, sess.PhoneHash, sess.ID, string(from), string(sess.State), string(tag))
	_, err := m.deps.Dispatcher.Send(ctx, tnt, e164, sess.PhoneHash, sess.ID, string(tag), body)
	m.startQueuedOrders(ctx, tnt.ID, sess.PhoneHash)
	return err
}

// sendAndMaybeRollback sends body and resolves a failed send against the
// already-persisted transition, per spec.md §4.1's ordering rule and §7's
// provider-final semantics:
//
//   - A non-failover-eligible error (INVALID_NUMBER, INVALID_CONTENT,
//     UNDELIVERABLE) rolls the session back into prior — the state change
//     is undone "except for audit", and the session sits until its TTL.
//   - A failover-class error that still failed after the dispatcher's own
//     failover attempt (or with no failover configured) is provider-final:
//     the session cancels so the patient is not spammed by a failing
//     number, and no further SMS is attempted.
//   - A dispatcher refusal before any provider attempt (revoked consent,
//     rate limit, misconfiguration) leaves the persisted transition alone
//     and surfaces the error to the task boundary.
//
// prior is the state the caller persisted away from; pass the current
// state when the send does not accompany a state change.
func (m *Manager) sendAndMaybeRollback(ctx context.Context, tnt tenant.Tenant, sess *model.Session, e164 string, tag model.MessageTag, body string, prior model.SessionState) error {
	logger := log.WithComponent("conversation.manager")

	out, err := m.deps.Dispatcher.Send(ctx, tnt, e164, sess.PhoneHash, sess.ID, string(tag), body)
	if err == nil {
		if out.FromNumber != "" && out.FromNumber != sess.FromNumber {
			sess.FromNumber = out.FromNumber
			sess.UpdatedAt = time.Now()
			sess.Version++
			if uerr := m.deps.Sessions.Update(ctx, sess); uerr != nil {
				logger.Warn().Err(uerr).Str("session_id", sess.ID).Msg("sticky from-number record failed")
			}
		}
		return nil
	}

	if out.Result.ErrorCode == "" {
		return err
	}

	if !smsprovider.IsFailoverEligible(out.Result.ErrorCode) && prior != "" && prior != sess.State && !sess.State.IsTerminal() {
		rolledFrom := sess.State
		sess.State = prior
		sess.CompletedAt = time.Time{}
		sess.UpdatedAt = time.Now()
		sess.Version++
		if uerr := m.deps.Sessions.Update(ctx, sess); uerr != nil {
			logger.Error().Err(uerr).Str("session_id", sess.ID).Msg("send-failure rollback persist failed")
			return err
		}
		m.recordTransition(ctx, tnt.ID, sess.PhoneHash, sess.ID, string(rolledFrom), string(prior), "send_failed_rollback")
		return err
	}

	if !sess.State.IsTerminal() {
		from := sess.State
		sess.State = model.StateCancelled
		sess.CompletedAt = time.Now()
		sess.UpdatedAt = sess.CompletedAt
		sess.Version++
		if uerr := m.deps.Sessions.Update(ctx, sess); uerr != nil {
			logger.Error().Err(uerr).Str("session_id", sess.ID).Msg("provider-final cancel persist failed")
			return err
		}
		m.recordTransition(ctx, tnt.ID, sess.PhoneHash, sess.ID, string(from), string(model.StateCancelled), "provider_final")
		m.startQueuedOrders(ctx, tnt.ID, sess.PhoneHash)
	}
	return err
}

// startQueuedOrders replays the oldest deferred order for (tenantID,
// phoneHash) once no active session blocks it, re-enqueueing the rest in
// their original order. Each replayed order goes back through HandleOrder,
// so it gets the same consent/safety gating as a fresh arrival; if it too
// terminates immediately, its own terminal path drains the next one.
func (m *Manager) startQueuedOrders(ctx context.Context, tenantID, phoneHash string) {
	logger := log.WithComponent("conversation.manager")

	pending, err := m.deps.Sessions.DrainPendingOrders(ctx, tenantID, phoneHash)
	if err != nil {
		logger.Error().Err(err).Str("tenant_id", tenantID).Msg("pending order drain failed")
		return
	}
	if len(pending) == 0 {
		return
	}
	next := pending[0]
	for _, po := range pending[1:] {
		if err := m.deps.Sessions.EnqueuePendingOrder(ctx, po); err != nil {
			logger.Error().Err(err).Str("pending_order_id", po.ID).Msg("pending order re-enqueue failed")
		}
	}

	e164, err := m.deps.Cipher.Decrypt(next.PhoneEncrypted)
	if err != nil {
		logger.Error().Err(err).Str("pending_order_id", next.ID).Msg("pending order phone decrypt failed")
		return
	}
	ev := orderEventFromSnapshot(unmarshalOrderSnapshot(next.OrderDataJSON))
	ev.PatientPhone = e164
	if err := m.HandleOrder(ctx, tenantID, ev); err != nil {
		logger.Error().Err(err).Str("pending_order_id", next.ID).Msg("queued order replay failed")
	}
}

func marshalOrderSnapshot(ev OrderEvent) string {
	snap := orderSnapshot{
		OrderID:            ev.OrderID,
		Modality:           string(ev.Modality),
		ModalityDisplay:    ev.ModalityDisplay,
		OrderDescription:   ev.OrderDescription,
		ClinicalIndication: ev.ClinicalIndication,
		Priority:           string(ev.Priority),
		CPT:                ev.CPT,
		PatientContext:     ev.PatientContext,
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// unmarshalOrderSnapshot is the inverse of marshalOrderSnapshot, used when
// the manager needs the modality/description back out of a stored session
// (e.g. the AWAITING_SLOTS request and the slot-timeout retry).
func unmarshalOrderSnapshot(raw string) orderSnapshot {
	var snap orderSnapshot
	_ = json.Unmarshal([]byte(raw), &snap)
	return snap
}

// normalizeReplyBody trims and upper-cases an inbound SMS body for keyword
// matching, without touching a bare numeric reply's formatting.
func normalizeReplyBody(body string) string {
	return strings.ToUpper(strings.TrimSpace(body))
}

// orderEventFromSnapshot rebuilds the minimal OrderEvent the location-offer
// path needs (modality, description, clinical context) from a session's
// persisted snapshot, for the "consent just granted" continuation where the
// original inbound event is long gone.
func orderEventFromSnapshot(snap orderSnapshot) OrderEvent {
	return OrderEvent{
		OrderID:            snap.OrderID,
		Modality:           equipment.Modality(snap.Modality),
		ModalityDisplay:    snap.ModalityDisplay,
		OrderDescription:   snap.OrderDescription,
		ClinicalIndication: snap.ClinicalIndication,
		Priority:           analysis.Priority(snap.Priority),
		CPT:                snap.CPT,
		PatientContext:     snap.PatientContext,
	}
}

// analyzerInputFromSnapshot builds the analysis.Input the order-analysis
// pipeline needs to estimate a scheduling duration once a location has been
// chosen, from the same persisted snapshot.
func analyzerInputFromSnapshot(snap orderSnapshot) analysis.Input {
	return analysis.Input{
		OrderDescription:   snap.OrderDescription,
		CPT:                snap.CPT,
		Modality:           snap.Modality,
		Priority:           analysis.Priority(snap.Priority),
		ClinicalIndication: snap.ClinicalIndication,
		Bariatric:          snap.PatientContext.Bariatric,
	}
}
