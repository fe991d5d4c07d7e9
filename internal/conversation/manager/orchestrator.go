// SPDX-License-Identifier: MIT

package manager

import (
	"context"
	"strconv"
	"time"

	"github.com/radscheduler/core/internal/analysis"
	"github.com/radscheduler/core/internal/consent"
	"github.com/radscheduler/core/internal/conversation/lifecycle"
	"github.com/radscheduler/core/internal/conversation/model"
	"github.com/radscheduler/core/internal/conversation/store"
	"github.com/radscheduler/core/internal/log"
	"github.com/radscheduler/core/internal/phoneid"
	"github.com/radscheduler/core/internal/ports"
	"github.com/radscheduler/core/internal/tenant"
)

// stopKeywords and consentYesKeywords are the recognised inbound tokens
// from spec.md §4.1's transition table.
var stopKeywords = map[string]bool{"STOP": true, "UNSUBSCRIBE": true}
var consentYesKeywords = map[string]bool{"YES": true, "Y": true}

// isGlobalKeyword reports a keyword honored even when no active session
// matches the sender (spec.md §4.1 "Failure semantics"): STOP always
// records a revocation; HELP is acknowledged and logged but triggers no
// state change since there is no session to change.
func isGlobalKeyword(word string) bool {
	return stopKeywords[word] || word == "HELP"
}

const slotSourceTimeout = 10 * time.Second

// HandleInboundSMS processes one inbound carrier SMS reply. Callers are
// responsible for webhook signature verification (ports.WebhookVerifier)
// before this is reached.
func (m *Manager) HandleInboundSMS(ctx context.Context, tenantID, fromPhone, body, providerMessageID string) error {
	logger := log.WithComponent("conversation.manager")

	// Dedup guard (spec.md §3 supplemented): carriers and providers retry
	// webhook delivery, so the same reply can arrive twice. Check this
	// before any other processing so a retried webhook never double-advances
	// a session or double-records a STOP.
	alreadySeen, err := m.deps.Sessions.MarkProviderMessageSeen(ctx, tenantID, providerMessageID, time.Now())
	if err != nil {
		return err
	}
	if alreadySeen {
		logger.Debug().Str("tenant_id", tenantID).Str("provider_message_id", providerMessageID).
			Msg("duplicate inbound webhook delivery ignored")
		return nil
	}

	e164, err := phoneid.Normalize(fromPhone)
	if err != nil {
		return err
	}
	phoneHash := phoneid.Hash(e164)
	word := normalizeReplyBody(body)

	// Opt-out guard (spec.md §3 supplemented): a phone that has already
	// revoked consent through some other channel (e.g. a carrier-relayed
	// opt-out event) gets no further state transitions even if a session
	// happens to still be open, short of the STOP keyword itself re-running
	// the same revocation.
	if !stopKeywords[word] {
		optedOut, consentErr := m.deps.Consent.IsOptedOut(ctx, tenantID, phoneHash)
		if consentErr != nil {
			return consentErr
		}
		if optedOut {
			logger.Info().Str("tenant_id", tenantID).Msg("inbound reply from opted-out phone ignored")
			return nil
		}
	}

	sess, err := m.deps.Sessions.GetActiveByPhone(ctx, tenantID, phoneHash)
	if err != nil && err != store.ErrNotFound {
		return err
	}
	if sess == nil {
		if isGlobalKeyword(word) {
			if stopKeywords[word] {
				_ = m.deps.Consent.Revoke(ctx, tenantID, phoneHash, "inbound STOP, no active session", time.Now())
				m.deps.Audit.ConsentChange(ctx, tenantID, phoneHash, true)
			}
			logger.Info().Str("tenant_id", tenantID).Str("keyword", word).Msg("global keyword honored without an active session")
		}
		return nil
	}

	m.deps.Audit.InboundSMS(ctx, tenantID, phoneHash, sess.ID, "", providerMessageID)

	tnt, err := m.deps.Tenants.Get(ctx, tenantID)
	if err != nil {
		return err
	}

	ev := m.classifyReply(sess, word, body)
	if ev.Kind == lifecycle.EvUnknown {
		logger.Debug().Str("session_id", sess.ID).Str("state", string(sess.State)).
			Msg("inbound reply has no defined transition in this state, ignored")
		return nil
	}

	tr, err := lifecycle.Dispatch(sess, ev, time.Now())
	if err == lifecycle.ErrIllegalTransition || err == lifecycle.ErrTerminalSession {
		logger.Debug().Err(err).Str("session_id", sess.ID).Msg("inbound reply ignored")
		return nil
	}
	if err != nil {
		return err
	}

	if err := m.deps.Sessions.Update(ctx, sess); err != nil {
		return err
	}
	m.recordTransition(ctx, tenantID, phoneHash, sess.ID, string(tr.From), string(tr.To), strconv.Itoa(int(ev.Kind)))

	err = m.afterTransition(ctx, tnt, sess, e164, tr)
	if sess.State.IsTerminal() {
		m.startQueuedOrders(ctx, tenantID, phoneHash)
	}
	return err
}

// classifyReply maps a raw inbound reply onto the single EventKind
// lifecycle.Dispatch should apply, resolving the "did this reply match a
// numbered offer" question the pure transition table deliberately leaves to
// its caller (lifecycle/events.go). It also writes the chosen location or
// slot straight onto sess so afterTransition can use it without a second
// lookup.
func (m *Manager) classifyReply(sess *model.Session, word, rawBody string) lifecycle.Event {
	if stopKeywords[word] {
		return lifecycle.Event{Kind: lifecycle.EvStopKeyword}
	}

	switch sess.State {
	case model.StateConsentPending:
		if consentYesKeywords[word] {
			return lifecycle.Event{Kind: lifecycle.EvConsentYes}
		}
		return lifecycle.Event{Kind: lifecycle.EvConsentUnmatched}

	case model.StateChoosingLoc:
		offered := unmarshalOfferedLocations(sess.OfferedLocationsJSON)
		if n, ok := parseNumericChoice(rawBody, len(offered)); ok {
			sess.LocationID = offered[n-1].ID
			return lifecycle.Event{Kind: lifecycle.EvLocationChosen}
		}
		return lifecycle.Event{Kind: lifecycle.EvLocationChosenUnmatched}

	case model.StateChoosingTime:
		offered := unmarshalOfferedSlots(sess.OfferedSlotsJSON)
		if n, ok := parseNumericChoice(rawBody, len(offered)); ok {
			chosen := offered[n-1]
			sess.SlotID = chosen.ID
			sess.SlotTime = chosen.DateTime
			return lifecycle.Event{Kind: lifecycle.EvTimeChosen}
		}
		return lifecycle.Event{Kind: lifecycle.EvTimeChosenUnmatched}

	default:
		// AWAITING_SLOTS and CHOOSING_ORDER have no inbound-reply transition
		// defined in spec.md §4.1; the caller logs and ignores EvUnknown.
		return lifecycle.Event{Kind: lifecycle.EvUnknown}
	}
}

// afterTransition performs the side effects a transition's Tag alone cannot
// express: consent persistence, the slot-source round trip, and booking. A
// few transitions chain straight into the next one (location chosen -> slot
// request -> either CHOOSING_TIME or back to CHOOSING_LOCATION), matching
// the synchronous request/suspension-point model this dispatcher uses.
func (m *Manager) afterTransition(ctx context.Context, tnt tenant.Tenant, sess *model.Session, e164 string, tr lifecycle.Transition) error {
	switch tr.Event {
	case lifecycle.EvStopKeyword:
		// The ack goes out before the revocation row is written: once that
		// row exists, the dispatcher's consent gate refuses every send.
		sendErr := m.sendAndMaybeRollback(ctx, tnt, sess, e164, tr.Tag, renderCancellation(), tr.From)
		_ = m.deps.Consent.Revoke(ctx, tnt.ID, sess.PhoneHash, "inbound STOP", time.Now())
		m.deps.Audit.ConsentChange(ctx, tnt.ID, sess.PhoneHash, true)
		return sendErr

	case lifecycle.EvConsentYes:
		if err := m.deps.Consent.Grant(ctx, tnt.ID, sess.PhoneHash, consent.MethodSMSReply, time.Now()); err != nil {
			return err
		}
		m.deps.Audit.ConsentChange(ctx, tnt.ID, sess.PhoneHash, false)
		snap := unmarshalOrderSnapshot(sess.OrderDataJSON)
		return m.offerLocationsOrCancel(ctx, tnt, sess, e164, orderEventFromSnapshot(snap))

	case lifecycle.EvConsentUnmatched, lifecycle.EvLocationChosenUnmatched, lifecycle.EvTimeChosenUnmatched:
		if tr.To == model.StateCancelled {
			return m.sendAndMaybeRollback(ctx, tnt, sess, e164, tr.Tag, renderCancellation(), tr.From)
		}
		locs := unmarshalOfferedLocations(sess.OfferedLocationsJSON)
		slots := unmarshalOfferedSlots(sess.OfferedSlotsJSON)
		return m.sendAndMaybeRollback(ctx, tnt, sess, e164, tr.Tag, renderUnmatchedReprompt(tr.Tag, locs, slots), tr.From)

	case lifecycle.EvLocationChosen:
		return m.requestSlotsAndAdvance(ctx, tnt, sess, e164)

	case lifecycle.EvTimeChosen:
		return m.confirmBooking(ctx, tnt, sess, e164)

	case lifecycle.EvSlotTimeoutExhausted:
		return m.sendAndMaybeRollback(ctx, tnt, sess, e164, tr.Tag, renderSlotSourceFailure(m.deps.CallbackNumber), tr.From)

	default:
		if tr.Tag != "" {
			return m.sendAndMaybeRollback(ctx, tnt, sess, e164, tr.Tag, "", tr.From)
		}
		return nil
	}
}

// requestSlotsAndAdvance is called immediately after a CHOOSING_LOCATION ->
// AWAITING_SLOTS transition, or after a retry transition from the timeout
// sweep. Its caller has already persisted that transition, so this only
// performs the slot-source call inline: on success it dispatches the
// corresponding EvSlotsReturned{NonEmpty,Empty} event in the same task; on
// error or context deadline it leaves the session in AWAITING_SLOTS with
// SlotRequestSentAt already set by ApplyTransition, for the timeout sweep to
// retry.
func (m *Manager) requestSlotsAndAdvance(ctx context.Context, tnt tenant.Tenant, sess *model.Session, e164 string) error {
	slots, err := m.fetchSlots(ctx, tnt, sess)
	if err != nil {
		logger := log.WithComponent("conversation.manager")
		logger.Warn().Err(err).Str("session_id", sess.ID).
			Msg("slot source call failed, leaving session for timeout sweep")
		return nil
	}

	ev := lifecycle.Event{Kind: lifecycle.EvSlotsReturnedNonEmpty}
	if len(slots) == 0 {
		ev = lifecycle.Event{Kind: lifecycle.EvSlotsReturnedEmpty}
	} else {
		sess.OfferedSlotsJSON = marshalOfferedSlots(slots)
	}

	tr, err := lifecycle.Dispatch(sess, ev, time.Now())
	if err != nil {
		return err
	}
	if err := m.deps.Sessions.Update(ctx, sess); err != nil {
		return err
	}
	m.recordTransition(ctx, tnt.ID, sess.PhoneHash, sess.ID, string(tr.From), string(tr.To), strconv.Itoa(int(ev.Kind)))

	if len(slots) == 0 {
		// Re-offer locations excluding the one that just came up empty, or
		// cancel if none remain (spec.md §4.1 "notify; offer alternate
		// location or cancel").
		return m.reofferLocationsExcluding(ctx, tnt, sess, e164, sess.LocationID)
	}
	return m.sendAndMaybeRollback(ctx, tnt, sess, e164, tr.Tag, renderSlotList(slots), tr.From)
}

func (m *Manager) fetchSlots(ctx context.Context, tnt tenant.Tenant, sess *model.Session) ([]ports.Slot, error) {
	snap := unmarshalOrderSnapshot(sess.OrderDataJSON)
	in := analyzerInputFromSnapshot(snap)
	out := m.deps.Analyzer.Analyze(ctx, tnt.ID, sess.ID, in)

	// An explicit tenant CPT override beats whatever the analyzer inferred
	// from the description (DESIGN.md open-question decision 2).
	duration := out.TotalDurationMin
	if minutes, ok := tnt.DurationOverride(snap.CPT); ok {
		duration = minutes
	}

	// The Safety Gate's earliest-schedule bound (contrast wash-out) caps
	// how soon slots may be offered: earliestDate >= min_schedule_date
	// whenever one was recorded on the session.
	earliest := time.Now()
	if sess.MinScheduleDate.After(earliest) {
		earliest = sess.MinScheduleDate
	}

	req := ports.SlotRequest{
		TenantID:                tnt.ID,
		LocationID:              sess.LocationID,
		Modality:                snap.Modality,
		RequiredDurationMinutes: duration,
		EarliestDate:            earliest,
		RequiredCapabilities:    equipmentNeedsList(out),
	}

	sendCtx, cancel := context.WithTimeout(ctx, slotSourceTimeout)
	defer cancel()
	return m.deps.SlotSource.RequestSlots(sendCtx, req)
}

// reofferLocationsExcluding re-runs the location offer with excludeID
// removed from the previously offered set, or cancels the session if
// nothing is left to offer.
func (m *Manager) reofferLocationsExcluding(ctx context.Context, tnt tenant.Tenant, sess *model.Session, e164, excludeID string) error {
	offered := unmarshalOfferedLocations(sess.OfferedLocationsJSON)
	remaining := make([]offeredLocation, 0, len(offered))
	for _, l := range offered {
		if l.ID != excludeID {
			remaining = append(remaining, l)
		}
	}
	if len(remaining) == 0 {
		return m.cancelWithMessage(ctx, tnt, sess, e164, model.TagCancellation, renderSlotSourceFailure(m.deps.CallbackNumber))
	}
	sess.OfferedLocationsJSON = marshalOfferedLocations(remaining)
	sess.UpdatedAt = time.Now()
	sess.Version++
	if err := m.deps.Sessions.Update(ctx, sess); err != nil {
		return err
	}
	return m.sendAndMaybeRollback(ctx, tnt, sess, e164, model.TagLocationList, renderLocationList(remaining), sess.State)
}

// confirmBooking books the chosen slot with the integration engine and
// sends the confirmation message. Dispatch already advanced sess to
// CONFIRMED before this runs; a booking failure is logged rather than
// rolled back, since the booking call is idempotent and safely retried
// out-of-band without re-exposing the scheduling choice to the patient.
func (m *Manager) confirmBooking(ctx context.Context, tnt tenant.Tenant, sess *model.Session, e164 string) error {
	slots := unmarshalOfferedSlots(sess.OfferedSlotsJSON)
	var chosen ports.Slot
	for _, s := range slots {
		if s.ID == sess.SlotID {
			chosen = s
			break
		}
	}

	snap := unmarshalOrderSnapshot(sess.OrderDataJSON)
	bookCtx, cancel := context.WithTimeout(ctx, slotSourceTimeout)
	defer cancel()
	if err := m.deps.Booking.Book(bookCtx, ports.BookingRequest{
		TenantID:              tnt.ID,
		SlotID:                sess.SlotID,
		OrderID:               snap.OrderID,
		PatientPhoneEncrypted: sess.PhoneEncrypted,
	}); err != nil {
		logger := log.WithComponent("conversation.manager")
		logger.Error().Err(err).Str("session_id", sess.ID).
			Msg("booking call failed after session confirmed")
	}

	return m.sendAndMaybeRollback(ctx, tnt, sess, e164, model.TagConfirmation, renderConfirmation(chosen), sess.State)
}

func equipmentNeedsList(out analysis.Output) []string {
	var caps []string
	if out.EquipmentNeeds.CTCardiac {
		caps = append(caps, "ct_cardiac")
	}
	if out.EquipmentNeeds.CTContrastInjector {
		caps = append(caps, "ct_contrast_injector")
	}
	if out.EquipmentNeeds.MRIWideBore {
		caps = append(caps, "mri_wide_bore")
	}
	if out.EquipmentNeeds.MammoThreeDTomo {
		caps = append(caps, "mammo_3d_tomo")
	}
	if out.EquipmentNeeds.MammoStereoBiopsy {
		caps = append(caps, "mammo_stereo_biopsy")
	}
	return caps
}
