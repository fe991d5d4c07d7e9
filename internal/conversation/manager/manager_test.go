// SPDX-License-Identifier: MIT

package manager

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radscheduler/core/internal/analysis"
	"github.com/radscheduler/core/internal/audit"
	"github.com/radscheduler/core/internal/consent"
	"github.com/radscheduler/core/internal/conversation/model"
	"github.com/radscheduler/core/internal/conversation/store"
	"github.com/radscheduler/core/internal/equipment"
	"github.com/radscheduler/core/internal/persistence/sqlite"
	"github.com/radscheduler/core/internal/phoneid"
	"github.com/radscheduler/core/internal/ports"
	"github.com/radscheduler/core/internal/safety"
	"github.com/radscheduler/core/internal/smsdispatch"
	"github.com/radscheduler/core/internal/smsprovider"
	"github.com/radscheduler/core/internal/tenant"
)

type recordingAuditStore struct {
	events []audit.Event
}

func (s *recordingAuditStore) Record(_ context.Context, e audit.Event) error {
	s.events = append(s.events, e)
	return nil
}

type fakeSlotSource struct {
	slots []ports.Slot
	err   error
	calls int
	reqs  []ports.SlotRequest
}

func (f *fakeSlotSource) RequestSlots(_ context.Context, req ports.SlotRequest) ([]ports.Slot, error) {
	f.calls++
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.slots, nil
}

type fakeBooking struct {
	booked []ports.BookingRequest
	err    error
}

func (f *fakeBooking) Book(_ context.Context, req ports.BookingRequest) error {
	f.booked = append(f.booked, req)
	return f.err
}

type harness struct {
	mgr      *Manager
	sessions *store.Store
	consent  *consent.Store
	tenants  *tenant.Store
	auditLog *recordingAuditStore
	primary  *smsprovider.Mock
	slots    *fakeSlotSource
	booking  *fakeBooking
}

const testTenantID = "acme-imaging"
const testCallbackNumber = "+18005551234"

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, smsprovider.NewMock("telnyx", true))
}

func newHarnessWith(t *testing.T, primary *smsprovider.Mock) *harness {
	t.Helper()
	ctx := context.Background()

	dbPath := filepath.Join(t.TempDir(), "conversation.db")
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sessions, err := store.NewStore(db)
	require.NoError(t, err)
	consentStore, err := consent.NewStore(db)
	require.NoError(t, err)
	equipStore, err := equipment.NewStore(db)
	require.NoError(t, err)
	tenantStore, err := tenant.NewStore(db)
	require.NoError(t, err)

	require.NoError(t, equipStore.PutLocation(ctx, equipment.Location{ID: "loc-1", Name: "Downtown Imaging", Active: true}))
	require.NoError(t, equipStore.PutEquipment(ctx, equipment.Equipment{
		LocationID: "loc-1", Modality: equipment.ModalityCT, Active: true, CTSliceCount: 64, CTHasContrastInjector: true,
	}))

	require.NoError(t, tenantStore.Put(ctx, tenant.Tenant{
		ID:     testTenantID,
		Active: true,
		SMS:    tenant.SMSConfig{PrimaryProvider: "telnyx", FromNumbers: []string{"+15550001111"}},
	}))

	auditStore := &recordingAuditStore{}
	auditLogger := audit.NewLogger(auditStore)

	dispatcher := smsdispatch.New([]smsprovider.Provider{primary}, auditLogger, consentStore, nil, smsdispatch.Config{})

	cipher, err := phoneid.NewCipher("01234567890123456789012345678901")
	require.NoError(t, err)

	analyzer := analysis.New(nil, nil, nil, auditLogger)

	slotSource := &fakeSlotSource{slots: []ports.Slot{
		{ID: "slot-1", LocationID: "loc-1", DateTime: time.Now().Add(24 * time.Hour), DurationMinutes: 30},
	}}
	booking := &fakeBooking{}

	mgr := New(Deps{
		Sessions:       sessions,
		Consent:        consentStore,
		Equipment:      equipStore,
		Tenants:        tenantStore,
		Analyzer:       analyzer,
		Dispatcher:     dispatcher,
		Audit:          auditLogger,
		Cipher:         cipher,
		SlotSource:     slotSource,
		Booking:        booking,
		CallbackNumber: testCallbackNumber,
	})

	return &harness{
		mgr: mgr, sessions: sessions, consent: consentStore, tenants: tenantStore,
		auditLog: auditStore, primary: primary, slots: slotSource, booking: booking,
	}
}

func (h *harness) activeSession(t *testing.T, phoneHash string) *model.Session {
	t.Helper()
	sess, err := h.sessions.GetActiveByPhone(context.Background(), testTenantID, phoneHash)
	require.NoError(t, err)
	return sess
}

func testOrder(phone string) OrderEvent {
	return OrderEvent{
		OrderID:          "ord-1",
		Modality:         equipment.ModalityCT,
		ModalityDisplay:  "CT Abdomen",
		OrderDescription: "CT abdomen without contrast",
		PatientPhone:     phone,
		Priority:         analysis.PriorityRoutine,
	}
}

func TestHandleOrder_NoConsent_SendsConsentPrompt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.mgr.HandleOrder(ctx, testTenantID, testOrder("+15551234567")))

	phoneHash := phoneid.Hash("+15551234567")
	sess := h.activeSession(t, phoneHash)
	assert.Equal(t, model.StateConsentPending, sess.State)
	require.Len(t, h.primary.Sent, 1)
	assert.Contains(t, h.primary.Sent[0].Body, "YES")
}

func TestHandleOrder_ExistingConsent_OffersLocations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	phoneHash := phoneid.Hash("+15551234567")
	require.NoError(t, h.consent.Grant(ctx, testTenantID, phoneHash, consent.MethodSMSReply, time.Now()))

	require.NoError(t, h.mgr.HandleOrder(ctx, testTenantID, testOrder("+15551234567")))

	sess := h.activeSession(t, phoneHash)
	assert.Equal(t, model.StateChoosingLoc, sess.State)
	require.Len(t, h.primary.Sent, 1)
	assert.Contains(t, h.primary.Sent[0].Body, "Downtown Imaging")
}

func TestFullHappyPath_ConsentThroughConfirmation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	phone := "+15551234567"
	phoneHash := phoneid.Hash(phone)

	require.NoError(t, h.mgr.HandleOrder(ctx, testTenantID, testOrder(phone)))
	require.Equal(t, model.StateConsentPending, h.activeSession(t, phoneHash).State)

	require.NoError(t, h.mgr.HandleInboundSMS(ctx, testTenantID, phone, "YES", "prov-1"))
	sess := h.activeSession(t, phoneHash)
	assert.Equal(t, model.StateChoosingLoc, sess.State)
	active, err := h.consent.IsActive(ctx, testTenantID, phoneHash)
	require.NoError(t, err)
	assert.True(t, active)

	require.NoError(t, h.mgr.HandleInboundSMS(ctx, testTenantID, phone, "1", "prov-2"))
	sess = h.activeSession(t, phoneHash)
	assert.Equal(t, model.StateChoosingTime, sess.State)
	assert.Equal(t, 1, h.slots.calls)
	assert.Equal(t, "loc-1", sess.LocationID)

	require.NoError(t, h.mgr.HandleInboundSMS(ctx, testTenantID, phone, "1", "prov-3"))
	sess = h.activeSession(t, phoneHash)
	assert.Equal(t, model.StateConfirmed, sess.State)
	require.Len(t, h.booking.booked, 1)
	assert.Equal(t, "slot-1", h.booking.booked[0].SlotID)

	lastSent := h.primary.Sent[len(h.primary.Sent)-1]
	assert.Contains(t, lastSent.Body, "confirmed")
}

func TestHandleInboundSMS_StopKeyword_CancelsAndRevokesConsent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	phone := "+15551234567"
	phoneHash := phoneid.Hash(phone)
	require.NoError(t, h.consent.Grant(ctx, testTenantID, phoneHash, consent.MethodSMSReply, time.Now()))

	require.NoError(t, h.mgr.HandleOrder(ctx, testTenantID, testOrder(phone)))
	require.NoError(t, h.mgr.HandleInboundSMS(ctx, testTenantID, phone, "STOP", "prov-1"))

	_, err := h.sessions.GetActiveByPhone(ctx, testTenantID, phoneHash)
	assert.ErrorIs(t, err, store.ErrNotFound)

	active, err := h.consent.IsActive(ctx, testTenantID, phoneHash)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestHandleInboundSMS_UnmatchedReplies_RepromptThenCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	phone := "+15551234567"
	phoneHash := phoneid.Hash(phone)

	require.NoError(t, h.mgr.HandleOrder(ctx, testTenantID, testOrder(phone)))

	for i := 0; i < model.MaxReprompts; i++ {
		require.NoError(t, h.mgr.HandleInboundSMS(ctx, testTenantID, phone, "banana", fmt.Sprintf("prov-x-%d", i)))
		sess := h.activeSession(t, phoneHash)
		assert.Equal(t, model.StateConsentPending, sess.State)
	}

	require.NoError(t, h.mgr.HandleInboundSMS(ctx, testTenantID, phone, "banana", "prov-final"))
	_, err := h.sessions.GetActiveByPhone(ctx, testTenantID, phoneHash)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHandleInboundSMS_NoActiveSession_IsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.mgr.HandleInboundSMS(ctx, testTenantID, "+15559998888", "YES", "prov-1")
	assert.NoError(t, err)
	assert.Empty(t, h.primary.Sent)
}

func TestSweepExpired_MovesOverdueSessionToExpiredWithoutMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	phone := "+15551234567"

	require.NoError(t, h.mgr.HandleOrder(ctx, testTenantID, testOrder(phone)))
	phoneHash := phoneid.Hash(phone)
	sess := h.activeSession(t, phoneHash)
	sentBefore := len(h.primary.Sent)

	sess.ExpiresAt = time.Now().Add(-time.Minute)
	sess.Version++
	require.NoError(t, h.sessions.Update(ctx, sess))

	n, err := h.mgr.SweepExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, h.primary.Sent, sentBefore)

	_, err = h.sessions.GetActiveByPhone(ctx, testTenantID, phoneHash)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSweepSlotTimeouts_RetriesOnceThenCancels(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	phone := "+15551234567"
	phoneHash := phoneid.Hash(phone)
	require.NoError(t, h.consent.Grant(ctx, testTenantID, phoneHash, consent.MethodSMSReply, time.Now()))
	require.NoError(t, h.mgr.HandleOrder(ctx, testTenantID, testOrder(phone)))

	h.slots.err = fakeSlotSourceErr{"slot source unavailable"}
	require.NoError(t, h.mgr.HandleInboundSMS(ctx, testTenantID, phone, "1", "prov-2"))

	sess := h.activeSession(t, phoneHash)
	require.Equal(t, model.StateAwaitingSlots, sess.State)
	sess.SlotRequestSentAt = time.Now().Add(-2 * model.SlotTimeout)
	sess.Version++
	require.NoError(t, h.sessions.Update(ctx, sess))

	n, err := h.mgr.SweepSlotTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	sess = h.activeSession(t, phoneHash)
	assert.Equal(t, model.StateAwaitingSlots, sess.State)
	assert.Equal(t, 1, sess.SlotRetryCount)

	sess.SlotRequestSentAt = time.Now().Add(-2 * model.SlotTimeout)
	sess.Version++
	require.NoError(t, h.sessions.Update(ctx, sess))

	n, err = h.mgr.SweepSlotTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = h.sessions.GetActiveByPhone(ctx, testTenantID, phoneHash)
	assert.ErrorIs(t, err, store.ErrNotFound)

	last := h.primary.Sent[len(h.primary.Sent)-1]
	assert.Contains(t, last.Body, testCallbackNumber)
}

type fakeSlotSourceErr struct{ msg string }

func (e fakeSlotSourceErr) Error() string { return e.msg }

func TestHandleOrder_SevereContrastAllergy_CancelsWithCallUsMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	phone := "+15551234567"
	phoneHash := phoneid.Hash(phone)
	require.NoError(t, h.consent.Grant(ctx, testTenantID, phoneHash, consent.MethodSMSReply, time.Now()))

	ev := testOrder(phone)
	ev.OrderDescription = "CT Chest with Contrast"
	ev.CPT = "71260"
	ev.PatientContext = safety.PatientContext{
		Allergies: []safety.Allergy{{Allergen: "Iodinated contrast", Severity: safety.SeveritySevere}},
	}

	require.NoError(t, h.mgr.HandleOrder(ctx, testTenantID, ev))

	_, err := h.sessions.GetActiveByPhone(ctx, testTenantID, phoneHash)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.Len(t, h.primary.Sent, 1)
	assert.Contains(t, h.primary.Sent[0].Body, "Please call our office")
	assert.Contains(t, h.primary.Sent[0].Body, testCallbackNumber)
}

func TestHandleOrder_SecondOrderQueuesAndStartsAfterConfirmation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	phone := "+15551234567"
	phoneHash := phoneid.Hash(phone)
	require.NoError(t, h.consent.Grant(ctx, testTenantID, phoneHash, consent.MethodSMSReply, time.Now()))

	require.NoError(t, h.mgr.HandleOrder(ctx, testTenantID, testOrder(phone)))
	first := h.activeSession(t, phoneHash)

	second := testOrder(phone)
	second.OrderID = "ord-2"
	second.OrderDescription = "CT head without contrast"
	require.NoError(t, h.mgr.HandleOrder(ctx, testTenantID, second))

	// The active session is untouched; the second order waits its turn.
	sess := h.activeSession(t, phoneHash)
	assert.Equal(t, first.ID, sess.ID)

	require.NoError(t, h.mgr.HandleInboundSMS(ctx, testTenantID, phone, "1", "prov-1"))
	require.NoError(t, h.mgr.HandleInboundSMS(ctx, testTenantID, phone, "1", "prov-2"))

	// Confirming the first session drains the queue: a fresh session for
	// the deferred order is live again.
	sess = h.activeSession(t, phoneHash)
	assert.NotEqual(t, first.ID, sess.ID)
	assert.Equal(t, model.StateChoosingLoc, sess.State)
	assert.Contains(t, sess.OrderDataJSON, "ord-2")
}

func TestHandleOrder_ProviderFinalSendError_CancelsSession(t *testing.T) {
	primary := smsprovider.NewMock("telnyx", true,
		smsprovider.Result{Status: smsprovider.StatusFailed, ErrorCode: smsprovider.ErrProviderError})
	h := newHarnessWith(t, primary)
	ctx := context.Background()
	phone := "+15551234567"
	phoneHash := phoneid.Hash(phone)
	require.NoError(t, h.consent.Grant(ctx, testTenantID, phoneHash, consent.MethodSMSReply, time.Now()))

	err := h.mgr.HandleOrder(ctx, testTenantID, testOrder(phone))
	require.Error(t, err)

	// The tenant has no failover provider, so the failed send is final:
	// the session cancels and nothing further is attempted.
	_, err = h.sessions.GetActiveByPhone(ctx, testTenantID, phoneHash)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Len(t, primary.Sent, 1)
}

func TestHandleInboundSMS_InvalidNumberSendError_RollsBackTransition(t *testing.T) {
	primary := smsprovider.NewMock("telnyx", true,
		smsprovider.Result{Status: smsprovider.StatusQueued, ProviderMessageID: "m1"},
		smsprovider.Result{Status: smsprovider.StatusFailed, ErrorCode: smsprovider.ErrInvalidNumber})
	h := newHarnessWith(t, primary)
	ctx := context.Background()
	phone := "+15551234567"
	phoneHash := phoneid.Hash(phone)
	require.NoError(t, h.consent.Grant(ctx, testTenantID, phoneHash, consent.MethodSMSReply, time.Now()))
	require.NoError(t, h.mgr.HandleOrder(ctx, testTenantID, testOrder(phone)))

	// The slot-list send fails with a recipient-class error; the persisted
	// AWAITING_SLOTS -> CHOOSING_TIME transition is rolled back.
	err := h.mgr.HandleInboundSMS(ctx, testTenantID, phone, "1", "prov-1")
	require.Error(t, err)

	sess := h.activeSession(t, phoneHash)
	assert.Equal(t, model.StateAwaitingSlots, sess.State)
}

func TestSlotRequest_TenantCPTOverrideBeatsAnalyzerDuration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	phone := "+15551234567"
	phoneHash := phoneid.Hash(phone)
	require.NoError(t, h.consent.Grant(ctx, testTenantID, phoneHash, consent.MethodSMSReply, time.Now()))
	require.NoError(t, h.tenants.Put(ctx, tenant.Tenant{
		ID:                   testTenantID,
		Active:               true,
		SMS:                  tenant.SMSConfig{PrimaryProvider: "telnyx", FromNumbers: []string{"+15550001111"}},
		CPTDurationOverrides: map[string]int{"71260": 25},
	}))

	ev := testOrder(phone)
	ev.CPT = "71260"
	require.NoError(t, h.mgr.HandleOrder(ctx, testTenantID, ev))
	require.NoError(t, h.mgr.HandleInboundSMS(ctx, testTenantID, phone, "1", "prov-1"))

	require.Len(t, h.slots.reqs, 1)
	assert.Equal(t, 25, h.slots.reqs[0].RequiredDurationMinutes)
}

func TestSlotRequest_HonorsContrastWashoutEarliestDate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	phone := "+15551234567"
	phoneHash := phoneid.Hash(phone)
	require.NoError(t, h.consent.Grant(ctx, testTenantID, phoneHash, consent.MethodSMSReply, time.Now()))

	priorAt := time.Now().Add(-2 * 24 * time.Hour)
	ev := testOrder(phone)
	ev.OrderDescription = "CT Abdomen with contrast"
	ev.PatientContext = safety.PatientContext{
		PriorContrastStudies: []safety.PriorContrastStudy{{PerformedAt: priorAt}},
	}

	require.NoError(t, h.mgr.HandleOrder(ctx, testTenantID, ev))

	// The wash-out bound is persisted on the session...
	sess := h.activeSession(t, phoneHash)
	wantEarliest := priorAt.AddDate(0, 0, 7)
	assert.WithinDuration(t, wantEarliest, sess.MinScheduleDate, 2*time.Second)

	// ...and the warning verdict is audited.
	var warned bool
	for _, e := range h.auditLog.events {
		if e.Type == audit.EventSafetyWarning {
			warned = true
			assert.Contains(t, e.Details["warnings"], string(safety.ReasonRecentContrast))
		}
	}
	assert.True(t, warned)

	// The slot request must not ask for anything inside the wash-out
	// window: earliestDate >= prior study + 7d, not "now".
	require.NoError(t, h.mgr.HandleInboundSMS(ctx, testTenantID, phone, "1", "prov-1"))
	require.Len(t, h.slots.reqs, 1)
	assert.False(t, h.slots.reqs[0].EarliestDate.Before(wantEarliest.Add(-2*time.Second)))
}

func TestHandleInboundSMS_DuplicateProviderMessageIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	phone := "+15551234567"
	phoneHash := phoneid.Hash(phone)

	require.NoError(t, h.mgr.HandleOrder(ctx, testTenantID, testOrder(phone)))

	require.NoError(t, h.mgr.HandleInboundSMS(ctx, testTenantID, phone, "YES", "prov-dup"))
	sess := h.activeSession(t, phoneHash)
	require.Equal(t, model.StateChoosingLoc, sess.State)
	sentAfterFirst := len(h.primary.Sent)

	// A carrier-retried delivery of the same webhook advances nothing.
	require.NoError(t, h.mgr.HandleInboundSMS(ctx, testTenantID, phone, "YES", "prov-dup"))
	sess = h.activeSession(t, phoneHash)
	assert.Equal(t, model.StateChoosingLoc, sess.State)
	assert.Len(t, h.primary.Sent, sentAfterFirst)
}
