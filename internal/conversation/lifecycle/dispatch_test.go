// SPDX-License-Identifier: MIT

package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radscheduler/core/internal/conversation/model"
)

func newSession(state model.SessionState, now time.Time) *model.Session {
	return &model.Session{
		ID:        "sess-1",
		TenantID:  "acme-imaging",
		PhoneHash: "deadbeef",
		State:     state,
		StartedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(model.SessionTTL),
		Version:   1,
	}
}

func TestDispatch_ConsentYes_MovesToChoosingLocation(t *testing.T) {
	now := time.Now()
	sess := newSession(model.StateConsentPending, now)

	tr, err := Dispatch(sess, Event{Kind: EvConsentYes}, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, model.StateChoosingLoc, tr.To)
	assert.Equal(t, model.TagLocationList, tr.Tag)
	assert.Equal(t, model.StateChoosingLoc, sess.State)
	assert.Equal(t, 2, sess.Version)
}

func TestDispatch_StopKeyword_CancelsFromAnyNonTerminalState(t *testing.T) {
	for _, st := range []model.SessionState{
		model.StateConsentPending, model.StateChoosingOrder, model.StateChoosingLoc,
		model.StateChoosingTime, model.StateAwaitingSlots,
	} {
		now := time.Now()
		sess := newSession(st, now)
		tr, err := Dispatch(sess, Event{Kind: EvStopKeyword}, now)
		require.NoError(t, err)
		assert.Equal(t, model.StateCancelled, tr.To)
		assert.Equal(t, model.TagCancellation, tr.Tag)
	}
}

func TestDispatch_TerminalSession_RefusesFurtherEvents(t *testing.T) {
	now := time.Now()
	sess := newSession(model.StateConfirmed, now)
	_, err := Dispatch(sess, Event{Kind: EvConsentYes}, now)
	assert.ErrorIs(t, err, ErrTerminalSession)
}

func TestDispatch_UnmatchedReply_RepromptsUpToMaxThenCancels(t *testing.T) {
	now := time.Now()
	sess := newSession(model.StateChoosingLoc, now)

	for i := 0; i < model.MaxReprompts; i++ {
		tr, err := Dispatch(sess, Event{Kind: EvLocationChosenUnmatched}, now)
		require.NoError(t, err)
		assert.Equal(t, model.StateChoosingLoc, tr.To, "reprompt %d should not change state", i)
		assert.Equal(t, model.TagLocationList, tr.Tag)
	}
	assert.Equal(t, model.MaxReprompts, sess.RepromptCount)

	tr, err := Dispatch(sess, Event{Kind: EvLocationChosenUnmatched}, now)
	require.NoError(t, err)
	assert.Equal(t, model.StateCancelled, tr.To)
	assert.Equal(t, model.TagCancellation, tr.Tag)
}

func TestDispatch_LocationChosen_ResetsRepromptCounter(t *testing.T) {
	now := time.Now()
	sess := newSession(model.StateChoosingLoc, now)
	sess.RepromptCount = 2

	_, err := Dispatch(sess, Event{Kind: EvLocationChosen}, now)
	require.NoError(t, err)
	assert.Equal(t, model.StateAwaitingSlots, sess.State)
	assert.Equal(t, 0, sess.RepromptCount)
	assert.Equal(t, now, sess.SlotRequestSentAt)
}

func TestDispatch_SlotsEmpty_ReturnsToChoosingLocation(t *testing.T) {
	now := time.Now()
	sess := newSession(model.StateAwaitingSlots, now)

	tr, err := Dispatch(sess, Event{Kind: EvSlotsReturnedEmpty}, now)
	require.NoError(t, err)
	assert.Equal(t, model.StateChoosingLoc, tr.To)
}

func TestDispatch_SlotTimeout_RetriesOnceThenCancels(t *testing.T) {
	now := time.Now()
	sess := newSession(model.StateAwaitingSlots, now)
	sess.SlotRequestSentAt = now.Add(-90 * time.Second)

	ev := SlotTimeoutEvent(sess)
	assert.Equal(t, EvSlotTimeoutRetry, ev)
	tr, err := Dispatch(sess, Event{Kind: ev}, now)
	require.NoError(t, err)
	assert.Equal(t, model.StateAwaitingSlots, tr.To)
	assert.Equal(t, 1, sess.SlotRetryCount)

	ev = SlotTimeoutEvent(sess)
	assert.Equal(t, EvSlotTimeoutExhausted, ev)
	tr, err = Dispatch(sess, Event{Kind: ev}, now)
	require.NoError(t, err)
	assert.Equal(t, model.StateCancelled, tr.To)
	assert.False(t, sess.SlotRequestFailedAt.IsZero())
}

func TestDispatch_ExpireSweep_ExpiresPastTTLOnly(t *testing.T) {
	now := time.Now()
	sess := newSession(model.StateChoosingLoc, now)

	_, err := Dispatch(sess, Event{Kind: EvExpireSweep}, now.Add(time.Minute))
	assert.ErrorIs(t, err, ErrIllegalTransition, "not yet expired should not transition")

	tr, err := Dispatch(sess, Event{Kind: EvExpireSweep}, now.Add(model.SessionTTL+time.Minute))
	require.NoError(t, err)
	assert.Equal(t, model.StateExpired, tr.To)
}

func TestDispatch_TimeChosen_Confirms(t *testing.T) {
	now := time.Now()
	sess := newSession(model.StateChoosingTime, now)

	tr, err := Dispatch(sess, Event{Kind: EvTimeChosen}, now)
	require.NoError(t, err)
	assert.Equal(t, model.StateConfirmed, tr.To)
	assert.Equal(t, model.TagConfirmation, tr.Tag)
	assert.True(t, sess.State.IsTerminal())
	assert.False(t, sess.CompletedAt.IsZero())
}

func TestDispatch_IllegalTransition_Errors(t *testing.T) {
	now := time.Now()
	sess := newSession(model.StateChoosingTime, now)
	_, err := Dispatch(sess, Event{Kind: EvSlotsReturnedEmpty}, now)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}
