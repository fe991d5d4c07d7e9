// SPDX-License-Identifier: MIT

package lifecycle

import (
	"time"

	"github.com/radscheduler/core/internal/conversation/model"
)

// repromptTag is the outbound tag a state resends when a reply didn't
// match anything it offered.
var repromptTag = map[model.SessionState]model.MessageTag{
	model.StateConsentPending: model.TagConsent,
	model.StateChoosingLoc:    model.TagLocationList,
	model.StateChoosingTime:   model.TagSlotList,
}

var unmatchedEvent = map[model.SessionState]EventKind{
	model.StateConsentPending: EvConsentUnmatched,
	model.StateChoosingLoc:    EvLocationChosenUnmatched,
	model.StateChoosingTime:   EvTimeChosenUnmatched,
}

// Dispatch resolves and applies the single transition that (sess.State, ev)
// selects, mutating sess and returning the transition actually taken. It is
// the only entry point the orchestrator calls; callers never touch the
// transition table directly.
func Dispatch(sess *model.Session, ev Event, now time.Time) (Transition, error) {
	if sess.State.IsTerminal() {
		return Transition{}, ErrTerminalSession
	}

	if ev.Kind == EvStopKeyword {
		tr := Transition{From: sess.State, To: model.StateCancelled, Event: ev.Kind, Tag: model.TagCancellation}
		ApplyTransition(sess, tr, now)
		return tr, nil
	}

	if ev.Kind == EvExpireSweep {
		if !now.Before(sess.ExpiresAt) {
			tr := Transition{From: sess.State, To: model.StateExpired, Event: ev.Kind}
			ApplyTransition(sess, tr, now)
			return tr, nil
		}
		return Transition{}, ErrIllegalTransition
	}

	if want, ok := unmatchedEvent[sess.State]; ok && want == ev.Kind {
		return dispatchUnmatched(sess, ev, now)
	}

	tr, ok := TransitionFor(sess.State, ev.Kind)
	if !ok {
		return Transition{}, ErrIllegalTransition
	}
	ApplyTransition(sess, tr, now)
	return tr, nil
}

// dispatchUnmatched implements the shared "reprompt up to K=3 times, then
// cancel" rule used by CONSENT_PENDING, CHOOSING_LOCATION and
// CHOOSING_TIME (spec.md §4.1 "Failure semantics").
func dispatchUnmatched(sess *model.Session, ev Event, now time.Time) (Transition, error) {
	if sess.RepromptCount < model.MaxReprompts {
		tr := Transition{From: sess.State, To: sess.State, Event: ev.Kind, Tag: repromptTag[sess.State]}
		applyReprompt(sess, now)
		return tr, nil
	}
	tr := Transition{From: sess.State, To: model.StateCancelled, Event: ev.Kind, Tag: model.TagCancellation}
	ApplyTransition(sess, tr, now)
	return tr, nil
}

// SlotTimeoutEvent picks EvSlotTimeoutRetry or EvSlotTimeoutExhausted for
// an AWAITING_SLOTS session the sweep found past model.SlotTimeout,
// per spec.md §4.1's retry-once-then-cancel rule. The sweeper calls this to
// decide which event to feed Dispatch; Dispatch itself stays a pure table
// lookup plus the few global/reprompt special cases above.
func SlotTimeoutEvent(sess *model.Session) EventKind {
	if sess.SlotRetryCount < model.MaxSlotRetries {
		return EvSlotTimeoutRetry
	}
	return EvSlotTimeoutExhausted
}
