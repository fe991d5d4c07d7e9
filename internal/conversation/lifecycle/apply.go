// SPDX-License-Identifier: MIT

package lifecycle

import (
	"time"

	"github.com/radscheduler/core/internal/conversation/model"
)

// ApplyTransition mutates sess in place according to tr. It always bumps
// UpdatedAt and Version; RepromptCount resets to zero whenever the state
// actually changes, since the counter is scoped to "consecutive unmatched
// replies in the current choice state".
func ApplyTransition(sess *model.Session, tr Transition, now time.Time) {
	changedState := tr.To != sess.State
	sess.State = tr.To
	if changedState {
		sess.RepromptCount = 0
	}
	switch tr.Event {
	case EvSlotTimeoutRetry:
		sess.SlotRetryCount++
		sess.SlotRequestSentAt = now
	case EvSlotTimeoutExhausted:
		sess.SlotRequestFailedAt = now
	default:
		if tr.To == model.StateAwaitingSlots {
			sess.SlotRequestSentAt = now
			sess.SlotRetryCount = 0
			sess.SlotRequestFailedAt = time.Time{}
		}
	}
	if tr.To.IsTerminal() {
		sess.CompletedAt = now
	}
	sess.UpdatedAt = now
	sess.Version++
}

// applyReprompt increments the reprompt counter without changing state or
// state-owned timestamps, for an unmatched reply that has not yet hit
// model.MaxReprompts.
func applyReprompt(sess *model.Session, now time.Time) {
	sess.RepromptCount++
	sess.UpdatedAt = now
	sess.Version++
}
