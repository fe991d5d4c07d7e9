// SPDX-License-Identifier: MIT

package lifecycle

import "github.com/radscheduler/core/internal/conversation/model"

// Transition is a single allowed edge in the conversation state machine
// (spec.md §4.1's transition table, made data).
type Transition struct {
	From  model.SessionState
	To    model.SessionState
	Event EventKind
	Tag   model.MessageTag // outbound message tag; "" means no message is sent
}

// transitionsTable holds every transition whose next state does not depend
// on the session's reprompt counter. Reprompt/cancel-on-exhaustion edges
// (CONSENT_PENDING unmatched, CHOOSING_LOCATION unmatched, CHOOSING_TIME
// unmatched) are resolved in Dispatch because their destination depends on
// RepromptCount, not just (From, Event).
var transitionsTable = []Transition{
	{From: model.StateConsentPending, To: model.StateChoosingLoc, Event: EvConsentYes, Tag: model.TagLocationList},

	{From: model.StateChoosingOrder, To: model.StateChoosingLoc, Event: EvLocationChosen, Tag: model.TagLocationList},

	{From: model.StateChoosingLoc, To: model.StateAwaitingSlots, Event: EvLocationChosen, Tag: ""},

	{From: model.StateAwaitingSlots, To: model.StateChoosingTime, Event: EvSlotsReturnedNonEmpty, Tag: model.TagSlotList},
	{From: model.StateAwaitingSlots, To: model.StateChoosingLoc, Event: EvSlotsReturnedEmpty, Tag: model.TagLocationList},
	{From: model.StateAwaitingSlots, To: model.StateAwaitingSlots, Event: EvSlotTimeoutRetry, Tag: ""},
	{From: model.StateAwaitingSlots, To: model.StateCancelled, Event: EvSlotTimeoutExhausted, Tag: model.TagCancellation},

	{From: model.StateChoosingTime, To: model.StateConfirmed, Event: EvTimeChosen, Tag: model.TagConfirmation},
}

// TransitionFor returns the table-driven transition for (from, ev), if any.
func TransitionFor(from model.SessionState, ev EventKind) (Transition, bool) {
	for _, tr := range transitionsTable {
		if tr.From == from && tr.Event == ev {
			return tr, true
		}
	}
	return Transition{}, false
}
