// SPDX-License-Identifier: MIT

package manager

import (
	"fmt"
	"strings"

	"github.com/radscheduler/core/internal/conversation/model"
	"github.com/radscheduler/core/internal/ports"
)

// renderConsentPrompt is sent once, to a phone with no prior consent
// record, before anything else is offered.
func renderConsentPrompt() string {
	return "Reply YES to schedule your imaging exam by text, or STOP to opt out."
}

// renderLocationList numbers locs 1..N for a CHOOSING_LOCATION reply.
func renderLocationList(locs []offeredLocation) string {
	if len(locs) == 0 {
		return "We're sorry, no locations currently offer this exam. Please call our office to schedule."
	}
	var b strings.Builder
	b.WriteString("Please reply with the number of your preferred location:\n")
	for i, l := range locs {
		fmt.Fprintf(&b, "%d. %s\n", i+1, l.Name)
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderSlotList numbers slots 1..N for a CHOOSING_TIME reply.
func renderSlotList(slots []ports.Slot) string {
	var b strings.Builder
	b.WriteString("Please reply with the number of your preferred time:\n")
	for i, s := range slots {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s.DateTime.Format("Mon Jan 2 3:04 PM"))
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderConfirmation is the terminal CONFIRMED message.
func renderConfirmation(slot ports.Slot) string {
	return fmt.Sprintf("You're confirmed for %s. We look forward to seeing you.", slot.DateTime.Format("Monday, Jan 2 at 3:04 PM"))
}

// renderCancellation covers the generic goodbye/opt-out acknowledgment.
func renderCancellation() string {
	return "Your scheduling request has been cancelled. Reply START to begin again at any time."
}

// renderInterimUpdate is the optional per-tenant notice sent while a slot
// request is being retried, so the patient knows the silence is not a
// dropped conversation.
func renderInterimUpdate() string {
	return "Still looking for available times, we'll text you shortly."
}

// renderSlotSourceFailure is the post-retry "call us" message from spec.md
// §7: "We couldn't confirm times, please call <number>".
func renderSlotSourceFailure(callbackNumber string) string {
	return fmt.Sprintf("We couldn't confirm times, please call %s.", callbackNumber)
}

// renderSafetyFallback is the severe-clinical-block "call us" message from
// spec.md §7.
func renderSafetyFallback(callbackNumber string) string {
	return fmt.Sprintf("Please call our office at %s to schedule this exam.", callbackNumber)
}

// renderUnmatchedReprompt resends the same offer when a reply matched
// nothing; tag identifies which offer to resend.
func renderUnmatchedReprompt(tag model.MessageTag, locs []offeredLocation, slots []ports.Slot) string {
	switch tag {
	case model.TagConsent:
		return renderConsentPrompt()
	case model.TagLocationList:
		return renderLocationList(locs)
	case model.TagSlotList:
		return renderSlotList(slots)
	default:
		return "Sorry, I didn't understand that. Please reply STOP to opt out or call our office for help."
	}
}
