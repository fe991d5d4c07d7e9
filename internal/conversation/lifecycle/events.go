// SPDX-License-Identifier: MIT

package lifecycle

// EventKind is a domain event the state machine reacts to.
type EventKind int

const (
	EvUnknown EventKind = iota
	EvStopKeyword
	EvConsentYes
	EvConsentUnmatched
	EvLocationChosen
	EvLocationChosenUnmatched
	EvSlotsReturnedNonEmpty
	EvSlotsReturnedEmpty
	EvSlotTimeoutRetry
	EvSlotTimeoutExhausted
	EvTimeChosen
	EvTimeChosenUnmatched
	EvExpireSweep
)

// Event carries the inbound trigger plus whatever payload the transition
// needs to act (chosen index, returned slots, etc. are threaded through by
// the caller, not this struct — Event only identifies which edge fires).
type Event struct {
	Kind EventKind
}

// The caller (manager package) distinguishes a recognised choice from a
// reply that matched nothing offered and picks EvLocationChosenUnmatched /
// EvTimeChosenUnmatched accordingly, keeping the transition table itself a
// pure (state, event) lookup.
