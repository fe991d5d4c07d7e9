// SPDX-License-Identifier: MIT

package lifecycle

import "errors"

// ErrTerminalSession is returned when Dispatch is called against a session
// already in a terminal state; per spec.md §3 such sessions are immutable
// except for audit timestamps, so no further event may transition them.
var ErrTerminalSession = errors.New("lifecycle: session is already terminal")

// ErrIllegalTransition is returned when no rule in the transition table (or
// the reprompt/global special cases) matches (state, event).
var ErrIllegalTransition = errors.New("lifecycle: no transition defined for this state and event")
