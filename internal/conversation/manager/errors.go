// SPDX-License-Identifier: MIT

package manager

import (
	"errors"

	"github.com/radscheduler/core/internal/conversation/store"
	"github.com/radscheduler/core/internal/smsdispatch"
	"github.com/radscheduler/core/internal/tenant"
)

// ErrorClass is the operational error taxonomy from spec.md §7, distinct
// from smsprovider.ErrorCode (the wire-level carrier taxonomy) and from
// lifecycle's state-machine errors. Classify places an error in one of
// these classes; no command in cmd/ calls it.
type ErrorClass string

const (
	// ClassConfig is fatal at process startup: a tenant or catalog row is
	// malformed in a way no retry can fix.
	ClassConfig ErrorClass = "ConfigError"
	// ClassTransientStorage should be retried with jitter up to 3 times
	// (an optimistic-concurrency loser, a locked SQLite page, a momentary
	// connection failure).
	ClassTransientStorage ErrorClass = "TransientStorageError"
	// ClassValidation rejects the caller with a structured message; no
	// retry will help (malformed phone number, unknown tenant).
	ClassValidation ErrorClass = "ValidationError"
	// ClassSafetyBlock surfaces to the patient as "please call us" rather
	// than as an operational failure.
	ClassSafetyBlock ErrorClass = "SafetyBlock"
	// ClassProviderFailover is internal and invisible to the patient: the
	// dispatcher already retried on the tenant's backup provider.
	ClassProviderFailover ErrorClass = "ProviderFailover"
	// ClassProviderFinal means both providers failed; the session cancels
	// with a "call us" message.
	ClassProviderFinal ErrorClass = "ProviderFinal"
	// ClassSlotSourceTimeout is internal and triggers the retry-once rule.
	ClassSlotSourceTimeout ErrorClass = "SlotSourceTimeout"
	// ClassSlotSourceFinal means the retry budget is exhausted; the
	// session cancels.
	ClassSlotSourceFinal ErrorClass = "SlotSourceFinal"
	// ClassAnalyzerFailure is silent: the rule-based fallback already ran
	// and the caller should proceed as if nothing failed.
	ClassAnalyzerFailure ErrorClass = "AnalyzerFailure"
	// ClassUnknown is the default for an error Classify cannot place.
	ClassUnknown ErrorClass = "Unknown"
)

// Classify maps an error surfaced by the manager or one of its
// collaborators onto the §7 taxonomy, for callers that need to decide
// retry/alert/exit behavior rather than just logging and moving on.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassUnknown
	case errors.Is(err, store.ErrVersionConflict):
		return ClassTransientStorage
	case errors.Is(err, tenant.ErrUnknownTenant), errors.Is(err, tenant.ErrInactiveTenant):
		return ClassValidation
	case errors.Is(err, smsdispatch.ErrConsentRevoked), errors.Is(err, smsdispatch.ErrNoFromNumber),
		errors.Is(err, smsdispatch.ErrProviderNotFound), errors.Is(err, smsdispatch.ErrProviderDisabled):
		return ClassConfig
	case errors.Is(err, smsdispatch.ErrRateLimited):
		return ClassTransientStorage
	default:
		return ClassUnknown
	}
}
