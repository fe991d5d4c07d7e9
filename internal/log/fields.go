// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging. Every package
// that emits one of these keys goes through the constant so log
// consumers can rely on a stable schema.
const (
	// Identity / correlation fields
	FieldRequestID     = "request_id"
	FieldCorrelationID = "correlation_id"
	FieldJobID         = "job_id"
	FieldSessionID     = "session_id"
	FieldTenantID      = "tenant_id"
	FieldPhoneHash     = "phone_hash"

	// Event envelope fields
	FieldEvent     = "event"
	FieldEventType = "event_type"
	FieldComponent = "component"

	// SMS audit fields
	FieldDirection         = "direction"
	FieldMessageTag        = "message_tag"
	FieldFromNumber        = "from_number"
	FieldProviderMessageID = "provider_message_id"
	FieldErrorCode         = "error_code"
)
