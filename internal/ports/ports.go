// SPDX-License-Identifier: MIT

// Package ports declares the external collaborators the conversation
// manager drives but does not implement: the slot-source scheduling
// system, the integration-engine booking sink, and the carrier SMS
// webhook signature check (spec.md §6 "External Interfaces"). Concrete
// adapters for a specific RIS/carrier live outside this module.
package ports

import (
	"context"
	"time"
)

// Slot is one bookable appointment window returned by the slot source.
type Slot struct {
	ID              string
	LocationID      string
	ResourceID      string
	DateTime        time.Time
	DurationMinutes int
}

// SlotRequest is sent to the external slot source when a session enters
// AWAITING_SLOTS.
type SlotRequest struct {
	TenantID                string
	LocationID              string
	Modality                string
	RequiredDurationMinutes int
	EarliestDate            time.Time
	RequiredCapabilities    []string
}

// SlotSource is the authoritative external appointment-availability
// system. RequestSlots may return an empty, non-nil slice.
type SlotSource interface {
	RequestSlots(ctx context.Context, req SlotRequest) ([]Slot, error)
}

// BookingRequest finalizes a chosen slot. Implementations must be
// idempotent by (TenantID, SlotID, OrderID) per spec.md §6.
type BookingRequest struct {
	TenantID              string
	SlotID                string
	OrderID               string
	PatientPhoneEncrypted string
}

// IntegrationEngine books a confirmed slot with the external system of
// record (RIS / scheduling backend).
type IntegrationEngine interface {
	Book(ctx context.Context, req BookingRequest) error
}
