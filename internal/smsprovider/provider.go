// SPDX-License-Identifier: MIT

// Package smsprovider defines the pluggable SMS provider contract and the
// standardized error taxonomy every concrete provider maps its native
// errors into (spec.md §4.2). Providers are dumb: one send, one Result, no
// failover or sticky-sender logic — that belongs to internal/smsdispatch.
package smsprovider

import (
	"context"
	"time"
)

// Status is the lifecycle state a provider reports for one send attempt.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// SendTimeout is the hard deadline for a single provider send attempt
// (spec.md §5 "provider send <= 10s").
const SendTimeout = 10 * time.Second

// Result is the standardized shape every provider returns, regardless of
// vendor wire format.
type Result struct {
	ProviderMessageID string // empty on failure
	Status            Status
	Provider          string
	ErrorCode         ErrorCode // zero value ("") on success
	ErrorMessage      string
}

// Success reports whether the attempt produced a deliverable message.
func (r Result) Success() bool {
	return r.ErrorCode == "" && r.Status != StatusFailed
}

// Provider is the capability set every SMS vendor integration implements.
// There is no class hierarchy here by design (spec.md §9) — dynamic
// dispatch on the tenant's configured provider name is sufficient.
type Provider interface {
	Name() string
	IsEnabled() bool
	Send(ctx context.Context, to, body, from string) (Result, error)
}
