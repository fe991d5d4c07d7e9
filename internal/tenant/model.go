// SPDX-License-Identifier: MIT

// Package tenant holds per-process configuration (encryption key, carrier
// auth tokens, default tenant slug) and per-tenant records (SMS provider
// pools, stacking rules, CPT duration overrides).
package tenant

import (
	"errors"
	"fmt"
)

// StackingRule controls how multiple exams of the same modality on one
// order combine their scan durations.
type StackingRule string

const (
	// StackingSum adds scan_time_min across stacked exams.
	StackingSum StackingRule = "sum"
	// StackingMax takes the longest scan_time_min across stacked exams.
	StackingMax StackingRule = "max"
)

// ErrUnknownTenant is returned when a lookup finds no row for the given id.
var ErrUnknownTenant = errors.New("tenant: unknown tenant")

// ErrInactiveTenant is returned when an operation is attempted against a
// tenant whose Active flag is false.
var ErrInactiveTenant = errors.New("tenant: tenant is inactive")

// SMSConfig is a tenant's provider selection and from-number pool.
// InterimUpdates opts the tenant into a single "still looking for times"
// notice while a slot request is being retried; off by default.
type SMSConfig struct {
	PrimaryProvider  string
	FailoverProvider string
	FromNumbers      []string
	InterimUpdates   bool
}

// Tenant is one customer's configuration blob. One tenant per incoming
// order; every other domain entity is scoped by tenant id.
type Tenant struct {
	ID        string
	Active    bool
	SMS       SMSConfig
	Stacking  map[string]StackingRule // modality -> rule, default StackingSum
	CPTDurationOverrides map[string]int // cpt code -> duration minutes
}

// StackingRuleFor returns the configured stacking rule for a modality,
// defaulting to StackingSum when unconfigured.
func (t Tenant) StackingRuleFor(modality string) StackingRule {
	if rule, ok := t.Stacking[modality]; ok {
		return rule
	}
	return StackingSum
}

// DurationOverride returns a tenant-configured duration override for a CPT
// code, if one exists.
func (t Tenant) DurationOverride(cpt string) (int, bool) {
	if cpt == "" {
		return 0, false
	}
	minutes, ok := t.CPTDurationOverrides[cpt]
	return minutes, ok
}

// Validate checks the invariants a Tenant row must satisfy before it can be
// used to send SMS or schedule: a primary provider is mandatory, and a
// from-number pool must be non-empty.
func (t Tenant) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("tenant: id is required")
	}
	if t.SMS.PrimaryProvider == "" {
		return fmt.Errorf("tenant %s: sms.primary_provider is required", t.ID)
	}
	if len(t.SMS.FromNumbers) == 0 {
		return fmt.Errorf("tenant %s: sms.from_numbers must be non-empty", t.ID)
	}
	for modality, rule := range t.Stacking {
		if rule != StackingSum && rule != StackingMax {
			return fmt.Errorf("tenant %s: unknown stacking rule %q for modality %s", t.ID, rule, modality)
		}
	}
	return nil
}
