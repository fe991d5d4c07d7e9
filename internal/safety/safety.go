// SPDX-License-Identifier: MIT

// Package safety is the Safety & Capability Gate: a pure function of
// (order, patient context, candidate locations) that decides whether
// scheduling may proceed, and which candidate locations are actually
// equipment-eligible. It carries no I/O and no state, following the
// teacher's decision engine (internal/decision) rule-table shape.
package safety

import (
	"strings"
	"time"

	"github.com/radscheduler/core/internal/equipment"
)

// Decision is the overall verdict for an order against one patient.
type Decision string

const (
	DecisionProceed             Decision = "proceed"
	DecisionProceedWithWarnings Decision = "proceed-with-warnings"
	DecisionBlock               Decision = "block"
)

// Reason codes for blocks and warnings.
type Reason string

const (
	ReasonContrastAllergySevere Reason = "CONTRAST_ALLERGY_SEVERE"
	ReasonContrastAllergy       Reason = "CONTRAST_ALLERGY"
	ReasonRenalFunctionCritical Reason = "RENAL_FUNCTION_CRITICAL"
	ReasonRenalFunctionLow      Reason = "RENAL_FUNCTION_LOW"
	ReasonRecentContrast        Reason = "RECENT_CONTRAST"
)

// AllergySeverity mirrors the clinical severity scale on an allergy record.
type AllergySeverity string

const (
	SeverityMild     AllergySeverity = "mild"
	SeverityModerate AllergySeverity = "moderate"
	SeveritySevere   AllergySeverity = "severe"
)

// Allergy is one patient allergy record relevant to contrast safety.
type Allergy struct {
	Allergen string
	Severity AllergySeverity
}

// Lab is one recent lab value relevant to contrast safety.
type Lab struct {
	Name  string // e.g. "eGFR"
	Value float64
}

// PriorContrastStudy is a prior contrast-requiring exam in the patient's
// history, used for the recent-contrast wash-out rule.
type PriorContrastStudy struct {
	PerformedAt time.Time
}

// PatientContext is everything the gate needs to know about the patient
// beyond the order itself.
type PatientContext struct {
	Allergies            []Allergy
	Labs                 []Lab
	PriorContrastStudies []PriorContrastStudy
	WeightKG             int
	Bariatric            bool
}

// Order is the order-side input to the gate: free-text description plus
// the modality, used both for contrast detection and capability matching.
type Order struct {
	Modality    equipment.Modality
	Description string
}

// Output is the gate's verdict.
type Output struct {
	Decision          Decision
	Warnings          []Reason
	Blocks            []Reason
	MinScheduleDate   *time.Time
	EligibleLocations []string
}

const recentContrastWashoutDays = 7

// Evaluate runs every clinical and capability rule against order and ctx,
// then intersects the capability filter with candidateLocationIDs.
func Evaluate(order Order, ctx PatientContext, locations []equipment.Location, rows []equipment.Equipment, candidateLocationIDs []string) Output {
	out := Output{Decision: DecisionProceed}

	contrast := RequiresContrast(order.Description)
	if contrast {
		evaluateClinicalRules(order, ctx, &out)
	}

	req := CapabilityRequirement(order, ctx)
	out.EligibleLocations = equipment.EligibleLocations(locations, rows, candidateLocationIDs, req)

	if len(out.Blocks) > 0 {
		out.Decision = DecisionBlock
	} else if len(out.Warnings) > 0 {
		out.Decision = DecisionProceedWithWarnings
	}
	return out
}

func evaluateClinicalRules(order Order, ctx PatientContext, out *Output) {
	for _, a := range ctx.Allergies {
		if !contrastRelevantAllergen(a.Allergen) {
			continue
		}
		switch a.Severity {
		case SeveritySevere:
			out.Blocks = append(out.Blocks, ReasonContrastAllergySevere)
		case SeverityMild, SeverityModerate:
			out.Warnings = append(out.Warnings, ReasonContrastAllergy)
		}
	}

	for _, lab := range ctx.Labs {
		if !strings.EqualFold(lab.Name, "eGFR") {
			continue
		}
		switch {
		case lab.Value < 30:
			out.Blocks = append(out.Blocks, ReasonRenalFunctionCritical)
		case lab.Value < 45:
			out.Warnings = append(out.Warnings, ReasonRenalFunctionLow)
		}
	}

	for _, prior := range ctx.PriorContrastStudies {
		washoutEnd := prior.PerformedAt.AddDate(0, 0, recentContrastWashoutDays)
		if time.Since(prior.PerformedAt) < recentContrastWashoutDays*24*time.Hour {
			out.Warnings = append(out.Warnings, ReasonRecentContrast)
			if out.MinScheduleDate == nil || washoutEnd.After(*out.MinScheduleDate) {
				out.MinScheduleDate = &washoutEnd
			}
		}
	}
}

// contrastRelevantAllergen reports whether an allergen string names
// iodinated/gadolinium contrast media rather than an unrelated substance
// (e.g. latex, shellfish) that the gate must ignore per spec.md §4.3.
func contrastRelevantAllergen(allergen string) bool {
	a := strings.ToLower(allergen)
	return strings.Contains(a, "contrast") || strings.Contains(a, "iodine") ||
		strings.Contains(a, "iodinated") || strings.Contains(a, "gadolinium")
}

// RequiresContrast reports whether a free-text order description signals a
// contrast-requiring study, honoring an explicit without/w/o override.
func RequiresContrast(description string) bool {
	d := strings.ToLower(description)
	if hasAny(d, "without contrast", "w/o contrast", "w/o  contrast") {
		return false
	}
	return hasAny(d, "with contrast", "w/ contrast", "w/contrast", "cta", "mra",
		"ct angiography", "mr angiography")
}

func hasAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// CapabilityRequirement derives the equipment columns an order's signals
// demand, per the §4.3 capability rule table.
func CapabilityRequirement(order Order, ctx PatientContext) equipment.Requirement {
	d := strings.ToLower(order.Description)
	req := equipment.Requirement{Modality: order.Modality, PatientWeightKG: ctx.WeightKG}

	switch order.Modality {
	case equipment.ModalityCT:
		if hasAny(d, "cardiac", "cta coronary") {
			req.MinCTSliceCount = 64
			req.RequireCTCardiac = true
		}
		if hasAny(d, "cta", "ct angio") {
			if req.MinCTSliceCount < 64 {
				req.MinCTSliceCount = 64
			}
			req.RequireCTContrastInjector = true
		} else if RequiresContrast(order.Description) {
			req.RequireCTContrastInjector = true
		}
	case equipment.ModalityMRI:
		if hasAny(d, "3t", "high field") {
			req.MinMRIFieldStrengthTesla = 3.0
		}
		if hasAny(d, "wide bore", "claustrophobic", "bariatric") {
			req.RequireMRIWideBore = true
		}
	case equipment.ModalityMG:
		if hasAny(d, "3d mammo", "dbt", "tomosynthesis") {
			req.RequireMammoThreeDTomo = true
		}
		if hasAny(d, "stereotactic biopsy") {
			req.RequireMammoStereoBiopsy = true
		}
	}

	if ctx.Bariatric || (ctx.WeightKG > 0 && hasAny(d, "bariatric")) {
		req.RequireBariatricFit = true
	}

	return req
}
