// SPDX-License-Identifier: MIT

// Package analysis is the Order Analysis Pipeline: it normalizes a free-text
// imaging order into equipment requirements and a duration estimate, via a
// stored, weighted prompt template sent to an LLM with a deterministic
// rule-based fallback when the LLM is unavailable or its output is
// unusable (spec.md §4.4).
package analysis

// Priority is the urgency the ordering provider assigned.
type Priority string

const (
	PriorityRoutine Priority = "routine"
	PriorityUrgent  Priority = "urgent"
	PriorityStat    Priority = "stat"
)

// Input is what the analyzer translates into a duration and equipment
// profile.
type Input struct {
	OrderDescription   string
	CPT                string
	Modality           string
	Priority           Priority
	ClinicalIndication string

	// Patient modifiers used by the rule-based fallback's additive minutes.
	Claustrophobic bool
	MobilityIssue  bool
	Wheelchair     bool
	Bariatric      bool
	AgeYears       int
}

// EquipmentNeeds mirrors the capability columns equipment.Requirement
// exposes, expressed as the flat key set the prompt/LLM contract uses.
type EquipmentNeeds struct {
	CTSliceCountMin    int
	CTCardiac          bool
	CTContrastInjector bool
	MRIFieldStrength   float64
	MRIWideBore        bool
	MammoThreeDTomo    bool
	MammoStereoBiopsy  bool
}

// Output is the analyzer's verdict, returned whether it came from the LLM
// or the rule-based fallback.
type Output struct {
	TotalDurationMin    int
	PrepTimeMin         int
	ScanTimeMin         int
	ContrastRequired    bool
	ContrastType        string
	EquipmentNeeds      EquipmentNeeds
	PatientInstructions string
	SchedulingNotes     string

	Success         bool
	FallbackToRules bool

	// Metadata of the LLM call; ErrorMessage is set only when that call
	// failed and the rule-based fallback was returned.
	PromptID         string
	PromptKey        string
	Model            string
	PromptTokens     int
	CompletionTokens int
	LatencyMillis    int64
	ErrorMessage     string
}
