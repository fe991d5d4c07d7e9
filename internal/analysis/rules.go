// SPDX-License-Identifier: MIT

package analysis

import (
	"math"
	"strings"
)

// baseDurationMin is the modality baseline before any equipment or patient
// modifier is applied.
var baseDurationMin = map[string]int{
	"CT":  30,
	"MRI": 45,
	"MG":  20, // Mammo
	"US":  30,
	"XR":  15,
}

// RuleBasedFallback implements the deterministic baseline from spec.md
// §4.4: base duration by modality, equipment-driven additive/multiplicative
// adjustments, then patient-driven additive minutes, rounded once at the
// end per invariant "duration = round(B·E) + P".
func RuleBasedFallback(in Input) Output {
	desc := strings.ToLower(in.OrderDescription)
	modality := strings.ToUpper(in.Modality)

	base, ok := baseDurationMin[modality]
	if !ok {
		base = 30
	}

	contrastRequired := requiresContrast(desc)
	oralContrast := hasAny(desc, "oral contrast", "barium")

	needs := EquipmentNeeds{}
	if modality == "CT" {
		if hasAny(desc, "cta", "ct angio") {
			needs.CTContrastInjector = true
			needs.CTSliceCountMin = maxInt(needs.CTSliceCountMin, 64)
		}
		if hasAny(desc, "cardiac", "cta coronary") {
			needs.CTCardiac = true
			needs.CTSliceCountMin = maxInt(needs.CTSliceCountMin, 64)
		}
		if contrastRequired {
			needs.CTContrastInjector = true
		}
	}
	if modality == "MRI" {
		if hasAny(desc, "3t", "high field") {
			needs.MRIFieldStrength = 3.0
		}
		if hasAny(desc, "wide bore", "claustrophobic") {
			needs.MRIWideBore = true
		}
	}

	if contrastRequired {
		base += 15
	}
	if oralContrast {
		base += 75
	}

	equipmentFactor := 1.0
	switch {
	case modality == "MRI" && needs.MRIFieldStrength >= 3.0:
		equipmentFactor *= 0.70
	}
	if modality == "MRI" && needs.MRIWideBore {
		equipmentFactor *= 1.05
	}
	if modality == "CT" && needs.CTSliceCountMin >= 256 {
		equipmentFactor *= 0.75
	} else if modality == "CT" && needs.CTSliceCountMin >= 64 {
		equipmentFactor *= 0.85
	}

	claustrophobic := in.Claustrophobic || hasAny(desc, "claustrophobic")

	patientAddMin := 0
	if claustrophobic {
		patientAddMin += 15
	}
	if in.MobilityIssue || in.Wheelchair {
		patientAddMin += 10
	}
	if in.Bariatric {
		patientAddMin += 10
	}
	if in.AgeYears >= 80 {
		patientAddMin += 5
	}

	// Round the scaled base to 6 decimals first so a product such as
	// 45*0.70 (31.499999999999996 in float64) rounds as 31.5 does.
	scaled := math.Round(float64(base)*equipmentFactor*1e6) / 1e6
	total := int(math.Round(scaled)) + patientAddMin

	contrastType := ""
	if contrastRequired {
		contrastType = "IV"
	}
	if oralContrast {
		if contrastType != "" {
			contrastType += "+oral"
		} else {
			contrastType = "oral"
		}
	}

	return Output{
		TotalDurationMin:    total,
		ScanTimeMin:         total,
		ContrastRequired:    contrastRequired || oralContrast,
		ContrastType:        contrastType,
		EquipmentNeeds:      needs,
		PatientInstructions: patientInstructions(contrastRequired, oralContrast, claustrophobic),
		SchedulingNotes:     "",
		Success:             true,
		FallbackToRules:     true,
	}
}

func patientInstructions(contrastRequired, oralContrast, claustrophobic bool) string {
	var parts []string
	if contrastRequired {
		parts = append(parts, "Please arrive 15 minutes early for IV contrast preparation.")
	}
	if oralContrast {
		parts = append(parts, "Oral contrast must be consumed before arrival per the instructions you will receive.")
	}
	if claustrophobic {
		parts = append(parts, "Let the technologist know about claustrophobia on arrival; accommodations are available.")
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, " ")
}

// requiresContrast mirrors safety.RequiresContrast's without/w/o override:
// an explicit negation wins over any contrast signal in the same
// description.
func requiresContrast(lowerDesc string) bool {
	if hasAny(lowerDesc, "without contrast", "w/o contrast", "w/o  contrast") {
		return false
	}
	return hasAny(lowerDesc, "with contrast", "w/ contrast", "w/contrast", "cta", "mra",
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

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
