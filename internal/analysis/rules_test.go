// SPDX-License-Identifier: MIT

package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRuleBasedFallback_DurationCalculus(t *testing.T) {
	cases := []struct {
		name string
		in   Input
		want int
	}{
		{
			name: "MRI 3T claustrophobic: round(45*0.70)=32, +15",
			in:   Input{Modality: "MRI", OrderDescription: "MRI Brain 3T", Claustrophobic: true},
			want: 47,
		},
		{
			name: "plain CT baseline",
			in:   Input{Modality: "CT", OrderDescription: "CT Chest"},
			want: 30,
		},
		{
			name: "CT with contrast: base 30+15",
			in:   Input{Modality: "CT", OrderDescription: "CT Chest with contrast"},
			want: 45,
		},
		{
			name: "CTA: (30+15)*0.85 for the 64-slice floor",
			in:   Input{Modality: "CT", OrderDescription: "CTA Chest"},
			want: 38,
		},
		{
			name: "oral contrast adds 75",
			in:   Input{Modality: "CT", OrderDescription: "CT Abdomen with oral contrast"},
			want: 30 + 75,
		},
		{
			name: "plain MRI baseline",
			in:   Input{Modality: "MRI", OrderDescription: "MRI Knee"},
			want: 45,
		},
		{
			name: "mammo baseline",
			in:   Input{Modality: "MG", OrderDescription: "Screening mammogram"},
			want: 20,
		},
		{
			name: "x-ray baseline",
			in:   Input{Modality: "XR", OrderDescription: "XR Chest 2 views"},
			want: 15,
		},
		{
			name: "wheelchair and age 80 add after equipment factor",
			in:   Input{Modality: "US", OrderDescription: "US Abdomen", Wheelchair: true, AgeYears: 81},
			want: 30 + 10 + 5,
		},
		{
			name: "bariatric adds 10",
			in:   Input{Modality: "CT", OrderDescription: "CT Pelvis", Bariatric: true},
			want: 40,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			out := RuleBasedFallback(c.in)
			assert.Equal(t, c.want, out.TotalDurationMin)
		})
	}
}

func TestRuleBasedFallback_WideBoreWithoutClaustrophobia(t *testing.T) {
	// "wide bore" alone sets the equipment need and the 1.05 factor but no
	// patient minutes; round(45*1.05)=47.
	out := RuleBasedFallback(Input{Modality: "MRI", OrderDescription: "MRI Shoulder wide bore"})
	assert.Equal(t, 47, out.TotalDurationMin)
	assert.True(t, out.EquipmentNeeds.MRIWideBore)
}

func TestRuleBasedFallback_ClaustrophobicInferredFromDescription(t *testing.T) {
	// "claustrophobic" in the description implies both the wide-bore need
	// and the +15 patient minutes: round(45*1.05)=47, +15.
	out := RuleBasedFallback(Input{Modality: "MRI", OrderDescription: "MRI Brain, patient claustrophobic"})
	assert.Equal(t, 62, out.TotalDurationMin)
	assert.True(t, out.EquipmentNeeds.MRIWideBore)
}

func TestRuleBasedFallback_ContrastOverrideWins(t *testing.T) {
	out := RuleBasedFallback(Input{Modality: "CT", OrderDescription: "CT Chest without contrast"})
	assert.False(t, out.ContrastRequired)
	assert.Equal(t, 30, out.TotalDurationMin)
	assert.False(t, out.EquipmentNeeds.CTContrastInjector)
}

func TestRuleBasedFallback_CardiacCT(t *testing.T) {
	out := RuleBasedFallback(Input{Modality: "CT", OrderDescription: "CTA coronary cardiac"})
	assert.True(t, out.EquipmentNeeds.CTCardiac)
	assert.True(t, out.EquipmentNeeds.CTContrastInjector)
	assert.GreaterOrEqual(t, out.EquipmentNeeds.CTSliceCountMin, 64)
}

func TestRuleBasedFallback_AlwaysPopulatesShape(t *testing.T) {
	// Whatever the input, the result must carry a usable duration and the
	// contrast/equipment fields, since callers schedule off it directly.
	inputs := []Input{
		{},
		{Modality: "NM", OrderDescription: ""},
		{Modality: "MRI", OrderDescription: "MRA Head w/ contrast 3T claustrophobic", Bariatric: true, AgeYears: 90},
	}
	for _, in := range inputs {
		out := RuleBasedFallback(in)
		assert.Greater(t, out.TotalDurationMin, 0)
		assert.True(t, out.FallbackToRules)
		assert.True(t, out.Success)
	}
}
