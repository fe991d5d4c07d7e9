// SPDX-License-Identifier: MIT

package analysis

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterpolate(t *testing.T) {
	cases := []struct {
		name string
		tmpl string
		data map[string]string
		want string
	}{
		{
			name: "plain substitution",
			tmpl: "Analyze {{modality}} order: {{order_description}}",
			data: map[string]string{"modality": "CT", "order_description": "CT Chest"},
			want: "Analyze CT order: CT Chest",
		},
		{
			name: "missing key renders Not provided",
			tmpl: "CPT: {{cpt}}",
			data: map[string]string{},
			want: "CPT: Not provided",
		},
		{
			name: "empty value renders Not provided",
			tmpl: "Indication: {{clinical_indication}}",
			data: map[string]string{"clinical_indication": ""},
			want: "Indication: Not provided",
		},
		{
			name: "unclosed token is left verbatim",
			tmpl: "broken {{modality",
			data: map[string]string{"modality": "CT"},
			want: "broken {{modality",
		},
		{
			name: "no tokens",
			tmpl: "static prompt",
			data: nil,
			want: "static prompt",
		},
		{
			name: "repeated token",
			tmpl: "{{modality}} and {{modality}}",
			data: map[string]string{"modality": "MRI"},
			want: "MRI and MRI",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, Interpolate(c.tmpl, c.data))
		})
	}
}

type stubPromptStore struct {
	templates []PromptTemplate
	err       error
}

func (s stubPromptStore) ActiveByKeyPrefix(string) ([]PromptTemplate, error) {
	return s.templates, s.err
}

func TestSelectTemplate_NoActiveTemplates(t *testing.T) {
	_, err := SelectTemplate(stubPromptStore{}, "order_analysis", nil)
	assert.ErrorIs(t, err, ErrNoActiveTemplate)
}

func TestSelectTemplate_SingleTemplateSkipsDraw(t *testing.T) {
	only := PromptTemplate{ID: "t1", Key: "order_analysis.v1", ABTestWeight: 0}
	got, err := SelectTemplate(stubPromptStore{templates: []PromptTemplate{only}}, "order_analysis", nil)
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ID)
}

func TestSelectTemplate_WeightedDrawConvergesToWeights(t *testing.T) {
	// 70/30 split: over N draws the empirical frequency of each prompt
	// converges to weight_i / sum(weights).
	templates := []PromptTemplate{
		{ID: "heavy", Key: "order_analysis.v1", ABTestWeight: 70},
		{ID: "light", Key: "order_analysis.v2", ABTestWeight: 30},
	}
	store := stubPromptStore{templates: templates}
	rnd := rand.New(rand.NewSource(1))

	const draws = 20000
	counts := map[string]int{}
	for i := 0; i < draws; i++ {
		got, err := SelectTemplate(store, "order_analysis", rnd)
		require.NoError(t, err)
		counts[got.ID]++
	}

	heavyFrac := float64(counts["heavy"]) / draws
	assert.InDelta(t, 0.70, heavyFrac, 0.02)
	assert.Equal(t, draws, counts["heavy"]+counts["light"])
}

func TestSelectTemplate_ZeroWeightStillDrawable(t *testing.T) {
	// A zero weight is clamped to 1 rather than excluded, so an operator
	// who zeroes a variant mid-experiment still gets its log rows.
	templates := []PromptTemplate{
		{ID: "a", Key: "order_analysis.v1", ABTestWeight: 0},
		{ID: "b", Key: "order_analysis.v2", ABTestWeight: 0},
	}
	rnd := rand.New(rand.NewSource(7))
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		got, err := SelectTemplate(stubPromptStore{templates: templates}, "order_analysis", rnd)
		require.NoError(t, err)
		seen[got.ID] = true
	}
	assert.True(t, seen["a"])
	assert.True(t, seen["b"])
}

func TestInputToTemplateData(t *testing.T) {
	data := InputToTemplateData(Input{
		OrderDescription: "MRI Brain", Modality: "MRI", Priority: PriorityStat, AgeYears: 83,
	})
	assert.Equal(t, "MRI Brain", data["order_description"])
	assert.Equal(t, "stat", data["priority"])
	assert.Equal(t, "83", data["patient_age"])
	assert.Equal(t, "", data["cpt"]) // empty -> Interpolate renders Not provided
}
