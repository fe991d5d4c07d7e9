// SPDX-License-Identifier: MIT

package analysis

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radscheduler/core/internal/audit"
)

type stubLLM struct {
	resp llmResponse
	err  error
}

func (s stubLLM) CreateMessage(context.Context, string, int64, string) (llmResponse, error) {
	return s.resp, s.err
}

type recordingLogStore struct {
	entries []LogEntry
}

func (s *recordingLogStore) Record(_ context.Context, e LogEntry) error {
	s.entries = append(s.entries, e)
	return nil
}

func testTemplate() PromptTemplate {
	return PromptTemplate{
		ID: "tmpl-1", Key: "order_analysis.v1",
		Template:  "Analyze: {{order_description}}",
		Model:     "claude-3-5-sonnet-latest",
		MaxTokens: 512, IsActive: true, ABTestWeight: 100, Version: 1,
	}
}

func newTestAnalyzer(llm llmClient, prompts PromptStore, logs LogStore) *Analyzer {
	a := New(prompts, nil, logs, audit.NewLogger(nil))
	a.llm = llm
	return a
}

func TestAnalyze_LLMSuccess(t *testing.T) {
	llm := stubLLM{resp: llmResponse{
		Text: `{"total_duration_min": 40, "prep_time_min": 10, "scan_time_min": 30,
			"contrast_required": true, "contrast_type": "IV",
			"equipment_needs": {"CTContrastInjector": true},
			"patient_instructions": "Arrive early.", "scheduling_notes": ""}`,
		PromptTokens: 120, CompletionTokens: 60,
	}}
	logs := &recordingLogStore{}
	a := newTestAnalyzer(llm, stubPromptStore{templates: []PromptTemplate{testTemplate()}}, logs)

	out := a.Analyze(context.Background(), "clinic-1", "sess-1", Input{Modality: "CT", OrderDescription: "CT Chest with contrast"})

	assert.True(t, out.Success)
	assert.False(t, out.FallbackToRules)
	assert.Equal(t, 40, out.TotalDurationMin)
	assert.True(t, out.ContrastRequired)
	assert.Equal(t, "tmpl-1", out.PromptID)
	assert.Equal(t, "order_analysis.v1", out.PromptKey)
	assert.Equal(t, 120, out.PromptTokens)
	assert.Equal(t, 60, out.CompletionTokens)

	require.Len(t, logs.entries, 1)
	assert.True(t, logs.entries[0].Success)
	assert.Equal(t, "tmpl-1", logs.entries[0].PromptID)
}

func TestAnalyze_MalformedJSONFallsBackToRules(t *testing.T) {
	llm := stubLLM{resp: llmResponse{Text: "sorry, I can't produce JSON today"}}
	logs := &recordingLogStore{}
	a := newTestAnalyzer(llm, stubPromptStore{templates: []PromptTemplate{testTemplate()}}, logs)

	out := a.Analyze(context.Background(), "clinic-1", "sess-1", Input{Modality: "MRI", OrderDescription: "MRI Brain 3T", Claustrophobic: true})

	assert.False(t, out.Success)
	assert.True(t, out.FallbackToRules)
	assert.Equal(t, 47, out.TotalDurationMin) // rule baseline still populated
	assert.NotEmpty(t, out.ErrorMessage)

	require.Len(t, logs.entries, 1)
	assert.False(t, logs.entries[0].Success)
}

func TestAnalyze_APIErrorFallsBackToRules(t *testing.T) {
	llm := stubLLM{err: errors.New("upstream 529")}
	a := newTestAnalyzer(llm, stubPromptStore{templates: []PromptTemplate{testTemplate()}}, nil)

	out := a.Analyze(context.Background(), "clinic-1", "", Input{Modality: "CT", OrderDescription: "CT Chest"})

	assert.False(t, out.Success)
	assert.True(t, out.FallbackToRules)
	assert.Equal(t, 30, out.TotalDurationMin)
}

func TestAnalyze_ShapeValidationRejectsBadDurations(t *testing.T) {
	llm := stubLLM{resp: llmResponse{Text: `{"total_duration_min": 0, "scan_time_min": 0}`}}
	a := newTestAnalyzer(llm, stubPromptStore{templates: []PromptTemplate{testTemplate()}}, nil)

	out := a.Analyze(context.Background(), "clinic-1", "", Input{Modality: "US", OrderDescription: "US Abdomen"})

	assert.True(t, out.FallbackToRules)
	assert.Equal(t, 30, out.TotalDurationMin)
}

func TestAnalyze_NoLLMConfiguredUsesRules(t *testing.T) {
	logs := &recordingLogStore{}
	a := New(nil, nil, logs, audit.NewLogger(nil))

	out := a.Analyze(context.Background(), "clinic-1", "sess-9", Input{Modality: "MG", OrderDescription: "Screening mammogram"})

	assert.False(t, out.Success)
	assert.True(t, out.FallbackToRules)
	assert.Equal(t, 20, out.TotalDurationMin)
	require.Len(t, logs.entries, 1)
}
