// SPDX-License-Identifier: MIT

package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

// llmClient is the subset of the Anthropic SDK the analyzer depends on,
// declared as a narrow interface so tests substitute a fake instead of
// hitting the network (mirrors the teacher-adjacent medspa gpt_service.go's
// chatClient seam).
type llmClient interface {
	CreateMessage(ctx context.Context, model string, maxTokens int64, prompt string) (llmResponse, error)
}

type llmResponse struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// AnthropicClient adapts the real SDK client to llmClient.
type AnthropicClient struct {
	client anthropic.Client
}

// NewAnthropicClient builds an AnthropicClient from an already-configured
// SDK client (constructed by the caller via anthropic.NewClient(...) so API
// key resolution stays a process-configuration concern, not this
// package's).
func NewAnthropicClient(client anthropic.Client) *AnthropicClient {
	return &AnthropicClient{client: client}
}

func (a *AnthropicClient) CreateMessage(ctx context.Context, model string, maxTokens int64, prompt string) (llmResponse, error) {
	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return llmResponse{}, fmt.Errorf("analysis: anthropic call failed: %w", err)
	}

	text := ""
	if len(msg.Content) > 0 {
		text = msg.Content[0].Text
	}

	return llmResponse{
		Text:             text,
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}, nil
}

// llmResultBody is the JSON shape the prompt asks the model to return,
// matching Output's analyzable fields one-for-one.
type llmResultBody struct {
	TotalDurationMin    int            `json:"total_duration_min"`
	PrepTimeMin         int            `json:"prep_time_min"`
	ScanTimeMin         int            `json:"scan_time_min"`
	ContrastRequired    bool           `json:"contrast_required"`
	ContrastType        string         `json:"contrast_type"`
	EquipmentNeeds      EquipmentNeeds `json:"equipment_needs"`
	PatientInstructions string         `json:"patient_instructions"`
	SchedulingNotes     string         `json:"scheduling_notes"`
}

// callLLM sends the interpolated prompt and validates the response shape
// (spec.md §4.4 LLM call contract). Any failure — API error, malformed
// JSON, or a result that fails validation — is reported via the returned
// error; the caller is responsible for falling through to the rule-based
// baseline.
func callLLM(ctx context.Context, client llmClient, tmpl PromptTemplate, prompt string) (Output, time.Duration, error) {
	start := time.Now()
	resp, err := client.CreateMessage(ctx, tmpl.Model, int64(tmpl.MaxTokens), prompt)
	latency := time.Since(start)
	if err != nil {
		return Output{}, latency, err
	}

	var body llmResultBody
	if err := json.Unmarshal([]byte(resp.Text), &body); err != nil {
		return Output{}, latency, fmt.Errorf("analysis: llm response not valid JSON: %w", err)
	}
	if err := validateLLMResult(body); err != nil {
		return Output{}, latency, err
	}

	return Output{
		TotalDurationMin:    body.TotalDurationMin,
		PrepTimeMin:         body.PrepTimeMin,
		ScanTimeMin:         body.ScanTimeMin,
		ContrastRequired:    body.ContrastRequired,
		ContrastType:        body.ContrastType,
		EquipmentNeeds:      body.EquipmentNeeds,
		PatientInstructions: body.PatientInstructions,
		SchedulingNotes:     body.SchedulingNotes,
		Success:             true,
		PromptKey:           tmpl.Key,
		Model:               tmpl.Model,
		PromptTokens:        resp.PromptTokens,
		CompletionTokens:    resp.CompletionTokens,
		LatencyMillis:       latency.Milliseconds(),
	}, latency, nil
}

// validateLLMResult rejects shapes that would silently produce a bad
// schedule: a non-positive total duration, or a scan time that exceeds the
// total (spec.md §8 invariant 8: "fallback preserves response shape").
func validateLLMResult(body llmResultBody) error {
	if body.TotalDurationMin <= 0 {
		return fmt.Errorf("analysis: llm result has non-positive total_duration_min")
	}
	if body.ScanTimeMin > body.TotalDurationMin {
		return fmt.Errorf("analysis: llm result scan_time_min exceeds total_duration_min")
	}
	return nil
}
