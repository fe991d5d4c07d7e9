// SPDX-License-Identifier: MIT

package analysis

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/radscheduler/core/internal/audit"
	"github.com/radscheduler/core/internal/log"
)

// LogStore persists one row per analyzer invocation.
type LogStore interface {
	Record(ctx context.Context, entry LogEntry) error
}

// LogEntry is one Analysis Log row (spec.md §3 "Analysis Log").
type LogEntry struct {
	ID               string
	TenantID         string
	SessionID        string
	PromptID         string
	PromptKey        string
	InputJSON        string
	OutputJSON       string
	PromptTokens     int
	CompletionTokens int
	LatencyMillis    int64
	Success          bool
	ErrorMessage     string
	CreatedAt        time.Time
}

// Analyzer runs the order-analysis pipeline: LLM-first with a rule-based
// fallback, per spec.md §4.4.
type Analyzer struct {
	prompts PromptStore
	llm     llmClient
	logs    LogStore
	audit   *audit.Logger

	keyPrefix string
	rnd       *rand.Rand
}

// Option configures an Analyzer at construction.
type Option func(*Analyzer)

// WithKeyPrefix overrides the default "order_analysis" prompt-key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(a *Analyzer) { a.keyPrefix = prefix }
}

// WithRand overrides the weighted-draw random source, for deterministic
// tests.
func WithRand(rnd *rand.Rand) Option {
	return func(a *Analyzer) { a.rnd = rnd }
}

// New builds an Analyzer. llm may be nil, in which case every call falls
// through to the rule-based baseline immediately — this is how a
// deployment without an LLM vendor key runs.
func New(prompts PromptStore, llm *AnthropicClient, logs LogStore, auditLogger *audit.Logger, opts ...Option) *Analyzer {
	a := &Analyzer{prompts: prompts, logs: logs, audit: auditLogger, keyPrefix: "order_analysis"}
	if llm != nil {
		a.llm = llm
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze converts in into a duration/equipment verdict, trying the
// LLM-backed prompt pipeline first and falling back to deterministic rules
// on any failure (spec.md §4.4's "On any error... return the rule-based
// fallback with success=false, fallback_to_rules=true").
func (a *Analyzer) Analyze(ctx context.Context, tenantID, sessionID string, in Input) Output {
	logger := log.WithComponent("analysis")
	start := time.Now()

	out, promptID, err := a.tryLLM(ctx, in)
	source := "llm"
	if err != nil {
		logger.Debug().Err(err).Str("tenant_id", tenantID).Msg("falling through to rule-based analysis")
		out = RuleBasedFallback(in)
		out.Success = false
		out.FallbackToRules = true
		out.ErrorMessage = err.Error()
		source = "rule_fallback"
	}
	analyzeLatency.WithLabelValues(source).Observe(time.Since(start).Seconds())

	a.audit.AnalysisCall(ctx, tenantID, "", sessionID, promptID, source, out.Success, errCode(err))
	a.writeLog(ctx, tenantID, sessionID, promptID, in, out)
	return out
}

func (a *Analyzer) tryLLM(ctx context.Context, in Input) (Output, string, error) {
	if a.llm == nil || a.prompts == nil {
		return Output{}, "", ErrNoActiveTemplate
	}

	tmpl, err := SelectTemplate(a.prompts, a.keyPrefix, a.rnd)
	if err != nil {
		return Output{}, "", err
	}

	prompt := Interpolate(tmpl.Template, InputToTemplateData(in))
	out, _, err := callLLM(ctx, a.llm, tmpl, prompt)
	if err != nil {
		return Output{}, tmpl.ID, err
	}
	out.PromptID = tmpl.ID
	return out, tmpl.ID, nil
}

func (a *Analyzer) writeLog(ctx context.Context, tenantID, sessionID, promptID string, in Input, out Output) {
	if a.logs == nil {
		return
	}
	entry := LogEntry{
		ID:               uuid.NewString(),
		TenantID:         tenantID,
		SessionID:        sessionID,
		PromptID:         promptID,
		PromptKey:        out.PromptKey,
		InputJSON:        inputJSON(in),
		OutputJSON:       outputJSON(out),
		PromptTokens:     out.PromptTokens,
		CompletionTokens: out.CompletionTokens,
		LatencyMillis:    out.LatencyMillis,
		Success:          out.Success,
		ErrorMessage:     out.ErrorMessage,
		CreatedAt:        time.Now(),
	}
	if err := a.logs.Record(ctx, entry); err != nil {
		logger := log.WithComponent("analysis")
		logger.Error().Err(err).Msg("analysis log persist failed")
	}
}

func errCode(err error) string {
	if err == nil {
		return ""
	}
	return "ANALYSIS_ERROR"
}

func inputJSON(in Input) string {
	b, err := json.Marshal(in)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func outputJSON(out Output) string {
	b, err := json.Marshal(out)
	if err != nil {
		return "{}"
	}
	return string(b)
}
