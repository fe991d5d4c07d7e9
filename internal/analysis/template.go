// SPDX-License-Identifier: MIT

package analysis

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
)

// PromptTemplate is one stored, possibly-A/B-tested prompt variant.
type PromptTemplate struct {
	ID           string
	Key          string
	Template     string
	Model        string
	MaxTokens    int
	IsActive     bool
	ABTestWeight int // 0-100
	Version      int
}

// PromptStore resolves prompt templates by key prefix. store.go provides
// the persisted implementation.
type PromptStore interface {
	ActiveByKeyPrefix(prefix string) ([]PromptTemplate, error)
}

// ErrNoActiveTemplate is returned by SelectTemplate when no active template
// shares the requested key prefix; callers fall through to the rule-based
// baseline rather than treating this as an error.
var ErrNoActiveTemplate = fmt.Errorf("analysis: no active prompt template for key prefix")

// SelectTemplate reads all active templates sharing keyPrefix and, if more
// than one exists, draws one by weighted random choice on ABTestWeight
// (spec.md §4.4 "discrete distribution over currently-active prompts
// sharing a key prefix"). rnd may be nil, in which case
// math/rand's package-level source is used.
func SelectTemplate(store PromptStore, keyPrefix string, rnd *rand.Rand) (PromptTemplate, error) {
	candidates, err := store.ActiveByKeyPrefix(keyPrefix)
	if err != nil {
		return PromptTemplate{}, err
	}
	if len(candidates) == 0 {
		return PromptTemplate{}, ErrNoActiveTemplate
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}
	return weightedDraw(candidates, rnd), nil
}

func weightedDraw(candidates []PromptTemplate, rnd *rand.Rand) PromptTemplate {
	total := 0
	for _, c := range candidates {
		w := c.ABTestWeight
		if w <= 0 {
			w = 1
		}
		total += w
	}

	var n int
	if rnd != nil {
		n = rnd.Intn(total)
	} else {
		n = rand.Intn(total)
	}

	acc := 0
	for _, c := range candidates {
		w := c.ABTestWeight
		if w <= 0 {
			w = 1
		}
		acc += w
		if n < acc {
			return c
		}
	}
	return candidates[len(candidates)-1]
}

// Interpolate replaces every {{name}} token in tmpl with String(data[name]).
// A missing, nil, or empty value is rendered as the literal "Not provided".
// There is no nested or conditional templating (spec.md §4.4).
func Interpolate(tmpl string, data map[string]string) string {
	var out strings.Builder
	rest := tmpl
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			out.WriteString(rest)
			break
		}
		end := strings.Index(rest[open:], "}}")
		if end < 0 {
			out.WriteString(rest)
			break
		}
		end += open

		out.WriteString(rest[:open])
		name := strings.TrimSpace(rest[open+2 : end])
		out.WriteString(placeholderValue(data, name))
		rest = rest[end+2:]
	}
	return out.String()
}

func placeholderValue(data map[string]string, name string) string {
	v, ok := data[name]
	if !ok || v == "" {
		return "Not provided"
	}
	return v
}

// InputToTemplateData projects an Input into the flat string map
// Interpolate expects.
func InputToTemplateData(in Input) map[string]string {
	data := map[string]string{
		"order_description":   in.OrderDescription,
		"cpt":                 in.CPT,
		"modality":            in.Modality,
		"priority":            string(in.Priority),
		"clinical_indication": in.ClinicalIndication,
	}
	if in.AgeYears > 0 {
		data["patient_age"] = strconv.Itoa(in.AgeYears)
	}
	return data
}
