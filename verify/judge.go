// Package verify implements two optional checks: an LLM-as-judge pass/fail
// verdict, and a purely advisory symbolic sanity check over numeric/
// algebraic assertions. Only the judge's boolean outcome ever drives
// control flow; the symbolic check is informational.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"thinkserver/model"
)

// Verdict is the judge's permissively-parsed pass/fail outcome.
type Verdict struct {
	Pass      bool
	Reasoning string
	Errors    []string
}

// jsonVerdict is the canonical judge output shape: a JSON object
// {is_correct, reasoning, errors[]}.
type jsonVerdict struct {
	IsCorrect bool     `json:"is_correct"`
	Reasoning string   `json:"reasoning"`
	Errors    []string `json:"errors"`
}

// Judge asks a model whether a candidate solution to a problem is correct.
type Judge struct {
	client model.Client
}

// NewJudge constructs a Judge backed by client.
func NewJudge(client model.Client) *Judge {
	return &Judge{client: client}
}

// Verify runs one judge call and returns its parsed verdict plus the
// token usage reported for the call.
func (j *Judge) Verify(ctx context.Context, modelID string, temperature float32, problem, solution string) (*Verdict, model.TokenUsage, error) {
	req := &model.Request{
		Model:       modelID,
		Temperature: temperature,
		Messages: []*model.Message{
			{
				Role:  model.ConversationRoleUser,
				Parts: []model.Part{model.TextPart{Text: JudgePrompt(problem, solution)}},
			},
		},
	}

	resp, err := j.client.Complete(ctx, req)
	if err != nil {
		return nil, model.TokenUsage{}, fmt.Errorf("verify: judge call failed: %w", err)
	}

	var text strings.Builder
	for _, m := range resp.Content {
		for _, p := range m.Parts {
			if t, ok := p.(model.TextPart); ok {
				text.WriteString(t.Text)
			}
		}
	}

	return ParseVerdict(text.String()), resp.Usage, nil
}

// JudgePrompt builds the judge-facing prompt for one verification call, also
// used by callers that dispatch the judge call through a cache-aware
// pipeline instead of calling Verify directly.
func JudgePrompt(problem, solution string) string {
	return "You are verifying whether a candidate solution to a problem is " +
		"correct. Respond with a single JSON object of the form " +
		`{"is_correct": bool, "reasoning": string, "errors": [string]}` +
		" and nothing else.\n\nProblem:\n" + problem + "\n\nCandidate solution:\n" + solution
}

// ParseVerdict permissively parses a judge response: try the canonical
// JSON shape first; if that fails, fall back to treating
// a textual verdict as a pass when its first non-whitespace token is
// "yes" (case-insensitively).
func ParseVerdict(text string) *Verdict {
	trimmed := strings.TrimSpace(text)

	if start := strings.IndexByte(trimmed, '{'); start >= 0 {
		if end := strings.LastIndexByte(trimmed, '}'); end > start {
			var jv jsonVerdict
			if err := json.Unmarshal([]byte(trimmed[start:end+1]), &jv); err == nil {
				return &Verdict{Pass: jv.IsCorrect, Reasoning: jv.Reasoning, Errors: jv.Errors}
			}
		}
	}

	fields := strings.Fields(trimmed)
	pass := len(fields) > 0 && strings.EqualFold(strings.TrimRight(fields[0], ".,;:!"), "yes")
	return &Verdict{Pass: pass, Reasoning: trimmed}
}
