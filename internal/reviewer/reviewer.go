// Package reviewer implements the Reviewer gate (SPEC_FULL.md §4.5): it asks
// the LLM oracle to judge a proposed CodeEdit and returns a structured
// ReviewOutcome. The JSON-first, keyword-fallback parsing strategy is
// grounded on the teacher's internal/supervision.Supervisor, which faces the
// identical problem of turning a free-text LLM reply into a structured
// verdict.
package reviewer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vinayprograms/agentkit/llm"

	"github.com/agentorch/engine/internal/domain"
	"github.com/agentorch/engine/internal/llmchain"
)

// AutoApproveThreshold is the minimum confidence an "approve" decision must
// carry to be treated as approval; lower-confidence approvals are downgraded
// to request_changes (SPEC_FULL.md §4.5).
const AutoApproveThreshold = 0.85

const systemPrompt = `You are a meticulous code reviewer. Evaluate the proposed change for
correctness, security, and maintainability. Judge only the diff you are given; do not invent
context. Respond with a single JSON object:
{"decision": "approve|request_changes|reject", "confidence": 0.0-1.0, "reasoning": "...",
 "suggestions": ["..."], "security_concerns": ["..."], "maintainability_score": 0.0-1.0}`

// Reviewer wraps an LLM fallback chain behind the Review operation.
type Reviewer struct {
	chain *llmchain.Chain
}

// New constructs a Reviewer over the given fallback chain.
func New(chain *llmchain.Chain) *Reviewer {
	return &Reviewer{chain: chain}
}

// Review asks the oracle to judge a proposed change to path.
func (r *Reviewer) Review(ctx context.Context, original, modified, path, description string, role domain.AgentRole) (domain.ReviewOutcome, error) {
	userPrompt := fmt.Sprintf(
		"File: %s\nRole that authored this change: %s\nIntent: %s\n\n--- ORIGINAL ---\n%s\n\n--- PROPOSED ---\n%s\n",
		path, role, description, original, modified)

	result, err := r.chain.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	})
	if err != nil {
		return domain.ReviewOutcome{}, fmt.Errorf("reviewer llm call: %w", err)
	}

	outcome := parseResponse(result.Response.Content)
	if outcome.Decision == domain.ReviewApprove && outcome.Confidence < AutoApproveThreshold {
		outcome.Decision = domain.ReviewRequestChanges
	}
	return outcome, nil
}

type wireOutcome struct {
	Decision             string   `json:"decision"`
	Confidence           float64  `json:"confidence"`
	Reasoning            string   `json:"reasoning"`
	Suggestions          []string `json:"suggestions"`
	SecurityConcerns     []string `json:"security_concerns"`
	MaintainabilityScore float64  `json:"maintainability_score"`
}

// parseResponse attempts strict JSON first, then falls back to a keyword
// heuristic over the raw text (mirroring
// internal/supervision.parseSupervisionResponse's own fallback posture).
func parseResponse(text string) domain.ReviewOutcome {
	if start, end := strings.IndexByte(text, '{'), strings.LastIndexByte(text, '}'); start >= 0 && end > start {
		var w wireOutcome
		if err := json.Unmarshal([]byte(text[start:end+1]), &w); err == nil && w.Decision != "" {
			return domain.ReviewOutcome{
				Decision:             domain.ReviewDecision(w.Decision),
				Confidence:           w.Confidence,
				Reasoning:            w.Reasoning,
				Suggestions:          w.Suggestions,
				SecurityConcerns:     w.SecurityConcerns,
				MaintainabilityScore: w.MaintainabilityScore,
			}
		}
	}

	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "reject") || strings.Contains(lower, "dangerous") || strings.Contains(lower, "security risk"):
		return domain.ReviewOutcome{Decision: domain.ReviewReject, Confidence: 0.8, Reasoning: text}
	case strings.Contains(lower, "approve") || strings.Contains(lower, "lgtm"):
		return domain.ReviewOutcome{Decision: domain.ReviewApprove, Confidence: 0.7, Reasoning: text}
	default:
		return domain.ReviewOutcome{Decision: domain.ReviewRequestChanges, Confidence: 0.5, Reasoning: text}
	}
}
