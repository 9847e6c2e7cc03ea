// Package supervision implements the RECONCILE and SUPERVISE phases of the
// Worker's internal COMMIT/EXECUTE/RECONCILE/SUPERVISE discipline
// (SPEC_FULL.md §2.3): deterministic drift triggers, escalated to an
// LLM-backed judgment only when a trigger fires. This is the engine's
// process-drift gate, distinct from the reviewer package's artifact-
// correctness gate.
package supervision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/agentorch/engine/internal/checkpoint"
	"github.com/agentorch/engine/internal/domain"
	"github.com/agentorch/engine/internal/llmchain"
)

// Supervisor evaluates agent execution for drift and provides corrections.
type Supervisor struct {
	chain             *llmchain.Chain
	logger            *logging.Logger
	originalGoal      string
	humanAvailable    bool
	humanInputChan    chan string
	humanInputTimeout time.Duration
}

// Config configures a Supervisor.
type Config struct {
	Chain             *llmchain.Chain
	OriginalGoal      string
	HumanAvailable    bool
	HumanInputChan    chan string
	HumanInputTimeout time.Duration
}

// New creates a Supervisor with a 5-minute default human-input timeout.
func New(cfg Config) *Supervisor {
	timeout := cfg.HumanInputTimeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &Supervisor{
		chain:             cfg.Chain,
		logger:            logging.New().WithComponent("supervisor"),
		originalGoal:      cfg.OriginalGoal,
		humanAvailable:    cfg.HumanAvailable,
		humanInputChan:    cfg.HumanInputChan,
		humanInputTimeout: timeout,
	}
}

// SetOriginalGoal updates the command text supervision judges drift against.
func (s *Supervisor) SetOriginalGoal(goal string) { s.originalGoal = goal }

// SetHumanAvailable toggles whether a PAUSE verdict may escalate to a human.
func (s *Supervisor) SetHumanAvailable(available bool) { s.humanAvailable = available }

// Reconcile runs the six static drift checks over a Pre/Post pair.
func (s *Supervisor) Reconcile(pre *domain.PreCheckpoint, post *domain.PostCheckpoint) *domain.ReconcileResult {
	start := time.Now()
	result := &domain.ReconcileResult{StepID: pre.StepID, Timestamp: time.Now()}

	var triggers []domain.ReconcileTrigger
	if len(post.Concerns) > 0 {
		triggers = append(triggers, domain.TriggerConcernsRaised)
	}
	if !post.MetCommitment {
		triggers = append(triggers, domain.TriggerCommitmentNotMet)
	}
	if len(post.Deviations) > 0 {
		triggers = append(triggers, domain.TriggerScopeDeviation)
	}
	if len(post.Unexpected) > 0 {
		triggers = append(triggers, domain.TriggerUnexpectedResults)
	}
	if pre.Confidence == domain.ConfidenceLow {
		triggers = append(triggers, domain.TriggerLowConfidence)
	}
	if len(pre.Assumptions) > 3 {
		triggers = append(triggers, domain.TriggerExcessAssumptions)
	}

	result.Triggers = triggers
	result.Supervise = len(triggers) > 0

	s.logger.ReconcilePhase("", pre.StepID, triggerStrings(triggers), result.Supervise)
	s.logger.PhaseComplete("RECONCILE", "", pre.StepID, time.Since(start), fmt.Sprintf("supervise=%v", result.Supervise))
	return result
}

func triggerStrings(ts []domain.ReconcileTrigger) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = string(t)
	}
	return out
}

// Supervise evaluates the agent's Pre/Post pair and decides whether to
// continue, reorient, or pause, escalating to a human channel when one is
// configured and the step requires it.
func (s *Supervisor) Supervise(ctx context.Context, pre *domain.PreCheckpoint, post *domain.PostCheckpoint, triggers []domain.ReconcileTrigger, decisionTrail []*checkpoint.Bundle, requiresHuman bool) (*domain.SuperviseResult, error) {
	start := time.Now()
	s.logger.PhaseStart("SUPERVISE", "", pre.StepID)

	result := &domain.SuperviseResult{StepID: pre.StepID, Timestamp: time.Now()}

	prompt := s.buildSupervisionPrompt(pre, post, triggers, decisionTrail)
	resp, err := s.chain.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: supervisorSystemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		s.logger.Error("supervisor_llm_error", map[string]interface{}{"error": err.Error()})
		return nil, fmt.Errorf("supervisor llm call: %w", err)
	}

	verdict, correction, question := parseSupervisionResponse(resp.Response.Content)
	result.Verdict = verdict
	result.Correction = correction
	result.Question = question

	s.logger.SupervisePhase("", pre.StepID, string(verdict), correction)

	if verdict == domain.VerdictPause {
		if requiresHuman && !s.humanAvailable {
			s.logger.SupervisorVerdict("", pre.StepID, "PAUSE_FAILED", "human required but unavailable", true)
			return nil, fmt.Errorf("supervision requires human input but no human is available")
		}

		switch {
		case s.humanAvailable && s.humanInputChan != nil:
			s.logger.Info("waiting for human input", map[string]interface{}{
				"question": question,
				"timeout":  s.humanInputTimeout.String(),
			})
			select {
			case input := <-s.humanInputChan:
				result.Verdict = domain.VerdictReorient
				result.Correction = input
				s.logger.SupervisorVerdict("", pre.StepID, "REORIENT", "human provided input", true)
			case <-time.After(s.humanInputTimeout):
				if requiresHuman {
					s.logger.SupervisorVerdict("", pre.StepID, "PAUSE_TIMEOUT", "human input timeout", true)
					return nil, fmt.Errorf("human input timeout: workflow requires human approval")
				}
				s.logger.Warn("human input timeout, supervisor will decide", nil)
				result.Verdict = domain.VerdictContinue
				result.Correction = "proceeding without human input (timeout); review output carefully"
				s.logger.SupervisorVerdict("", pre.StepID, "CONTINUE", "timeout fallback", false)
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		case !requiresHuman:
			s.logger.Warn("no human available, supervisor deciding autonomously", nil)
			autonomous, err := s.makeAutonomousDecision(ctx, question)
			if err != nil {
				return nil, err
			}
			result.Verdict = autonomous.verdict
			result.Correction = autonomous.correction
			s.logger.SupervisorVerdict("", pre.StepID, string(autonomous.verdict), "autonomous decision", false)
		}
	} else {
		s.logger.SupervisorVerdict("", pre.StepID, string(verdict), correction, false)
	}

	s.logger.PhaseComplete("SUPERVISE", "", pre.StepID, time.Since(start), string(result.Verdict))
	return result, nil
}

type autonomousDecision struct {
	verdict    domain.SuperviseVerdict
	correction string
}

// makeAutonomousDecision is the conservative fallback SPEC_FULL.md §4.4
// requires when a PAUSE verdict fires but no human is available and none is
// required: pick the least disruptive safe path rather than blocking.
func (s *Supervisor) makeAutonomousDecision(ctx context.Context, question string) (*autonomousDecision, error) {
	prompt := fmt.Sprintf(`You previously wanted to ask: %s

But no human is available. You must decide autonomously.

Choose the most conservative safe path forward. If the deviation is minor, CONTINUE with a note.
If the deviation is significant but recoverable, REORIENT with specific guidance.

Respond with:
VERDICT: CONTINUE or REORIENT
CORRECTION: <your guidance>`, question)

	resp, err := s.chain.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: "You are making an autonomous decision because no human is available."},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return nil, err
	}

	decision := &autonomousDecision{verdict: domain.VerdictContinue}
	for _, line := range strings.Split(resp.Response.Content, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "VERDICT:"):
			if strings.Contains(strings.ToUpper(line), "REORIENT") {
				decision.verdict = domain.VerdictReorient
			}
		case strings.HasPrefix(line, "CORRECTION:"):
			decision.correction = strings.TrimSpace(strings.TrimPrefix(line, "CORRECTION:"))
		}
	}
	return decision, nil
}

func (s *Supervisor) buildSupervisionPrompt(pre *domain.PreCheckpoint, post *domain.PostCheckpoint, triggers []domain.ReconcileTrigger, decisionTrail []*checkpoint.Bundle) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "ORIGINAL GOAL: %s\n\n", s.originalGoal)

	sb.WriteString("AGENT COMMITTED TO:\n")
	fmt.Fprintf(&sb, "- Interpretation: %s\n", pre.Interpretation)
	fmt.Fprintf(&sb, "- Approach: %s\n", pre.Approach)
	fmt.Fprintf(&sb, "- Predicted output: %s\n", pre.PredictedOutput)
	fmt.Fprintf(&sb, "- Confidence: %s\n", pre.Confidence)
	if len(pre.ScopeOut) > 0 {
		fmt.Fprintf(&sb, "- Excluded from scope: %s\n", strings.Join(pre.ScopeOut, ", "))
	}
	if len(pre.Assumptions) > 0 {
		fmt.Fprintf(&sb, "- Assumptions: %s\n", strings.Join(pre.Assumptions, "; "))
	}
	sb.WriteString("\nAGENT REPORTED:\n")
	fmt.Fprintf(&sb, "- Met commitment: %v\n", post.MetCommitment)
	if len(post.Deviations) > 0 {
		fmt.Fprintf(&sb, "- Deviations: %s\n", strings.Join(post.Deviations, "; "))
	}
	if len(post.Concerns) > 0 {
		fmt.Fprintf(&sb, "- Concerns: %s\n", strings.Join(post.Concerns, "; "))
	}
	if len(post.Unexpected) > 0 {
		fmt.Fprintf(&sb, "- Unexpected: %s\n", strings.Join(post.Unexpected, "; "))
	}
	fmt.Fprintf(&sb, "- Tools used: %s\n\n", strings.Join(post.ToolsUsed, ", "))

	fmt.Fprintf(&sb, "TRIGGERED BY: %s\n\n", strings.Join(triggerStrings(triggers), ", "))

	if len(decisionTrail) > 0 {
		sb.WriteString("DECISION TRAIL:\n")
		for _, b := range decisionTrail {
			if b.Pre != nil {
				fmt.Fprintf(&sb, "- %s: %s\n", b.Pre.StepID, b.Pre.Interpretation)
			}
		}
		sb.WriteString("\n")
	}

	sb.WriteString(`Evaluate:
1. Is the agent's interpretation faithful to the original goal?
2. Are the scope exclusions justified?
3. Do the deviations indicate drift?
4. Should execution continue, be corrected, or paused for human input?

Respond with ONE of:
- CONTINUE: Deviation is acceptable, proceed
- REORIENT: Course correct with guidance: "<correction>"
- PAUSE: Need human input: "<question>"`)

	return sb.String()
}

func parseSupervisionResponse(content string) (domain.SuperviseVerdict, string, string) {
	for _, line := range strings.Split(strings.TrimSpace(content), "\n") {
		line = strings.TrimSpace(line)
		upper := strings.ToUpper(line)

		switch {
		case strings.HasPrefix(upper, "CONTINUE"):
			return domain.VerdictContinue, "", ""
		case strings.HasPrefix(upper, "REORIENT"):
			if idx := strings.Index(line, ":"); idx != -1 {
				return domain.VerdictReorient, strings.Trim(strings.TrimSpace(line[idx+1:]), `"`), ""
			}
			return domain.VerdictReorient, "", ""
		case strings.HasPrefix(upper, "PAUSE"):
			if idx := strings.Index(line, ":"); idx != -1 {
				return domain.VerdictPause, "", strings.Trim(strings.TrimSpace(line[idx+1:]), `"`)
			}
			return domain.VerdictPause, "", ""
		}
	}
	return domain.VerdictContinue, "", ""
}

const supervisorSystemPrompt = `You are a supervision agent reviewing another agent's work for alignment with the original goal.

Your job is to detect drift - when the agent's understanding or execution diverges from what was actually asked.

Be pragmatic:
- Minor deviations that don't affect the outcome are acceptable
- Reasonable assumptions under uncertainty are fine
- Only flag issues that materially affect the goal

Be conservative:
- When in doubt, ask for human input (PAUSE)
- Significant scope changes should be confirmed
- Accumulated assumptions are a red flag

Respond with exactly one verdict:
- CONTINUE: Work is aligned, proceed
- REORIENT: Work is drifting, provide correction guidance
- PAUSE: Uncertain, need human to clarify`
