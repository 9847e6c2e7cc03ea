package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared across the engine's component boundaries
// (SPEC_FULL.md §7), matched with errors.Is/errors.As rather than inspected
// by string.
var (
	ErrClarificationRequired  = errors.New("decomposition has unresolved required clarifications")
	ErrEmergencyStopped       = errors.New("emergency stop is active")
	ErrBudgetExceeded         = errors.New("budget limit exceeded")
	ErrArtifactParse          = errors.New("could not parse an artifact from the model response")
	ErrReviewRejected         = errors.New("reviewer rejected the proposed change")
	ErrReviewRequestedChanges = errors.New("reviewer requested changes")
	ErrLLMUnavailable         = errors.New("llm fallback chain exhausted")
	ErrVCS                    = errors.New("version control operation failed")
	ErrMemory                 = errors.New("memory store operation failed")
	ErrSupervisionPaused      = errors.New("supervisor paused the step pending human input")
)

// SafetyViolationError wraps a SafetyViolation so callers can errors.As into
// it and branch on Level without inspecting the message.
type SafetyViolationError struct {
	Violation SafetyViolation
}

func (e *SafetyViolationError) Error() string {
	return fmt.Sprintf("safety violation [%s] %s: %s", e.Violation.Level, e.Violation.Kind, e.Violation.Message)
}

// NewSafetyViolationError wraps the most severe violation in a set for
// propagation as an error value.
func NewSafetyViolationError(violations []SafetyViolation) error {
	if len(violations) == 0 {
		return nil
	}
	worst := violations[0]
	for _, v := range violations[1:] {
		if severityRank(v.Level) > severityRank(worst.Level) {
			worst = v
		}
	}
	return &SafetyViolationError{Violation: worst}
}

func severityRank(l ViolationLevel) int {
	switch l {
	case ViolationCritical:
		return 2
	case ViolationError:
		return 1
	default:
		return 0
	}
}

// criticalSafetyViolationPrefix is the fixed prefix SafetyViolationError.Error
// produces for a critical-level violation. ExecutionRecord.Error only keeps
// the rendered string (not the typed error), so the Orchestrator's success
// gate (OrchestrationResult doc, SPEC_FULL.md §3) matches on it directly
// instead of threading a typed error through the whole result-aggregation path.
const criticalSafetyViolationPrefix = "safety violation [critical]"

// IsCriticalSafetyViolation reports whether an ExecutionRecord.Error string
// was produced by a critical SafetyViolation.
func IsCriticalSafetyViolation(errMsg string) bool {
	return strings.HasPrefix(errMsg, criticalSafetyViolationPrefix)
}
