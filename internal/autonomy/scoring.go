package autonomy

import (
	"strings"

	"github.com/agentorch/engine/internal/domain"
	"github.com/agentorch/engine/internal/scanner"
)

var typeWeight = map[domain.OpportunityKind]float64{
	domain.OpportunitySecurity:     1.0,
	domain.OpportunityPerformance:  0.8,
	domain.OpportunityBug:          0.7,
	domain.OpportunityQuality:      0.6,
	domain.OpportunityTestCoverage: 0.4,
	domain.OpportunityTODO:         0.3,
}

var severityMultiplier = map[scanner.Severity]float64{
	scanner.SeverityCritical: 1.0,
	scanner.SeverityHigh:     0.8,
	scanner.SeverityMedium:   0.6,
	scanner.SeverityLow:      0.4,
}

var safetyScoreByType = map[domain.OpportunityKind]float64{
	domain.OpportunityTODO:         0.9,
	domain.OpportunityTestCoverage: 0.8,
	domain.OpportunityQuality:      0.7,
	domain.OpportunityPerformance:  0.6,
	domain.OpportunityBug:          0.5,
	domain.OpportunitySecurity:     0.4,
}

// priority computes SPEC_FULL.md §4.6's "type-weighted base × severity
// multiplier" opportunity score.
func priority(kind domain.OpportunityKind, severity scanner.Severity) float64 {
	base, ok := typeWeight[kind]
	if !ok {
		base = 0.5
	}
	mult, ok := severityMultiplier[severity]
	if !ok {
		mult = 0.6
	}
	return base * mult
}

// safetyScore is the risk-inverse score from §4.6: higher means safer to fix
// autonomously.
func safetyScore(kind domain.OpportunityKind) float64 {
	if s, ok := safetyScoreByType[kind]; ok {
		return s
	}
	return 0.5
}

// effortFor mirrors original_source's loop.py `_estimate_effort` heuristic.
func effortFor(kind domain.OpportunityKind) domain.Effort {
	switch kind {
	case domain.OpportunityTODO, domain.OpportunityQuality:
		return domain.EffortLow
	case domain.OpportunityBug, domain.OpportunityTestCoverage:
		return domain.EffortMedium
	default:
		return domain.EffortHigh
	}
}

func opportunityKindFor(issueKind scanner.IssueKind) domain.OpportunityKind {
	switch issueKind {
	case scanner.IssueSecurity:
		return domain.OpportunitySecurity
	case scanner.IssuePerformance:
		return domain.OpportunityPerformance
	case scanner.IssueQuality:
		return domain.OpportunityQuality
	case scanner.IssueTODO:
		return domain.OpportunityTODO
	default:
		return domain.OpportunityQuality
	}
}

// opportunitiesFromScan turns a ScanResult into scored ImprovementOpportunity
// candidates, plus one test_coverage opportunity when the ratio is thin.
func opportunitiesFromScan(result scanner.ScanResult, idPrefix func() string) []domain.ImprovementOpportunity {
	out := make([]domain.ImprovementOpportunity, 0, len(result.Issues))
	for _, issue := range result.Issues {
		kind := opportunityKindFor(issue.Kind)
		out = append(out, domain.ImprovementOpportunity{
			ID:          idPrefix(),
			Kind:        kind,
			Priority:    priority(kind, issue.Severity),
			Description: strings.TrimSpace(issue.Message),
			Details:     issue.FilePath,
			Estimated:   effortFor(kind),
			SafetyScore: safetyScore(kind),
			FilePath:    issue.FilePath,
			Line:        issue.Line,
		})
	}
	if result.Metrics.FilesCount > 0 && result.Metrics.TestCoverage < 0.3 {
		out = append(out, domain.ImprovementOpportunity{
			ID:          idPrefix(),
			Kind:        domain.OpportunityTestCoverage,
			Priority:    priority(domain.OpportunityTestCoverage, scanner.SeverityMedium),
			Description: "test coverage ratio is below 0.3",
			Estimated:   effortFor(domain.OpportunityTestCoverage),
			SafetyScore: safetyScore(domain.OpportunityTestCoverage),
		})
	}
	return out
}
