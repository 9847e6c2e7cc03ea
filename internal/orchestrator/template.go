package orchestrator

import (
	"regexp"
	"strings"

	"github.com/agentorch/engine/internal/domain"
)

// Template is one canonical-intent decomposition: a fixed subtask graph plus
// the clarifications it raises when the Constraints map is missing
// information the template needs. Templates are matched by keyword-family
// regex in registration order (SPEC_FULL.md §4.1) rather than by an
// LLM-synthesized plan, which was found unstable.
type Template struct {
	Name  string
	Match *regexp.Regexp
	Build func(command string, constraints domain.Constraints) domain.Decomposition
}

// Registry holds Templates in priority order; the first match wins.
type Registry struct {
	templates []*Template
}

// NewRegistry returns a Registry pre-loaded with the built-in templates.
func NewRegistry() *Registry {
	r := &Registry{}
	r.Register(businessOpportunityTemplate())
	r.Register(codeChangeTemplate())
	r.Register(reviewTemplate())
	return r
}

func (r *Registry) Register(t *Template) {
	r.templates = append(r.templates, t)
}

// Resolve returns the first matching Template, or the generic fallback
// template if nothing in the registry matches.
func (r *Registry) Resolve(command string) *Template {
	lower := strings.ToLower(command)
	for _, t := range r.templates {
		if t.Match.MatchString(lower) {
			return t
		}
	}
	return genericTemplate()
}

// marketResearchTools returns the research tool set gated by the `scope`
// constraint (SPEC_FULL.md §6.4): "digital_only" drops the in-person/retail
// tool, "physical_only" drops the web-search tool, anything else (including
// "both" or unset) keeps the full set. This is the branch the `scope`
// constraint is documented to "suppress or include" — it narrows which
// tools the research phase may reach for, not the subtask graph's shape,
// since §8 scenario S1 sets scope:"digital_only" and still expects all 6
// subtasks across 5 phases.
func marketResearchTools(constraints domain.Constraints) []string {
	switch constraints.Get("scope", "") {
	case "digital_only":
		return []string{"web_search_exa", "company_research_exa"}
	case "physical_only":
		return []string{"company_research_exa", "retail_channel_survey"}
	default:
		return []string{"web_search_exa", "company_research_exa", "retail_channel_survey"}
	}
}

// businessOpportunityTemplate is grounded on enhanced_mother.py's
// EnhancedMotherAgent._decompose_business_opportunity_task (lines 286-345):
// six subtasks across five priority phases, market research and competitor
// analysis run in parallel at priority 1, technical assessment at priority 2,
// and opportunity_identification fans in from all three before scoring and
// the deployment strategy finish the chain.
func businessOpportunityTemplate() *Template {
	return &Template{
		Name:  "business_opportunity",
		Match: regexp.MustCompile(`market|competitor|opportunit`),
		Build: func(command string, constraints domain.Constraints) domain.Decomposition {
			var clarifications []domain.Clarification
			if constraints.Get("scope", "") == "" {
				clarifications = append(clarifications, domain.Clarification{
					Question: "Is this analysis scoped to digital channels, physical channels, or both?",
					Context:  "business-opportunity template needs a scope to bound research",
					Required: true,
					Options:  []string{"digital_only", "physical_only", "both"},
				})
			}
			researchTools := marketResearchTools(constraints)
			return domain.Decomposition{
				Complexity: domain.ComplexityComplex,
				Subtasks: []domain.Subtask{
					{
						ID:             "market_trend_research",
						AgentRole:      domain.RoleMarketResearcher,
						Description:    "research current market trends for: " + command,
						RequiredTools:  researchTools,
						ExpectedOutput: domain.OutputAnalysis,
						Priority:       1,
					},
					{
						ID:             "competitor_analysis",
						AgentRole:      domain.RoleMarketResearcher,
						Description:    "identify competitors and existing solutions for: " + command,
						RequiredTools:  researchTools,
						ExpectedOutput: domain.OutputAnalysis,
						Priority:       1,
					},
					{
						ID:             "technical_capability_assessment",
						AgentRole:      domain.RoleTechnicalAssessor,
						Description:    "assess technical capabilities of the current codebase for rapid deployment of: " + command,
						RequiredTools:  []string{"code_analysis", "architecture_review"},
						ExpectedOutput: domain.OutputAnalysis,
						Priority:       2,
					},
					{
						ID:             "opportunity_identification",
						AgentRole:      domain.RoleBusinessAnalyst,
						Description:    "identify specific low-hanging-fruit opportunities from the market research and technical assessment",
						RequiredTools:  []string{"data_analysis", "business_modeling"},
						ExpectedOutput: domain.OutputAnalysis,
						Priority:       3,
					},
					{
						ID:             "opportunity_scoring",
						AgentRole:      domain.RoleOpportunityScorer,
						Description:    "score opportunities on implementation time, risk, reward, and market potential",
						RequiredTools:  []string{"scoring_algorithms", "data_aggregation"},
						ExpectedOutput: domain.OutputScoring,
						Priority:       4,
					},
					{
						ID:             "deployment_strategy",
						AgentRole:      domain.RoleDeploymentStrategist,
						Description:    "create deployment and go-to-market plans for the top-scored opportunities",
						RequiredTools:  []string{"deployment_planning", "market_strategy"},
						ExpectedOutput: domain.OutputPlan,
						Priority:       5,
					},
				},
				Dependencies: map[string][]string{
					"opportunity_identification": {"market_trend_research", "competitor_analysis", "technical_capability_assessment"},
					"opportunity_scoring":        {"opportunity_identification"},
					"deployment_strategy":        {"opportunity_scoring"},
				},
				Clarifications: clarifications,
				SuccessCriteria: []string{
					"identified at least 5 viable autonomous deployment opportunities",
					"scored opportunities on a risk/reward matrix",
					"created actionable deployment plans",
				},
				EstimatedDuration: "within_week",
			}
		},
	}
}

func codeChangeTemplate() *Template {
	return &Template{
		Name:  "code_change",
		Match: regexp.MustCompile(`implement|add |fix |refactor|bug|feature`),
		Build: func(command string, constraints domain.Constraints) domain.Decomposition {
			var clarifications []domain.Clarification
			if constraints.Get("target_path", "") == "" {
				clarifications = append(clarifications, domain.Clarification{
					Question: "Which file should this change target?",
					Context:  "code-change template needs target_path to read and write the right file",
					Required: true,
				})
			}
			return domain.Decomposition{
				Complexity: domain.ComplexitySimple,
				Subtasks: []domain.Subtask{
					{ID: "implement", AgentRole: domain.RoleDeveloper, Description: command, ExpectedOutput: domain.OutputCodeEdit, Priority: 0},
					{ID: "verify", AgentRole: domain.RoleQA, Description: "confirm the change in implement satisfies: " + command, ExpectedOutput: domain.OutputAnalysis, Priority: 1},
				},
				Dependencies:      map[string][]string{"verify": {"implement"}},
				Clarifications:    clarifications,
				SuccessCriteria:   []string{"the change compiles", "the change is reviewed"},
				EstimatedDuration: "same_day",
			}
		},
	}
}

func reviewTemplate() *Template {
	return &Template{
		Name:  "review",
		Match: regexp.MustCompile(`review|audit|assess`),
		Build: func(command string, constraints domain.Constraints) domain.Decomposition {
			return domain.Decomposition{
				Complexity: domain.ComplexitySimple,
				Subtasks: []domain.Subtask{
					{ID: "review", AgentRole: domain.RoleQA, Description: command, ExpectedOutput: domain.OutputAnalysis, Priority: 0},
				},
				SuccessCriteria:   []string{"a written assessment"},
				EstimatedDuration: "flexible",
			}
		},
	}
}

func genericTemplate() *Template {
	return &Template{
		Name:  "generic",
		Match: regexp.MustCompile(`.*`),
		Build: func(command string, constraints domain.Constraints) domain.Decomposition {
			return domain.Decomposition{
				Complexity: domain.ComplexitySimple,
				Subtasks: []domain.Subtask{
					{ID: "default", AgentRole: domain.RoleDeveloper, Description: command, ExpectedOutput: domain.OutputAnalysis, Priority: 0},
				},
				SuccessCriteria:   []string{"the command is addressed"},
				EstimatedDuration: "flexible",
			}
		},
	}
}
