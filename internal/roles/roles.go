// Package roles loads AgentRole system-prompt templates: a YAML-frontmatter
// header over a Markdown instruction body, parsed with the same
// frontmatter-splitting routine the teacher's internal/skills package uses
// for Agent Skills, so role prompts are reviewable, hand-editable files
// rather than string constants baked into Go source.
package roles

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agentorch/engine/internal/domain"
)

// Template is one AgentRole's prompt definition.
type Template struct {
	Name              string            `yaml:"name"`
	Description       string            `yaml:"description"`
	DefaultOutputKind string            `yaml:"default_output_kind"`
	AllowedTools      []string          `yaml:"allowed_tools"`
	Metadata          map[string]string `yaml:"metadata,omitempty"`

	Instructions string `yaml:"-"`
	Path         string `yaml:"-"`
}

// Registry maps AgentRole to its Template, falling back to a compiled-in
// default when no file-based template has been loaded for that role: a role
// template may refine prose, never invent a new role outside the closed set
// in domain.AgentRole.
type Registry struct {
	templates map[domain.AgentRole]*Template
}

// NewRegistry returns a Registry pre-populated with a minimal built-in
// template per role, so the engine is usable before any role file is loaded
// from disk.
func NewRegistry() *Registry {
	r := &Registry{templates: make(map[domain.AgentRole]*Template)}
	for role, def := range builtinDefaults {
		r.templates[role] = def
	}
	return r
}

// LoadDir loads every "<role>.md" file in dir, overriding the corresponding
// built-in default. Unknown filenames (not matching a closed AgentRole) are
// skipped, not rejected, since a templates directory may be shared with other
// tooling.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".md" {
			continue
		}
		role := domain.AgentRole(strings.TrimSuffix(entry.Name(), ".md"))
		if _, known := builtinDefaults[role]; !known {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read role template %s: %w", path, err)
		}
		tmpl, err := Parse(string(content))
		if err != nil {
			return fmt.Errorf("parse role template %s: %w", path, err)
		}
		tmpl.Path = path
		r.templates[role] = tmpl
	}
	return nil
}

// Get returns the Template for role, or an error if the role is unknown to
// the registry (it is always known, since NewRegistry seeds every closed-set
// role; an error here indicates a caller passed a role string the closed set
// does not contain).
func (r *Registry) Get(role domain.AgentRole) (*Template, error) {
	t, ok := r.templates[role]
	if !ok {
		return nil, fmt.Errorf("unknown agent role %q", role)
	}
	return t, nil
}

// Parse parses a role template file's YAML frontmatter plus Markdown body,
// using the same delimiter-scanning approach as skills.splitFrontmatter.
func Parse(content string) (*Template, error) {
	frontmatter, body, err := splitFrontmatter(content)
	if err != nil {
		return nil, err
	}
	t := &Template{}
	if err := yaml.Unmarshal([]byte(frontmatter), t); err != nil {
		return nil, fmt.Errorf("invalid frontmatter: %w", err)
	}
	if t.Name == "" {
		return nil, fmt.Errorf("missing required field: name")
	}
	t.Instructions = strings.TrimSpace(body)
	return t, nil
}

func splitFrontmatter(content string) (frontmatter, body string, err error) {
	lines := strings.Split(content, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return "", "", fmt.Errorf("missing frontmatter delimiter")
	}

	var fmLines []string
	bodyStart := len(lines)
	closed := false
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			closed = true
			bodyStart = i + 1
			break
		}
		fmLines = append(fmLines, lines[i])
	}
	if !closed {
		return "", "", fmt.Errorf("unclosed frontmatter")
	}

	frontmatter = strings.Join(fmLines, "\n")
	if bodyStart < len(lines) {
		body = strings.Join(lines[bodyStart:], "\n")
	}
	return frontmatter, body, nil
}

// SystemPrompt renders the full system prompt for a subtask: the template's
// instructions plus a terse framing header.
func (t *Template) SystemPrompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are acting as %s. %s\n\n", t.Name, t.Description)
	b.WriteString(t.Instructions)
	return b.String()
}

// quickRef parses only the frontmatter, for discovery use cases that don't
// need the full body (mirrors skills.parseRef).
func quickRef(path string) (Template, error) {
	f, err := os.Open(path)
	if err != nil {
		return Template{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var inFrontmatter bool
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if !inFrontmatter {
			if trimmed == "---" {
				inFrontmatter = true
			}
			continue
		}
		if trimmed == "---" {
			break
		}
		lines = append(lines, line)
	}
	var t Template
	if err := yaml.Unmarshal([]byte(strings.Join(lines, "\n")), &t); err != nil {
		return Template{}, err
	}
	return t, nil
}

var builtinDefaults = map[domain.AgentRole]*Template{
	domain.RoleMarketResearcher: {
		Name: string(domain.RoleMarketResearcher), Description: "gathers market and competitor context",
		DefaultOutputKind: string(domain.OutputAnalysis),
		Instructions:      "Research the stated market or competitive question. Cite sources. Produce a concise analysis, not a transcript of your search.",
	},
	domain.RoleBusinessAnalyst: {
		Name: string(domain.RoleBusinessAnalyst), Description: "evaluates business viability and constraints",
		DefaultOutputKind: string(domain.OutputAnalysis),
		Instructions:      "Assess business viability against the stated constraints. Call out risks plainly.",
	},
	domain.RoleTechnicalAssessor: {
		Name: string(domain.RoleTechnicalAssessor), Description: "evaluates technical feasibility",
		DefaultOutputKind: string(domain.OutputAnalysis),
		Instructions:      "Assess technical feasibility, required skills, and integration risk.",
	},
	domain.RoleOpportunityScorer: {
		Name: string(domain.RoleOpportunityScorer), Description: "scores candidate opportunities against criteria",
		DefaultOutputKind: string(domain.OutputScoring),
		Instructions:      "Score each item against the given criteria and justify the total.",
	},
	domain.RoleDeploymentStrategist: {
		Name: string(domain.RoleDeploymentStrategist), Description: "plans rollout and deployment",
		DefaultOutputKind: string(domain.OutputPlan),
		Instructions:      "Produce an ordered deployment plan with explicit rollback points.",
	},
	domain.RoleDeveloper: {
		Name: string(domain.RoleDeveloper), Description: "implements code changes",
		DefaultOutputKind: string(domain.OutputCodeEdit),
		Instructions:      "Make the smallest correct change. Return the complete new file content in a fenced code block, and a one-paragraph rationale.",
	},
	domain.RoleQA: {
		Name: string(domain.RoleQA), Description: "writes and reasons about tests",
		DefaultOutputKind: string(domain.OutputCodeEdit),
		Instructions:      "Add or adjust tests covering the change under review. Return the complete new test file content in a fenced code block.",
	},
	domain.RoleArchitect: {
		Name: string(domain.RoleArchitect), Description: "designs structure ahead of implementation",
		DefaultOutputKind: string(domain.OutputPlan),
		Instructions:      "Produce a plan other roles can implement independently, with clear interfaces between pieces.",
	},
	domain.RoleReviewer: {
		Name: string(domain.RoleReviewer), Description: "reviews proposed code changes",
		DefaultOutputKind: string(domain.OutputAnalysis),
		Instructions:      "Evaluate the proposed change for correctness, security, and maintainability.",
	},
	domain.RolePlanner: {
		Name: string(domain.RolePlanner), Description: "decomposes goals into subtasks",
		DefaultOutputKind: string(domain.OutputPlan),
		Instructions:      "Break the goal into independently executable subtasks with explicit dependencies.",
	},
}
