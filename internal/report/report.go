// Package report builds the Orchestrator's human-readable Markdown output
// from a typed object rather than direct string concatenation (SPEC_FULL.md
// §9's design note), so the content can be asserted on in tests before ever
// touching a string.
package report

import (
	"fmt"
	"strings"
)

// RowStatus marks a single subtask row's outcome.
type RowStatus string

const (
	RowSuccess RowStatus = "success"
	RowFailure RowStatus = "failure"
)

// Row is one subtask line in a Section.
type Row struct {
	SubtaskID string
	Role      string
	Status    RowStatus
	Summary   string
	Detail    string
}

// Section groups Rows under a heading, in the order they should render.
type Section struct {
	Title string
	Rows  []Row
	Notes []string
}

// Report is the Orchestrator's full output: a banner, one Section per
// priority phase, an error list, and a recommendations block.
type Report struct {
	TaskID          string
	Command         string
	Success         bool
	Sections        []Section
	Errors          []string
	Recommendations []string
}

// Render produces the final Markdown. It is the only place in the package
// that touches string formatting directly.
func (r *Report) Render() string {
	var sb strings.Builder

	banner := "✅ SUCCESS"
	if !r.Success {
		banner = "❌ FAILED"
	}
	fmt.Fprintf(&sb, "# Orchestration Report: %s\n\n", r.TaskID)
	fmt.Fprintf(&sb, "**Command:** %s\n\n**Status:** %s\n\n", r.Command, banner)

	for _, section := range r.Sections {
		fmt.Fprintf(&sb, "## %s\n\n", section.Title)
		for _, row := range section.Rows {
			mark := "✅"
			if row.Status == RowFailure {
				mark = "❌"
			}
			fmt.Fprintf(&sb, "- %s **%s** (%s): %s\n", mark, row.SubtaskID, row.Role, row.Summary)
			if row.Detail != "" {
				fmt.Fprintf(&sb, "  - %s\n", row.Detail)
			}
		}
		for _, note := range section.Notes {
			fmt.Fprintf(&sb, "\n> %s\n", note)
		}
		sb.WriteString("\n")
	}

	if len(r.Errors) > 0 {
		sb.WriteString("## Errors\n\n")
		for _, e := range r.Errors {
			fmt.Fprintf(&sb, "- %s\n", e)
		}
		sb.WriteString("\n")
	}

	if len(r.Recommendations) > 0 {
		sb.WriteString("## Recommendations\n\n")
		for _, rec := range r.Recommendations {
			fmt.Fprintf(&sb, "- %s\n", rec)
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// SuccessCount returns how many rows across all sections report success.
func (r *Report) SuccessCount() int {
	n := 0
	for _, s := range r.Sections {
		for _, row := range s.Rows {
			if row.Status == RowSuccess {
				n++
			}
		}
	}
	return n
}
