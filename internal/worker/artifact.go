package worker

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/agentorch/engine/internal/domain"
)

var fencedCodeBlock = regexp.MustCompile("(?s)```(?:[a-zA-Z0-9_+-]*)\\n(.*?)```")

// parseArtifact turns a model response into the Artifact the subtask's
// ExpectedOutput kind calls for (SPEC_FULL.md §4.2 step 4): a fenced code
// block for CodeEdit, a JSON object for Analysis/Scoring/Plan. An
// unrecognizable response fails with ErrArtifactParse.
func parseArtifact(response string, kind domain.OutputKind, targetPath string) (domain.Artifact, error) {
	switch kind {
	case domain.OutputCodeEdit:
		return parseCodeEdit(response, targetPath)
	case domain.OutputAnalysis:
		return parseAnalysis(response)
	case domain.OutputScoring:
		return parseScoring(response)
	case domain.OutputPlan:
		return parsePlan(response)
	case domain.OutputNoOp:
		return domain.Artifact{Kind: domain.ArtifactNoOp, NoOp: &domain.NoOp{Reason: response}}, nil
	default:
		return domain.Artifact{}, fmt.Errorf("%w: unrecognized output kind %q", domain.ErrArtifactParse, kind)
	}
}

func parseCodeEdit(response, targetPath string) (domain.Artifact, error) {
	matches := fencedCodeBlock.FindStringSubmatch(response)
	if matches == nil {
		return domain.Artifact{}, fmt.Errorf("%w: no fenced code block found", domain.ErrArtifactParse)
	}
	content := strings.TrimRight(matches[1], "\n") + "\n"

	rationale := strings.TrimSpace(fencedCodeBlock.ReplaceAllString(response, ""))

	return domain.Artifact{
		Kind: domain.ArtifactCodeEdit,
		CodeEdit: &domain.CodeEdit{
			TargetPath: targetPath,
			NewContent: content,
			Rationale:  rationale,
		},
	}, nil
}

func jsonObject(response string) (string, bool) {
	start, end := strings.IndexByte(response, '{'), strings.LastIndexByte(response, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return response[start : end+1], true
}

func parseAnalysis(response string) (domain.Artifact, error) {
	obj, ok := jsonObject(response)
	if !ok {
		return domain.Artifact{}, fmt.Errorf("%w: no JSON object found for analysis", domain.ErrArtifactParse)
	}
	var wire struct {
		Text     string   `json:"text"`
		Sources  []string `json:"sources"`
		Insights []string `json:"insights"`
	}
	if err := json.Unmarshal([]byte(obj), &wire); err != nil || wire.Text == "" {
		return domain.Artifact{}, fmt.Errorf("%w: %v", domain.ErrArtifactParse, err)
	}
	return domain.Artifact{Kind: domain.ArtifactAnalysis, Analysis: &domain.Analysis{
		Text: wire.Text, Sources: wire.Sources, Insights: wire.Insights,
	}}, nil
}

func parseScoring(response string) (domain.Artifact, error) {
	obj, ok := jsonObject(response)
	if !ok {
		return domain.Artifact{}, fmt.Errorf("%w: no JSON object found for scoring", domain.ErrArtifactParse)
	}
	var wire struct {
		Items []struct {
			Name           string             `json:"name"`
			CriteriaScores map[string]float64 `json:"criteria_scores"`
			Total          float64            `json:"total"`
			Grade          string             `json:"grade"`
		} `json:"items"`
	}
	if err := json.Unmarshal([]byte(obj), &wire); err != nil || len(wire.Items) == 0 {
		return domain.Artifact{}, fmt.Errorf("%w: %v", domain.ErrArtifactParse, err)
	}
	items := make([]domain.ScoredItem, len(wire.Items))
	for i, it := range wire.Items {
		items[i] = domain.ScoredItem{Name: it.Name, CriteriaScores: it.CriteriaScores, Total: it.Total, Grade: it.Grade}
	}
	return domain.Artifact{Kind: domain.ArtifactScoring, Scoring: &domain.Scoring{Items: items}}, nil
}

func parsePlan(response string) (domain.Artifact, error) {
	obj, ok := jsonObject(response)
	if !ok {
		return domain.Artifact{}, fmt.Errorf("%w: no JSON object found for plan", domain.ErrArtifactParse)
	}
	var wire struct {
		Steps []struct {
			Description string `json:"description"`
		} `json:"steps"`
	}
	if err := json.Unmarshal([]byte(obj), &wire); err != nil || len(wire.Steps) == 0 {
		return domain.Artifact{}, fmt.Errorf("%w: %v", domain.ErrArtifactParse, err)
	}
	steps := make([]domain.PlanStep, len(wire.Steps))
	for i, s := range wire.Steps {
		steps[i] = domain.PlanStep{Description: s.Description}
	}
	return domain.Artifact{Kind: domain.ArtifactPlan, Plan: &domain.Plan{Steps: steps}}, nil
}
