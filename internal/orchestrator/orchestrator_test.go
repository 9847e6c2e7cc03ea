package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vinayprograms/agentkit/llm"

	"github.com/agentorch/engine/internal/checkpoint"
	"github.com/agentorch/engine/internal/clock"
	"github.com/agentorch/engine/internal/domain"
	"github.com/agentorch/engine/internal/llmchain"
	"github.com/agentorch/engine/internal/memory"
	"github.com/agentorch/engine/internal/reviewer"
	"github.com/agentorch/engine/internal/roles"
	"github.com/agentorch/engine/internal/safety"
	"github.com/agentorch/engine/internal/supervision"
	"github.com/agentorch/engine/internal/vcs"
	"github.com/agentorch/engine/internal/worker"
)

type fakeCollaborator struct {
	revision string
	status   vcs.RepoStatus
}

func (f *fakeCollaborator) CurrentRevision(ctx context.Context) (string, error) {
	return f.revision, nil
}
func (f *fakeCollaborator) ResetTo(ctx context.Context, id string) error        { f.revision = id; return nil }
func (f *fakeCollaborator) CleanUntracked(ctx context.Context) error            { return nil }
func (f *fakeCollaborator) CreateBranch(ctx context.Context, name string) error { return nil }
func (f *fakeCollaborator) Commit(ctx context.Context, paths []string, message string) (string, error) {
	return f.revision, nil
}
func (f *fakeCollaborator) Push(ctx context.Context, branch string) error { return nil }
func (f *fakeCollaborator) Status(ctx context.Context) (vcs.RepoStatus, error) {
	return f.status, nil
}

func newTestOrchestrator(t *testing.T, response string) *Orchestrator {
	t.Helper()

	provider := llm.NewMockProvider()
	provider.SetResponse(response)
	factory := llm.NewSingleProviderFactory(provider)
	chain := llmchain.New(factory, "default")

	ck := clock.New()
	cps, err := checkpoint.NewStore(t.TempDir())
	require.NoError(t, err)
	collaborator := &fakeCollaborator{revision: "r1", status: vcs.RepoStatus{Clean: true}}
	safetyCtrl := safety.New(safety.DefaultConfig(t.TempDir(), "medium"), collaborator, nil, ck)
	supervisor := supervision.New(supervision.Config{Chain: chain, OriginalGoal: "orchestrator test"})
	mem := memory.NewInMemoryStore(nil, ck, 0)

	w := worker.New(worker.Config{
		Roles:       roles.NewRegistry(),
		Chain:       chain,
		Reviewer:    reviewer.New(chain),
		Safety:      safetyCtrl,
		Supervisor:  supervisor,
		Checkpoints: cps,
		Memory:      mem,
		Clock:       ck,
	})

	return New(Config{
		Worker: w,
		Safety: safetyCtrl,
		Memory: mem,
		Clock:  ck,
	})
}

func TestOrchestrator_GenericCommandSingleSubtask(t *testing.T) {
	o := newTestOrchestrator(t, `{"text": "looks fine", "sources": [], "insights": []}`)

	result, err := o.Orchestrate(context.Background(), "summarize recent logs", domain.Constraints{}, false)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 1, result.AgentsSpawned)
	require.Contains(t, result.FinalReport, "SUCCESS")
}

func TestOrchestrator_CodeChangeRequiresClarificationWithoutTargetPath(t *testing.T) {
	o := newTestOrchestrator(t, `irrelevant`)

	result, err := o.Orchestrate(context.Background(), "implement a new feature", domain.Constraints{}, false)
	require.ErrorIs(t, err, domain.ErrClarificationRequired)
	require.Equal(t, 0, result.AgentsSpawned)
	require.False(t, result.Success)
}

func TestOrchestrator_CodeChangeRunsPhasesInOrder(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "main.go")
	require.NoError(t, os.WriteFile(target, []byte("package main\n"), 0o644))

	// One canned response serves every call: implement parses the fenced code
	// block, the reviewer parses the approval JSON, and verify parses the
	// analysis JSON. Without a parseable edit, implement fails and the
	// more-than-half-failed rule skips verify.
	o := newTestOrchestrator(t, "```go\npackage main\n```\n{\"text\": \"verified\", \"decision\": \"approve\", \"confidence\": 0.95, \"sources\": [], \"insights\": []}")

	result, err := o.Orchestrate(context.Background(), "implement a health check", domain.Constraints{"target_path": target, "require_tests": "false"}, false)
	require.NoError(t, err)
	require.Equal(t, 2, result.AgentsSpawned)
	_, hasImplement := result.Results["implement"]
	_, hasVerify := result.Results["verify"]
	require.True(t, hasImplement)
	require.True(t, hasVerify)
}

func TestOrchestrator_BusinessOpportunitySixSubtasksFivePhases(t *testing.T) {
	// One combined response body satisfies every ExpectedOutput kind in the
	// graph (analysis needs "text", scoring needs "items", plan needs
	// "steps"), so every subtask succeeds regardless of its own kind.
	response := `{
		"text": "digital channels show strong autonomous deployment demand",
		"sources": ["industry report"],
		"insights": ["competitors are slow to automate"],
		"items": [{"name": "self-serve onboarding", "criteria_scores": {"risk": 0.2, "reward": 0.8}, "total": 0.8, "grade": "A"}],
		"steps": [{"description": "ship the onboarding flow behind a flag"}]
	}`
	o := newTestOrchestrator(t, response)

	constraints := domain.Constraints{"scope": "digital_only", "skip_clarifications": "true"}
	result, err := o.Orchestrate(context.Background(), "find autonomous deployment opportunities in the market", constraints, false)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 6, result.AgentsSpawned)

	for _, id := range []string{
		"market_trend_research", "competitor_analysis", "technical_capability_assessment",
		"opportunity_identification", "opportunity_scoring", "deployment_strategy",
	} {
		_, ok := result.Results[id]
		require.True(t, ok, "missing subtask %s", id)
	}
}

func TestOrchestrator_EmergencyStopRefusesImmediately(t *testing.T) {
	o := newTestOrchestrator(t, `irrelevant`)
	o.safety.Activate("test stop")

	result, err := o.Orchestrate(context.Background(), "summarize recent logs", domain.Constraints{}, false)
	require.ErrorIs(t, err, domain.ErrEmergencyStopped)
	require.Equal(t, 0, result.AgentsSpawned)
}
