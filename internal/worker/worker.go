// Package worker implements the Worker (SPEC_FULL.md §4.2): the component
// that realizes exactly one Subtask end-to-end, wrapping the COMMIT/EXECUTE/
// RECONCILE/SUPERVISE discipline (§2.3) around an LLM call, artifact parsing,
// review, safety validation, and application to the working tree. The
// pipeline shape is grounded on the teacher's internal/executor.Executor,
// which drives an analogous single-step loop (build prompt, call the model,
// parse, act) behind a similarly defensive no-panic-escapes posture.
package worker

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/agentorch/engine/internal/checkpoint"
	"github.com/agentorch/engine/internal/clock"
	"github.com/agentorch/engine/internal/domain"
	"github.com/agentorch/engine/internal/llmchain"
	"github.com/agentorch/engine/internal/memory"
	"github.com/agentorch/engine/internal/obstrace"
	"github.com/agentorch/engine/internal/reviewer"
	"github.com/agentorch/engine/internal/roles"
	"github.com/agentorch/engine/internal/safety"
	"github.com/agentorch/engine/internal/supervision"
	"github.com/agentorch/engine/internal/vcs"
)

// MaxFileReadBytes bounds how much of a referenced repository file is read
// into the prompt (SPEC_FULL.md §4.2 step 1's "bounded read").
const MaxFileReadBytes = 64 * 1024

// MemoryRecallLimit is K in "query Memory for up to K records" (§4.2 step 2).
const MemoryRecallLimit = 5

// Worker realizes one subtask end-to-end. Workers share no mutable state of
// their own; everything they touch (chain, reviewer, safety, memory,
// checkpoints) is internally synchronized, so a single Worker value is safe
// to invoke concurrently from multiple goroutines as long as each call
// carries its own Subtask.
type Worker struct {
	roles       *roles.Registry
	chain       *llmchain.Chain
	reviewer    *reviewer.Reviewer
	safety      *safety.Controller
	supervisor  *supervision.Supervisor
	checkpoints *checkpoint.Store
	memory      memory.Store
	vcsHost     vcs.ReviewHost // may be nil
	clock       *clock.Clock
	logger      *logging.Logger
	repoRoot    string
}

// Config constructs a Worker from its collaborating components.
type Config struct {
	Roles       *roles.Registry
	Chain       *llmchain.Chain
	Reviewer    *reviewer.Reviewer
	Safety      *safety.Controller
	Supervisor  *supervision.Supervisor
	Checkpoints *checkpoint.Store
	Memory      memory.Store
	VCSHost     vcs.ReviewHost
	Clock       *clock.Clock
	RepoRoot    string
}

func New(cfg Config) *Worker {
	ck := cfg.Clock
	if ck == nil {
		ck = clock.New()
	}
	return &Worker{
		roles:       cfg.Roles,
		chain:       cfg.Chain,
		reviewer:    cfg.Reviewer,
		safety:      cfg.Safety,
		supervisor:  cfg.Supervisor,
		checkpoints: cfg.Checkpoints,
		memory:      cfg.Memory,
		vcsHost:     cfg.VCSHost,
		clock:       ck,
		logger:      logging.New().WithComponent("worker"),
		repoRoot:    cfg.RepoRoot,
	}
}

// Execute runs a single subtask through the full pipeline described in
// SPEC_FULL.md §4.2. It never panics or returns a raw LLM/IO error to the
// caller: every failure mode is folded into a failed ExecutionRecord.
func (w *Worker) Execute(ctx context.Context, subtask domain.Subtask, constraints domain.Constraints) (result domain.ExecutionRecord, resultErr error) {
	start := w.clock.Now()
	record := domain.ExecutionRecord{SubtaskID: subtask.ID, Role: subtask.AgentRole, Timestamp: start}

	ctx, span := obstrace.StartSubtask(ctx, subtask.ID, string(subtask.AgentRole))
	defer func() { obstrace.EndSubtask(span, result.Success, result.Error) }()

	defer func() {
		if r := recover(); r != nil {
			record.Success = false
			record.Error = fmt.Sprintf("panic recovered: %v", r)
			w.logger.Error("worker_panic_recovered", map[string]interface{}{"subtask": subtask.ID, "panic": fmt.Sprint(r)})
			result, resultErr = record, nil
		}
	}()

	tmpl, err := w.roles.Get(subtask.AgentRole)
	if err != nil {
		return w.fail(record, start, fmt.Errorf("resolve role template: %w", err))
	}

	// Step 0: COMMIT.
	pre := &domain.PreCheckpoint{
		StepID:          subtask.ID,
		StepType:        string(subtask.ExpectedOutput),
		Instruction:     subtask.Description,
		Interpretation:  subtask.Description,
		Approach:        tmpl.Description,
		ToolsPlanned:    subtask.RequiredTools,
		PredictedOutput: string(subtask.ExpectedOutput),
		Confidence:      domain.ConfidenceMedium,
		Timestamp:       start,
	}
	if err := w.checkpoints.SavePre(pre); err != nil {
		w.logger.Warn("checkpoint_save_pre_failed", map[string]interface{}{"error": err.Error()})
	}

	// Step 1: build prompts.
	fileContext, targetPath := w.readReferencedFile(subtask, constraints)
	userPrompt := w.buildUserPrompt(subtask, fileContext)

	// Step 2: inject Memory recall.
	if w.memory != nil {
		if recalled, err := w.memory.Recall(ctx, subtask.Description, memory.RecallOpts{
			Limit: MemoryRecallLimit,
			Tags:  []string{"pattern"},
		}); err != nil {
			w.logger.Warn("memory_recall_failed", map[string]interface{}{"error": err.Error()})
		} else if len(recalled) > 0 {
			userPrompt += "\n\n" + renderRecalledPatterns(recalled)
		}
	}

	// Step 3: invoke the LLM fallback chain, ordered by the timeline
	// constraint when one is given (SPEC_FULL.md §6.4).
	profiles := llmchain.ForTimeline(constraints.Get("timeline", ""), []string{"fast"}, []string{"default"})
	result, err := w.chain.ChatOrdered(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: tmpl.SystemPrompt()},
			{Role: "user", Content: userPrompt},
		},
	}, profiles)
	if err != nil {
		return w.fail(record, start, fmt.Errorf("%w: %v", domain.ErrLLMUnavailable, err))
	}
	record.ModelUsed = result.Profile
	record.Cost = estimateCost(result)

	// Step 4: parse the artifact.
	artifact, err := parseArtifact(result.Response.Content, subtask.ExpectedOutput, targetPath)
	if err != nil {
		return w.fail(record, start, err)
	}
	record.Artifact = &artifact

	// Step 4b: EXECUTE done, RECONCILE, maybe SUPERVISE.
	post := &domain.PostCheckpoint{
		StepID:        subtask.ID,
		ActualOutput:  summarizeArtifact(artifact),
		ToolsUsed:     subtask.RequiredTools,
		MetCommitment: true,
		Timestamp:     w.clock.Now(),
	}
	if err := w.checkpoints.SavePost(post); err != nil {
		w.logger.Warn("checkpoint_save_post_failed", map[string]interface{}{"error": err.Error()})
	}

	reconcile := w.supervisor.Reconcile(pre, post)
	if err := w.checkpoints.SaveReconcile(reconcile); err != nil {
		w.logger.Warn("checkpoint_save_reconcile_failed", map[string]interface{}{"error": err.Error()})
	}

	if reconcile.Supervise {
		requiresHuman := requiresSignOff(subtask.AgentRole)
		trail := w.checkpoints.GetDecisionTrail()
		verdict, err := w.supervisor.Supervise(ctx, pre, post, reconcile.Triggers, trail, requiresHuman)
		if err != nil {
			w.logger.Warn("supervise_failed", map[string]interface{}{"error": err.Error()})
		} else {
			if err := w.checkpoints.SaveSupervise(verdict); err != nil {
				w.logger.Warn("checkpoint_save_supervise_failed", map[string]interface{}{"error": err.Error()})
			}
			switch verdict.Verdict {
			case domain.VerdictPause:
				if requiresHuman {
					return w.fail(record, start, domain.ErrSupervisionPaused)
				}
			case domain.VerdictReorient:
				if artifact.CodeEdit != nil {
					artifact.CodeEdit.Rationale = verdict.Correction + "; " + artifact.CodeEdit.Rationale
				}
			}
		}
	}

	// Steps 5-8 only apply to CodeEdit artifacts.
	if artifact.Kind == domain.ArtifactCodeEdit {
		return w.applyCodeEdit(ctx, subtask, artifact, record, start, constraints)
	}

	record.Success = true
	record.Duration = w.clock.Now().Sub(start)
	w.writeMemory(ctx, record)
	return record, nil
}

func (w *Worker) applyCodeEdit(ctx context.Context, subtask domain.Subtask, artifact domain.Artifact, record domain.ExecutionRecord, start time.Time, constraints domain.Constraints) (domain.ExecutionRecord, error) {
	edit := artifact.CodeEdit
	original := w.readFileQuiet(edit.TargetPath)

	// Step 5: Reviewer gate.
	outcome, err := w.reviewer.Review(ctx, original, edit.NewContent, edit.TargetPath, edit.Rationale, subtask.AgentRole)
	if err != nil {
		return w.fail(record, start, fmt.Errorf("reviewer: %w", err))
	}
	record.ReviewOutcome = &outcome

	switch outcome.Decision {
	case domain.ReviewReject:
		return w.fail(record, start, domain.ErrReviewRejected)
	case domain.ReviewRequestChanges:
		return w.fail(record, start, domain.ErrReviewRequestedChanges)
	}

	// Step 6: Safety validation, with this run's require_tests/safety_level
	// constraint overrides applied on top of the shared Controller's config
	// (SPEC_FULL.md §6.4).
	change := safety.ProposedChange{
		ChangedPaths: []string{edit.TargetPath},
		LinesChanged: countChangedLines(original, edit.NewContent),
	}
	ok, violations := w.safety.ValidateWithOverrides(ctx, change, safetyOverridesFromConstraints(constraints))
	if !ok {
		return w.fail(record, start, domain.NewSafetyViolationError(violations))
	}

	// Step 7: checkpoint, then apply.
	cp, err := w.safety.CreateCheckpoint(ctx, "subtask:"+subtask.ID, map[string]string{"subtask_id": subtask.ID})
	if err != nil {
		return w.fail(record, start, fmt.Errorf("create checkpoint: %w", err))
	}
	record.CheckpointID = cp.ID

	if err := os.WriteFile(edit.TargetPath, []byte(edit.NewContent), 0o644); err != nil {
		return w.fail(record, start, fmt.Errorf("apply code edit: %w", err))
	}
	w.safety.RecordOperation()

	// Step 8: optional VCS review request. A failure here is surfaced but does
	// not undo the local application.
	if w.vcsHost != nil {
		branch := vcs.BranchName(string(subtask.AgentRole), subtask.ID, w.clock.Now().Unix())
		if _, err := w.vcsHost.OpenReviewRequest(ctx, branch, "automated: "+subtask.Description, edit.Rationale, map[string]string{"subtask_id": subtask.ID}); err != nil {
			record.Error = fmt.Sprintf("%v: %v", domain.ErrVCS, err)
		}
	}

	record.Success = true
	record.Duration = w.clock.Now().Sub(start)
	w.writeMemory(ctx, record)
	return record, nil
}

func (w *Worker) fail(record domain.ExecutionRecord, start time.Time, err error) (domain.ExecutionRecord, error) {
	record.Success = false
	record.Error = err.Error()
	record.Duration = w.clock.Now().Sub(start)
	w.writeMemory(context.Background(), record)
	return record, nil
}

func (w *Worker) writeMemory(ctx context.Context, record domain.ExecutionRecord) {
	if w.memory == nil {
		return
	}
	outcome := "failure"
	if record.Success {
		outcome = "success"
	}
	tags := []string{"worker", string(record.Role), outcome}
	content := fmt.Sprintf("subtask %s (%s) %s", record.SubtaskID, record.Role, outcome)
	if record.Error != "" {
		content += ": " + record.Error
	}
	if _, err := w.memory.Remember(ctx, content, domain.MemoryProgress, tags, nil, memoryImportance(record), map[string]string{"subtask_id": record.SubtaskID}); err != nil {
		w.logger.Warn("memory_write_failed", map[string]interface{}{"error": fmt.Sprintf("%v: %v", domain.ErrMemory, err)})
	}
}

func memoryImportance(record domain.ExecutionRecord) float64 {
	if !record.Success {
		return 0.7
	}
	return 0.4
}

func requiresSignOff(role domain.AgentRole) bool {
	switch role {
	case domain.RoleDeveloper, domain.RoleArchitect:
		return true
	default:
		return false
	}
}

// safetyOverridesFromConstraints maps the `require_tests`/`safety_level`
// constraint keys (SPEC_FULL.md §6.4) onto a per-call safety.Overrides,
// leaving the shared Controller's own config untouched when a key is absent.
func safetyOverridesFromConstraints(constraints domain.Constraints) safety.Overrides {
	var o safety.Overrides
	if v, ok := constraints["require_tests"]; ok && v != "" {
		b := constraints.Bool("require_tests")
		o.RequireTests = &b
	}
	o.SafetyLevel = constraints.Get("safety_level", "")
	return o
}

func (w *Worker) readReferencedFile(subtask domain.Subtask, constraints domain.Constraints) (content, targetPath string) {
	targetPath = constraints.Get("target_path", "")
	if targetPath == "" {
		return "", ""
	}
	return w.readFileQuiet(targetPath), targetPath
}

func (w *Worker) readFileQuiet(path string) string {
	if path == "" {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	var sb strings.Builder
	reader := bufio.NewReader(f)
	buf := make([]byte, MaxFileReadBytes)
	n, _ := reader.Read(buf)
	sb.Write(buf[:n])
	return sb.String()
}

func (w *Worker) buildUserPrompt(subtask domain.Subtask, fileContext string) string {
	var sb strings.Builder
	sb.WriteString(subtask.Description)
	if fileContext != "" {
		sb.WriteString("\n\n--- CURRENT FILE CONTENTS ---\n")
		sb.WriteString(fileContext)
	}
	return sb.String()
}

func renderRecalledPatterns(results []memory.Result) string {
	var sb strings.Builder
	sb.WriteString("--- RELEVANT PAST PATTERNS ---\n")
	for _, r := range results {
		sb.WriteString("- ")
		sb.WriteString(r.Record.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

func estimateCost(result llmchain.Result) float64 {
	// Byte-length estimate when the provider does not report token usage
	// (SPEC_FULL.md §4.7): a conservative placeholder ratio.
	return float64(len(result.Response.Content)) / 4000.0
}

func countChangedLines(original, modified string) int {
	if original == modified {
		return 0
	}
	origLines := strings.Split(original, "\n")
	newLines := strings.Split(modified, "\n")
	diff := len(newLines) - len(origLines)
	if diff < 0 {
		diff = -diff
	}
	changed := 0
	for i := 0; i < len(origLines) && i < len(newLines); i++ {
		if origLines[i] != newLines[i] {
			changed++
		}
	}
	return changed + diff
}

func summarizeArtifact(a domain.Artifact) string {
	switch a.Kind {
	case domain.ArtifactCodeEdit:
		return "edited " + a.CodeEdit.TargetPath
	case domain.ArtifactAnalysis:
		return a.Analysis.Text
	case domain.ArtifactScoring:
		return fmt.Sprintf("scored %d item(s)", len(a.Scoring.Items))
	case domain.ArtifactPlan:
		return fmt.Sprintf("planned %d step(s)", len(a.Plan.Steps))
	default:
		return "no-op"
	}
}
