// Package orchestrator implements the Orchestrator (SPEC_FULL.md §4.1): it
// turns a Command into a Decomposition via a small keyword-matched template
// registry, drives phase-by-phase Worker pool execution, and aggregates the
// results into a typed Report. The phase-then-dispatch shape is grounded on
// the teacher's top-level executor loop, which likewise drives a sequence of
// bounded steps and folds their outcomes into one final result rather than
// raising partway through.
package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/agentorch/engine/internal/clock"
	"github.com/agentorch/engine/internal/domain"
	"github.com/agentorch/engine/internal/eventbus"
	"github.com/agentorch/engine/internal/memory"
	"github.com/agentorch/engine/internal/obstrace"
	"github.com/agentorch/engine/internal/report"
	"github.com/agentorch/engine/internal/safety"
	"github.com/agentorch/engine/internal/worker"
)

// Orchestrator drives one Command from Decomposition through aggregation.
type Orchestrator struct {
	templates             *Registry
	worker                *worker.Worker
	safety                *safety.Controller
	memory                memory.Store
	bus                   eventbus.Bus
	clock                 *clock.Clock
	logger                *logging.Logger
	defaultWorkers        int
	successRatioThreshold float64
}

// Config constructs an Orchestrator.
type Config struct {
	Templates      *Registry
	Worker         *worker.Worker
	Safety         *safety.Controller
	Memory         memory.Store
	Bus            eventbus.Bus
	Clock          *clock.Clock
	DefaultWorkers int

	// SuccessRatioThreshold is the fraction of ExecutionRecords that must
	// succeed for a run to be reported as success (domain.OrchestrationResult
	// doc, SPEC_FULL.md §3); default 0.8.
	SuccessRatioThreshold float64
}

func New(cfg Config) *Orchestrator {
	ck := cfg.Clock
	if ck == nil {
		ck = clock.New()
	}
	templates := cfg.Templates
	if templates == nil {
		templates = NewRegistry()
	}
	defaultWorkers := cfg.DefaultWorkers
	if defaultWorkers <= 0 {
		defaultWorkers = 5
	}
	threshold := cfg.SuccessRatioThreshold
	if threshold <= 0 {
		threshold = 0.8
	}
	return &Orchestrator{
		templates:             templates,
		worker:                cfg.Worker,
		safety:                cfg.Safety,
		memory:                cfg.Memory,
		bus:                   cfg.Bus,
		clock:                 ck,
		logger:                logging.New().WithComponent("orchestrator"),
		defaultWorkers:        defaultWorkers,
		successRatioThreshold: threshold,
	}
}

// Orchestrate decomposes command, runs it phase by phase through the Worker
// pool, and returns the aggregated result (SPEC_FULL.md §4.1).
func (o *Orchestrator) Orchestrate(ctx context.Context, command string, constraints domain.Constraints, skipClarifications bool) (*domain.OrchestrationResult, error) {
	start := o.clock.Now()
	taskID := uuid.NewString()

	ctx, rootSpan := obstrace.StartOrchestration(ctx, taskID, command)
	var orchestrateErr error
	defer func() { obstrace.EndOrchestration(rootSpan, orchestrateErr == nil, orchestrateErr) }()

	if o.safety != nil && o.safety.IsStopped() {
		orchestrateErr = domain.ErrEmergencyStopped
		return &domain.OrchestrationResult{TaskID: taskID, Command: command, Success: false, Errors: []string{domain.ErrEmergencyStopped.Error()}}, domain.ErrEmergencyStopped
	}

	tmpl := o.templates.Resolve(command)
	decomposition := tmpl.Build(command, constraints)

	skipClarifications = skipClarifications || constraints.Bool("skip_clarifications")
	if !skipClarifications && decomposition.HasRequiredClarification() {
		orchestrateErr = domain.ErrClarificationRequired
		return &domain.OrchestrationResult{TaskID: taskID, Command: command, Success: false, Errors: []string{domain.ErrClarificationRequired.Error()}}, domain.ErrClarificationRequired
	}

	maxWorkers := o.defaultWorkers
	if constraints.Get("max_workers", "") != "" {
		if n, err := parsePositiveInt(constraints.Get("max_workers", "")); err == nil {
			maxWorkers = n
		}
	}
	budgetLimit := parseBudget(constraints.Get("budget", ""))

	pool := worker.NewPool(worker.PoolConfig{
		Worker:      o.worker,
		MaxWorkers:  maxWorkers,
		BudgetLimit: budgetLimit,
		Bus:         o.bus,
	})

	results := make(map[string]domain.ExecutionRecord, len(decomposition.Subtasks))
	sections := make([]report.Section, 0, len(decomposition.Phases()))
	var allErrors []string
	// aborted marks a genuine external stop (emergency stop, context
	// cancellation) that must force success=false outright, as opposed to
	// ordinary subtask failures which are judged by the success-ratio
	// threshold below.
	aborted := false

	for phaseIdx, phase := range decomposition.Phases() {
		if o.safety != nil && o.safety.IsStopped() {
			allErrors = append(allErrors, domain.ErrEmergencyStopped.Error())
			aborted = true
			break
		}
		select {
		case <-ctx.Done():
			allErrors = append(allErrors, ctx.Err().Error())
			aborted = true
		default:
		}
		if aborted {
			break
		}

		phaseCtx, phaseSpan := obstrace.StartPhase(ctx, phaseIdx, len(phase))
		phaseRecords, err := pool.RunPhase(phaseCtx, phase, constraints)
		if err != nil {
			allErrors = append(allErrors, err.Error())
		}

		failed := 0
		section := report.Section{Title: fmt.Sprintf("Phase %d", phaseIdx)}
		for _, st := range phase {
			record, ok := phaseRecords[st.ID]
			if !ok {
				continue
			}
			results[st.ID] = record
			row := report.Row{SubtaskID: st.ID, Role: string(st.AgentRole)}
			if record.Success {
				row.Status = report.RowSuccess
				row.Summary = "completed"
			} else {
				row.Status = report.RowFailure
				row.Summary = record.Error
				failed++
				allErrors = append(allErrors, fmt.Sprintf("%s: %s", st.ID, record.Error))
			}
			section.Rows = append(section.Rows, row)
		}
		sort.Slice(section.Rows, func(i, j int) bool { return section.Rows[i].SubtaskID < section.Rows[j].SubtaskID })
		sections = append(sections, section)
		obstrace.EndPhase(phaseSpan, failed)

		// A phase where most subtasks failed makes later, dependent phases
		// unlikely to produce anything useful; stop dispatching further
		// phases, but let the success-ratio gate below (not this heuristic)
		// decide whether the overall run still counts as success.
		if len(phase) > 0 && failed*2 > len(phase) {
			break
		}
	}

	// Success is a fraction-of-successes gate, not an all-or-nothing one: a
	// run where 9 of 10 records succeeded still reports success=true as long
	// as it clears the threshold and no critical SafetyViolation fired
	// (domain.OrchestrationResult doc, SPEC_FULL.md §3).
	successRatio := 1.0
	if len(results) > 0 {
		succeeded := 0
		for _, record := range results {
			if record.Success {
				succeeded++
			}
		}
		successRatio = float64(succeeded) / float64(len(results))
	}
	criticalViolation := false
	for _, record := range results {
		if !record.Success && domain.IsCriticalSafetyViolation(record.Error) {
			criticalViolation = true
			break
		}
	}
	success := !aborted && !criticalViolation && successRatio >= o.successRatioThreshold
	if !success && len(allErrors) > 0 {
		orchestrateErr = fmt.Errorf("%s", allErrors[0])
	}
	var recommendations []string
	for _, record := range results {
		if record.Success && record.Artifact != nil {
			recommendations = append(recommendations, summarizeForRecommendation(record))
		}
	}

	rep := &report.Report{
		TaskID:          taskID,
		Command:         command,
		Success:         success,
		Sections:        sections,
		Errors:          allErrors,
		Recommendations: recommendations,
	}

	result := &domain.OrchestrationResult{
		TaskID:        taskID,
		Command:       command,
		AgentsSpawned: len(results),
		ExecutionTime: o.clock.Now().Sub(start),
		Success:       success,
		Results:       results,
		FinalReport:   rep.Render(),
		Errors:        allErrors,
	}

	if o.memory != nil {
		if _, err := o.memory.Remember(ctx, result.FinalReport, domain.MemoryTask, []string{"orchestration", taskID}, nil, 0.5, map[string]string{"task_id": taskID}); err != nil {
			o.logger.Warn("memory_write_failed", map[string]interface{}{"error": fmt.Sprintf("%v: %v", domain.ErrMemory, err)})
		}
	}

	return result, nil
}

func summarizeForRecommendation(record domain.ExecutionRecord) string {
	if record.Artifact == nil {
		return fmt.Sprintf("%s (%s) completed", record.SubtaskID, record.Role)
	}
	switch record.Artifact.Kind {
	case domain.ArtifactAnalysis:
		return record.Artifact.Analysis.Text
	case domain.ArtifactPlan:
		return fmt.Sprintf("%s produced a %d-step plan", record.SubtaskID, len(record.Artifact.Plan.Steps))
	default:
		return fmt.Sprintf("%s (%s) completed", record.SubtaskID, record.Role)
	}
}

func parsePositiveInt(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("not positive: %s", s)
	}
	return n, nil
}

// parseBudget maps a qualitative band or a numeric string to a dollar
// budget_limit (SPEC_FULL.md §6.4). Unrecognized values mean "unbounded".
func parseBudget(s string) float64 {
	switch s {
	case "":
		return 0
	case "low":
		return 5.0
	case "medium":
		return 25.0
	case "high":
		return 100.0
	default:
		var f float64
		if _, err := fmt.Sscanf(s, "%f", &f); err == nil {
			return f
		}
		return 0
	}
}
