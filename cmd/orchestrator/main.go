package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/vinayprograms/agentkit/credentials"
	"github.com/vinayprograms/agentkit/llm"

	"github.com/agentorch/engine/internal/autonomy"
	"github.com/agentorch/engine/internal/checkpoint"
	"github.com/agentorch/engine/internal/clock"
	"github.com/agentorch/engine/internal/config"
	"github.com/agentorch/engine/internal/domain"
	"github.com/agentorch/engine/internal/eventbus"
	"github.com/agentorch/engine/internal/feedback"
	"github.com/agentorch/engine/internal/llmchain"
	"github.com/agentorch/engine/internal/memory"
	"github.com/agentorch/engine/internal/orchestrator"
	"github.com/agentorch/engine/internal/progressview"
	"github.com/agentorch/engine/internal/reviewer"
	"github.com/agentorch/engine/internal/roles"
	"github.com/agentorch/engine/internal/safety"
	"github.com/agentorch/engine/internal/supervision"
	"github.com/agentorch/engine/internal/vcs"
	"github.com/agentorch/engine/internal/worker"
)

// Build-time variables (set via ldflags).
var (
	version = "dev"
)

// Exit codes (SPEC_FULL.md §6.6).
const (
	exitSuccess             = 0
	exitPartial             = 1
	exitClarificationNeeded = 2
	exitSafetyViolation     = 3
	exitEmergencyStop       = 4
	exitBudgetExceeded      = 5
	exitInfrastructureError = 10
)

var globalCreds *credentials.Credentials

func init() {
	if creds, _, err := credentials.Load(); err == nil && creds != nil {
		globalCreds = creds
	}
	_ = godotenv.Load()
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli, kongVars())

	var exitCode int
	switch {
	case strings.HasPrefix(kctx.Command(), "orchestrate"):
		exitCode = runOrchestrate(cli.Orchestrate)
	case strings.HasPrefix(kctx.Command(), "autonomy"):
		exitCode = runAutonomy(cli.Autonomy)
	case strings.HasPrefix(kctx.Command(), "rollback"):
		exitCode = runRollback(cli.Rollback)
	case strings.HasPrefix(kctx.Command(), "inspect"):
		exitCode = runInspect(cli.Inspect)
	case strings.HasPrefix(kctx.Command(), "version"):
		fmt.Printf("orchestrator version %s\n", version)
		exitCode = exitSuccess
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", kctx.Command())
		exitCode = exitInfrastructureError
	}
	os.Exit(exitCode)
}

// engine bundles every component wired from Config, shared by all commands.
type engine struct {
	cfg          *config.Config
	clock        *clock.Clock
	bus          eventbus.Bus
	safetyCtrl   *safety.Controller
	memoryStore  memory.Store
	checkpoints  *checkpoint.Store
	orchestrator *orchestrator.Orchestrator
	feedback     *feedback.Store
	collaborator vcs.Collaborator
}

func resolveWorkspace(path string) string {
	if path == "" {
		path, _ = os.Getwd()
	}
	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}
	return path
}

func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	cfg, err := config.LoadFile("orchestrator.toml")
	if os.IsNotExist(err) {
		return config.Default(), nil
	}
	return cfg, err
}

func buildEngine(configPath, workspace string) (*engine, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Agent.Workspace = resolveWorkspace(workspace)
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = filepath.Join(cfg.Agent.Workspace, ".orchestrator")
	}
	if err := os.MkdirAll(cfg.Storage.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	llmProvider := cfg.LLM.Provider
	if llmProvider == "" {
		llmProvider = llm.InferProviderFromModel(cfg.LLM.Model)
	}
	provider, err := llm.NewProvider(llm.ProviderConfig{
		Provider:  llmProvider,
		Model:     cfg.LLM.Model,
		APIKey:    globalCreds.GetAPIKey(llmProvider),
		MaxTokens: cfg.LLM.MaxTokens,
		BaseURL:   cfg.LLM.BaseURL,
		Thinking:  llm.ThinkingConfig{Level: llm.ThinkingLevel(cfg.LLM.Thinking)},
	})
	if err != nil {
		return nil, fmt.Errorf("create LLM provider: %w", err)
	}

	// A configured small_llm gives the Chain a distinct "fast" profile so the
	// `timeline` constraint (SPEC_FULL.md §6.4) can actually prefer a
	// cheaper/quicker model for urgent/same_day work instead of silently
	// resolving "fast" back to the default provider.
	providers := map[string]llm.Provider{"default": provider}
	if cfg.SmallLLM.Model != "" {
		smallProvider := cfg.SmallLLM.Provider
		if smallProvider == "" {
			smallProvider = llm.InferProviderFromModel(cfg.SmallLLM.Model)
		}
		fastProvider, err := llm.NewProvider(llm.ProviderConfig{
			Provider:  smallProvider,
			Model:     cfg.SmallLLM.Model,
			APIKey:    globalCreds.GetAPIKey(smallProvider),
			MaxTokens: cfg.SmallLLM.MaxTokens,
			BaseURL:   cfg.SmallLLM.BaseURL,
			Thinking:  llm.ThinkingConfig{Level: llm.ThinkingLevel(cfg.SmallLLM.Thinking)},
		})
		if err != nil {
			return nil, fmt.Errorf("create small LLM provider: %w", err)
		}
		providers["fast"] = fastProvider
	} else {
		providers["fast"] = provider
	}
	chain := llmchain.New(llmchain.NewMapFactory(providers), "default")

	ck := clock.New()

	bus, err := eventbus.New(os.Getenv("ORCHESTRATOR_NATS_URL"))
	if err != nil {
		return nil, fmt.Errorf("connect event bus: %w", err)
	}

	collaborator := vcs.NewGitCollaborator(cfg.Agent.Workspace)

	checkpointDir := filepath.Join(cfg.Storage.Path, "checkpoints")
	cps, err := checkpoint.NewStore(checkpointDir)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	safetyCfg := safety.DefaultConfig(cfg.Agent.Workspace, cfg.Safety.Level)
	if cfg.Safety.MaxChangeSize > 0 {
		safetyCfg.MaxChangeSize = cfg.Safety.MaxChangeSize
	}
	safetyCfg.RequireTests = cfg.Safety.RequireTests
	if cfg.Safety.MaxOperationsPerHour > 0 {
		safetyCfg.MaxOperationsPerHour = cfg.Safety.MaxOperationsPerHour
	}
	safetyCfg.CriticalFileGlobs = append(safetyCfg.CriticalFileGlobs, cfg.Safety.CriticalFileGlobs...)
	if cfg.Safety.EmergencyStopFile != "" {
		safetyCfg.EmergencyStopFile = cfg.Safety.EmergencyStopFile
	}
	safetyCtrl := safety.New(safetyCfg, collaborator, bus, ck)

	var memStore memory.Store
	if cfg.Storage.PersistMemory {
		bleve, err := memory.NewBleveStore(memory.BleveStoreConfig{BasePath: cfg.Storage.Path, Clock: ck})
		if err != nil {
			return nil, fmt.Errorf("open memory store: %w", err)
		}
		memStore = bleve
	} else {
		memStore = memory.NewInMemoryStore(nil, ck, 0)
	}

	supervisor := supervision.New(supervision.Config{Chain: chain, OriginalGoal: "autonomous orchestration run"})

	w := worker.New(worker.Config{
		Roles:       roles.NewRegistry(),
		Chain:       chain,
		Reviewer:    reviewer.New(chain),
		Safety:      safetyCtrl,
		Supervisor:  supervisor,
		Checkpoints: cps,
		Memory:      memStore,
		VCSHost:     nil,
		Clock:       ck,
		RepoRoot:    cfg.Agent.Workspace,
	})

	orch := orchestrator.New(orchestrator.Config{
		Worker:                w,
		Safety:                safetyCtrl,
		Memory:                memStore,
		Bus:                   bus,
		Clock:                 ck,
		DefaultWorkers:        cfg.Orchestrator.DefaultMaxWorkers,
		SuccessRatioThreshold: cfg.Orchestrator.SuccessRatioThreshold,
	})

	fb := feedback.New(feedback.Config{Clock: ck})

	return &engine{
		cfg:          cfg,
		clock:        ck,
		bus:          bus,
		safetyCtrl:   safetyCtrl,
		memoryStore:  memStore,
		checkpoints:  cps,
		orchestrator: orch,
		feedback:     fb,
		collaborator: collaborator,
	}, nil
}

func parseConstraints(pairs []string) domain.Constraints {
	c := domain.Constraints{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		c[k] = v
	}
	return c
}

func runOrchestrate(cmd OrchestrateCmd) int {
	eng, err := buildEngine(cmd.Config, cmd.Workspace)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitInfrastructureError
	}
	defer eng.memoryStore.Close()
	defer eng.bus.Close()

	constraints := parseConstraints(cmd.Constraint)
	var result *domain.OrchestrationResult
	if cmd.Watch {
		result, err = watchOrchestrate(eng, cmd.Command, constraints)
	} else {
		result, err = eng.orchestrator.Orchestrate(context.Background(), cmd.Command, constraints, false)
	}
	if result != nil {
		fmt.Println(result.FinalReport)
	}
	return orchestrateExitCode(result, err)
}

// watchOrchestrate runs Orchestrate in the background while a bubbletea
// progress view renders Worker pool snapshots published on the eventbus
// (SPEC_FULL.md §2.1's live progress surface).
func watchOrchestrate(eng *engine, command string, constraints domain.Constraints) (*domain.OrchestrationResult, error) {
	snapshots := make(chan worker.Snapshot, 32)
	done := make(chan error, 1)

	sub, subErr := eng.bus.Subscribe(eventbus.SubjectWorkerPoolProgress, func(payload []byte) {
		var snap worker.Snapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			return
		}
		select {
		case snapshots <- snap:
		default:
		}
	})
	if subErr == nil {
		defer sub.Unsubscribe()
	}

	var result *domain.OrchestrationResult
	var orchErr error
	go func() {
		result, orchErr = eng.orchestrator.Orchestrate(context.Background(), command, constraints, false)
		done <- orchErr
		close(snapshots)
	}()

	program := tea.NewProgram(progressview.New(command, snapshots, done))
	if _, err := program.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "progress view error: %v\n", err)
	}
	return result, orchErr
}

func orchestrateExitCode(result *domain.OrchestrationResult, err error) int {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		switch {
		case errors.Is(err, domain.ErrClarificationRequired):
			return exitClarificationNeeded
		case errors.Is(err, domain.ErrEmergencyStopped):
			return exitEmergencyStop
		case errors.Is(err, domain.ErrBudgetExceeded):
			return exitBudgetExceeded
		default:
			return exitInfrastructureError
		}
	}
	if result == nil {
		return exitInfrastructureError
	}
	if result.Success {
		return exitSuccess
	}
	for _, e := range result.Errors {
		switch {
		case strings.Contains(e, domain.ErrBudgetExceeded.Error()):
			return exitBudgetExceeded
		case strings.Contains(e, domain.ErrEmergencyStopped.Error()):
			return exitEmergencyStop
		case strings.Contains(e, "safety"):
			return exitSafetyViolation
		}
	}
	return exitPartial
}

func runAutonomy(cmd AutonomyCmd) int {
	eng, err := buildEngine(cmd.Config, cmd.Workspace)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitInfrastructureError
	}
	defer eng.memoryStore.Close()
	defer eng.bus.Close()

	scanRoot := cmd.ScanRoot
	if scanRoot == "" {
		scanRoot = eng.cfg.Agent.Workspace
	}

	loop := autonomy.New(autonomy.Config{
		ScanRoot:     scanRoot,
		ScanInterval: eng.cfg.ScanInterval(),
		TopK:         eng.cfg.Autonomous.TopK,
		Debounce:     eng.cfg.Debounce(),
		Orchestrator: eng.orchestrator,
		Safety:       eng.safetyCtrl,
		Feedback:     eng.feedback,
		Memory:       eng.memoryStore,
		Clock:        eng.clock,
	})

	ctx := context.Background()
	if cmd.Once {
		report, err := loop.RunCycle(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return exitInfrastructureError
		}
		fmt.Printf("cycle %s: found=%d selected=%d patterns_updated=%d errors=%d\n",
			report.CycleID, report.OpportunitiesFound, report.OpportunitiesSelected, report.PatternsUpdated, len(report.Errors))
		return exitSuccess
	}

	err = loop.Run(ctx, func(report *domain.CycleReport) {
		fmt.Printf("cycle %s: found=%d selected=%d next_run=%s\n",
			report.CycleID, report.OpportunitiesFound, report.OpportunitiesSelected, report.NextRunAt.Format("15:04:05"))
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitInfrastructureError
	}
	return exitSuccess
}

func runRollback(cmd RollbackCmd) int {
	eng, err := buildEngine(cmd.Config, cmd.Workspace)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitInfrastructureError
	}
	defer eng.memoryStore.Close()
	defer eng.bus.Close()

	if err := eng.safetyCtrl.Rollback(context.Background(), cmd.CheckpointID); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitInfrastructureError
	}
	fmt.Printf("rolled back to %s\n", cmd.CheckpointID)
	return exitSuccess
}

func runInspect(cmd InspectCmd) int {
	eng, err := buildEngine(cmd.Config, cmd.Workspace)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitInfrastructureError
	}
	defer eng.memoryStore.Close()
	defer eng.bus.Close()

	trail := eng.checkpoints.GetDecisionTrail()
	fmt.Printf("Checkpoints: %d\n", len(trail))
	for _, bundle := range trail {
		if bundle.Pre != nil {
			fmt.Printf("  - %s: %s\n", bundle.Pre.StepID, bundle.Pre.Instruction)
		}
	}

	recent, err := eng.memoryStore.Recall(context.Background(), "", memory.RecallOpts{Limit: 10})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: memory recall failed: %v\n", err)
		return exitSuccess
	}
	fmt.Printf("Recent memory records: %d\n", len(recent))
	for _, r := range recent {
		fmt.Printf("  - [%s] %s\n", r.Record.Type, r.Record.Content)
	}
	return exitSuccess
}
