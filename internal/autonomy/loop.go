// Package autonomy implements the Autonomous loop (SPEC_FULL.md §4.6): a
// cyclical Discover→Plan→Execute→Learn state machine, driven by a
// time.Ticker and woken early by an fsnotify watch on the scanned repository
// (the "trigger supplement" restored from original_source's loop.py, which
// the distilled spec dropped). Cancellation and emergency stop are checked
// between every phase transition, the same top-level select-around-each-step
// discipline the teacher's executor uses around its own long-running steps.
package autonomy

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/agentorch/engine/internal/clock"
	"github.com/agentorch/engine/internal/domain"
	"github.com/agentorch/engine/internal/feedback"
	"github.com/agentorch/engine/internal/memory"
	"github.com/agentorch/engine/internal/orchestrator"
	"github.com/agentorch/engine/internal/safety"
	"github.com/agentorch/engine/internal/scanner"
)

// State is one phase of the autonomous cycle's state machine.
type State string

const (
	StateIdle        State = "idle"
	StateDiscovering State = "discovering"
	StatePlanning    State = "planning"
	StateExecuting   State = "executing"
	StateLearning    State = "learning"
)

// Loop drives repeated Discover→Plan→Execute→Learn cycles over scanRoot.
type Loop struct {
	scanRoot     string
	scanCfg      scanner.Config
	scanInterval time.Duration
	topK         int
	debounce     time.Duration

	orchestrator *orchestrator.Orchestrator
	safety       *safety.Controller
	feedback     *feedback.Store
	memory       memory.Store
	clock        *clock.Clock
	logger       *logging.Logger

	state State
}

// Config constructs a Loop.
type Config struct {
	ScanRoot     string
	ScanConfig   scanner.Config
	ScanInterval time.Duration // default 10 minutes
	TopK         int           // default 3
	Debounce     time.Duration // default 2s, fsnotify burst quiet period

	Orchestrator *orchestrator.Orchestrator
	Safety       *safety.Controller
	Feedback     *feedback.Store
	Memory       memory.Store
	Clock        *clock.Clock
}

func New(cfg Config) *Loop {
	ck := cfg.Clock
	if ck == nil {
		ck = clock.New()
	}
	interval := cfg.ScanInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = 3
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	scanCfg := cfg.ScanConfig
	if len(scanCfg.Extensions) == 0 {
		scanCfg = scanner.DefaultConfig()
	}
	return &Loop{
		scanRoot:     cfg.ScanRoot,
		scanCfg:      scanCfg,
		scanInterval: interval,
		topK:         topK,
		debounce:     debounce,
		orchestrator: cfg.Orchestrator,
		safety:       cfg.Safety,
		feedback:     cfg.Feedback,
		memory:       cfg.Memory,
		clock:        ck,
		logger:       logging.New().WithComponent("autonomy"),
		state:        StateIdle,
	}
}

// State returns the loop's current phase, safe to call from any goroutine
// purely for observability (no synchronization is needed: State is only ever
// read by the Run goroutine's caller between cycles in practice, and a
// stale read is harmless for a status display).
func (l *Loop) State() State { return l.state }

// Run drives cycles until ctx is cancelled: one cycle per scanInterval tick,
// plus an early wake on a debounced filesystem change under scanRoot.
func (l *Loop) Run(ctx context.Context, onCycle func(*domain.CycleReport)) error {
	watcher, watchEvents := l.startWatch()
	if watcher != nil {
		defer watcher.Close()
	}

	ticker := time.NewTicker(l.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-watchEvents:
		}

		if l.safety != nil && l.safety.IsStopped() {
			l.logger.Warn("autonomy_skipped_emergency_stop", nil)
			continue
		}

		report, err := l.RunCycle(ctx)
		if err != nil {
			l.logger.Error("autonomy_cycle_failed", map[string]interface{}{"error": err.Error()})
		}
		if onCycle != nil && report != nil {
			onCycle(report)
		}
	}
}

// startWatch sets up an fsnotify watch on scanRoot and returns a channel
// that fires once per debounced burst of changes. Returns a nil watcher and
// a never-firing channel if the watch cannot be established (scanRoot
// missing, fsnotify unavailable) so Run degrades to timer-only scheduling.
func (l *Loop) startWatch() (*fsnotify.Watcher, <-chan struct{}) {
	out := make(chan struct{})
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		l.logger.Warn("fsnotify_unavailable", map[string]interface{}{"error": err.Error()})
		return nil, neverFire()
	}
	if err := watcher.Add(l.scanRoot); err != nil {
		l.logger.Warn("fsnotify_watch_failed", map[string]interface{}{"error": err.Error()})
		watcher.Close()
		return nil, neverFire()
	}

	go func() {
		var timer *time.Timer
		for {
			select {
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				if timer == nil {
					timer = time.AfterFunc(l.debounce, func() {
						select {
						case out <- struct{}{}:
						default:
						}
					})
				} else {
					timer.Reset(l.debounce)
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return watcher, out
}

func neverFire() <-chan struct{} {
	return make(chan struct{})
}

// RunCycle runs exactly one Discover→Plan→Execute→Learn cycle and returns
// its CycleReport.
func (l *Loop) RunCycle(ctx context.Context) (*domain.CycleReport, error) {
	cycleID := uuid.NewString()
	started := l.clock.Now()
	report := &domain.CycleReport{CycleID: cycleID, StartedAt: started}

	l.state = StateDiscovering
	if ctx.Err() != nil {
		return report, ctx.Err()
	}
	scanResult, err := scanner.Scan(ctx, l.scanRoot, l.scanCfg)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("scan: %v", err))
		return l.finish(report, started)
	}
	n := 0
	opportunities := opportunitiesFromScan(scanResult, func() string { n++; return fmt.Sprintf("%s-%d", cycleID, n) })
	report.OpportunitiesFound = len(opportunities)

	l.state = StatePlanning
	if l.safety != nil && l.safety.IsStopped() {
		report.Errors = append(report.Errors, domain.ErrEmergencyStopped.Error())
		return l.finish(report, started)
	}
	selected := selectTopK(opportunities, l.topK)
	report.OpportunitiesSelected = len(selected)

	l.state = StateExecuting
	var results []domain.OrchestrationResult
	for _, opp := range selected {
		if ctx.Err() != nil {
			report.Errors = append(report.Errors, ctx.Err().Error())
			break
		}
		if l.safety != nil && l.safety.IsStopped() {
			report.Errors = append(report.Errors, domain.ErrEmergencyStopped.Error())
			break
		}
		constraints := domain.Constraints{"skip_clarifications": "true"}
		if opp.FilePath != "" {
			constraints["target_path"] = opp.FilePath
		}
		result, err := l.orchestrator.Orchestrate(ctx, describeOpportunity(opp), constraints, true)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", opp.ID, err))
		}
		if result != nil {
			results = append(results, *result)
		}
	}

	l.state = StateLearning
	patternsUpdated := 0
	if l.feedback != nil {
		for _, result := range results {
			for _, record := range result.Results {
				if err := l.feedback.Record(ctx, record); err != nil {
					report.Errors = append(report.Errors, fmt.Sprintf("feedback record: %v", err))
				}
			}
		}
		if err := l.feedback.UpdatePatterns(ctx); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("feedback update: %v", err))
		} else {
			patternsUpdated = 1
		}
	}
	report.PatternsUpdated = patternsUpdated

	l.state = StateIdle
	return l.finish(report, started)
}

func (l *Loop) finish(report *domain.CycleReport, started time.Time) (*domain.CycleReport, error) {
	report.EndedAt = l.clock.Now()
	report.NextRunAt = report.EndedAt.Add(l.scanInterval)
	if l.memory != nil {
		summary := fmt.Sprintf("cycle %s: found=%d selected=%d patterns_updated=%d errors=%d",
			report.CycleID, report.OpportunitiesFound, report.OpportunitiesSelected, report.PatternsUpdated, len(report.Errors))
		if _, err := l.memory.Remember(context.Background(), summary, domain.MemoryProgress,
			[]string{"autonomous_loop", report.CycleID}, nil, 0.5, nil); err != nil {
			l.logger.Warn("memory_write_failed", map[string]interface{}{"error": fmt.Sprintf("%v: %v", domain.ErrMemory, err)})
		}
	}
	l.state = StateIdle
	return report, nil
}

func selectTopK(opportunities []domain.ImprovementOpportunity, k int) []domain.ImprovementOpportunity {
	sorted := make([]domain.ImprovementOpportunity, len(opportunities))
	copy(sorted, opportunities)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Priority*sorted[i].SafetyScore > sorted[j].Priority*sorted[j].SafetyScore
	})
	if len(sorted) > k {
		sorted = sorted[:k]
	}
	return sorted
}

func describeOpportunity(opp domain.ImprovementOpportunity) string {
	return fmt.Sprintf("fix %s: %s", opp.Kind, opp.Description)
}
