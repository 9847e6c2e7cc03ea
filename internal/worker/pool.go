package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/agentorch/engine/internal/domain"
	"github.com/agentorch/engine/internal/eventbus"
)

// stripeCount sizes the per-path mutex table the pool hashes target paths
// into, so two Workers never apply a CodeEdit to the same file concurrently
// (SPEC_FULL.md §4.3), the same bounded-hashing idea as the teacher's
// tool-call concurrency limiter.
const stripeCount = 64

// Snapshot is one point-in-time view of a phase's progress.
type Snapshot struct {
	Pending        int
	Running        int
	Success        int
	Failed         int
	CumulativeCost float64
	Timestamp      time.Time
}

// Pool bounds concurrency across a phase's subtasks, accounts cost against a
// budget, and publishes progress snapshots (SPEC_FULL.md §4.3).
type Pool struct {
	worker      *Worker
	maxWorkers  int
	budgetLimit float64
	bus         eventbus.Bus
	logger      *logging.Logger

	spentCents atomic.Int64 // fixed-point: cents, per §5's race-free accumulation note
	stripes    [stripeCount]sync.Mutex

	mu      sync.Mutex
	pending int
	running int
	success int
	failed  int
}

// PoolConfig constructs a Pool.
type PoolConfig struct {
	Worker      *Worker
	MaxWorkers  int // default 5, hard-capped at 50
	BudgetLimit float64
	Bus         eventbus.Bus
}

func NewPool(cfg PoolConfig) *Pool {
	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 5
	}
	if maxWorkers > 50 {
		maxWorkers = 50
	}
	return &Pool{
		worker:      cfg.Worker,
		maxWorkers:  maxWorkers,
		budgetLimit: cfg.BudgetLimit,
		bus:         cfg.Bus,
		logger:      logging.New().WithComponent("workerpool"),
	}
}

// RunPhase dispatches every subtask in the phase, bounded by maxWorkers
// concurrently in flight, and returns a record per subtask ID once all have
// either completed or been refused for budget reasons.
func (p *Pool) RunPhase(ctx context.Context, subtasks []domain.Subtask, constraints domain.Constraints) (map[string]domain.ExecutionRecord, error) {
	p.mu.Lock()
	p.pending = len(subtasks)
	p.running, p.success, p.failed = 0, 0, 0
	p.mu.Unlock()

	sem := make(chan struct{}, p.maxWorkers)
	results := make(chan domain.ExecutionRecord, len(subtasks))
	var wg sync.WaitGroup

	stopTicker := p.startProgressTicker(ctx)
	defer stopTicker()

	for _, subtask := range subtasks {
		subtask := subtask

		if p.budgetExceeded() {
			results <- domain.ExecutionRecord{
				SubtaskID: subtask.ID,
				Role:      subtask.AgentRole,
				Success:   false,
				Error:     domain.ErrBudgetExceeded.Error(),
				Timestamp: time.Now(),
			}
			p.mu.Lock()
			p.pending--
			p.failed++
			p.mu.Unlock()
			continue
		}

		select {
		case <-ctx.Done():
			results <- domain.ExecutionRecord{SubtaskID: subtask.ID, Role: subtask.AgentRole, Success: false, Error: ctx.Err().Error()}
			p.mu.Lock()
			p.pending--
			p.failed++
			p.mu.Unlock()
			continue
		default:
		}

		wg.Add(1)
		go func() {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results <- domain.ExecutionRecord{SubtaskID: subtask.ID, Role: subtask.AgentRole, Success: false, Error: ctx.Err().Error()}
				p.mu.Lock()
				p.pending--
				p.failed++
				p.mu.Unlock()
				return
			}
			defer func() { <-sem }()

			if p.budgetExceeded() {
				results <- domain.ExecutionRecord{SubtaskID: subtask.ID, Role: subtask.AgentRole, Success: false, Error: domain.ErrBudgetExceeded.Error(), Timestamp: time.Now()}
				p.mu.Lock()
				p.pending--
				p.failed++
				p.mu.Unlock()
				return
			}

			p.mu.Lock()
			p.pending--
			p.running++
			p.mu.Unlock()

			unlock := p.lockPath(targetPathOf(subtask, constraints))
			record, _ := p.worker.Execute(ctx, subtask, constraints)
			unlock()

			p.accumulate(record)
			results <- record
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	out := make(map[string]domain.ExecutionRecord, len(subtasks))
	for record := range results {
		out[record.SubtaskID] = record
	}
	p.publishSnapshot()
	return out, nil
}

func (p *Pool) accumulate(record domain.ExecutionRecord) {
	p.spentCents.Add(int64(record.Cost * 100))
	p.mu.Lock()
	p.running--
	if record.Success {
		p.success++
	} else {
		p.failed++
	}
	p.mu.Unlock()
}

func (p *Pool) budgetExceeded() bool {
	if p.budgetLimit <= 0 {
		return false
	}
	return float64(p.spentCents.Load())/100.0 >= p.budgetLimit
}

// Snapshot returns the current pull-safe progress view.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		Pending:        p.pending,
		Running:        p.running,
		Success:        p.success,
		Failed:         p.failed,
		CumulativeCost: float64(p.spentCents.Load()) / 100.0,
		Timestamp:      time.Now(),
	}
}

func (p *Pool) startProgressTicker(ctx context.Context) func() {
	ticker := time.NewTicker(5 * time.Second)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				p.publishSnapshot()
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}

func (p *Pool) publishSnapshot() {
	if p.bus == nil {
		return
	}
	if err := p.bus.Publish(eventbus.SubjectWorkerPoolProgress, p.Snapshot()); err != nil {
		p.logger.Warn("progress_publish_failed", map[string]interface{}{"error": err.Error()})
	}
}

// Subscribe forwards progress snapshots published on the event bus; it is a
// thin passthrough so callers never need to know whether the bus is NATS-
// backed or purely in-process.
func (p *Pool) Subscribe(handler func(Snapshot)) (eventbus.Subscription, error) {
	if p.bus == nil {
		return nil, fmt.Errorf("no event bus configured")
	}
	return p.bus.Subscribe(eventbus.SubjectWorkerPoolProgress, func(payload []byte) {
		// Snapshot fields are all JSON-friendly; a malformed payload is
		// dropped rather than panicking a subscriber's goroutine.
		var snap Snapshot
		if err := json.Unmarshal(payload, &snap); err == nil {
			handler(snap)
		}
	})
}

func (p *Pool) lockPath(path string) func() {
	if path == "" {
		return func() {}
	}
	h := fnv.New32a()
	h.Write([]byte(path))
	idx := h.Sum32() % stripeCount
	p.stripes[idx].Lock()
	return p.stripes[idx].Unlock
}

func targetPathOf(subtask domain.Subtask, constraints domain.Constraints) string {
	if subtask.ExpectedOutput != domain.OutputCodeEdit {
		return ""
	}
	return constraints.Get("target_path", "")
}
