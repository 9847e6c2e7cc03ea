// Package safety implements the Safety controller (SPEC_FULL.md §4.4):
// checkpoint/rollback via the vcs.Collaborator, pre-change validation, rate
// limiting, and an emergency stop latch. The check ordering and defaults are
// grounded directly on original_source's ai/autonomous/safety.py
// (SafetyController.validate_safety and its config dict).
package safety

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/agentorch/engine/internal/clock"
	"github.com/agentorch/engine/internal/domain"
	"github.com/agentorch/engine/internal/eventbus"
	"github.com/agentorch/engine/internal/vcs"
	"github.com/vinayprograms/agentkit/logging"
)

// Config mirrors safety.py's SafetyController.config defaults.
type Config struct {
	WorkingDir           string   // repo root; used for disk-space health checks and the emergency-stop marker
	MaxChangeSize        int      // lines changed before a large_change violation; default 100
	RequireTests         bool     // default true
	RollbackThreshold    float64  // reserved for future confidence-based auto-rollback; default 0.95
	MaxOperationsPerHour int      // default 10
	CriticalFileGlobs    []string // build manifests, lockfiles, vcs config, env files
	EmergencyStopFile    string   // path to the marker file
}

// baseMaxChangeSize is the "medium" safety-level line-count threshold that
// every other level scales from, both at Controller construction and for a
// per-run `safety_level` constraint override.
const baseMaxChangeSize = 100

// scaleForLevel maps a safety level name to its scale factor against
// baseMaxChangeSize ("low"|"medium"|"high"; unrecognized values behave as
// "medium").
func scaleForLevel(safetyLevel string) float64 {
	switch safetyLevel {
	case "low":
		return 2.0
	case "high":
		return 0.5
	default:
		return 1.0
	}
}

// DefaultConfig returns the defaults safety.py ships, scaled by safetyLevel
// ("low"|"medium"|"high"; unrecognized values behave as "medium").
func DefaultConfig(workingDir, safetyLevel string) Config {
	return Config{
		WorkingDir:           workingDir,
		MaxChangeSize:        int(baseMaxChangeSize * scaleForLevel(safetyLevel)),
		RequireTests:         true,
		RollbackThreshold:    0.95,
		MaxOperationsPerHour: 10,
		CriticalFileGlobs: []string{
			"go.mod", "go.sum", "package.json", "package-lock.json", "Cargo.toml", "Cargo.lock",
			".git/*", ".env", ".env.*",
		},
		EmergencyStopFile: filepath.Join(workingDir, ".emergency_stop"),
	}
}

// ProposedChange describes the blast radius of a candidate code edit, ahead
// of Validate deciding whether it may proceed.
type ProposedChange struct {
	ChangedPaths  []string
	DeletedFiles  []string
	LinesChanged  int
	HasTestChange bool
	TestsPass     bool
}

type operation struct{ at time.Time }

// Controller is the Safety controller. One Controller is shared across all
// Workers in an orchestration run; its internal state is mutex-guarded.
type Controller struct {
	cfg    Config
	vcs    vcs.Collaborator
	bus    eventbus.Bus
	clock  *clock.Clock
	logger *logging.Logger

	mu          sync.Mutex
	checkpoints []domain.Checkpoint
	operations  []operation
	stopped     bool
	stopReason  string
}

// New constructs a Controller. bus may be nil, in which case emergency-stop
// notices are not published anywhere but the marker file.
func New(cfg Config, collaborator vcs.Collaborator, bus eventbus.Bus, ck *clock.Clock) *Controller {
	c := &Controller{
		cfg:    cfg,
		vcs:    collaborator,
		bus:    bus,
		clock:  ck,
		logger: logging.New().WithComponent("safety"),
	}
	if _, err := os.Stat(cfg.EmergencyStopFile); err == nil {
		c.stopped = true
		c.stopReason = "restored from marker file"
	}
	return c
}

// CreateCheckpoint captures the current repo revision as a named, rollback-
// able point. Grounded on safety.py's create_checkpoint, which shells to
// `git rev-parse HEAD` and mints a short content-addressed ID; here the ID is
// minted by clock.NewID for the same "opaque, stable, comparable" property.
func (c *Controller) CreateCheckpoint(ctx context.Context, description string, metadata map[string]string) (domain.Checkpoint, error) {
	rev, err := c.vcs.CurrentRevision(ctx)
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("capture repo revision: %w", err)
	}
	cp := domain.Checkpoint{
		ID:           clock.NewID(),
		Timestamp:    c.clock.Now(),
		RepoRevision: rev,
		Description:  description,
		Metadata:     metadata,
	}
	c.mu.Lock()
	c.checkpoints = append(c.checkpoints, cp)
	c.mu.Unlock()
	return cp, nil
}

// Rollback restores the working tree to the revision a checkpoint captured,
// including removal of untracked additions made since.
func (c *Controller) Rollback(ctx context.Context, id string) error {
	c.mu.Lock()
	var target *domain.Checkpoint
	for i := range c.checkpoints {
		if c.checkpoints[i].ID == id {
			target = &c.checkpoints[i]
			break
		}
	}
	c.mu.Unlock()
	if target == nil {
		return fmt.Errorf("unknown checkpoint %q", id)
	}
	if err := c.vcs.ResetTo(ctx, target.RepoRevision); err != nil {
		return fmt.Errorf("reset to checkpoint %s: %w", id, err)
	}
	return c.vcs.CleanUntracked(ctx)
}

// RecordOperation marks one rate-limited operation as having occurred now,
// for future MaxOperationsPerHour checks.
func (c *Controller) RecordOperation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations = append(c.operations, operation{at: c.clock.Now()})
}

func (c *Controller) operationsLastHour() int {
	cutoff := c.clock.Now().Add(-time.Hour)
	n := 0
	for _, op := range c.operations {
		if op.at.After(cutoff) {
			n++
		}
	}
	return n
}

// Validate runs the ordered safety checks from safety.py's validate_safety,
// translated one-for-one. ok is false iff at least one critical or error
// violation was produced; warnings never block.
func (c *Controller) Validate(ctx context.Context, change ProposedChange) (bool, []domain.SafetyViolation) {
	return c.validate(ctx, change, c.cfg)
}

// Overrides narrows or relaxes a single Validate call's thresholds without
// mutating the Controller's shared Config, so that one Orchestrate call's
// `require_tests`/`safety_level` constraints (SPEC_FULL.md §6.4) don't leak
// into other concurrently-running callers.
type Overrides struct {
	RequireTests *bool  // nil = use the Controller's configured value
	SafetyLevel  string // "", "low", "medium", "high"; "" = use the Controller's configured MaxChangeSize
}

// ValidateWithOverrides behaves like Validate but applies per-call
// overrides on top of the Controller's configured thresholds.
func (c *Controller) ValidateWithOverrides(ctx context.Context, change ProposedChange, o Overrides) (bool, []domain.SafetyViolation) {
	cfg := c.cfg
	if o.RequireTests != nil {
		cfg.RequireTests = *o.RequireTests
	}
	if o.SafetyLevel != "" {
		cfg.MaxChangeSize = int(baseMaxChangeSize * scaleForLevel(o.SafetyLevel))
	}
	return c.validate(ctx, change, cfg)
}

func (c *Controller) validate(ctx context.Context, change ProposedChange, cfg Config) (bool, []domain.SafetyViolation) {
	if c.IsStopped() {
		return false, []domain.SafetyViolation{{
			Level: domain.ViolationCritical, Kind: "emergency_stop",
			Message: "emergency stop is active: " + c.stopReasonSnapshot(),
		}}
	}

	var violations []domain.SafetyViolation

	if change.LinesChanged > cfg.MaxChangeSize {
		violations = append(violations, domain.SafetyViolation{
			Level: domain.ViolationError, Kind: "large_change",
			Message: fmt.Sprintf("change touches %d lines, exceeding limit of %d", change.LinesChanged, cfg.MaxChangeSize),
		})
	}

	if len(change.DeletedFiles) > 0 {
		violations = append(violations, domain.SafetyViolation{
			Level: domain.ViolationCritical, Kind: "destructive_change",
			Message: fmt.Sprintf("change deletes %d file(s)", len(change.DeletedFiles)),
			Details: map[string]string{"files": fmt.Sprint(change.DeletedFiles)},
		})
	}

	if critical := c.matchesCriticalFile(change.ChangedPaths); len(critical) > 0 {
		violations = append(violations, domain.SafetyViolation{
			Level: domain.ViolationWarning, Kind: "critical_file_change",
			Message: fmt.Sprintf("change touches critical file(s): %v", critical),
		})
	}

	if cfg.RequireTests && !change.HasTestChange && !change.TestsPass {
		violations = append(violations, domain.SafetyViolation{
			Level: domain.ViolationError, Kind: "untested_change",
			Message: "no accompanying test change and the existing suite is not known to pass",
		})
	}

	c.mu.Lock()
	opsLastHour := c.operationsLastHour()
	c.mu.Unlock()
	if opsLastHour >= cfg.MaxOperationsPerHour {
		violations = append(violations, domain.SafetyViolation{
			Level: domain.ViolationError, Kind: "rate_limit_exceeded",
			Message: fmt.Sprintf("%d operations in the last hour, limit is %d", opsLastHour, cfg.MaxOperationsPerHour),
		})
	}

	if status, err := c.vcs.Status(ctx); err == nil && !status.Clean {
		violations = append(violations, domain.SafetyViolation{
			Level: domain.ViolationWarning, Kind: "dirty_repository",
			Message: "working tree has uncommitted changes",
		})
	}

	ok := true
	for _, v := range violations {
		if v.Level == domain.ViolationError || v.Level == domain.ViolationCritical {
			ok = false
		}
	}
	return ok, violations
}

func (c *Controller) matchesCriticalFile(paths []string) []string {
	var matched []string
	for _, p := range paths {
		base := filepath.Base(p)
		for _, glob := range c.cfg.CriticalFileGlobs {
			if ok, _ := filepath.Match(glob, base); ok {
				matched = append(matched, p)
				break
			}
			if ok, _ := filepath.Match(glob, p); ok {
				matched = append(matched, p)
				break
			}
		}
	}
	return matched
}

// Activate latches the emergency stop: sets the in-memory flag, writes the
// marker file so a restart observes it, and (when a bus is configured)
// broadcasts so co-operating processes don't have to poll the filesystem.
func (c *Controller) Activate(reason string) error {
	c.mu.Lock()
	c.stopped = true
	c.stopReason = reason
	c.mu.Unlock()

	if err := os.WriteFile(c.cfg.EmergencyStopFile, []byte(fmt.Sprintf(`{"reason":%q,"active":true}`, reason)), 0o644); err != nil {
		c.logger.Warn("failed to write emergency stop marker", map[string]interface{}{"error": err.Error()})
	}
	if c.bus != nil {
		_ = c.bus.Publish(eventbus.SubjectSafetyStop, map[string]string{"reason": reason})
	}
	c.logger.Error("emergency_stop_activated", map[string]interface{}{"reason": reason})
	return nil
}

// Clear reverses Activate.
func (c *Controller) Clear(reason string) error {
	c.mu.Lock()
	c.stopped = false
	c.stopReason = ""
	c.mu.Unlock()

	if err := os.Remove(c.cfg.EmergencyStopFile); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("failed to remove emergency stop marker", map[string]interface{}{"error": err.Error()})
	}
	if c.bus != nil {
		_ = c.bus.Publish(eventbus.SubjectSafetyClear, map[string]string{"reason": reason})
	}
	return nil
}

// IsStopped reports the latched stop flag. It is O(1) but not lock-free: it
// reads the flag under the Controller's mutex.
func (c *Controller) IsStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *Controller) stopReasonSnapshot() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopReason
}

// HealthSnapshot is the Safety controller's self-report, consumed by the
// Autonomous loop between cycles (SPEC_FULL.md §4.4).
type HealthSnapshot struct {
	EmergencyStopped   bool
	CheckpointsCount   int
	OperationsLastHour int
	RepoClean          bool
	DiskSpace          DiskSpace
	MemoryUsage        MemoryUsage
	Timestamp          time.Time
}

// DiskSpace reports the working directory's filesystem capacity.
type DiskSpace struct {
	TotalBytes uint64
	FreeBytes  uint64
	UsedPct    float64
}

// MemoryUsage reports this process's Go runtime heap usage.
type MemoryUsage struct {
	AllocBytes  uint64
	SysBytes    uint64
	HeapObjects uint64
}

func (c *Controller) Health(ctx context.Context) HealthSnapshot {
	c.mu.Lock()
	snap := HealthSnapshot{
		EmergencyStopped:   c.stopped,
		CheckpointsCount:   len(c.checkpoints),
		OperationsLastHour: c.operationsLastHour(),
		Timestamp:          c.clock.Now(),
	}
	c.mu.Unlock()

	if status, err := c.vcs.Status(ctx); err == nil {
		snap.RepoClean = status.Clean
	}
	snap.DiskSpace = diskSpace(c.cfg.WorkingDir)
	snap.MemoryUsage = memoryUsage()
	return snap
}

// diskSpace statfs's dir for its capacity. No third-party library in the
// retrieved pack wraps this (see DESIGN.md); syscall.Statfs is Linux-only,
// matching the teacher's own Linux-targeted deployment assumptions.
func diskSpace(dir string) DiskSpace {
	if dir == "" {
		dir = "."
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return DiskSpace{}
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bfree * uint64(stat.Bsize)
	used := total - free
	var usedPct float64
	if total > 0 {
		usedPct = float64(used) / float64(total) * 100
	}
	return DiskSpace{TotalBytes: total, FreeBytes: free, UsedPct: usedPct}
}

func memoryUsage() MemoryUsage {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemoryUsage{AllocBytes: m.Alloc, SysBytes: m.Sys, HeapObjects: m.HeapObjects}
}
