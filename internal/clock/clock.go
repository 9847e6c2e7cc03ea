// Package clock provides the monotonic sequence counter and identifier
// minting used across the orchestration engine, grounded on the session
// package's seqCounter discipline: MemoryRecord IDs come from Next so their
// ordering holds regardless of which goroutine calls in. NewID mints random,
// unordered identifiers.
package clock

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Clock mints monotonically increasing sequence numbers and wall-clock
// timestamps. The zero value is not usable; construct with New.
type Clock struct {
	seq atomic.Uint64
	mu  sync.Mutex // guards Now when a test clock overrides it
	now func() time.Time
}

// New returns a Clock using real wall-clock time.
func New() *Clock {
	return &Clock{now: time.Now}
}

// NewWithFunc returns a Clock using the supplied time source, for tests that
// need deterministic timestamps.
func NewWithFunc(now func() time.Time) *Clock {
	return &Clock{now: now}
}

// Next returns the next sequence number, starting at 1.
func (c *Clock) Next() uint64 {
	return c.seq.Add(1)
}

// Now returns the current time per this Clock's time source.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now()
}

// NewID mints a random, non-monotonic identifier for entities that do not
// need total ordering (Decompositions, Subtasks, Checkpoints).
func NewID() string {
	return uuid.New().String()
}
