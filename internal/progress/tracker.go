// Package progress holds the job-wide mutable progress state. The Tracker is
// the only state shared across concurrent chunk tasks; every mutation goes
// through its operations, which are safe to call from many goroutines.
package progress

import (
	"sync"
	"time"

	"github.com/fpang/lambda-renderfarm/internal/wireproto"
)

// ChunkProgress is the last known state of one chunk.
type ChunkProgress struct {
	Invoked      bool
	Rendered     int
	Encoded      int
	Completed    bool
	StartTime    time.Time
	RenderedTime time.Time
	CompletedAt  time.Time
}

// RetryEvent records one application-level chunk retry.
type RetryEvent struct {
	ChunkIndex int
	Attempt    int
	At         time.Time
}

// Snapshot is a consistent copy of the whole job's progress for reporters.
type Snapshot struct {
	Chunks          map[int]ChunkProgress
	Retries         []RetryEvent
	Errors          []wireproto.ErrorInfo
	FramesRendered  int
	FramesEncoded   int
	ChunksCompleted int
}

// Tracker aggregates per-chunk progress, completions, and append-only retry
// and error logs. No operation blocks; all are in-memory and synchronous.
type Tracker struct {
	mu      sync.Mutex
	chunks  map[int]*ChunkProgress
	retries []RetryEvent
	errors  []wireproto.ErrorInfo
}

// NewTracker creates an empty Tracker for one job.
func NewTracker() *Tracker {
	return &Tracker{chunks: make(map[int]*ChunkProgress)}
}

func (t *Tracker) chunk(index int) *ChunkProgress {
	c, ok := t.chunks[index]
	if !ok {
		c = &ChunkProgress{}
		t.chunks[index] = c
	}
	return c
}

// SetLambdaInvoked marks the chunk's current invocation as started.
func (t *Tracker) SetLambdaInvoked(chunkIndex int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.chunk(chunkIndex).Invoked = true
}

// SetFrames records the chunk's last known frame counts, last write wins.
// Messages within one chunk arrive in stream order, so no reconciliation is
// needed across calls for the same index.
func (t *Tracker) SetFrames(chunkIndex, rendered, encoded int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.chunk(chunkIndex)
	c.Rendered = rendered
	c.Encoded = encoded
}

// AddChunkCompleted records completion. Completion is monotonic: a completed
// chunk never un-completes, and a duplicate call leaves totals unchanged.
func (t *Tracker) AddChunkCompleted(chunkIndex int, startTime, renderedTime time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.chunk(chunkIndex)
	if c.Completed {
		return
	}
	c.Completed = true
	c.StartTime = startTime
	c.RenderedTime = renderedTime
	c.CompletedAt = time.Now()
}

// AddErrorWithoutUpload appends to the error log. Diagnostics only; never read
// back to drive control flow.
func (t *Tracker) AddErrorWithoutUpload(info wireproto.ErrorInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errors = append(t.errors, info)
}

// AddRetry appends to the retry log.
func (t *Tracker) AddRetry(attempt int, at time.Time, chunkIndex int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retries = append(t.retries, RetryEvent{ChunkIndex: chunkIndex, Attempt: attempt, At: at})
}

// Snapshot returns a consistent deep copy for reporting.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		Chunks:  make(map[int]ChunkProgress, len(t.chunks)),
		Retries: append([]RetryEvent(nil), t.retries...),
		Errors:  append([]wireproto.ErrorInfo(nil), t.errors...),
	}
	for index, c := range t.chunks {
		snap.Chunks[index] = *c
		snap.FramesRendered += c.Rendered
		snap.FramesEncoded += c.Encoded
		if c.Completed {
			snap.ChunksCompleted++
		}
	}
	return snap
}
