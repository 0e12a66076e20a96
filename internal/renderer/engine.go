// Package renderer defines the rendering-engine collaborator interface and a
// subprocess-backed implementation. The engine is the part of the system that
// actually produces media bytes; everything above it only moves those bytes.
package renderer

import (
	"context"
	"errors"
	"time"

	"github.com/fpang/lambda-renderfarm/internal/renderjob"
)

// Known-flaky engine failure modes. The worker treats these as retryable when
// the chunk still has retries remaining.
var (
	// ErrCrashed indicates the renderer process died unexpectedly (transient
	// browser crash).
	ErrCrashed = errors.New("renderer crashed")

	// ErrResourceExhausted indicates recoverable resource exhaustion (memory
	// or scratch disk) in the renderer.
	ErrResourceExhausted = errors.New("renderer resource exhaustion")
)

// ProgressFunc receives rendering progress. It is invoked synchronously from
// within Render, so implementations must not block.
type ProgressFunc func(rendered, encoded int, stage string)

// FrameTiming records how long one frame took, for slowest-frame diagnostics.
type FrameTiming struct {
	Frame    int           `json:"frame"`
	Duration time.Duration `json:"duration"`
}

// Result describes a completed render: the artifact files written to the
// scratch directory and the slowest frames observed.
type Result struct {
	VideoPath     string
	AudioPath     string
	SlowestFrames []FrameTiming
}

// Engine renders one chunk into the given scratch directory.
type Engine interface {
	Render(ctx context.Context, spec renderjob.ChunkSpec, scratchDir string, onProgress ProgressFunc) (*Result, error)
}
