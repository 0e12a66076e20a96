package worker

import (
	"context"
	"errors"

	"github.com/fpang/lambda-renderfarm/internal/renderer"
	"github.com/fpang/lambda-renderfarm/internal/renderjob"
)

// Request validation failures. Both are fatal and never retried: a version
// mismatch means coordinator and worker builds have diverged, and a request
// missing its chunk identity cannot be retried into a valid one.
var (
	ErrVersionMismatch = errors.New("protocol version mismatch")
	ErrInvalidRequest  = errors.New("invalid chunk request")
)

// Error kind names carried in ErrorInfo for observability.
const (
	kindVersionMismatch   = "version-mismatch"
	kindInvalidRequest    = "invalid-request"
	kindCancelled         = "cancelled"
	kindRendererCrashed   = "renderer-crashed"
	kindResourceExhausted = "resource-exhausted"
	kindRenderFailed      = "render-failed"
	kindScratchFailed     = "scratch-failed"
	kindArtifactFailed    = "artifact-failed"
)

// classify maps a failure onto its error kind and decides whether the
// coordinator should retry the chunk. Retryable means: a known-flaky condition
// (transient renderer crash, recoverable resource exhaustion), retries still
// remaining, and not an explicit cancellation.
func classify(err error, spec renderjob.ChunkSpec) (kind string, shouldRetry bool) {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return kindCancelled, false
	case errors.Is(err, ErrVersionMismatch):
		return kindVersionMismatch, false
	case errors.Is(err, ErrInvalidRequest):
		return kindInvalidRequest, false
	case errors.Is(err, renderer.ErrCrashed):
		return kindRendererCrashed, spec.RetriesRemaining > 0
	case errors.Is(err, renderer.ErrResourceExhausted):
		return kindResourceExhausted, spec.RetriesRemaining > 0
	default:
		return kindRenderFailed, false
	}
}
