// Package worker implements the remote side of a chunk-render invocation: a
// state machine that validates the request, renders the chunk through the
// engine, and streams progress, media bytes, and exactly one terminal message
// back over the response stream.
package worker

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/lambda-renderfarm/internal/jsonutil"
	"github.com/fpang/lambda-renderfarm/internal/renderer"
	"github.com/fpang/lambda-renderfarm/internal/renderjob"
	"github.com/fpang/lambda-renderfarm/internal/wireproto"
)

// DefaultProgressInterval is how many frames pass between progress emissions.
const DefaultProgressInterval = 10

// DefaultInbandLimit is the largest artifact streamed in-band; bigger ones are
// parked in S3 and announced with a chunk-uploaded message.
const DefaultInbandLimit int64 = 16 * 1024 * 1024

// ArtifactParker parks artifacts too large for in-band streaming.
// *s3util.ArtifactStore satisfies it; nil disables parking, in which case
// oversized artifacts fail the chunk.
type ArtifactParker interface {
	Park(ctx context.Context, renderID string, chunkIndex int, kind, localPath string) (renderjob.ObjectRef, int64, error)
}

// RequestLoader resolves an overflowed request body parked in S3.
type RequestLoader interface {
	Load(ctx context.Context, ref renderjob.ObjectRef) ([]byte, error)
}

// Config carries the worker's environment-derived settings.
type Config struct {
	// Version is this worker's build version; requests declaring a different
	// version are rejected as fatal.
	Version string
	// ScratchRoot is where chunk-private scratch directories live.
	ScratchRoot string
	// ProgressInterval throttles frames-rendered emission.
	ProgressInterval int
	// InbandLimit is the largest artifact streamed in-band.
	InbandLimit int64
}

// Handler executes one chunk's rendering work per invocation.
type Handler struct {
	engine    renderer.Engine
	artifacts ArtifactParker
	requests  RequestLoader
	cfg       Config
}

// New creates a Handler. artifacts and requests may be nil when the
// deployment has no overflow bucket.
func New(engine renderer.Engine, artifacts ArtifactParker, requests RequestLoader, cfg Config) *Handler {
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultProgressInterval
	}
	if cfg.InbandLimit <= 0 {
		cfg.InbandLimit = DefaultInbandLimit
	}
	return &Handler{engine: engine, artifacts: artifacts, requests: requests, cfg: cfg}
}

// Handle drives one invocation to a terminal message on out. Application
// failures travel in-band as error-occurred; the returned error is reserved
// for the envelope being undecodable, where no chunk identity exists to
// report against.
func (h *Handler) Handle(ctx context.Context, raw []byte, out *wireproto.Writer) error {
	defer h.teardown()

	req, err := jsonutil.Parse[renderjob.ChunkRequest](raw)
	if err != nil {
		return fmt.Errorf("decode chunk request: %w", err)
	}

	spec, err := h.validate(ctx, &req)
	if err != nil {
		log.Error().Err(err).Str("routine", req.Routine).Msg("Chunk request rejected")
		h.emitError(out, spec, err)
		return nil
	}

	// Step 2: announce acceptance before any rendering work, so the
	// coordinator can tell "never started" from "started but stalled".
	if err := out.Write(wireproto.LambdaInvoked{Attempt: spec.Attempt}); err != nil {
		return fmt.Errorf("emit lambda-invoked: %w", err)
	}
	log.Info().
		Int("chunk", spec.Index).
		Int("attempt", spec.Attempt).
		Int("frameStart", spec.FrameStart).
		Int("frameEnd", spec.FrameEnd).
		Str("renderId", spec.RenderID).
		Msg("Chunk render accepted")

	scratchDir, releaseScratch, err := acquireScratch(h.cfg.ScratchRoot, spec.RenderID, spec.Index)
	if err != nil {
		h.emitClassified(out, spec, kindScratchFailed, false, err, "")
		return nil
	}
	defer releaseScratch()

	startTime := time.Now()
	result, err := h.render(ctx, spec, scratchDir, out)
	if err != nil {
		h.emitError(out, spec, err)
		return nil
	}
	renderedTime := time.Now()

	if err := h.streamArtifacts(ctx, spec, result, out); err != nil {
		h.emitClassified(out, spec, kindArtifactFailed, false, err, scratchUsage(scratchDir))
		return nil
	}

	if err := out.Write(wireproto.ChunkComplete{
		StartTime:    startTime.UnixMilli(),
		RenderedTime: renderedTime.UnixMilli(),
	}); err != nil {
		return fmt.Errorf("emit chunk-complete: %w", err)
	}
	log.Info().
		Int("chunk", spec.Index).
		Int("attempt", spec.Attempt).
		Dur("duration", renderedTime.Sub(startTime)).
		Msg("Chunk render complete")
	return nil
}

// validate checks version and required fields, resolving an overflowed request
// body first when the envelope carries a PropsRef instead of an inline spec.
func (h *Handler) validate(ctx context.Context, req *renderjob.ChunkRequest) (renderjob.ChunkSpec, error) {
	if req.Spec == nil && req.PropsRef != nil {
		if h.requests == nil {
			return renderjob.ChunkSpec{}, fmt.Errorf("%w: propsRef set but no overflow bucket configured", ErrInvalidRequest)
		}
		body, err := h.requests.Load(ctx, *req.PropsRef)
		if err != nil {
			return renderjob.ChunkSpec{}, fmt.Errorf("%w: load overflowed request: %v", ErrInvalidRequest, err)
		}
		inner, err := jsonutil.Parse[renderjob.ChunkRequest](body)
		if err != nil {
			return renderjob.ChunkSpec{}, fmt.Errorf("%w: decode overflowed request: %v", ErrInvalidRequest, err)
		}
		req.Spec = inner.Spec
	}

	if req.Routine != renderjob.RoutineRenderChunk {
		return renderjob.ChunkSpec{}, fmt.Errorf("%w: unknown routine %q", ErrInvalidRequest, req.Routine)
	}
	if req.Version != h.cfg.Version {
		return renderjob.ChunkSpec{}, fmt.Errorf("%w: coordinator %q, worker %q", ErrVersionMismatch, req.Version, h.cfg.Version)
	}
	if req.Spec == nil {
		return renderjob.ChunkSpec{}, fmt.Errorf("%w: missing chunk spec", ErrInvalidRequest)
	}
	spec := *req.Spec
	if spec.RenderID == "" || spec.Index < 0 {
		return spec, fmt.Errorf("%w: missing chunk identity", ErrInvalidRequest)
	}
	if spec.FrameEnd < spec.FrameStart {
		return spec, fmt.Errorf("%w: empty frame range [%d,%d]", ErrInvalidRequest, spec.FrameStart, spec.FrameEnd)
	}
	return spec, nil
}

// render delegates to the engine, forwarding throttled progress.
func (h *Handler) render(ctx context.Context, spec renderjob.ChunkSpec, scratchDir string, out *wireproto.Writer) (*renderer.Result, error) {
	throttle := newProgressThrottle(h.cfg.ProgressInterval, spec.FrameCount())
	return h.engine.Render(ctx, spec, scratchDir, func(rendered, encoded int, stage string) {
		if !throttle.shouldEmit(rendered) {
			return
		}
		if err := out.Write(wireproto.FramesRendered{Rendered: rendered, Encoded: encoded}); err != nil {
			// The stream may already be gone; rendering continues so scratch
			// cleanup and the terminal path still run.
			log.Warn().Err(err).Int("chunk", spec.Index).Msg("Failed to emit progress")
		}
	})
}

// streamArtifacts emits the rendered media, in-band when small enough and via
// S3 otherwise. Audio-only compositions send their single artifact as the
// video chunk.
func (h *Handler) streamArtifacts(ctx context.Context, spec renderjob.ChunkSpec, result *renderer.Result, out *wireproto.Writer) error {
	if err := h.streamOne(ctx, spec, "video", result.VideoPath, out); err != nil {
		return err
	}
	if result.AudioPath != "" {
		if err := h.streamOne(ctx, spec, "audio", result.AudioPath, out); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) streamOne(ctx context.Context, spec renderjob.ChunkSpec, kind, path string, out *wireproto.Writer) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s artifact: %w", kind, err)
	}

	if info.Size() > h.cfg.InbandLimit {
		if h.artifacts == nil {
			return fmt.Errorf("%s artifact %d bytes exceeds in-band limit and no overflow bucket is configured", kind, info.Size())
		}
		ref, size, err := h.artifacts.Park(ctx, spec.RenderID, spec.Index, kind, path)
		if err != nil {
			return fmt.Errorf("park %s artifact: %w", kind, err)
		}
		return out.Write(wireproto.ChunkUploaded{Bucket: ref.Bucket, Key: ref.Key, Size: size, Kind: kind})
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s artifact: %w", kind, err)
	}
	var msg wireproto.Message
	if kind == "audio" {
		msg = wireproto.AudioChunk{Data: data}
	} else {
		msg = wireproto.VideoChunk{Data: data}
	}
	log.Debug().Int("chunk", spec.Index).Str("kind", kind).Int("bytes", len(data)).Msg("Streaming artifact in-band")
	return out.Write(msg)
}

// emitError classifies err and emits the single error-occurred terminal
// message. No success messages follow.
func (h *Handler) emitError(out *wireproto.Writer, spec renderjob.ChunkSpec, err error) {
	kind, shouldRetry := classify(err, spec)
	h.emitClassified(out, spec, kind, shouldRetry, err, "")
}

func (h *Handler) emitClassified(out *wireproto.Writer, spec renderjob.ChunkSpec, kind string, shouldRetry bool, err error, diagnostic string) {
	info := wireproto.ErrorInfo{
		Kind:          kind,
		Message:       err.Error(),
		Stack:         string(debug.Stack()),
		ChunkIndex:    spec.Index,
		Fatal:         !shouldRetry,
		Attempt:       spec.Attempt,
		TotalAttempts: spec.Attempt + spec.RetriesRemaining,
		WillRetry:     shouldRetry,
		Diagnostic:    diagnostic,
	}
	log.Error().
		Err(err).
		Str("kind", kind).
		Int("chunk", spec.Index).
		Int("attempt", spec.Attempt).
		Bool("shouldRetry", shouldRetry).
		Msg("Chunk render failed")
	if werr := out.Write(wireproto.ErrorOccurred{ErrorInfo: info, ShouldRetry: shouldRetry}); werr != nil {
		log.Warn().Err(werr).Int("chunk", spec.Index).Msg("Failed to emit error-occurred")
	}
}

// teardown runs regardless of outcome before control returns to the runtime.
func (h *Handler) teardown() {
	log.Debug().Int("goroutines", runtime.NumGoroutine()).Msg("Worker handler teardown")
}

// progressThrottle limits frames-rendered emission to configured intervals,
// always passing the first and last frame.
type progressThrottle struct {
	interval    int
	totalFrames int
	lastEmitted int
}

func newProgressThrottle(interval, totalFrames int) *progressThrottle {
	return &progressThrottle{interval: interval, totalFrames: totalFrames, lastEmitted: -1}
}

func (t *progressThrottle) shouldEmit(rendered int) bool {
	if rendered == t.lastEmitted {
		return false
	}
	if rendered == 1 || rendered == t.totalFrames || rendered%t.interval == 0 {
		t.lastEmitted = rendered
		return true
	}
	return false
}
