// Package orchestrator drives one chunk's full lifecycle on the coordinator:
// sequential streaming attempts through the streaming client, media file
// writes, progress tracking, and the application-level retry decision.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/lambda-renderfarm/internal/progress"
	"github.com/fpang/lambda-renderfarm/internal/renderjob"
	"github.com/fpang/lambda-renderfarm/internal/streamer"
	"github.com/fpang/lambda-renderfarm/internal/wireproto"
)

// StreamClient drives one streaming request to its terminal message.
// *streamer.Client satisfies it.
type StreamClient interface {
	Stream(ctx context.Context, payload []byte, h streamer.Handler) error
}

// ArtifactFetcher downloads an S3-parked artifact announced by a
// chunk-uploaded message. *s3util.ArtifactStore satisfies it; nil means
// chunk-uploaded messages fail the chunk.
type ArtifactFetcher interface {
	Fetch(ctx context.Context, ref renderjob.ObjectRef, localPath string) error
}

// RequestParker uploads a chunk request body too large to send inline,
// returning the reference the slimmed request carries instead. nil means
// oversized requests fail the chunk.
type RequestParker interface {
	Park(ctx context.Context, renderID string, chunkIndex int, body []byte) (renderjob.ObjectRef, error)
}

// maxInlineRequest keeps inline request payloads under the Lambda invocation
// payload limit (6MB), with headroom for the envelope.
const maxInlineRequest = 5 << 20

// FatalRenderError is an application-level failure that exhausted its retries
// or was never retryable. It aborts the whole job.
type FatalRenderError struct {
	Info wireproto.ErrorInfo
}

func (e *FatalRenderError) Error() string {
	return fmt.Sprintf("chunk %d failed fatally on attempt %d/%d (%s): %s",
		e.Info.ChunkIndex, e.Info.Attempt, e.Info.TotalAttempts, e.Info.Kind, e.Info.Message)
}

// Orchestrator renders chunks through the streaming client.
type Orchestrator struct {
	stream    StreamClient
	tracker   *progress.Tracker
	outDir    string
	version   string
	artifacts ArtifactFetcher
	requests  RequestParker
	onRetry   func(spec renderjob.ChunkSpec, errorKind string)
}

// ParkRequestsWith enables S3 overflow for oversized chunk requests.
func (o *Orchestrator) ParkRequestsWith(parker RequestParker) {
	o.requests = parker
}

// OnRetry registers a hook called once per application-level retry, after the
// next attempt's spec has been derived. For telemetry; must not block long.
func (o *Orchestrator) OnRetry(fn func(spec renderjob.ChunkSpec, errorKind string)) {
	o.onRetry = fn
}

// New creates an Orchestrator writing received media under outDir. version is
// stamped into every request for the worker's version check.
func New(stream StreamClient, tracker *progress.Tracker, outDir, version string, artifacts ArtifactFetcher) *Orchestrator {
	return &Orchestrator{
		stream:    stream,
		tracker:   tracker,
		outDir:    outDir,
		version:   version,
		artifacts: artifacts,
	}
}

// RenderChunk drives the spec to success or a terminal failure, retrying
// application failures with shouldRetry=true while retries remain. Attempts
// are strictly sequential; at most one streaming invocation is active per
// chunk. A network-level failure, propagated unretried by the streaming
// client or with its retries exhausted, fails the chunk without application
// retry: it is a harder failure than the retry budget covers. On success it
// returns the paths of the media files written for this chunk.
func (o *Orchestrator) RenderChunk(ctx context.Context, spec renderjob.ChunkSpec) ([]string, error) {
	for {
		payload, err := o.requestPayload(ctx, spec)
		if err != nil {
			return nil, err
		}

		attempt := &attemptState{orch: o, spec: spec}
		if err := o.stream.Stream(ctx, payload, attempt); err != nil {
			return nil, fmt.Errorf("chunk %d attempt %d: %w", spec.Index, spec.Attempt, err)
		}

		switch {
		case attempt.complete:
			return attempt.files, nil

		case attempt.errInfo != nil:
			o.tracker.AddErrorWithoutUpload(*attempt.errInfo)
			if attempt.shouldRetry && spec.RetriesRemaining > 0 {
				spec = spec.NextAttempt()
				o.tracker.AddRetry(spec.Attempt, time.Now(), spec.Index)
				if o.onRetry != nil {
					o.onRetry(spec, attempt.errInfo.Kind)
				}
				log.Warn().
					Int("chunk", spec.Index).
					Int("attempt", spec.Attempt).
					Int("retriesRemaining", spec.RetriesRemaining).
					Str("kind", attempt.errInfo.Kind).
					Msg("Retrying chunk after render failure")
				continue
			}
			return nil, &FatalRenderError{Info: *attempt.errInfo}

		default:
			return nil, fmt.Errorf("chunk %d: stream ended without a terminal message", spec.Index)
		}
	}
}

// requestPayload marshals the chunk request, parking the spec in S3 when the
// inline form would exceed the invocation payload limit.
func (o *Orchestrator) requestPayload(ctx context.Context, spec renderjob.ChunkSpec) ([]byte, error) {
	payload, err := json.Marshal(renderjob.ChunkRequest{
		Routine: renderjob.RoutineRenderChunk,
		Version: o.version,
		Spec:    &spec,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chunk %d request: %w", spec.Index, err)
	}
	if len(payload) <= maxInlineRequest {
		return payload, nil
	}

	if o.requests == nil {
		return nil, fmt.Errorf("chunk %d request is %d bytes, over the inline limit, and no overflow bucket is configured", spec.Index, len(payload))
	}
	ref, err := o.requests.Park(ctx, spec.RenderID, spec.Index, payload)
	if err != nil {
		return nil, fmt.Errorf("park chunk %d request: %w", spec.Index, err)
	}
	log.Debug().
		Int("chunk", spec.Index).
		Int("bytes", len(payload)).
		Str("key", ref.Key).
		Msg("Oversized chunk request parked")

	payload, err = json.Marshal(renderjob.ChunkRequest{
		Routine:  renderjob.RoutineRenderChunk,
		Version:  o.version,
		PropsRef: &ref,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chunk %d overflow request: %w", spec.Index, err)
	}
	return payload, nil
}

// attemptState interprets one attempt's worker messages. After a terminal
// message it ignores everything further for the attempt.
type attemptState struct {
	orch        *Orchestrator
	spec        renderjob.ChunkSpec
	files       []string
	complete    bool
	errInfo     *wireproto.ErrorInfo
	shouldRetry bool
	done        bool
}

func (a *attemptState) HandleMessage(ctx context.Context, msg wireproto.Message) error {
	if a.done {
		return nil
	}

	switch m := msg.(type) {
	case wireproto.LambdaInvoked:
		a.orch.tracker.SetLambdaInvoked(a.spec.Index)

	case wireproto.FramesRendered:
		a.orch.tracker.SetFrames(a.spec.Index, m.Rendered, m.Encoded)

	case wireproto.VideoChunk:
		return a.writeMedia("video", m.Data)

	case wireproto.AudioChunk:
		return a.writeMedia("audio", m.Data)

	case wireproto.ChunkUploaded:
		if a.orch.artifacts == nil {
			return fmt.Errorf("chunk %d announced a parked artifact but no artifact bucket is configured", a.spec.Index)
		}
		path := a.mediaPath(m.Kind)
		if err := a.orch.artifacts.Fetch(ctx, renderjob.ObjectRef{Bucket: m.Bucket, Key: m.Key}, path); err != nil {
			return fmt.Errorf("fetch parked %s artifact for chunk %d: %w", m.Kind, a.spec.Index, err)
		}
		a.files = append(a.files, path)

	case wireproto.ChunkComplete:
		a.orch.tracker.AddChunkCompleted(a.spec.Index,
			time.UnixMilli(m.StartTime), time.UnixMilli(m.RenderedTime))
		a.complete = true
		a.done = true

	case wireproto.ErrorOccurred:
		info := m.ErrorInfo
		a.errInfo = &info
		a.shouldRetry = m.ShouldRetry
		a.done = true
	}
	return nil
}

// mediaPath is the deterministic local name downstream assembly expects.
func (a *attemptState) mediaPath(kind string) string {
	return filepath.Join(a.orch.outDir, fmt.Sprintf("chunk:%05d:%s", a.spec.Index, kind))
}

func (a *attemptState) writeMedia(kind string, data []byte) error {
	path := a.mediaPath(kind)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s artifact for chunk %d: %w", kind, a.spec.Index, err)
	}
	log.Debug().
		Int("chunk", a.spec.Index).
		Str("path", path).
		Int("bytes", len(data)).
		Msg("Chunk media written")
	a.files = append(a.files, path)
	return nil
}
