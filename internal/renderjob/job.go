// Package renderjob defines the job planning types shared by the coordinator
// and the chunk worker: the render job, the per-chunk specs it is split into,
// and the request envelope that travels to the worker.
package renderjob

import (
	"fmt"

	"github.com/google/uuid"
)

// RoutineRenderChunk is the routine discriminator for chunk-render requests.
const RoutineRenderChunk = "render-chunk"

// DefaultChunkRetries is how many application-level retries each chunk starts with.
const DefaultChunkRetries = 2

// Job describes one whole render: the composition and the frame range to
// split across chunk workers.
type Job struct {
	RenderID    string  `json:"renderId"`
	Composition string  `json:"composition"`
	Codec       string  `json:"codec"`
	FPS         float64 `json:"fps"`
	TotalFrames int     `json:"totalFrames"`
}

// NewRenderID creates a render identifier for one whole job.
func NewRenderID() string {
	return "render-" + uuid.NewString()
}

// ChunkSpec is the immutable description of one render unit. Attempt and
// RetriesRemaining are the only fields that change across retries, and a retry
// produces a new ChunkSpec value rather than mutating in place.
type ChunkSpec struct {
	RenderID         string  `json:"renderId"`
	Index            int     `json:"index"`
	FrameStart       int     `json:"frameStart"`
	FrameEnd         int     `json:"frameEnd"` // inclusive
	Composition      string  `json:"composition"`
	Codec            string  `json:"codec"`
	FPS              float64 `json:"fps"`
	Attempt          int     `json:"attempt"`
	RetriesRemaining int     `json:"retriesRemaining"`
}

// FrameCount returns the number of frames in the chunk's range.
func (s ChunkSpec) FrameCount() int {
	return s.FrameEnd - s.FrameStart + 1
}

// NextAttempt returns the spec for the following application-level retry:
// attempt incremented, retries-remaining decremented, everything else
// unchanged. Callers must not retry past RetriesRemaining == 0.
func (s ChunkSpec) NextAttempt() ChunkSpec {
	next := s
	next.Attempt++
	if next.RetriesRemaining > 0 {
		next.RetriesRemaining--
	}
	return next
}

// AudioOnly reports whether the chunk's codec produces no video track. Such
// compositions stream their single artifact as the video chunk so downstream
// assembly always finds one video file per chunk.
func (s ChunkSpec) AudioOnly() bool {
	switch s.Codec {
	case "mp3", "aac", "wav":
		return true
	}
	return false
}

// PlanChunks splits a job's frame range into ChunkSpecs of at most
// framesPerChunk frames each, every chunk starting at attempt 1 with the given
// retry budget.
func PlanChunks(job Job, framesPerChunk, retries int) ([]ChunkSpec, error) {
	if job.TotalFrames <= 0 {
		return nil, fmt.Errorf("job has no frames (totalFrames=%d)", job.TotalFrames)
	}
	if framesPerChunk <= 0 {
		return nil, fmt.Errorf("framesPerChunk must be positive, got %d", framesPerChunk)
	}

	var specs []ChunkSpec
	for start := 0; start < job.TotalFrames; start += framesPerChunk {
		end := start + framesPerChunk - 1
		if end >= job.TotalFrames {
			end = job.TotalFrames - 1
		}
		specs = append(specs, ChunkSpec{
			RenderID:         job.RenderID,
			Index:            len(specs),
			FrameStart:       start,
			FrameEnd:         end,
			Composition:      job.Composition,
			Codec:            job.Codec,
			FPS:              job.FPS,
			Attempt:          1,
			RetriesRemaining: retries,
		})
	}
	return specs, nil
}

// ObjectRef points at an S3 object holding an overflowed payload.
type ObjectRef struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// ChunkRequest is the wire envelope for one chunk-render invocation. Version
// carries the coordinator's build version; the worker rejects mismatches as
// fatal. PropsRef is set instead of Spec.Composition props when the serialized
// request would exceed the Lambda payload limit.
type ChunkRequest struct {
	Routine  string     `json:"routine"`
	Version  string     `json:"version"`
	Spec     *ChunkSpec `json:"spec,omitempty"`
	PropsRef *ObjectRef `json:"propsRef,omitempty"`
}
