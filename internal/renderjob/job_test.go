package renderjob

import (
	"strings"
	"testing"
)

func TestPlanChunks_EvenSplit(t *testing.T) {
	job := Job{RenderID: "render-x", Composition: "intro", Codec: "h264", TotalFrames: 300}
	specs, err := PlanChunks(job, 100, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(specs) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(specs))
	}
	for i, spec := range specs {
		if spec.Index != i {
			t.Errorf("chunk %d: index %d", i, spec.Index)
		}
		if spec.FrameCount() != 100 {
			t.Errorf("chunk %d: expected 100 frames, got %d", i, spec.FrameCount())
		}
		if spec.Attempt != 1 || spec.RetriesRemaining != 2 {
			t.Errorf("chunk %d: bad attempt state %d/%d", i, spec.Attempt, spec.RetriesRemaining)
		}
	}
	if specs[2].FrameEnd != 299 {
		t.Errorf("expected last frame 299, got %d", specs[2].FrameEnd)
	}
}

func TestPlanChunks_ShortTail(t *testing.T) {
	specs, err := PlanChunks(Job{RenderID: "r", TotalFrames: 250}, 100, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(specs) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(specs))
	}
	if specs[2].FrameStart != 200 || specs[2].FrameEnd != 249 {
		t.Errorf("tail chunk range [%d,%d], expected [200,249]", specs[2].FrameStart, specs[2].FrameEnd)
	}

	total := 0
	for _, spec := range specs {
		total += spec.FrameCount()
	}
	if total != 250 {
		t.Errorf("chunks cover %d frames, expected 250", total)
	}
}

func TestPlanChunks_SingleChunk(t *testing.T) {
	specs, err := PlanChunks(Job{RenderID: "r", TotalFrames: 10}, 100, 0)
	if err != nil || len(specs) != 1 {
		t.Fatalf("expected 1 chunk, got %d (%v)", len(specs), err)
	}
	if specs[0].FrameStart != 0 || specs[0].FrameEnd != 9 {
		t.Errorf("unexpected range [%d,%d]", specs[0].FrameStart, specs[0].FrameEnd)
	}
}

func TestPlanChunks_Invalid(t *testing.T) {
	if _, err := PlanChunks(Job{TotalFrames: 0}, 100, 0); err == nil {
		t.Error("expected error for zero frames")
	}
	if _, err := PlanChunks(Job{TotalFrames: 100}, 0, 0); err == nil {
		t.Error("expected error for zero framesPerChunk")
	}
}

func TestNextAttempt(t *testing.T) {
	spec := ChunkSpec{Attempt: 1, RetriesRemaining: 2, FrameStart: 10, FrameEnd: 20}
	next := spec.NextAttempt()
	if next.Attempt != 2 || next.RetriesRemaining != 1 {
		t.Errorf("expected attempt 2 with 1 retry left, got %d/%d", next.Attempt, next.RetriesRemaining)
	}
	if next.FrameStart != 10 || next.FrameEnd != 20 {
		t.Error("frame range must not change across attempts")
	}
	if spec.Attempt != 1 {
		t.Error("NextAttempt must not mutate the receiver")
	}

	last := next.NextAttempt()
	if last.RetriesRemaining != 0 {
		t.Errorf("expected 0 retries left, got %d", last.RetriesRemaining)
	}
	if floor := last.NextAttempt(); floor.RetriesRemaining != 0 {
		t.Errorf("retries remaining must not go negative, got %d", floor.RetriesRemaining)
	}
}

func TestAudioOnly(t *testing.T) {
	for _, codec := range []string{"mp3", "aac", "wav"} {
		if !(ChunkSpec{Codec: codec}).AudioOnly() {
			t.Errorf("%s should be audio-only", codec)
		}
	}
	for _, codec := range []string{"h264", "vp9", ""} {
		if (ChunkSpec{Codec: codec}).AudioOnly() {
			t.Errorf("%s should not be audio-only", codec)
		}
	}
}

func TestNewRenderID(t *testing.T) {
	id := NewRenderID()
	if !strings.HasPrefix(id, "render-") {
		t.Errorf("expected render- prefix, got %s", id)
	}
	if id == NewRenderID() {
		t.Error("render IDs must be unique")
	}
}
