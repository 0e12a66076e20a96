package metrics

import "time"

// ChunkRendered flushes the metrics for one successfully rendered chunk.
func ChunkRendered(renderID string, chunkIndex, rendered, encoded int, streamedBytes int64, duration time.Duration) {
	New().
		Dimension("Operation", "chunk-render").
		Metric("ChunkDurationMs", float64(duration.Milliseconds()), UnitMilliseconds).
		Metric("FramesRendered", float64(rendered), UnitCount).
		Metric("FramesEncoded", float64(encoded), UnitCount).
		Metric("StreamedBytes", float64(streamedBytes), UnitBytes).
		Count("ChunkSuccess").
		Property("renderId", renderID).
		Property("chunkIndex", chunkIndex).
		Flush()
}

// ChunkFailed flushes the metrics for a terminally failed chunk.
func ChunkFailed(renderID string, chunkIndex int, errorKind string) {
	New().
		Dimension("Operation", "chunk-render").
		Dimension("ErrorKind", errorKind).
		Count("ChunkFailure").
		Property("renderId", renderID).
		Property("chunkIndex", chunkIndex).
		Flush()
}

// RenderFinished flushes the job-level metrics at the end of a render.
func RenderFinished(renderID string, chunks, frames, streamRetries, appRetries int, duration time.Duration, success bool) {
	r := New().
		Dimension("Operation", "render").
		Metric("RenderDurationMs", float64(duration.Milliseconds()), UnitMilliseconds).
		Metric("ChunksRendered", float64(chunks), UnitCount).
		Metric("FramesRendered", float64(frames), UnitCount).
		Metric("StreamRetries", float64(streamRetries), UnitCount).
		Metric("AppRetries", float64(appRetries), UnitCount).
		Property("renderId", renderID)
	if success {
		r.Count("RenderSuccess")
	} else {
		r.Count("RenderFailure")
	}
	r.Flush()
}

// ColdStart flushes the worker's init duration at cold start.
func ColdStart(initDuration time.Duration) {
	New().
		Dimension("Operation", "cold-start").
		Metric("InitDurationMs", float64(initDuration.Milliseconds()), UnitMilliseconds).
		Flush()
}
