// Package events emits render lifecycle events to EventBridge. Emission
// failures are logged, never fatal: events are telemetry, not control flow.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	eventbridgetypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/rs/zerolog/log"
)

// Source is the EventBridge source for all render-farm events.
const Source = "lambda-renderfarm"

// Detail types.
const (
	DetailRenderStarted   = "RenderStarted"
	DetailChunkRetried    = "ChunkRetried"
	DetailRenderCompleted = "RenderCompleted"
	DetailRenderFailed    = "RenderFailed"
)

// RenderStarted announces a new render.
type RenderStarted struct {
	RenderID    string `json:"renderId"`
	Composition string `json:"composition"`
	TotalFrames int    `json:"totalFrames"`
	ChunkCount  int    `json:"chunkCount"`
}

// ChunkRetried announces one application-level chunk retry.
type ChunkRetried struct {
	RenderID   string `json:"renderId"`
	ChunkIndex int    `json:"chunkIndex"`
	Attempt    int    `json:"attempt"`
	ErrorKind  string `json:"errorKind"`
}

// RenderCompleted announces a successful render.
type RenderCompleted struct {
	RenderID       string `json:"renderId"`
	ChunksRendered int    `json:"chunksRendered"`
	FramesRendered int    `json:"framesRendered"`
	DurationMs     int64  `json:"durationMs"`
}

// RenderFailed announces an aborted render.
type RenderFailed struct {
	RenderID   string `json:"renderId"`
	ChunkIndex int    `json:"chunkIndex"`
	ErrorKind  string `json:"errorKind"`
	Error      string `json:"error"`
}

// Emitter publishes render lifecycle events to one event bus.
type Emitter struct {
	client *eventbridge.Client
	bus    string
}

// NewEmitter creates an Emitter on the given bus. An empty bus name uses the
// account default bus.
func NewEmitter(client *eventbridge.Client, bus string) *Emitter {
	return &Emitter{client: client, bus: bus}
}

// Emit publishes one event. Errors are returned for the caller to log; callers
// must not fail the render over them.
func (e *Emitter) Emit(ctx context.Context, detailType string, detail interface{}) error {
	body, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", detailType, err)
	}

	entry := eventbridgetypes.PutEventsRequestEntry{
		Source:     aws.String(Source),
		DetailType: aws.String(detailType),
		Detail:     aws.String(string(body)),
		Time:       aws.Time(time.Now()),
	}
	if e.bus != "" {
		entry.EventBusName = aws.String(e.bus)
	}

	result, err := e.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []eventbridgetypes.PutEventsRequestEntry{entry},
	})
	if err != nil {
		log.Error().Err(err).Str("detailType", detailType).Msg("EventBridge PutEvents failed")
		return fmt.Errorf("PutEvents: %w", err)
	}

	if result.FailedEntryCount > 0 {
		for i, entry := range result.Entries {
			if entry.ErrorCode != nil || entry.ErrorMessage != nil {
				log.Error().
					Int("index", i).
					Str("errorCode", aws.ToString(entry.ErrorCode)).
					Str("errorMessage", aws.ToString(entry.ErrorMessage)).
					Str("detailType", detailType).
					Msg("EventBridge PutEvents entry failed")
				return fmt.Errorf("PutEvents entry %d failed: %s - %s", i, aws.ToString(entry.ErrorCode), aws.ToString(entry.ErrorMessage))
			}
		}
	}

	log.Debug().Str("detailType", detailType).Msg("Render event emitted to EventBridge")
	return nil
}

// EmitBestEffort publishes one event and only logs failures.
func (e *Emitter) EmitBestEffort(ctx context.Context, detailType string, detail interface{}) {
	if e == nil {
		return
	}
	if err := e.Emit(ctx, detailType, detail); err != nil {
		log.Warn().Err(err).Str("detailType", detailType).Msg("Render event dropped")
	}
}
