// Package wireproto implements the message framing used on a chunk worker's
// response stream. Every message travels as one frame: a fixed 10-byte header
// (magic, status, type, payload length) followed by the payload. Payloads are
// either JSON or raw media bytes depending on the message type; the mapping is
// fixed by a static type→format table so both ends agree without negotiation.
package wireproto

import "fmt"

// Status tags a frame as carrying a success or error message. The worker only
// ever sets StatusError on error-occurred frames; the decoder surfaces the tag
// without acting on it.
type Status byte

const (
	StatusSuccess Status = 0x00
	StatusError   Status = 0x01
)

// MessageType identifies the application-level message carried by a frame.
type MessageType byte

const (
	TypeLambdaInvoked  MessageType = 0x01
	TypeFramesRendered MessageType = 0x02
	TypeVideoChunk     MessageType = 0x03
	TypeAudioChunk     MessageType = 0x04
	TypeChunkComplete  MessageType = 0x05
	TypeErrorOccurred  MessageType = 0x06
	TypeChunkUploaded  MessageType = 0x07
)

// PayloadFormat declares how a message type's payload is encoded.
type PayloadFormat int

const (
	// FormatJSON payloads are decoded as structured JSON.
	FormatJSON PayloadFormat = iota
	// FormatRaw payloads pass through as bytes unmodified (media content).
	FormatRaw
)

// payloadFormats is the static type→format table. Unknown types are frame
// corruption, never a malformed payload.
var payloadFormats = map[MessageType]PayloadFormat{
	TypeLambdaInvoked:  FormatJSON,
	TypeFramesRendered: FormatJSON,
	TypeVideoChunk:     FormatRaw,
	TypeAudioChunk:     FormatRaw,
	TypeChunkComplete:  FormatJSON,
	TypeErrorOccurred:  FormatJSON,
	TypeChunkUploaded:  FormatJSON,
}

// Format returns the payload format for the type and whether the type is known.
func (t MessageType) Format() (PayloadFormat, bool) {
	f, ok := payloadFormats[t]
	return f, ok
}

func (t MessageType) String() string {
	switch t {
	case TypeLambdaInvoked:
		return "lambda-invoked"
	case TypeFramesRendered:
		return "frames-rendered"
	case TypeVideoChunk:
		return "video-chunk-rendered"
	case TypeAudioChunk:
		return "audio-chunk-rendered"
	case TypeChunkComplete:
		return "chunk-complete"
	case TypeErrorOccurred:
		return "error-occurred"
	case TypeChunkUploaded:
		return "chunk-uploaded"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

// Message is the decoded application-level counterpart of a StreamFrame.
// Exactly one terminal variant (ChunkComplete or ErrorOccurred) occurs per
// stream lifecycle; all others are zero-or-more progress events preceding it.
type Message interface {
	// Type returns the wire type of the message.
	Type() MessageType
}

// LambdaInvoked is emitted by the worker immediately upon accepting a request,
// before any rendering work, so the coordinator can distinguish "never
// started" from "started but stalled".
type LambdaInvoked struct {
	Attempt int `json:"attempt"`
}

func (LambdaInvoked) Type() MessageType { return TypeLambdaInvoked }

// FramesRendered reports rendering progress for one chunk.
type FramesRendered struct {
	Rendered int `json:"rendered"`
	Encoded  int `json:"encoded"`
}

func (FramesRendered) Type() MessageType { return TypeFramesRendered }

// VideoChunk carries the rendered video artifact's raw bytes. Audio-only
// compositions reuse this variant for their single artifact so downstream
// assembly always finds a video file per chunk.
type VideoChunk struct {
	Data []byte
}

func (VideoChunk) Type() MessageType { return TypeVideoChunk }

// AudioChunk carries a separately-encoded audio artifact's raw bytes.
type AudioChunk struct {
	Data []byte
}

func (AudioChunk) Type() MessageType { return TypeAudioChunk }

// ChunkComplete is the success terminal message.
type ChunkComplete struct {
	StartTime    int64 `json:"startTime"`
	RenderedTime int64 `json:"renderedTime"`
}

func (ChunkComplete) Type() MessageType { return TypeChunkComplete }

// ChunkUploaded replaces an in-band media frame when the artifact exceeds the
// streaming size limit: the worker parks the artifact in S3 and the
// coordinator fetches it.
type ChunkUploaded struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Size   int64  `json:"size"`
	Kind   string `json:"kind"` // "video" or "audio"
}

func (ChunkUploaded) Type() MessageType { return TypeChunkUploaded }

// ErrorOccurred is the failure terminal message. ShouldRetry tells the
// coordinator whether an application-level retry of the chunk is worthwhile.
type ErrorOccurred struct {
	ErrorInfo   ErrorInfo `json:"errorInfo"`
	ShouldRetry bool      `json:"shouldRetry"`
}

func (ErrorOccurred) Type() MessageType { return TypeErrorOccurred }

// ErrorInfo captures error classification for observability and retry
// decisions. Created by the worker on failure, stored by the progress tracker.
type ErrorInfo struct {
	Kind          string `json:"kind"`
	Message       string `json:"message"`
	Stack         string `json:"stack,omitempty"`
	ChunkIndex    int    `json:"chunkIndex"`
	Frame         *int   `json:"frame,omitempty"`
	Fatal         bool   `json:"fatal"`
	Attempt       int    `json:"attempt"`
	TotalAttempts int    `json:"totalAttempts"`
	WillRetry     bool   `json:"willRetry"`
	Diagnostic    string `json:"diagnostic,omitempty"`
}
