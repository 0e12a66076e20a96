package wireproto

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/fpang/lambda-renderfarm/internal/jsonutil"
)

// Frame layout: 4-byte magic, 1 status byte, 1 type byte, 4-byte big-endian
// payload length, payload bytes.
const (
	// HeaderSize is the fixed frame header size in bytes.
	HeaderSize = 10
	// MaxPayloadSize bounds a single frame's payload (64 MiB). Rendered chunk
	// artifacts above the worker's in-band limit go through S3 instead, so a
	// larger length is header corruption.
	MaxPayloadSize = 64 * 1024 * 1024
)

// magic marks the start of every frame.
var magic = [4]byte{'R', 'F', 'R', 'M'}

// ErrDecoderDisposed is returned by Feed after Dispose has been called.
var ErrDecoderDisposed = errors.New("frame decoder disposed")

// FrameErrorKind classifies frame header corruption.
type FrameErrorKind int

const (
	// FrameErrorBadMagic indicates the buffer does not start with the frame magic.
	FrameErrorBadMagic FrameErrorKind = iota
	// FrameErrorUnknownType indicates a type byte outside the type→format table.
	FrameErrorUnknownType
	// FrameErrorTooLarge indicates a declared payload length above MaxPayloadSize.
	FrameErrorTooLarge
)

// FrameError reports header-level corruption of the byte stream. It is
// distinct from MalformedPayloadError: a corrupt header means the stream
// framing itself is broken and no resync is attempted.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
}

func (e *FrameError) Error() string { return e.Msg }

// MalformedPayloadError reports that a structured-payload message type's bytes
// failed JSON parsing. Raw carries the offending text, truncated, for
// diagnostics. Raw-byte message types never produce it.
type MalformedPayloadError struct {
	MessageType MessageType
	Raw         string
	Err         error
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("payload not valid structured data for %s: %v (text: %s)", e.MessageType, e.Err, e.Raw)
}

func (e *MalformedPayloadError) Unwrap() error { return e.Err }

// StreamFrame is one decoded unit from the wire: status tag, message type, and
// the raw payload. Ephemeral; constructed by the Decoder, consumed immediately
// by a handler, never persisted.
type StreamFrame struct {
	Status  Status
	Type    MessageType
	Payload []byte
}

// Decoder reassembles frames from arbitrarily-fragmented byte input. Fragment
// boundaries need not align with frame boundaries; partial frames are buffered
// until completed by later fragments. Frames are emitted in the exact order
// their bytes were received. The Decoder has no network or retry knowledge.
type Decoder struct {
	buf      bytes.Buffer
	disposed bool
}

// NewDecoder creates an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes one byte fragment and returns every frame completed by it, in
// order. A frame whose bytes are only partially present stays buffered for the
// next call. Header corruption returns a *FrameError and poisons the decoder.
func (d *Decoder) Feed(fragment []byte) ([]StreamFrame, error) {
	if d.disposed {
		return nil, ErrDecoderDisposed
	}
	d.buf.Write(fragment)

	var frames []StreamFrame
	for {
		data := d.buf.Bytes()
		if len(data) < HeaderSize {
			return frames, nil
		}
		if !bytes.Equal(data[:4], magic[:]) {
			return frames, &FrameError{
				Kind: FrameErrorBadMagic,
				Msg:  fmt.Sprintf("bad frame magic %q", data[:4]),
			}
		}
		status := Status(data[4])
		msgType := MessageType(data[5])
		if _, ok := msgType.Format(); !ok {
			return frames, &FrameError{
				Kind: FrameErrorUnknownType,
				Msg:  fmt.Sprintf("unknown message type 0x%02x", data[5]),
			}
		}
		length := binary.BigEndian.Uint32(data[6:HeaderSize])
		if length > MaxPayloadSize {
			return frames, &FrameError{
				Kind: FrameErrorTooLarge,
				Msg:  fmt.Sprintf("payload length %d exceeds maximum %d", length, MaxPayloadSize),
			}
		}
		total := HeaderSize + int(length)
		if len(data) < total {
			return frames, nil
		}

		payload := make([]byte, length)
		copy(payload, data[HeaderSize:total])
		frames = append(frames, StreamFrame{Status: status, Type: msgType, Payload: payload})
		d.buf.Next(total)
	}
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *Decoder) Buffered() int {
	return d.buf.Len()
}

// Dispose releases the internal buffer. Calling it before stream completion is
// a caller error but never panics; subsequent Feed calls report
// ErrDecoderDisposed.
func (d *Decoder) Dispose() {
	d.disposed = true
	d.buf.Reset()
}

// DecodeMessage decodes a StreamFrame's payload into its typed Message
// according to the type→format table. Structured types that fail JSON parsing
// return a *MalformedPayloadError carrying the offending text.
func DecodeMessage(f StreamFrame) (Message, error) {
	switch f.Type {
	case TypeLambdaInvoked:
		return decodeJSON[LambdaInvoked](f)
	case TypeFramesRendered:
		return decodeJSON[FramesRendered](f)
	case TypeVideoChunk:
		return VideoChunk{Data: f.Payload}, nil
	case TypeAudioChunk:
		return AudioChunk{Data: f.Payload}, nil
	case TypeChunkComplete:
		return decodeJSON[ChunkComplete](f)
	case TypeChunkUploaded:
		return decodeJSON[ChunkUploaded](f)
	case TypeErrorOccurred:
		return decodeJSON[ErrorOccurred](f)
	default:
		return nil, &FrameError{
			Kind: FrameErrorUnknownType,
			Msg:  fmt.Sprintf("unknown message type 0x%02x", byte(f.Type)),
		}
	}
}

func decodeJSON[T Message](f StreamFrame) (Message, error) {
	msg, err := jsonutil.Parse[T](f.Payload)
	if err != nil {
		return nil, &MalformedPayloadError{
			MessageType: f.Type,
			Raw:         jsonutil.Preview(string(f.Payload)),
			Err:         err,
		}
	}
	return msg, nil
}

// Writer frames messages onto a byte stream. It is the worker-side counterpart
// of the Decoder.
type Writer struct {
	w io.Writer
}

// NewWriter creates a Writer emitting frames to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write frames one message. The status byte is derived from the message kind:
// only error-occurred frames carry StatusError.
func (w *Writer) Write(msg Message) error {
	var payload []byte
	format, ok := msg.Type().Format()
	if !ok {
		return fmt.Errorf("unknown message type %s", msg.Type())
	}
	switch format {
	case FormatRaw:
		switch m := msg.(type) {
		case VideoChunk:
			payload = m.Data
		case AudioChunk:
			payload = m.Data
		default:
			return fmt.Errorf("raw format declared for non-media type %s", msg.Type())
		}
	case FormatJSON:
		var err error
		payload, err = json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", msg.Type(), err)
		}
	}
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%s payload %d bytes exceeds frame maximum %d", msg.Type(), len(payload), MaxPayloadSize)
	}

	status := StatusSuccess
	if msg.Type() == TypeErrorOccurred {
		status = StatusError
	}

	header := make([]byte, HeaderSize)
	copy(header, magic[:])
	header[4] = byte(status)
	header[5] = byte(msg.Type())
	binary.BigEndian.PutUint32(header[6:], uint32(len(payload)))

	if _, err := w.w.Write(header); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}
