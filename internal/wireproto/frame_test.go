package wireproto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

// frameBytes builds one raw frame for decoder tests.
func frameBytes(status Status, msgType MessageType, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	copy(buf, magic[:])
	buf[4] = byte(status)
	buf[5] = byte(msgType)
	binary.BigEndian.PutUint32(buf[6:], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf
}

func TestDecoder_SingleFrame(t *testing.T) {
	dec := NewDecoder()
	frames, err := dec.Feed(frameBytes(StatusSuccess, TypeFramesRendered, []byte(`{"rendered":5,"encoded":3}`)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].Type != TypeFramesRendered {
		t.Errorf("expected type frames-rendered, got %s", frames[0].Type)
	}
	if frames[0].Status != StatusSuccess {
		t.Errorf("expected success status, got %d", frames[0].Status)
	}
	if dec.Buffered() != 0 {
		t.Errorf("expected empty buffer, got %d bytes", dec.Buffered())
	}
}

func TestDecoder_FragmentedAcrossEverySplitPoint(t *testing.T) {
	// Two frames back to back; feed them split at every possible byte
	// boundary and verify both always come out intact and in order.
	payload1 := []byte(`{"attempt":1}`)
	payload2 := []byte{0xde, 0xad, 0xbe, 0xef}
	wire := append(frameBytes(StatusSuccess, TypeLambdaInvoked, payload1),
		frameBytes(StatusSuccess, TypeVideoChunk, payload2)...)

	for split := 0; split <= len(wire); split++ {
		dec := NewDecoder()
		var frames []StreamFrame

		got, err := dec.Feed(wire[:split])
		if err != nil {
			t.Fatalf("split %d: first feed: %v", split, err)
		}
		frames = append(frames, got...)
		got, err = dec.Feed(wire[split:])
		if err != nil {
			t.Fatalf("split %d: second feed: %v", split, err)
		}
		frames = append(frames, got...)

		if len(frames) != 2 {
			t.Fatalf("split %d: expected 2 frames, got %d", split, len(frames))
		}
		if frames[0].Type != TypeLambdaInvoked || !bytes.Equal(frames[0].Payload, payload1) {
			t.Errorf("split %d: first frame corrupted", split)
		}
		if frames[1].Type != TypeVideoChunk || !bytes.Equal(frames[1].Payload, payload2) {
			t.Errorf("split %d: second frame corrupted", split)
		}
	}
}

func TestDecoder_OneByteAtATime(t *testing.T) {
	wire := frameBytes(StatusError, TypeErrorOccurred, []byte(`{"errorInfo":{"kind":"render-failed","message":"x","chunkIndex":0,"fatal":true,"attempt":1,"totalAttempts":1,"willRetry":false},"shouldRetry":false}`))

	dec := NewDecoder()
	var frames []StreamFrame
	for _, b := range wire {
		got, err := dec.Feed([]byte{b})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		frames = append(frames, got...)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].Status != StatusError {
		t.Errorf("expected error status, got %d", frames[0].Status)
	}
}

func TestDecoder_BadMagic(t *testing.T) {
	dec := NewDecoder()
	wire := frameBytes(StatusSuccess, TypeLambdaInvoked, []byte(`{}`))
	wire[0] = 'X'

	_, err := dec.Feed(wire)
	var frameErr *FrameError
	if !errors.As(err, &frameErr) || frameErr.Kind != FrameErrorBadMagic {
		t.Fatalf("expected bad-magic FrameError, got %v", err)
	}
}

func TestDecoder_UnknownType(t *testing.T) {
	dec := NewDecoder()
	_, err := dec.Feed(frameBytes(StatusSuccess, MessageType(0x7f), []byte(`{}`)))
	var frameErr *FrameError
	if !errors.As(err, &frameErr) || frameErr.Kind != FrameErrorUnknownType {
		t.Fatalf("expected unknown-type FrameError, got %v", err)
	}
}

func TestDecoder_PayloadTooLarge(t *testing.T) {
	header := make([]byte, HeaderSize)
	copy(header, magic[:])
	header[5] = byte(TypeVideoChunk)
	binary.BigEndian.PutUint32(header[6:], MaxPayloadSize+1)

	dec := NewDecoder()
	_, err := dec.Feed(header)
	var frameErr *FrameError
	if !errors.As(err, &frameErr) || frameErr.Kind != FrameErrorTooLarge {
		t.Fatalf("expected too-large FrameError, got %v", err)
	}
}

func TestDecoder_FramesBeforeErrorAreReturned(t *testing.T) {
	good := frameBytes(StatusSuccess, TypeLambdaInvoked, []byte(`{"attempt":1}`))
	bad := frameBytes(StatusSuccess, MessageType(0x7f), []byte(`{}`))

	dec := NewDecoder()
	frames, err := dec.Feed(append(good, bad...))
	if err == nil {
		t.Fatal("expected an error for the corrupt second frame")
	}
	if len(frames) != 1 || frames[0].Type != TypeLambdaInvoked {
		t.Fatalf("expected the good frame before the error, got %d frames", len(frames))
	}
}

func TestDecoder_Dispose(t *testing.T) {
	dec := NewDecoder()
	// Partial frame buffered, then disposed mid-stream.
	if _, err := dec.Feed(frameBytes(StatusSuccess, TypeLambdaInvoked, []byte(`{}`))[:5]); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dec.Dispose()
	if dec.Buffered() != 0 {
		t.Errorf("expected buffer released after Dispose, got %d bytes", dec.Buffered())
	}
	if _, err := dec.Feed([]byte{1}); !errors.Is(err, ErrDecoderDisposed) {
		t.Errorf("expected ErrDecoderDisposed, got %v", err)
	}
	// Dispose is idempotent.
	dec.Dispose()
}

func TestDecodeMessage_MalformedStructuredPayload(t *testing.T) {
	frame := StreamFrame{Type: TypeChunkComplete, Payload: []byte(`{"startTime":`)}
	_, err := DecodeMessage(frame)
	var malformed *MalformedPayloadError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedPayloadError, got %v", err)
	}
	if malformed.MessageType != TypeChunkComplete {
		t.Errorf("expected message type chunk-complete, got %s", malformed.MessageType)
	}
	if malformed.Raw == "" {
		t.Error("expected the offending text to be carried")
	}
}

func TestDecodeMessage_RawTypesNeverMalformed(t *testing.T) {
	// Media payloads are opaque bytes; even JSON-looking garbage passes through.
	for _, msgType := range []MessageType{TypeVideoChunk, TypeAudioChunk} {
		data := []byte(`{"definitely":not json`)
		msg, err := DecodeMessage(StreamFrame{Type: msgType, Payload: data})
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", msgType, err)
		}
		switch m := msg.(type) {
		case VideoChunk:
			if !bytes.Equal(m.Data, data) {
				t.Errorf("%s: payload altered", msgType)
			}
		case AudioChunk:
			if !bytes.Equal(m.Data, data) {
				t.Errorf("%s: payload altered", msgType)
			}
		default:
			t.Errorf("%s: unexpected message %T", msgType, msg)
		}
	}
}

func TestWriter_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	sent := []Message{
		LambdaInvoked{Attempt: 2},
		FramesRendered{Rendered: 10, Encoded: 8},
		VideoChunk{Data: []byte{1, 2, 3}},
		AudioChunk{Data: []byte{4, 5}},
		ChunkUploaded{Bucket: "b", Key: "k", Size: 9, Kind: "video"},
		ChunkComplete{StartTime: 100, RenderedTime: 200},
	}
	for _, msg := range sent {
		if err := w.Write(msg); err != nil {
			t.Fatalf("write %s: %v", msg.Type(), err)
		}
	}

	dec := NewDecoder()
	frames, err := dec.Feed(buf.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(frames) != len(sent) {
		t.Fatalf("expected %d frames, got %d", len(sent), len(frames))
	}
	for i, frame := range frames {
		if frame.Type != sent[i].Type() {
			t.Errorf("frame %d: expected %s, got %s", i, sent[i].Type(), frame.Type)
		}
		if frame.Status != StatusSuccess {
			t.Errorf("frame %d: expected success status", i)
		}
		if _, err := DecodeMessage(frame); err != nil {
			t.Errorf("frame %d: decode message: %v", i, err)
		}
	}
}

func TestWriter_ErrorFrameStatus(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	err := w.Write(ErrorOccurred{
		ErrorInfo:   ErrorInfo{Kind: "render-failed", Message: "boom", ChunkIndex: 3, Fatal: true, Attempt: 1, TotalAttempts: 3},
		ShouldRetry: false,
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	frames, ferr := NewDecoder().Feed(buf.Bytes())
	if ferr != nil || len(frames) != 1 {
		t.Fatalf("decode: %v (%d frames)", ferr, len(frames))
	}
	if frames[0].Status != StatusError {
		t.Errorf("expected error status on error-occurred frame, got %d", frames[0].Status)
	}

	msg, derr := DecodeMessage(frames[0])
	if derr != nil {
		t.Fatalf("decode message: %v", derr)
	}
	occurred, ok := msg.(ErrorOccurred)
	if !ok {
		t.Fatalf("expected ErrorOccurred, got %T", msg)
	}
	if occurred.ErrorInfo.Kind != "render-failed" || occurred.ErrorInfo.ChunkIndex != 3 {
		t.Errorf("error info lost in transit: %+v", occurred.ErrorInfo)
	}
}
