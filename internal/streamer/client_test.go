package streamer

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/fpang/lambda-renderfarm/internal/invoker"
	"github.com/fpang/lambda-renderfarm/internal/wireproto"
)

// attemptScript describes one scripted invocation attempt: the fragments the
// remote sends, then how the stream terminates.
type attemptScript struct {
	fragments [][]byte
	// abort closes the stream without a completion event (connection drop).
	abort bool
	// errorCode reports a remote completion error.
	errorCode string
	// stall never emits anything, so the stall deadline fires.
	stall bool
}

// scriptedTransport plays one attemptScript per OpenStream call and counts
// invocations.
type scriptedTransport struct {
	attempts []attemptScript
	calls    int
}

func (s *scriptedTransport) Invoke(ctx context.Context, functionName string, payload []byte) ([]byte, string, error) {
	return nil, "", errors.New("unary not scripted")
}

func (s *scriptedTransport) OpenStream(ctx context.Context, functionName string, payload []byte) (invoker.EventSource, error) {
	if s.calls >= len(s.attempts) {
		return nil, errors.New("unexpected extra invocation")
	}
	script := s.attempts[s.calls]
	s.calls++

	events := make(chan invoker.StreamEvent)
	src := &scriptedSource{events: events}
	go func() {
		if script.stall {
			return // never emits; the channel stays open until Close
		}
		for _, fragment := range script.fragments {
			events <- invoker.StreamEvent{Fragment: fragment}
		}
		if !script.abort {
			events <- invoker.StreamEvent{Complete: true, ErrorCode: script.errorCode}
		}
		close(events)
	}()
	return src, nil
}

type scriptedSource struct {
	events chan invoker.StreamEvent
}

func (s *scriptedSource) Events() <-chan invoker.StreamEvent { return s.events }
func (s *scriptedSource) Err() error                         { return nil }
func (s *scriptedSource) Close() error                       { return nil }

func newClient(transport *scriptedTransport, opts ...Option) *Client {
	inv := invoker.New(transport, "worker", "us-east-1",
		invoker.WithStallDeadline(50*time.Millisecond))
	return New(inv, opts...)
}

// frame encodes one wire frame for scripted fragments.
func frame(msgType wireproto.MessageType, payload []byte) []byte {
	buf := make([]byte, wireproto.HeaderSize+len(payload))
	copy(buf, "RFRM")
	buf[5] = byte(msgType)
	binary.BigEndian.PutUint32(buf[6:], uint32(len(payload)))
	copy(buf[wireproto.HeaderSize:], payload)
	return buf
}

func successScript() attemptScript {
	return attemptScript{fragments: [][]byte{
		frame(wireproto.TypeLambdaInvoked, []byte(`{"attempt":1}`)),
		frame(wireproto.TypeChunkComplete, []byte(`{"startTime":1,"renderedTime":2}`)),
	}}
}

func ignoreMessages(ctx context.Context, msg wireproto.Message) error { return nil }

func TestStream_Success(t *testing.T) {
	transport := &scriptedTransport{attempts: []attemptScript{successScript()}}
	c := newClient(transport)

	var types []wireproto.MessageType
	err := c.Stream(context.Background(), []byte("{}"), HandlerFunc(func(ctx context.Context, msg wireproto.Message) error {
		types = append(types, msg.Type())
		return nil
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if transport.calls != 1 {
		t.Errorf("expected 1 invocation, got %d", transport.calls)
	}
	if len(types) != 2 || types[0] != wireproto.TypeLambdaInvoked || types[1] != wireproto.TypeChunkComplete {
		t.Errorf("unexpected message sequence: %v", types)
	}
}

func TestStream_RetriesMalformedPayload(t *testing.T) {
	transport := &scriptedTransport{attempts: []attemptScript{
		{fragments: [][]byte{frame(wireproto.TypeChunkComplete, []byte(`{"startTime":`))}},
		successScript(),
	}}
	retries := 0
	c := newClient(transport, WithRetryObserver(func() { retries++ }))

	if err := c.Stream(context.Background(), []byte("{}"), HandlerFunc(ignoreMessages)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if transport.calls != 2 {
		t.Errorf("expected 2 invocations, got %d", transport.calls)
	}
	if retries != 1 {
		t.Errorf("expected 1 observed retry, got %d", retries)
	}
}

func TestStream_RetriesConnectionAbort(t *testing.T) {
	transport := &scriptedTransport{attempts: []attemptScript{
		{fragments: [][]byte{frame(wireproto.TypeLambdaInvoked, []byte(`{"attempt":1}`))}, abort: true},
		successScript(),
	}}
	c := newClient(transport)

	if err := c.Stream(context.Background(), []byte("{}"), HandlerFunc(ignoreMessages)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if transport.calls != 2 {
		t.Errorf("expected 2 invocations, got %d", transport.calls)
	}
}

func TestStream_RetriesStall(t *testing.T) {
	transport := &scriptedTransport{attempts: []attemptScript{
		{stall: true},
		successScript(),
	}}
	c := newClient(transport)

	if err := c.Stream(context.Background(), []byte("{}"), HandlerFunc(ignoreMessages)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if transport.calls != 2 {
		t.Errorf("expected 2 invocations, got %d", transport.calls)
	}
}

func TestStream_ExhaustsRetries(t *testing.T) {
	transport := &scriptedTransport{attempts: []attemptScript{
		{abort: true}, {abort: true}, {abort: true},
	}}
	c := newClient(transport, WithRetries(2))

	err := c.Stream(context.Background(), []byte("{}"), HandlerFunc(ignoreMessages))
	if !errors.Is(err, invoker.ErrConnectionAborted) {
		t.Fatalf("expected the last transient error to propagate, got %v", err)
	}
	if transport.calls != 3 {
		t.Errorf("expected 3 invocations (1 + 2 retries), got %d", transport.calls)
	}
}

func TestStream_RemoteErrorNotRetried(t *testing.T) {
	transport := &scriptedTransport{attempts: []attemptScript{
		{errorCode: "Unhandled"},
	}}
	c := newClient(transport)

	err := c.Stream(context.Background(), []byte("{}"), HandlerFunc(ignoreMessages))
	var remote *RemoteExecutionError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteExecutionError, got %v", err)
	}
	if remote.Code != "Unhandled" {
		t.Errorf("expected code Unhandled, got %s", remote.Code)
	}
	if remote.LogRef.LogGroup != "/aws/lambda/worker" {
		t.Errorf("expected log ref for the worker function, got %s", remote.LogRef.LogGroup)
	}
	if transport.calls != 1 {
		t.Errorf("remote errors must not be retried, got %d invocations", transport.calls)
	}
}

func TestStream_HandlerErrorNotRetried(t *testing.T) {
	transport := &scriptedTransport{attempts: []attemptScript{successScript()}}
	c := newClient(transport)

	boom := errors.New("disk full")
	err := c.Stream(context.Background(), []byte("{}"), HandlerFunc(func(ctx context.Context, msg wireproto.Message) error {
		return boom
	}))
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error to propagate, got %v", err)
	}
	if transport.calls != 1 {
		t.Errorf("handler errors must not be retried, got %d invocations", transport.calls)
	}
}

func TestStream_FrameCorruptionNotRetried(t *testing.T) {
	transport := &scriptedTransport{attempts: []attemptScript{
		{fragments: [][]byte{[]byte("XXXX\x00\x01\x00\x00\x00\x00")}},
	}}
	c := newClient(transport)

	err := c.Stream(context.Background(), []byte("{}"), HandlerFunc(ignoreMessages))
	var frameErr *wireproto.FrameError
	if !errors.As(err, &frameErr) {
		t.Fatalf("expected FrameError, got %v", err)
	}
	if transport.calls != 1 {
		t.Errorf("frame corruption must not be retried, got %d invocations", transport.calls)
	}
}
