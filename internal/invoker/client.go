// Package invoker wraps the Lambda invoke primitive in the two modes the
// render farm uses: unary request/response and streaming
// request/response-stream with a stall guard.
package invoker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultStallDeadline bounds how long a streaming invocation may go without
// the remote beginning to respond.
const DefaultStallDeadline = 60 * time.Second

// Client invokes one target function.
type Client struct {
	transport     Transport
	functionName  string
	region        string
	stallDeadline time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithStallDeadline overrides the streaming stall deadline.
func WithStallDeadline(d time.Duration) Option {
	return func(c *Client) { c.stallDeadline = d }
}

// New creates a Client for the given function in the given region.
func New(transport Transport, functionName, region string, opts ...Option) *Client {
	c := &Client{
		transport:     transport,
		functionName:  functionName,
		region:        region,
		stallDeadline: DefaultStallDeadline,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FunctionName returns the invocation target.
func (c *Client) FunctionName() string { return c.functionName }

// Region returns the target's region.
func (c *Client) Region() string { return c.region }

// InvokeUnary performs a single request/response invocation. It returns
// *InvocationError if the remote function reported an error and
// *TransportError if the transport itself failed.
func (c *Client) InvokeUnary(ctx context.Context, payload []byte) ([]byte, error) {
	response, functionError, err := c.transport.Invoke(ctx, c.functionName, payload)
	if err != nil {
		return nil, &TransportError{Op: "invoke", Err: err}
	}
	if functionError != "" {
		return nil, &InvocationError{FunctionError: functionError, Payload: response}
	}
	return response, nil
}

// Stream is the handle for one streaming invocation: an ordered asynchronous
// sequence of raw byte fragments and a terminal completion signal.
type Stream struct {
	fragments chan []byte
	err       error
}

// Fragments yields raw payload fragments in arrival order. The channel closes
// when the stream terminates; consult Err afterwards.
func (s *Stream) Fragments() <-chan []byte { return s.fragments }

// Err reports the stream's terminal state. Valid only after Fragments has
// closed: nil for clean end-of-stream, *RemoteError for a remote-reported
// completion error, or a transport-level failure wrapping
// ErrConnectionAborted.
func (s *Stream) Err() error { return s.err }

// InvokeStreaming issues the call and races the remote's first event against
// the stall deadline. If the deadline elapses first, the attempt is abandoned
// (its handle is closed and not awaited further) and the call fails with
// ErrStreamStall. Fragment delivery and the terminal signal continue on the
// returned Stream.
func (c *Client) InvokeStreaming(ctx context.Context, payload []byte) (*Stream, error) {
	source, err := c.transport.OpenStream(ctx, c.functionName, payload)
	if err != nil {
		return nil, &TransportError{Op: "invoke-streaming", Err: err}
	}

	stall := time.NewTimer(c.stallDeadline)
	defer stall.Stop()

	select {
	case first, open := <-source.Events():
		stream := &Stream{fragments: make(chan []byte)}
		go c.pump(source, stream, first, open)
		return stream, nil
	case <-stall.C:
		// Deliberate leak boundary: the underlying call may still be in
		// flight. Close the handle and move on without awaiting it.
		_ = source.Close()
		log.Warn().
			Str("function", c.functionName).
			Dur("deadline", c.stallDeadline).
			Msg("Streaming invocation stalled before first event")
		return nil, fmt.Errorf("%w after %s", ErrStreamStall, c.stallDeadline)
	case <-ctx.Done():
		_ = source.Close()
		return nil, ctx.Err()
	}
}

// pump forwards source events onto the stream until the source closes, then
// records the terminal state and closes the fragment channel.
func (c *Client) pump(source EventSource, stream *Stream, first StreamEvent, open bool) {
	defer close(stream.fragments)
	defer source.Close()

	sawComplete := false
	event, ok := first, open
	for {
		if !ok {
			// Event channel closed. A close without the terminal completion
			// event means the connection dropped mid-stream.
			if err := source.Err(); err != nil {
				stream.err = fmt.Errorf("%w: %v", ErrConnectionAborted, err)
			} else if !sawComplete && stream.err == nil {
				stream.err = fmt.Errorf("%w: stream closed before completion event", ErrConnectionAborted)
			}
			return
		}

		if event.Complete {
			sawComplete = true
			if event.ErrorCode != "" {
				stream.err = &RemoteError{Code: event.ErrorCode, Details: event.ErrorDetails}
			}
		} else if len(event.Fragment) > 0 {
			stream.fragments <- event.Fragment
		}

		event, ok = <-source.Events()
	}
}
