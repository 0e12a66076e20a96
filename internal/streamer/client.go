// Package streamer drives one logical chunk-render request to its terminal
// message, absorbing transient network-layer failures with bounded retries.
// Application-layer failures travel in-band as error-occurred messages and are
// never retried here.
package streamer

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/fpang/lambda-renderfarm/internal/invoker"
	"github.com/fpang/lambda-renderfarm/internal/logsref"
	"github.com/fpang/lambda-renderfarm/internal/wireproto"
)

// DefaultRetries is how many times a transient attempt failure is re-invoked
// before the last error propagates.
const DefaultRetries = 2

// Invoker issues streaming invocations. *invoker.Client satisfies it.
type Invoker interface {
	InvokeStreaming(ctx context.Context, payload []byte) (*invoker.Stream, error)
	FunctionName() string
	Region() string
}

// Handler receives every decoded worker message in arrival order. An error
// from the handler aborts the attempt and propagates unretried.
type Handler interface {
	HandleMessage(ctx context.Context, msg wireproto.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg wireproto.Message) error

func (f HandlerFunc) HandleMessage(ctx context.Context, msg wireproto.Message) error {
	return f(ctx, msg)
}

// RemoteExecutionError reports a remote-reported non-zero completion. It is
// never retried by the streaming client; LogRef tells the operator where to
// look.
type RemoteExecutionError struct {
	Code    string
	Details string
	LogRef  logsref.Ref
	Err     error
}

func (e *RemoteExecutionError) Error() string {
	return fmt.Sprintf("remote execution failed (%s): %v [%s]", e.Code, e.Err, e.LogRef)
}

func (e *RemoteExecutionError) Unwrap() error { return e.Err }

// Client retries the network layer of one streaming request.
type Client struct {
	invoker Invoker
	retries int
	onRetry func()
}

// Option configures a Client.
type Option func(*Client)

// WithRetries overrides the transient retry bound.
func WithRetries(n int) Option {
	return func(c *Client) { c.retries = n }
}

// WithRetryObserver registers a callback invoked once per transient retry,
// for telemetry. It may be called from multiple goroutines.
func WithRetryObserver(fn func()) Option {
	return func(c *Client) { c.onRetry = fn }
}

// New creates a Client over the given invoker.
func New(inv Invoker, opts ...Option) *Client {
	c := &Client{invoker: inv, retries: DefaultRetries}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stream drives the request to end-of-stream, dispatching every decoded
// message to h. On a transient failure (malformed structured payload, stall,
// or connection abort) the whole invocation is re-issued from scratch with
// the identical payload, up to the retry bound; any other failure propagates
// immediately.
//
// Precondition: the remote side must be idempotent for identical payloads.
// The worker renders deterministically per ChunkSpec and overwrites its
// scratch output, so re-invoking is safe.
func (c *Client) Stream(ctx context.Context, payload []byte, h Handler) error {
	remaining := c.retries
	for {
		err := c.attempt(ctx, payload, h)
		if err == nil {
			return nil
		}
		if !transient(err) || remaining == 0 {
			return err
		}
		remaining--
		if c.onRetry != nil {
			c.onRetry()
		}
		log.Warn().
			Err(err).
			Str("function", c.invoker.FunctionName()).
			Int("retriesLeft", remaining).
			Msg("Transient stream failure, re-invoking")
	}
}

// attempt runs one full invocation: decode every fragment, dispatch every
// message, then interpret the terminal signal.
func (c *Client) attempt(ctx context.Context, payload []byte, h Handler) error {
	stream, err := c.invoker.InvokeStreaming(ctx, payload)
	if err != nil {
		return err
	}

	dec := wireproto.NewDecoder()
	defer dec.Dispose()

	drained := false
	defer func() {
		if !drained {
			// Unblock the stream's pump so the abandoned attempt can release
			// its transport resources; we no longer read its fragments.
			go func() {
				for range stream.Fragments() {
				}
			}()
		}
	}()

	for fragment := range stream.Fragments() {
		frames, ferr := dec.Feed(fragment)
		for _, frame := range frames {
			msg, derr := wireproto.DecodeMessage(frame)
			if derr != nil {
				return derr
			}
			if herr := h.HandleMessage(ctx, msg); herr != nil {
				return fmt.Errorf("message handler: %w", herr)
			}
		}
		if ferr != nil {
			return ferr
		}
	}
	drained = true

	if serr := stream.Err(); serr != nil {
		var remote *invoker.RemoteError
		if errors.As(serr, &remote) {
			return &RemoteExecutionError{
				Code:    remote.Code,
				Details: remote.Details,
				LogRef:  logsref.ForInvocation(c.invoker.Region(), c.invoker.FunctionName(), remote.Code),
				Err:     serr,
			}
		}
		return serr
	}
	return nil
}

// transient reports whether err is in the retry trigger set: a structured
// payload that failed to parse, a stall before the stream began, or a
// mid-stream connection abort. Matched structurally, not by error text.
func transient(err error) bool {
	var malformed *wireproto.MalformedPayloadError
	if errors.As(err, &malformed) {
		return true
	}
	return errors.Is(err, invoker.ErrStreamStall) || errors.Is(err, invoker.ErrConnectionAborted)
}
