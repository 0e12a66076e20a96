package invoker

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	lambdasvc "github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
)

// StreamEvent is one event from an open response stream: either a payload
// fragment or the terminal completion signal.
type StreamEvent struct {
	// Fragment is a raw payload chunk; nil on the completion event.
	Fragment []byte
	// Complete marks the terminal signal.
	Complete bool
	// ErrorCode and ErrorDetails carry a remote-reported completion error.
	ErrorCode    string
	ErrorDetails string
}

// EventSource is an open response stream's event sequence. Events closes when
// the stream ends; Err reports the transport-level failure, if any, after the
// channel closes. Close abandons the stream.
type EventSource interface {
	Events() <-chan StreamEvent
	Err() error
	Close() error
}

// Transport issues the raw invocation calls. The production implementation
// wraps the aws-sdk-go-v2 Lambda client; tests substitute fakes.
type Transport interface {
	// Invoke performs a unary RequestResponse invocation. functionError is
	// non-empty when the remote function reported an application error.
	Invoke(ctx context.Context, functionName string, payload []byte) (response []byte, functionError string, err error)
	// OpenStream starts an InvokeWithResponseStream invocation.
	OpenStream(ctx context.Context, functionName string, payload []byte) (EventSource, error)
}

// sdkTransport adapts the aws-sdk-go-v2 Lambda client to Transport.
type sdkTransport struct {
	client *lambdasvc.Client
}

// NewSDKTransport wraps a Lambda service client.
func NewSDKTransport(client *lambdasvc.Client) Transport {
	return &sdkTransport{client: client}
}

func (t *sdkTransport) Invoke(ctx context.Context, functionName string, payload []byte) ([]byte, string, error) {
	out, err := t.client.Invoke(ctx, &lambdasvc.InvokeInput{
		FunctionName:   aws.String(functionName),
		InvocationType: lambdatypes.InvocationTypeRequestResponse,
		Payload:        payload,
	})
	if err != nil {
		return nil, "", err
	}
	return out.Payload, aws.ToString(out.FunctionError), nil
}

func (t *sdkTransport) OpenStream(ctx context.Context, functionName string, payload []byte) (EventSource, error) {
	out, err := t.client.InvokeWithResponseStream(ctx, &lambdasvc.InvokeWithResponseStreamInput{
		FunctionName: aws.String(functionName),
		Payload:      payload,
	})
	if err != nil {
		return nil, err
	}

	src := &sdkEventSource{
		stream: out.GetStream(),
		events: make(chan StreamEvent),
		closed: make(chan struct{}),
	}
	go src.translate()
	return src, nil
}

// sdkEventSource translates SDK event-stream union members into StreamEvents.
type sdkEventSource struct {
	stream *lambdasvc.InvokeWithResponseStreamEventStream
	events chan StreamEvent
	closed chan struct{}
}

func (s *sdkEventSource) translate() {
	defer close(s.events)
	for event := range s.stream.Events() {
		var out StreamEvent
		switch v := event.(type) {
		case *lambdatypes.InvokeWithResponseStreamResponseEventMemberPayloadChunk:
			out = StreamEvent{Fragment: v.Value.Payload}
		case *lambdatypes.InvokeWithResponseStreamResponseEventMemberInvokeComplete:
			out = StreamEvent{
				Complete:     true,
				ErrorCode:    aws.ToString(v.Value.ErrorCode),
				ErrorDetails: aws.ToString(v.Value.ErrorDetails),
			}
		default:
			// Unknown union members are skipped; the SDK adds members over time.
			continue
		}
		select {
		case s.events <- out:
		case <-s.closed:
			return
		}
	}
}

func (s *sdkEventSource) Events() <-chan StreamEvent { return s.events }

func (s *sdkEventSource) Err() error {
	if err := s.stream.Err(); err != nil {
		return fmt.Errorf("response stream: %w", err)
	}
	return nil
}

func (s *sdkEventSource) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return s.stream.Close()
}
