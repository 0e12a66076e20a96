package invoker

import (
	"errors"
	"fmt"
)

// Sentinel errors for stream failure classification. Use errors.Is for typed
// assertions; both are in the streaming client's transient retry set.
var (
	// ErrStreamStall indicates the transport accepted the call but the remote
	// never began responding within the stall deadline.
	ErrStreamStall = errors.New("response stream stalled before first event")

	// ErrConnectionAborted indicates the response stream's connection failed
	// before the terminal completion event arrived.
	ErrConnectionAborted = errors.New("response stream connection aborted")
)

// TransportError wraps an opaque transport failure: the call never produced a
// usable response or stream. Not retried by the streaming client.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("lambda %s transport failure: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// InvocationError reports that a unary invocation reached the remote function
// but the function itself returned an error.
type InvocationError struct {
	FunctionError string
	Payload       []byte
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("lambda function error: %s", e.FunctionError)
}

// RemoteError is a streaming invocation's terminal signal reporting a non-zero
// completion from the remote side. The streaming client wraps it with a
// diagnostic log reference before propagating.
type RemoteError struct {
	Code    string
	Details string
}

func (e *RemoteError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("remote completion error %s: %s", e.Code, e.Details)
	}
	return fmt.Sprintf("remote completion error %s", e.Code)
}
