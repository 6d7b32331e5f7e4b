// Package protocol defines the JSON frames exchanged over the notification
// websocket between the hub and its clients.
package protocol

import (
	"encoding/json"
	"fmt"
)

// FrameType discriminates frames on the wire.
type FrameType string

const (
	// FrameInvoke is a client-to-hub method call awaiting a completion.
	FrameInvoke FrameType = "invoke"
	// FrameCompletion answers an invoke frame with the same invocation id.
	FrameCompletion FrameType = "completion"
	// FrameEvent is a hub-to-client broadcast.
	FrameEvent FrameType = "event"
)

// Hub methods clients may invoke.
const (
	MethodJoinGroup  = "JoinPortfolioGroup"
	MethodLeaveGroup = "LeavePortfolioGroup"
)

// Frame is the single envelope for every message on the socket.
type Frame struct {
	Type         FrameType         `json:"type"`
	InvocationID string            `json:"invocationId,omitempty"`
	Target       string            `json:"target,omitempty"`
	Arguments    []json.RawMessage `json:"arguments,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// NewInvoke builds an invoke frame, encoding each argument as JSON.
func NewInvoke(id, method string, args ...any) (Frame, error) {
	raw, err := encodeArgs(args)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s arguments: %w", method, err)
	}
	return Frame{Type: FrameInvoke, InvocationID: id, Target: method, Arguments: raw}, nil
}

// NewCompletion answers the invocation id. A nil err reports success.
func NewCompletion(id string, err error) Frame {
	f := Frame{Type: FrameCompletion, InvocationID: id}
	if err != nil {
		f.Error = err.Error()
	}
	return f
}

// NewEvent wraps an already encoded payload as an event frame.
func NewEvent(target string, payload json.RawMessage) Frame {
	return Frame{Type: FrameEvent, Target: target, Arguments: []json.RawMessage{payload}}
}

// Payload returns the first argument, or nil when there is none.
func (f Frame) Payload() json.RawMessage {
	if len(f.Arguments) == 0 {
		return nil
	}
	return f.Arguments[0]
}

// StringArg decodes argument i as a string.
func (f Frame) StringArg(i int) (string, error) {
	if i >= len(f.Arguments) {
		return "", fmt.Errorf("%s: missing argument %d", f.Target, i)
	}
	var s string
	if err := json.Unmarshal(f.Arguments[i], &s); err != nil {
		return "", fmt.Errorf("%s: argument %d: %w", f.Target, i, err)
	}
	return s, nil
}

func encodeArgs(args []any) ([]json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
