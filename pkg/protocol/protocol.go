// Package protocol defines the wire frames exchanged between a chat client
// and the jarvis websocket endpoint: one outbound submit frame per user turn,
// and a closed set of inbound event frames discriminated on "type".
package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// ErrUnknownType marks an inbound frame whose "type" is not part of the
// protocol. Callers are expected to log and drop such frames rather than
// tear down the stream.
var ErrUnknownType = errors.New("unknown event type")

// Submit is the client -> server frame, one per user submission.
type Submit struct {
	Message  string `json:"message"`
	ThreadID string `json:"thread_id"`
}

func EncodeSubmit(s Submit) ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "encode submit frame")
	}
	return b, nil
}

func DecodeSubmit(data []byte) (Submit, error) {
	var s Submit
	if err := json.Unmarshal(data, &s); err != nil {
		return Submit{}, errors.Wrap(err, "decode submit frame")
	}
	return s, nil
}

// EventType discriminates inbound frames.
type EventType string

const (
	EventTypeToken     EventType = "token"
	EventTypeToolStart EventType = "tool_start"
	EventTypeToolEnd   EventType = "tool_end"
	EventTypeEnd       EventType = "end"
	EventTypeError     EventType = "error"
)

// Event is one inbound server -> client frame.
type Event interface {
	EventType() EventType
}

// Token appends a content delta to the active assistant turn.
type Token struct {
	Content string `json:"content"`
}

func (Token) EventType() EventType { return EventTypeToken }

// ToolStart announces a tool invocation inside the active turn.
type ToolStart struct {
	Name   string `json:"name"`
	CallID string `json:"call_id"`
}

func (ToolStart) EventType() EventType { return EventTypeToolStart }

// ToolEnd completes a previously announced tool invocation.
type ToolEnd struct {
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

func (ToolEnd) EventType() EventType { return EventTypeToolEnd }

// End terminates the active assistant turn normally.
type End struct{}

func (End) EventType() EventType { return EventTypeEnd }

// Error terminates the active assistant turn with a server-reported failure.
// It is a well-formed protocol message, not a transport fault.
type Error struct {
	Content string `json:"content"`
}

func (Error) EventType() EventType { return EventTypeError }

// DecodeEvent parses an inbound frame into its typed variant. Malformed JSON
// and unknown types come back as errors; the stream itself must survive both.
func DecodeEvent(data []byte) (Event, error) {
	var envelope struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, errors.Wrap(err, "decode event envelope")
	}

	switch envelope.Type {
	case EventTypeToken:
		var ev Token
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, errors.Wrap(err, "decode token event")
		}
		return ev, nil
	case EventTypeToolStart:
		var ev ToolStart
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, errors.Wrap(err, "decode tool_start event")
		}
		return ev, nil
	case EventTypeToolEnd:
		var ev ToolEnd
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, errors.Wrap(err, "decode tool_end event")
		}
		return ev, nil
	case EventTypeEnd:
		return End{}, nil
	case EventTypeError:
		var ev Error
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, errors.Wrap(err, "decode error event")
		}
		return ev, nil
	default:
		return nil, errors.Wrapf(ErrUnknownType, "type %q", envelope.Type)
	}
}

// EncodeEvent serializes an event with its discriminator. The server side
// uses this; clients only decode.
func EncodeEvent(e Event) ([]byte, error) {
	var payload any
	switch ev := e.(type) {
	case Token:
		payload = struct {
			Type    EventType `json:"type"`
			Content string    `json:"content"`
		}{EventTypeToken, ev.Content}
	case ToolStart:
		payload = struct {
			Type   EventType `json:"type"`
			Name   string    `json:"name"`
			CallID string    `json:"call_id"`
		}{EventTypeToolStart, ev.Name, ev.CallID}
	case ToolEnd:
		payload = struct {
			Type   EventType `json:"type"`
			CallID string    `json:"call_id"`
			Output string    `json:"output"`
		}{EventTypeToolEnd, ev.CallID, ev.Output}
	case End:
		payload = struct {
			Type EventType `json:"type"`
		}{EventTypeEnd}
	case Error:
		payload = struct {
			Type    EventType `json:"type"`
			Content string    `json:"content"`
		}{EventTypeError, ev.Content}
	default:
		return nil, errors.Errorf("unsupported event %T", e)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "encode event frame")
	}
	return b, nil
}
