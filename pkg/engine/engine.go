// Package engine defines the assistant engine contract and the deterministic
// scripted engine the reference server ships with.
package engine

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"

	"github.com/viaiv/jarvis/pkg/protocol"
)

// Request is one user submission handed to an engine.
type Request struct {
	ThreadID     string
	Message      string
	MaxToolSteps int
}

// Sink receives streaming events as an engine run produces them. Engines
// emit token, tool_start, and tool_end; end and error framing belongs to
// the caller.
type Sink interface {
	Emit(ev protocol.Event) error
}

// Engine produces one assistant reply per Run, streaming it into the sink.
type Engine interface {
	Run(ctx context.Context, req Request, sink Sink) error
}

// WatermillSink publishes encoded event frames to a bus topic.
type WatermillSink struct {
	publisher message.Publisher
	topic     string
}

func NewWatermillSink(publisher message.Publisher, topic string) *WatermillSink {
	return &WatermillSink{publisher: publisher, topic: topic}
}

func (s *WatermillSink) Emit(ev protocol.Event) error {
	payload, err := protocol.EncodeEvent(ev)
	if err != nil {
		return err
	}
	return errors.Wrap(s.publisher.Publish(s.topic, message.NewMessage(watermill.NewUUID(), payload)), "publish event")
}

// CollectingSink accumulates a run in memory for single-shot responses.
type CollectingSink struct {
	answer strings.Builder
	events []protocol.Event
}

func (s *CollectingSink) Emit(ev protocol.Event) error {
	s.events = append(s.events, ev)
	if token, ok := ev.(protocol.Token); ok {
		s.answer.WriteString(token.Content)
	}
	return nil
}

// Answer returns the concatenated token content of the run.
func (s *CollectingSink) Answer() string {
	return s.answer.String()
}

// Events returns every event emitted during the run, in order.
func (s *CollectingSink) Events() []protocol.Event {
	return s.events
}
