// Package provider defines the contract every language-model integration
// implements: a one-shot generate call, a single-pass event stream and a
// uniform error shape.
package provider

import (
	"context"

	"chat-relay/internal/domain"
)

// Provider wraps a remote model. Generate returns the aggregated reply text.
// GenerateStream opens a provider-side event stream; the returned Stream must
// be closed by the caller.
type Provider interface {
	Generate(ctx context.Context, req domain.ChatRequest) (string, error)
	GenerateStream(ctx context.Context, req domain.ChatRequest) (Stream, error)
}

// Stream is a lazy, single-pass sequence of provider events.
//
// Recv returns (Event, nil) for each event and io.EOF when the provider ends
// the sequence. A stream is not restartable.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// EventKind is the closed set of event classes an adapter can report.
type EventKind int

const (
	EventTextDelta EventKind = iota + 1
	EventError
	EventCompleted
	// EventOther is any provider event the adapter does not classify. The
	// relay drops it.
	EventOther
)

// Event is one provider event after adapter-side classification. Type holds
// the provider-native event name when one exists.
type Event struct {
	Kind    EventKind
	Type    string
	Text    string
	Message string
}

func TextDelta(text string) Event { return Event{Kind: EventTextDelta, Text: text} }

func ErrorEvent(msg string) Event { return Event{Kind: EventError, Message: msg} }

func Completed() Event { return Event{Kind: EventCompleted} }

func Other(typ string) Event { return Event{Kind: EventOther, Type: typ} }
