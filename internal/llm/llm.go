// Package llm is the model-provider boundary. The chat routes only need
// a stream of text deltas and an end-of-message marker; everything else
// about a provider's schema stays behind Streamer.
package llm

import (
	"context"

	"github.com/ashureev/chatkit/internal/domain"
)

// EventType classifies streamed model events.
type EventType string

const (
	// EventTextDelta carries an incremental piece of assistant text.
	EventTextDelta EventType = "text_delta"
	// EventMessageStop marks the end of the assistant message.
	EventMessageStop EventType = "message_stop"
)

// Event is one element of a model response stream.
type Event struct {
	Type      EventType
	TextDelta string
}

// ChatRequest describes one model call.
type ChatRequest struct {
	Model        string
	MaxTokens    int
	SystemPrompt string
	Messages     []domain.Turn
}

// Streamer produces an incremental model response. fn is invoked once
// per event in arrival order; a non-nil return from fn aborts the
// stream and is returned from StreamChat. A message_stop event is
// always delivered before a nil return.
type Streamer interface {
	StreamChat(ctx context.Context, req ChatRequest, fn func(Event) error) error
}
