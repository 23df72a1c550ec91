package ai

import "context"

// Message is a minimal chat message shape.
type Message struct {
	Role    string `json:"role"` // system | user | assistant
	Content string `json:"content"`
}

// ReasoningConfig controls whether the model is asked to think out loud.
// When Enabled is false adapters send an explicit "no reasoning" directive
// where the provider supports one.
type ReasoningConfig struct {
	Enabled bool
	Effort  string // low | medium | high
}

type Request struct {
	Model     string
	Messages  []Message
	Reasoning ReasoningConfig
}

// EventStreamer is implemented by every provider adapter.
// It returns immediately with two channels; both are closed when streaming ends
// and at most one error is sent. Implementations stop when ctx is done.
type EventStreamer interface {
	StreamEvents(ctx context.Context, req Request) (<-chan Event, <-chan error)
}
