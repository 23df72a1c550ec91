package ai

type EventType string

const (
	EventTextDelta      EventType = "text-delta"
	EventReasoningStart EventType = "reasoning-start"
	EventReasoningDelta EventType = "reasoning-delta"
	EventReasoningEnd   EventType = "reasoning-end"
	EventToolInputStart EventType = "tool-input-start"
	EventToolInputDelta EventType = "tool-input-delta"
	EventToolInputEnd   EventType = "tool-input-end"
	EventToolCall       EventType = "tool-call"
	EventToolResult     EventType = "tool-result"
	EventToolError      EventType = "tool-error"
	EventFinishStep     EventType = "finish-step"
)

// Event is one item of the generic provider event stream.
// ID is the reasoning segment id for reasoning events and the tool call id for tool events.
type Event struct {
	Type     EventType
	ID       string
	ToolName string

	// Text carries text-delta payloads and the dedicated reasoning delta channel.
	Text string
	// Reasoning carries the alternative reasoning shapes some providers send.
	Reasoning *ReasoningPayload

	Delta  string // tool-input-delta
	Input  any    // tool-call
	Output any    // tool-result
	Error  string // tool-error

	Usage *Usage // finish-step
}

// Usage is what a provider reports for one step. CostUSD is nil when the
// provider does not report cost.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CostUSD          *float64
}

func (u *Usage) Add(o *Usage) {
	if o == nil {
		return
	}
	u.PromptTokens += o.PromptTokens
	u.CompletionTokens += o.CompletionTokens
	u.TotalTokens += o.TotalTokens
	if o.CostUSD != nil {
		c := *o.CostUSD
		if u.CostUSD != nil {
			c += *u.CostUSD
		}
		u.CostUSD = &c
	}
}

// IsToolLifecycle reports whether the event changes a tool part.
func (e Event) IsToolLifecycle() bool {
	switch e.Type {
	case EventToolInputStart, EventToolInputEnd, EventToolCall, EventToolResult, EventToolError:
		return true
	}
	return false
}
