package agentgateway

import (
	"context"
	"encoding/json"
)

// Usage is the token accounting for one session round-trip.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ToolCall is one structured tool invocation the model emitted.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// SendResult is everything a round-trip yields: zero or more tool calls
// plus the usage spent producing them.
type SendResult struct {
	ToolCalls []ToolCall
	Usage     Usage
}

// AgentSession is the LLM provider SDK boundary, abstracted as
// send(prompt) -> {tool_calls, usage} so the provider itself stays
// out of scope for the scheduler.
type AgentSession interface {
	Send(ctx context.Context, prompt string) (SendResult, error)
}

// Opener constructs a role-scoped session. Production wiring supplies one
// backed by a real provider SDK; tests and the default CLI wiring use
// NewSimulatedSession.
type Opener func(role Role) (AgentSession, error)
