package agentgateway

import (
	"context"
	"encoding/json"
)

// SimulatedAgentSession stands in for the out-of-scope LLM provider SDK. It
// plays back a fixed queue of SendResult values, one per call to Send, and
// repeats the final entry once the queue is exhausted, which is close
// enough for deterministic tests and default CLI wiring.
type SimulatedAgentSession struct {
	Role    Role
	Scripts []SendResult
	calls   int
}

// NewSimulatedSession builds an Opener that hands out a SimulatedAgentSession
// per role, scripted with scripts (shared across all roles). Pass no
// scripts for a session that always reports a no-op turn with no tool calls,
// whose only usage is an input-token estimate of len(prompt)/4, suitable as
// a default when nothing more specific is configured.
func NewSimulatedSession(scripts ...SendResult) Opener {
	return func(role Role) (AgentSession, error) {
		return &SimulatedAgentSession{Role: role, Scripts: scripts}, nil
	}
}

func (s *SimulatedAgentSession) Send(ctx context.Context, prompt string) (SendResult, error) {
	if err := ctx.Err(); err != nil {
		return SendResult{}, err
	}
	if len(s.Scripts) == 0 {
		return SendResult{Usage: Usage{InputTokens: len(prompt) / 4}}, nil
	}
	idx := s.calls
	if idx >= len(s.Scripts) {
		idx = len(s.Scripts) - 1
	}
	s.calls++
	return s.Scripts[idx], nil
}

// ToolCallArgs is a small helper for tests building a SimulatedAgentSession
// script: it marshals args into the json.RawMessage ToolCall expects.
func ToolCallArgs(id, name string, args map[string]any) ToolCall {
	b, err := json.Marshal(args)
	if err != nil {
		b = []byte("{}")
	}
	return ToolCall{ID: id, Name: name, Arguments: b}
}
