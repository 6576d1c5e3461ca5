package agentgateway

import (
	"context"
	"fmt"

	"github.com/memyselfmike/telic-loop/internal/loopstate"
)

// Gateway is the single seam between the loop and the out-of-scope LLM
// provider SDK: it opens a role-scoped session, enforces that role's
// timeout, accounts for token usage on LoopState, and routes every tool
// call the model emits through the registry.
type Gateway struct {
	open     Opener
	registry *ToolRegistry
}

func NewGateway(open Opener, registry *ToolRegistry) *Gateway {
	return &Gateway{open: open, registry: registry}
}

// Turn is the result of one role-scoped prompt round-trip: the tool
// results returned to the caller (for logging/handler inspection) and the
// usage that was already folded into state.
type Turn struct {
	Results []ToolResult
	Usage   Usage
}

// Run opens a session for role, sends prompt under that role's timeout,
// dispatches every returned tool call against state, and records token
// usage on state before returning.
func (g *Gateway) Run(ctx context.Context, state *loopstate.LoopState, role Role, prompt string) (Turn, error) {
	session, err := g.open(role)
	if err != nil {
		return Turn{}, fmt.Errorf("agentgateway: open session for role %s: %w", role, err)
	}

	ctx, cancel := context.WithTimeout(ctx, role.Timeout())
	defer cancel()

	result, err := session.Send(ctx, prompt)
	if err != nil {
		return Turn{}, fmt.Errorf("agentgateway: role %s send: %w", role, err)
	}

	state.AddTokens(result.Usage.InputTokens, result.Usage.OutputTokens)

	turn := Turn{Usage: result.Usage}
	for _, call := range result.ToolCalls {
		turn.Results = append(turn.Results, g.registry.ExecuteCall(state, call))
	}
	return turn, nil
}

// Definitions exposes the registered tool set, e.g. for prompt assembly.
func (g *Gateway) Definitions() []ToolDefinition {
	return g.registry.Definitions()
}

// SetVRCMode tells the registry which mode the next report_vrc call (if
// any) belongs to. Callers should reset it to "" once the turn it applies
// to has finished.
func (g *Gateway) SetVRCMode(mode string) {
	g.registry.SetVRCMode(mode)
}
