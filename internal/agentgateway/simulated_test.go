package agentgateway

import (
	"context"
	"testing"
)

func TestSimulatedAgentSession_NoScripts_ReturnsEmptyTurn(t *testing.T) {
	open := NewSimulatedSession()
	session, err := open(RoleBuilder)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	res, err := session.Send(context.Background(), "hello there")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(res.ToolCalls) != 0 {
		t.Fatalf("expected no tool calls, got %+v", res.ToolCalls)
	}
}

func TestSimulatedAgentSession_RepeatsFinalScript(t *testing.T) {
	open := NewSimulatedSession(
		SendResult{Usage: Usage{InputTokens: 1}},
		SendResult{Usage: Usage{InputTokens: 2}},
	)
	session, _ := open(RoleBuilder)

	first, _ := session.Send(context.Background(), "p1")
	second, _ := session.Send(context.Background(), "p2")
	third, _ := session.Send(context.Background(), "p3")

	if first.Usage.InputTokens != 1 || second.Usage.InputTokens != 2 || third.Usage.InputTokens != 2 {
		t.Fatalf("expected script to repeat final entry, got %d %d %d",
			first.Usage.InputTokens, second.Usage.InputTokens, third.Usage.InputTokens)
	}
}

func TestSimulatedAgentSession_RespectsCancelledContext(t *testing.T) {
	open := NewSimulatedSession()
	session, _ := open(RoleBuilder)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := session.Send(ctx, "p"); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
