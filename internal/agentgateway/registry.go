package agentgateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/memyselfmike/telic-loop/internal/loopstate"
)

// ToolDefinition is what gets surfaced to the model: name, description, and
// the JSON Schema of its arguments.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolExec mutates LoopState in response to a validated tool call. It
// returns a value suitable for echoing back to the model as the tool
// result (usually a short confirmation string).
type ToolExec func(state *loopstate.LoopState, args map[string]any) (any, error)

// RegisteredTool pairs a definition and compiled schema with its executor.
type RegisteredTool struct {
	Definition ToolDefinition
	Schema     *jsonschema.Schema
	Exec       ToolExec
}

// ToolRegistry is the closed sum-of-tool-variants dispatch table: every
// tool name the gateway will route is registered once, with a compiled
// schema validated before Exec ever runs.
type ToolRegistry struct {
	tools map[string]RegisteredTool

	// currentVRCMode is the engine-decided "full"/"quick" mode for whatever
	// VRC prompt is in flight. It is engine truth, not agent-reported: the
	// model never gets to claim "full" for itself, since only a full VRC's
	// SHIP_READY can open the exit gate.
	currentVRCMode string
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: map[string]RegisteredTool{}}
}

// SetVRCMode records the mode of the VRC turn about to run, read back by
// report_vrc's executor so the resulting VRCSnapshot carries it.
func (r *ToolRegistry) SetVRCMode(mode string) {
	r.currentVRCMode = mode
}

func (r *ToolRegistry) Register(name, description string, params map[string]any, exec ToolExec) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("agentgateway: tool name must not be empty")
	}
	if exec == nil {
		return fmt.Errorf("agentgateway: tool %s missing executor", name)
	}
	schema, err := compileSchema(params)
	if err != nil {
		return fmt.Errorf("agentgateway: tool %s schema: %w", name, err)
	}
	r.tools[name] = RegisteredTool{
		Definition: ToolDefinition{Name: name, Description: description, Parameters: params},
		Schema:     schema,
		Exec:       exec,
	}
	return nil
}

func (r *ToolRegistry) Definitions() []ToolDefinition {
	out := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Definition)
	}
	return out
}

// ToolResult is what ExecuteCall returns for one invocation.
type ToolResult struct {
	CallID  string
	Name    string
	Output  string
	IsError bool
}

// ExecuteCall validates the call's arguments against the tool's schema,
// then runs its executor against state. Unknown tools and schema
// violations are reported as tool-level errors rather than Go errors, so
// the gateway can feed them back to the model as a tool result instead of
// aborting the whole round-trip.
func (r *ToolRegistry) ExecuteCall(state *loopstate.LoopState, call ToolCall) ToolResult {
	callID := call.ID
	if strings.TrimSpace(callID) == "" {
		callID = "call_" + call.Name
	}

	t, ok := r.tools[call.Name]
	if !ok {
		return ToolResult{CallID: callID, Name: call.Name, IsError: true,
			Output: fmt.Sprintf("unknown tool: %s", call.Name)}
	}

	var args map[string]any
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return ToolResult{CallID: callID, Name: call.Name, IsError: true,
				Output: fmt.Sprintf("invalid tool arguments JSON: %v", err)}
		}
	}
	if args == nil {
		args = map[string]any{}
	}

	if err := t.Schema.Validate(args); err != nil {
		return ToolResult{CallID: callID, Name: call.Name, IsError: true,
			Output: fmt.Sprintf("tool args schema validation failed: %v", err)}
	}

	v, err := t.Exec(state, args)
	if err != nil {
		return ToolResult{CallID: callID, Name: call.Name, IsError: true, Output: err.Error()}
	}
	return ToolResult{CallID: callID, Name: call.Name, Output: toString(v)}
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

func compileSchema(params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}
